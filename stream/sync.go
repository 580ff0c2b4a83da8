package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
)

// Sync wire format: a pull request is "RECV" + uint32le(len(path)) + path.
// The reply is a sequence of chunks, each "DATA" + uint32le(n) + n payload
// bytes, terminated by "DONE" + four zero bytes. Chunk boundaries carry no
// relation to websocket message boundaries.
const (
	syncRecvID = "RECV"
	syncDataID = "DATA"
	syncDoneID = "DONE"

	syncHeaderSize = 8
)

// syncDecoder reassembles the chunked reply. It is driven purely by the
// count of payload bytes still owed to the current chunk, so it stays
// correct no matter how the byte stream is split across messages: a header
// split in two, a body split across messages, or several chunks packed
// into one message.
type syncDecoder struct {
	header  []byte // partial 8-byte chunk header
	owed    int    // payload bytes still owed to the current DATA chunk
	buf     bytes.Buffer
	done    bool
	badID   string
}

func newSyncDecoder() *syncDecoder {
	return &syncDecoder{header: make([]byte, 0, syncHeaderSize)}
}

// feed consumes one inbound message. It returns true once the transfer is
// finished, either by DONE or by an unknown chunk id.
func (d *syncDecoder) feed(data []byte) bool {
	for len(data) > 0 && !d.done {
		if d.owed > 0 {
			take := d.owed
			if take > len(data) {
				take = len(data)
			}
			d.buf.Write(data[:take])
			d.owed -= take
			data = data[take:]
			continue
		}

		need := syncHeaderSize - len(d.header)
		if need > len(data) {
			need = len(data)
		}
		d.header = append(d.header, data[:need]...)
		data = data[need:]
		if len(d.header) < syncHeaderSize {
			return false
		}

		id := string(d.header[:4])
		length := binary.LittleEndian.Uint32(d.header[4:syncHeaderSize])
		d.header = d.header[:0]

		switch id {
		case syncDataID:
			d.owed = int(length)
		case syncDoneID:
			// The four zero footer bytes are the DONE header's length
			// field, already consumed above.
			d.done = true
		default:
			d.badID = id
			d.done = true
		}
	}
	return d.done
}

func (d *syncDecoder) result() []byte {
	return d.buf.Bytes()
}

// SyncStream pulls one file from the device over a dedicated websocket
// speaking the sync chunk protocol.
type SyncStream struct {
	*framedStream

	decoder  *syncDecoder
	resultCh chan []byte
}

// NewSyncStream opens a "sync:" stream for the device with the given
// serial. Call PullFile to fetch a file; the stream is single use.
func NewSyncStream(url, serial string, onError func(string)) *SyncStream {
	s := &SyncStream{
		decoder:  newSyncDecoder(),
		resultCh: make(chan []byte, 1),
	}
	s.framedStream = newFramedStream(url, s.handleMessage, onError)
	s.onOpen = func() error {
		return s.writeJSON(commandEnvelope{Header: commandHeader{
			SerialNumber: serial,
			Command:      "sync:",
		}})
	}
	s.onClose = func() {
		// Whatever was reassembled before the stream went down is still
		// delivered; partial data beats no data for a trace file.
		s.deliver()
	}
	s.start()
	return s
}

func (s *SyncStream) handleMessage(data []byte) {
	if !s.decoder.feed(data) {
		return
	}
	if s.decoder.badID != "" {
		log.Printf("Sync stream: unexpected chunk id %q, closing", s.decoder.badID)
	}
	s.deliver()
	s.Close()
}

func (s *SyncStream) deliver() {
	select {
	case s.resultCh <- s.decoder.result():
	default:
	}
}

// PullFile requests the file at path and blocks until the transfer
// finishes, the stream closes, or ctx is canceled. On a framing error or a
// cancellation the bytes buffered so far are returned rather than
// discarded.
func (s *SyncStream) PullFile(ctx context.Context, path string) ([]byte, error) {
	req := make([]byte, 0, syncHeaderSize+len(path))
	req = append(req, syncRecvID...)
	req = binary.LittleEndian.AppendUint32(req, uint32(len(path)))
	req = append(req, path...)
	if err := s.Write(req); err != nil {
		return nil, fmt.Errorf("sync pull of %s: %w", path, err)
	}
	select {
	case data := <-s.resultCh:
		return data, nil
	case <-ctx.Done():
		// Close delivers whatever was reassembled so far, so the receive
		// below cannot block.
		s.Close()
		return <-s.resultCh, fmt.Errorf("sync pull of %s: %w", path, ctx.Err())
	}
}
