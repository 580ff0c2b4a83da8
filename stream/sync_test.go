package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func chunk(id string, payload []byte) []byte {
	out := make([]byte, 0, syncHeaderSize+len(payload))
	out = append(out, id...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

func doneChunk() []byte {
	return chunk(syncDoneID, nil)
}

func feedAll(t *testing.T, d *syncDecoder, messages [][]byte, wantDoneAt int) {
	t.Helper()
	for i, m := range messages {
		finished := d.feed(m)
		if finished != (i >= wantDoneAt) {
			t.Fatalf("message %d: finished=%v, want %v", i, finished, i >= wantDoneAt)
		}
	}
}

func TestSyncDecoderSingleMessage(t *testing.T) {
	content := []byte("hello trace file")
	var wire []byte
	wire = append(wire, chunk(syncDataID, content)...)
	wire = append(wire, doneChunk()...)

	d := newSyncDecoder()
	if !d.feed(wire) {
		t.Fatal("expected transfer to finish")
	}
	if !bytes.Equal(d.result(), content) {
		t.Errorf("result = %q, want %q", d.result(), content)
	}
}

func TestSyncDecoderHeaderSplitAcrossMessages(t *testing.T) {
	content := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	wire := append(chunk(syncDataID, content), doneChunk()...)

	// Split inside the first 8-byte header, then inside the DONE header.
	messages := [][]byte{wire[:3], wire[3:10], wire[10:17], wire[17:]}
	d := newSyncDecoder()
	feedAll(t, d, messages, len(messages)-1)
	if !bytes.Equal(d.result(), content) {
		t.Errorf("result = %x, want %x", d.result(), content)
	}
}

func TestSyncDecoderBodySplitAcrossMessages(t *testing.T) {
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	wire := append(chunk(syncDataID, content), doneChunk()...)

	messages := [][]byte{wire[:100], wire[100:600], wire[600:]}
	d := newSyncDecoder()
	feedAll(t, d, messages, len(messages)-1)
	if !bytes.Equal(d.result(), content) {
		t.Error("reassembled body does not match original content")
	}
}

func TestSyncDecoderMultipleChunksPackedIntoOneMessage(t *testing.T) {
	a := []byte("first-")
	b := []byte("second-")
	c := []byte("third")
	var wire []byte
	wire = append(wire, chunk(syncDataID, a)...)
	wire = append(wire, chunk(syncDataID, b)...)
	wire = append(wire, chunk(syncDataID, c)...)
	wire = append(wire, doneChunk()...)

	d := newSyncDecoder()
	if !d.feed(wire) {
		t.Fatal("expected transfer to finish")
	}
	want := []byte("first-second-third")
	if !bytes.Equal(d.result(), want) {
		t.Errorf("result = %q, want %q", d.result(), want)
	}
}

func TestSyncDecoderEveryByteItsOwnMessage(t *testing.T) {
	content := []byte("byte at a time")
	wire := append(chunk(syncDataID, content), doneChunk()...)

	d := newSyncDecoder()
	for i := 0; i < len(wire)-1; i++ {
		if d.feed(wire[i : i+1]) {
			t.Fatalf("finished early at byte %d", i)
		}
	}
	if !d.feed(wire[len(wire)-1:]) {
		t.Fatal("expected transfer to finish on the last byte")
	}
	if !bytes.Equal(d.result(), content) {
		t.Errorf("result = %q, want %q", d.result(), content)
	}
}

func TestSyncDecoderUnknownChunkIDKeepsPartialData(t *testing.T) {
	content := []byte("partial content survives")
	var wire []byte
	wire = append(wire, chunk(syncDataID, content)...)
	wire = append(wire, chunk("FAIL", []byte("ignored"))...)

	d := newSyncDecoder()
	if !d.feed(wire) {
		t.Fatal("unknown chunk id should finish the transfer")
	}
	if d.badID != "FAIL" {
		t.Errorf("badID = %q, want FAIL", d.badID)
	}
	if !bytes.Equal(d.result(), content) {
		t.Errorf("partial result = %q, want %q", d.result(), content)
	}
}

func TestSyncDecoderEmptyFile(t *testing.T) {
	d := newSyncDecoder()
	if !d.feed(doneChunk()) {
		t.Fatal("expected immediate DONE to finish")
	}
	if len(d.result()) != 0 {
		t.Errorf("result = %q, want empty", d.result())
	}
}

func TestSyncStreamPullFileCancelKeepsPartialData(t *testing.T) {
	// The bridge sends one DATA chunk, then stalls without DONE and
	// without closing the socket.
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // envelope
		conn.ReadMessage() // RECV request
		conn.WriteMessage(websocket.BinaryMessage, chunk(syncDataID, []byte("partial")))
		conn.ReadMessage() // block until the client closes
	})

	s := NewSyncStream(url, "SER1", nil)
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	type pullResult struct {
		data []byte
		err  error
	}
	results := make(chan pullResult, 1)
	go func() {
		data, err := s.PullFile(ctx, "/data/file")
		results <- pullResult{data, err}
	}()

	select {
	case r := <-results:
		if r.err == nil {
			t.Error("canceled pull must report an error")
		}
		if !bytes.Equal(r.data, []byte("partial")) {
			t.Errorf("data = %q, want the bytes buffered before cancellation", r.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PullFile did not return after the context expired")
	}
}
