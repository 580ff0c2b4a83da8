package stream

import (
	"bytes"
	"sync"
)

// etx is the interrupt byte written to stop a blocking shell command, the
// same ^C a terminal would send.
const etx = 0x03

// ShellStream runs one shell command over a dedicated websocket. The
// command is sent once in the connect envelope; every binary message after
// that is raw stdout. The stream completes when the socket closes, so
// callers bound command execution by waiting on Done, never on a timeout.
type ShellStream struct {
	*framedStream

	outMu  sync.Mutex
	output bytes.Buffer
}

// NewShellStream opens a stream running "shell:<command>" on the device
// with the given serial. onData, when non-nil, observes every stdout chunk
// as it arrives; the full output stays retrievable via Output either way.
func NewShellStream(url, serial, command string, onData func([]byte), onError func(string)) *ShellStream {
	s := &ShellStream{}
	s.framedStream = newFramedStream(url, func(data []byte) {
		s.outMu.Lock()
		s.output.Write(data)
		s.outMu.Unlock()
		if onData != nil {
			onData(data)
		}
	}, onError)
	s.onOpen = func() error {
		return s.writeJSON(commandEnvelope{Header: commandHeader{
			SerialNumber: serial,
			Command:      "shell:" + command,
		}})
	}
	s.start()
	return s
}

// Output returns everything the command wrote so far.
func (s *ShellStream) Output() []byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := make([]byte, s.output.Len())
	copy(out, s.output.Bytes())
	return out
}

// Interrupt writes a single ETX byte to the remote process and closes the
// stream. Used to stop a blocking command such as screenrecord.
func (s *ShellStream) Interrupt() {
	// Best effort: the write fails if the peer is already gone, which is
	// exactly the case where no interrupt is needed.
	_ = s.Write([]byte{etx})
	s.Close()
}
