// Package stream implements the framed websocket streams behind the direct
// device transport: a raw shell stream, a sync file-pull stream and the
// devices push stream, plus the provider that guarantees their teardown.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// commandEnvelope is the one JSON message a stream sends after connecting.
type commandEnvelope struct {
	Header commandHeader `json:"header"`
}

type commandHeader struct {
	SerialNumber string `json:"serialNumber"`
	Command      string `json:"command"`
}

// wireError is the shape of a JSON error reply from the bridge.
type wireError struct {
	Error struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		ApproveURL string `json:"approveUrl"`
	} `json:"error"`
}

// framedStream wraps one websocket connection. Every inbound message must
// be binary; anything else is a protocol error that closes the stream after
// firing the error callback exactly once.
type framedStream struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn

	ready chan struct{} // closed once the dial finished (ok or not)
	done  chan struct{} // closed once the stream is down

	closeOnce sync.Once
	errOnce   sync.Once

	onOpen  func() error
	onData  func(data []byte)
	onError func(msg string)
	onClose func()
}

func newFramedStream(url string, onData func([]byte), onError func(string)) *framedStream {
	s := &framedStream{
		url:     url,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		onData:  onData,
		onError: onError,
	}
	return s
}

// start dials asynchronously and runs the read loop. Kept separate from the
// constructor so specializations can install their open hook first.
func (s *framedStream) start() {
	go func() {
		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			close(s.ready)
			s.fail(fmt.Sprintf("Failed to connect to %s: %v", s.url, err))
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		if s.onOpen != nil {
			if err := s.onOpen(); err != nil {
				close(s.ready)
				s.fail(fmt.Sprintf("Failed to send command on %s: %v", s.url, err))
				return
			}
		}
		close(s.ready)
		s.readLoop(conn)
	}()
}

func (s *framedStream) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.Close()
			return
		}
		if msgType != websocket.BinaryMessage {
			s.protocolError(data)
			return
		}
		if s.onData != nil {
			s.onData(data)
		}
	}
}

// protocolError handles a non-binary payload: the diagnostic echoes the raw
// payload and, when it parses as a wire error, appends the embedded device
// error text.
func (s *framedStream) protocolError(raw []byte) {
	msg := fmt.Sprintf("Unexpected message from the device: %s", raw)
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.Error.Message != "" {
		msg += fmt.Sprintf("\nADB error: %s", we.Error.Message)
	}
	s.fail(msg)
}

func (s *framedStream) fail(msg string) {
	s.errOnce.Do(func() {
		if s.onError != nil {
			s.onError(msg)
		}
	})
	s.Close()
}

// Write sends one binary message, waiting for the dial to finish first.
func (s *framedStream) Write(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

func (s *framedStream) write(msgType int, data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("stream to %s is closed", s.url)
	case <-s.ready:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream to %s never connected", s.url)
	}
	return s.conn.WriteMessage(msgType, data)
}

func (s *framedStream) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

// IsOpen reports whether the socket connected and has not been closed.
func (s *framedStream) IsOpen() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	default:
		return false
	}
}

// IsClosed reports whether the stream is down for good.
func (s *framedStream) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed exactly once when the stream goes down, whether by Close,
// by the peer, or by a protocol error.
func (s *framedStream) Done() <-chan struct{} {
	return s.done
}

// Close tears the stream down. Safe to call any number of times.
func (s *framedStream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}
