package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer runs handler for each websocket connection and returns a ws://
// URL for it.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitClosed(t *testing.T, s Stream) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.IsClosed() {
		if time.Now().After(deadline) {
			t.Fatal("stream never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShellStreamCollectsOutputUntilClose(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		// Expect the command envelope first.
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("reading envelope: %v", err)
			return
		}
		var env commandEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Errorf("bad envelope %q: %v", raw, err)
			return
		}
		if env.Header.Command != "shell:echo hi" || env.Header.SerialNumber != "SER123" {
			t.Errorf("unexpected envelope: %+v", env.Header)
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte("hi"))
		conn.WriteMessage(websocket.BinaryMessage, []byte("\n"))
	})

	s := NewShellStream(url, "SER123", "echo hi", nil, func(msg string) {
		t.Errorf("unexpected stream error: %s", msg)
	})
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shell stream never completed")
	}
	if got := string(s.Output()); got != "hi\n" {
		t.Errorf("output = %q, want %q", got, "hi\n")
	}
	if !s.IsClosed() {
		t.Error("stream should be closed after completion")
	}
}

func TestFramedStreamTextMessageIsProtocolError(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // envelope
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"type":"ADB","message":"device gone"}}`))
		// Keep the connection up until the client closes it.
		conn.ReadMessage()
	})

	var errCount int32
	var lastErr atomic.Value
	s := NewShellStream(url, "SER123", "ls", nil, func(msg string) {
		atomic.AddInt32(&errCount, 1)
		lastErr.Store(msg)
	})
	waitClosed(t, s)

	if n := atomic.LoadInt32(&errCount); n != 1 {
		t.Fatalf("error callback fired %d times, want exactly 1", n)
	}
	msg := lastErr.Load().(string)
	if !strings.Contains(msg, `"device gone"`) && !strings.Contains(msg, "device gone") {
		t.Errorf("error %q does not echo the embedded ADB message", msg)
	}
	if !strings.Contains(msg, "error") {
		t.Errorf("error %q does not echo the raw payload", msg)
	}
}

func TestFramedStreamDialFailureReportsError(t *testing.T) {
	var errCount int32
	s := NewShellStream("ws://127.0.0.1:1/adb-json", "SER", "ls", nil, func(string) {
		atomic.AddInt32(&errCount, 1)
	})
	waitClosed(t, s)
	if n := atomic.LoadInt32(&errCount); n != 1 {
		t.Errorf("error callback fired %d times, want 1", n)
	}
}

func TestProviderDevicesStreamSingleton(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // block until the peer closes
	})

	p := NewProvider()
	first := p.DevicesStream(url, nil, nil)
	second := p.DevicesStream(url, nil, nil)
	waitClosed(t, first)
	if second.IsClosed() {
		t.Error("replacement devices stream should still be open")
	}
	p.CloseAll()
	waitClosed(t, second)
}

func TestProviderCloseAll(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	p := NewProvider()
	a := p.ShellStream(url, "A", "sleep 100", nil, nil)
	b := p.SyncStream(url, "B", nil)
	removed := p.ShellStream(url, "C", "ls", nil, nil)
	p.RemoveStream(removed)

	p.CloseAll()
	waitClosed(t, a)
	waitClosed(t, b)
	if removed.IsClosed() {
		t.Error("removed stream must not be closed by CloseAll")
	}
	removed.Close()
}
