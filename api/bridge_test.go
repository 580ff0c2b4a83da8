package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func dialBridge(t *testing.T, httpURL, path string, origin string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWireError(t *testing.T, conn *websocket.Conn) wireError {
	t.Helper()
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	var we wireError
	if err := json.Unmarshal(data, &we); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return we
}

func TestDevicesSocketRejectsUnknownOrigin(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialBridge(t, srv.URL, "/track-devices-json", "http://evil.test")

	we := readWireError(t, conn)
	if we.Error.Type != "ORIGIN_NOT_ALLOWLISTED" {
		t.Errorf("error type = %q", we.Error.Type)
	}
	if !strings.Contains(we.Error.ApproveURL, "/authorize-origin?origin=") {
		t.Errorf("approve url = %q must point at the approval endpoint", we.Error.ApproveURL)
	}
}

func TestADBSocketRejectsUnsupportedCommand(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialBridge(t, srv.URL, "/adb-json", "")

	env := commandEnvelope{}
	env.Header.SerialNumber = "SER1"
	env.Header.Command = "reboot:"
	payload, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	we := readWireError(t, conn)
	if we.Error.Type != "UNSUPPORTED_COMMAND" {
		t.Errorf("error type = %q", we.Error.Type)
	}
}

func TestADBSocketSyncRejectsBadRequestID(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialBridge(t, srv.URL, "/adb-json", "")

	env := commandEnvelope{}
	env.Header.SerialNumber = "SER1"
	env.Header.Command = "sync:"
	payload, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage,
		[]byte{'S', 'E', 'N', 'D', 0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}

	we := readWireError(t, conn)
	if we.Error.Type != "BAD_SYNC_REQUEST" {
		t.Errorf("error type = %q", we.Error.Type)
	}
}
