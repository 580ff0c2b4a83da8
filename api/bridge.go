package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tracecollect/models"
)

const (
	devicesPushInterval = time.Second
	shellChunkSize      = 32 * 1024
	syncChunkSize       = 64 * 1024

	etx = 0x03
)

var upgrader = websocket.Upgrader{
	// Origin policy is enforced after the upgrade so the rejection can
	// carry the approval URL in-band.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 2 * 1024 * 1024,
}

// OriginGate is the allowlist of browser origins admitted to the bridge.
// Non-browser clients send no Origin header and pass freely.
type OriginGate struct {
	mu      sync.Mutex
	allowed map[string]bool
}

func NewOriginGate() *OriginGate {
	return &OriginGate{allowed: make(map[string]bool)}
}

func (g *OriginGate) Allow(origin string) {
	g.mu.Lock()
	g.allowed[origin] = true
	g.mu.Unlock()
}

func (g *OriginGate) IsAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed[origin]
}

// commandEnvelope is the one JSON message a bridge client sends after
// connecting to /adb-json.
type commandEnvelope struct {
	Header struct {
		SerialNumber string `json:"serialNumber"`
		Command      string `json:"command"`
	} `json:"header"`
}

type wireError struct {
	Error struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		ApproveURL string `json:"approveUrl,omitempty"`
	} `json:"error"`
}

func writeWireError(conn *websocket.Conn, kind, message, approveURL string) {
	var we wireError
	we.Error.Type = kind
	we.Error.Message = message
	we.Error.ApproveURL = approveURL
	payload, _ := json.Marshal(we)
	conn.WriteMessage(websocket.TextMessage, payload)
}

// checkOrigin enforces the allowlist, answering a rejected origin with
// the approval URL it can use.
func (s *Server) checkOrigin(conn *websocket.Conn, origin string) bool {
	if s.origins.IsAllowed(origin) {
		return true
	}
	approveURL := fmt.Sprintf("http://localhost:%d/authorize-origin?origin=%s",
		s.port, url.QueryEscape(origin))
	writeWireError(conn, "ORIGIN_NOT_ALLOWLISTED",
		fmt.Sprintf("Origin %s is not allowlisted on this bridge", origin), approveURL)
	return false
}

// AuthorizeOrigin adds one origin to the allowlist. The approval URL in
// the rejection message points here.
func (s *Server) AuthorizeOrigin(c *gin.Context) {
	origin := c.Query("origin")
	if origin == "" {
		c.String(400, "Bad request!\nThis is the tracecollect ADB proxy.\n\nMissing origin parameter")
		return
	}
	s.origins.Allow(origin)
	log.Printf("✅ Origin %s allowlisted", origin)
	c.String(200, "Origin %s approved. Restart the connection in the client.", origin)
}

// HandleADBSocket serves one shell or sync exchange per connection.
func (s *Server) HandleADBSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ ADB socket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	if !s.checkOrigin(conn, c.GetHeader("Origin")) {
		return
	}

	var env commandEnvelope
	if _, data, err := conn.ReadMessage(); err != nil {
		return
	} else if err := json.Unmarshal(data, &env); err != nil {
		writeWireError(conn, "BAD_ENVELOPE", "Malformed command envelope: "+err.Error(), "")
		return
	}

	serial, command := env.Header.SerialNumber, env.Header.Command
	switch {
	case len(command) > 6 && command[:6] == "shell:":
		s.bridgeShell(conn, serial, command[6:])
	case command == "sync:":
		s.bridgeSync(conn, serial)
	default:
		writeWireError(conn, "UNSUPPORTED_COMMAND",
			fmt.Sprintf("Unsupported command %q", command), "")
	}
}

// bridgeShell streams the command's output to the client as binary frames
// until the process exits. A single ETX byte from the client interrupts
// the process, the way a terminal ^C would.
func (s *Server) bridgeShell(conn *websocket.Conn, serial, command string) {
	cmd, stdout, err := s.adb.StreamShell(serial, command)
	if err != nil {
		writeWireError(conn, "ADB_ERROR", err.Error(), "")
		return
	}
	defer cmd.Wait()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				cmd.Process.Kill()
				return
			}
			if len(data) == 1 && data[0] == etx {
				cmd.Process.Signal(os.Interrupt)
			}
		}
	}()

	buf := make([]byte, shellChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				cmd.Process.Kill()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// bridgeSync answers one RECV file-pull request with DATA chunks and a
// DONE footer, the sync chunk wire format the client reassembles.
func (s *Server) bridgeSync(conn *websocket.Conn, serial string) {
	var pending []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pending = append(pending, data...)
		if len(pending) < 8 {
			continue
		}
		if string(pending[:4]) != "RECV" {
			writeWireError(conn, "BAD_SYNC_REQUEST",
				fmt.Sprintf("Unexpected sync request id %q", pending[:4]), "")
			return
		}
		pathLen := int(binary.LittleEndian.Uint32(pending[4:8]))
		if len(pending) < 8+pathLen {
			continue
		}
		path := string(pending[8 : 8+pathLen])
		s.sendFileChunks(conn, serial, path)
		return
	}
}

func (s *Server) sendFileChunks(conn *websocket.Conn, serial, path string) {
	data, err := s.adb.ExecOut(context.Background(), serial, "su", "root", "cat", path)
	if err != nil {
		log.Printf("⚠️ Sync pull of %s from %s failed: %v", path, serial, err)
		data = nil
	}
	for offset := 0; offset < len(data); offset += syncChunkSize {
		end := offset + syncChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, 0, 8+end-offset)
		chunk = append(chunk, "DATA"...)
		chunk = binary.LittleEndian.AppendUint32(chunk, uint32(end-offset))
		chunk = append(chunk, data[offset:end]...)
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return
		}
	}
	footer := append([]byte("DONE"), 0, 0, 0, 0)
	conn.WriteMessage(websocket.BinaryMessage, footer)
}

// HandleDevicesSocket pushes the device list as binary JSON payloads
// every second until the client disconnects.
func (s *Server) HandleDevicesSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ Devices socket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	if !s.checkOrigin(conn, c.GetHeader("Origin")) {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(devicesPushInterval)
	defer ticker.Stop()
	for {
		if !s.pushDevices(conn, c) {
			return
		}
		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushDevices(conn *websocket.Conn, c *gin.Context) bool {
	devices, err := s.adb.Devices(c.Request.Context())
	if err != nil {
		log.Printf("⚠️ Device discovery failed: %v", err)
	}
	if devices == nil {
		devices = []models.DeviceInfo{}
	}
	payload, err := json.Marshal(devices)
	if err != nil {
		return false
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload) == nil
}
