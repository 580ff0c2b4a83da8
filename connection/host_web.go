package connection

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"tracecollect/events"
	"tracecollect/models"
	"tracecollect/stream"
)

const (
	// DefaultDevicesSocketURL is the websocket bridge's device push stream.
	DefaultDevicesSocketURL = "ws://localhost:5544/track-devices-json"

	originNotAllowlisted = "ORIGIN_NOT_ALLOWLISTED"
)

// WebHost owns devices reachable over the direct websocket bridge. The
// device list arrives by push on a singleton devices stream rather than by
// polling.
type WebHost struct {
	devicesURL string
	adbURL     string
	bus        *events.Bus
	provider   *stream.Provider
	set        *deviceSet

	mu         sync.Mutex
	approveURL string
	lastState  State
	lastMsg    string
}

// NewWebHost subscribes to the devices stream at devicesURL and opens
// per-command sockets against adbURL. Empty URLs fall back to the local
// bridge defaults.
func NewWebHost(devicesURL, adbURL string, bus *events.Bus) *WebHost {
	if devicesURL == "" {
		devicesURL = DefaultDevicesSocketURL
	}
	if adbURL == "" {
		adbURL = DefaultADBSocketURL
	}
	h := &WebHost{
		devicesURL: devicesURL,
		adbURL:     adbURL,
		bus:        bus,
		provider:   stream.NewProvider(),
		set:        newDeviceSet(bus),
	}
	h.subscribe()
	return h
}

func (h *WebHost) Devices() []DeviceConnection { return h.set.all() }

func (h *WebHost) Device(serial string) (DeviceConnection, bool) { return h.set.get(serial) }

// Restart drops every stream and re-subscribes to device discovery.
func (h *WebHost) Restart() {
	h.set.destroyAll()
	h.provider.CloseAll()
	h.subscribe()
}

// Destroy tears down devices, then every remaining stream.
func (h *WebHost) Destroy() {
	h.set.destroyAll()
	h.provider.CloseAll()
}

// subscribe opens the devices push stream. The provider enforces that at
// most one such stream is live, so a re-subscription atomically replaces
// and closes the previous one.
func (h *WebHost) subscribe() {
	h.mu.Lock()
	h.lastState, h.lastMsg = StateConnecting, ""
	h.mu.Unlock()
	h.bus.StateChanged("", StateConnecting.String(), "")
	h.provider.DevicesStream(h.devicesURL, h.handleDevicesPayload, h.handleDevicesError)
}

// reportState forwards a state transition, suppressing repeats so the 1 s
// device push does not flood the bus with identical events.
func (h *WebHost) reportState(state State, msg string) {
	h.mu.Lock()
	if state == h.lastState && msg == h.lastMsg {
		h.mu.Unlock()
		return
	}
	h.lastState, h.lastMsg = state, msg
	h.mu.Unlock()
	h.bus.StateChanged("", state.String(), msg)
}

func (h *WebHost) handleDevicesPayload(data []byte) {
	var infos []models.DeviceInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		h.reportState(StateError, "Malformed device list from the bridge: "+err.Error())
		return
	}
	ctx := context.Background()
	devices, _ := h.set.merge(infos, func(info models.DeviceInfo) DeviceConnection {
		return newWebDevice(info.ID, h.adbURL, h.currentApproveURL(), h.provider, h.bus)
	})
	for i, dev := range devices {
		dev.(*webDevice).updateProperties(ctx, infos[i])
	}
	h.reportState(StateIdle, "")
}

// handleDevicesError recognizes the origin-approval rejection and turns it
// into the same approval flow device authorization uses. With the push
// stream down the known devices are unreachable until a restart, so they
// are marked offline.
func (h *WebHost) handleDevicesError(msg string) {
	for _, dev := range h.set.all() {
		if d, ok := dev.(*webDevice); ok {
			d.markOffline()
		}
	}
	if strings.Contains(msg, originNotAllowlisted) {
		url := approveURLFrom(msg)
		h.mu.Lock()
		h.approveURL = url
		h.mu.Unlock()
		h.bus.RequestAuth("", url)
		h.reportState(StateUnauthorized,
			"This origin is not allowlisted by the bridge. Approve it, then restart the connection.")
		return
	}
	h.reportState(StateNotFound, msg)
}

func (h *WebHost) currentApproveURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.approveURL
}

// approveURLFrom digs the approval URL out of an echoed wire error.
func approveURLFrom(msg string) string {
	start := strings.Index(msg, "{")
	if start < 0 {
		return ""
	}
	var we struct {
		Error struct {
			ApproveURL string `json:"approveUrl"`
		} `json:"error"`
	}
	// The echoed payload may carry trailing diagnostic text; decode just
	// the first JSON value.
	if err := json.NewDecoder(strings.NewReader(msg[start:])).Decode(&we); err != nil {
		return ""
	}
	return we.Error.ApproveURL
}
