package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tracecollect/events"
	"tracecollect/models"
)

// devicePollInterval is how often the proxy host refreshes its device
// list while connected.
const devicePollInterval = time.Second

// ProxyHost discovers and owns devices behind the local proxy process.
type ProxyHost struct {
	client *proxyClient
	bus    *events.Bus
	set    *deviceSet

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewProxyHost starts discovery against the proxy at baseURL (the default
// local address when empty) using the given security token.
func NewProxyHost(baseURL, token string, bus *events.Bus) *ProxyHost {
	h := &ProxyHost{
		client: newProxyClient(baseURL, token),
		bus:    bus,
		set:    newDeviceSet(bus),
	}
	h.startPolling()
	return h
}

// SetToken replaces the security token. Takes effect on the next request;
// callers typically Restart right after.
func (h *ProxyHost) SetToken(token string) {
	h.client.token = token
}

func (h *ProxyHost) Devices() []DeviceConnection { return h.set.all() }

func (h *ProxyHost) Device(serial string) (DeviceConnection, bool) { return h.set.get(serial) }

// Restart tears the connection down and re-enters the connecting state.
func (h *ProxyHost) Restart() {
	h.stopPolling()
	h.set.destroyAll()
	h.startPolling()
}

// Destroy tears down devices, then the transport.
func (h *ProxyHost) Destroy() {
	h.stopPolling()
	h.set.destroyAll()
}

func (h *ProxyHost) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.bus.StateChanged("", StateConnecting.String(), "")
	go h.pollLoop(ctx)
}

// stopPolling cancels the discovery worker; an in-flight cycle notices the
// canceled context before rescheduling.
func (h *ProxyHost) stopPolling() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *ProxyHost) pollLoop(ctx context.Context) {
	lastState := StateConnecting
	for {
		if ctx.Err() != nil {
			return
		}
		state := h.refreshDevices(ctx)
		if state != lastState {
			h.bus.StateChanged("", state.String(), "")
			lastState = state
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(devicePollInterval):
		}
	}
}

// refreshDevices runs one discovery cycle and returns the resulting
// connection state.
func (h *ProxyHost) refreshDevices(ctx context.Context) State {
	body, err := h.client.get(ctx, "/devices")
	if err != nil {
		if ctx.Err() != nil {
			return StateConnecting
		}
		state, _ := stateOf(err)
		return state
	}
	var infos []models.DeviceInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return StateError
	}
	devices, _ := h.set.merge(infos, func(info models.DeviceInfo) DeviceConnection {
		return newProxyDevice(info.ID, h.client, h.bus)
	})
	for i, dev := range devices {
		dev.(*proxyDevice).updateProperties(ctx, infos[i])
	}
	return StateIdle
}
