package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tracecollect/events"
	"tracecollect/models"
)

// fakeProxy serves a mutable device list with valid version headers.
type fakeProxy struct {
	mu      sync.Mutex
	devices []models.DeviceInfo
}

func (p *fakeProxy) setDevices(devices []models.DeviceInfo) {
	p.mu.Lock()
	p.devices = devices
	p.mu.Unlock()
}

func (p *fakeProxy) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(VersionHeader, ProxyVersion)
		if r.URL.Path == "/devices" {
			p.mu.Lock()
			payload, _ := json.Marshal(p.devices)
			p.mu.Unlock()
			w.Write(payload)
			return
		}
		// Shell probes and the rest: empty JSON string output.
		w.Write([]byte(`""`))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for " + what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProxyHostPreservesDeviceIdentityAcrossRefreshes(t *testing.T) {
	proxy := &fakeProxy{}
	proxy.setDevices([]models.DeviceInfo{{ID: "SER1", Authorized: false, Model: "Pixel"}})
	srv := httptest.NewServer(proxy.handler())
	defer srv.Close()

	bus := events.NewBus(256)
	defer bus.Close()
	host := NewProxyHost(srv.URL, "tok", bus)
	defer host.Destroy()

	waitFor(t, "first discovery", func() bool { return len(host.Devices()) == 1 })
	first, _ := host.Device("SER1")

	// A later refresh with the same serial must keep the same connection.
	proxy.setDevices([]models.DeviceInfo{
		{ID: "SER1", Authorized: false, Model: "Pixel"},
		{ID: "SER2", Authorized: false, Model: "Tablet"},
	})
	waitFor(t, "second device", func() bool { return len(host.Devices()) == 2 })
	again, ok := host.Device("SER1")
	if !ok || again != first {
		t.Error("device connection identity was not preserved across refreshes")
	}

	// A dropped serial disappears from the table.
	proxy.setDevices([]models.DeviceInfo{{ID: "SER2", Authorized: false, Model: "Tablet"}})
	waitFor(t, "device removal", func() bool { return len(host.Devices()) == 1 })
	if _, ok := host.Device("SER1"); ok {
		t.Error("removed device still present")
	}
}

func TestProxyHostRestartReplacesDevices(t *testing.T) {
	proxy := &fakeProxy{}
	proxy.setDevices([]models.DeviceInfo{{ID: "SER1", Authorized: false}})
	srv := httptest.NewServer(proxy.handler())
	defer srv.Close()

	bus := events.NewBus(256)
	defer bus.Close()
	host := NewProxyHost(srv.URL, "tok", bus)
	defer host.Destroy()

	waitFor(t, "first discovery", func() bool { return len(host.Devices()) == 1 })
	first, _ := host.Device("SER1")

	host.Restart()
	waitFor(t, "rediscovery", func() bool {
		d, ok := host.Device("SER1")
		return ok && d != first
	})
}
