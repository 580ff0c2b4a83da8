package connection

import (
	"sort"
	"sync"

	"tracecollect/events"
	"tracecollect/models"
)

// HostConnection owns the device list for one transport: discovery,
// refresh, restart and teardown.
type HostConnection interface {
	Devices() []DeviceConnection
	Device(serial string) (DeviceConnection, bool)
	Restart()
	Destroy()
}

// deviceSet is the identity-preserving device table a host maintains.
// Merging a discovery response keeps the existing DeviceConnection for a
// serial so session state survives refreshes.
type deviceSet struct {
	mu      sync.Mutex
	devices map[string]DeviceConnection
	bus     *events.Bus
}

func newDeviceSet(bus *events.Bus) *deviceSet {
	return &deviceSet{devices: make(map[string]DeviceConnection), bus: bus}
}

// merge reconciles the table with one discovery response. create is called
// for serials seen for the first time; existing connections are returned
// for an in-place properties update. Dropped devices are destroyed.
func (s *deviceSet) merge(infos []models.DeviceInfo, create func(models.DeviceInfo) DeviceConnection) (kept []DeviceConnection, changed bool) {
	s.mu.Lock()
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		seen[info.ID] = true
		if _, ok := s.devices[info.ID]; !ok {
			s.devices[info.ID] = create(info)
			changed = true
		}
	}
	var dropped []DeviceConnection
	for serial, dev := range s.devices {
		if !seen[serial] {
			dropped = append(dropped, dev)
			delete(s.devices, serial)
			changed = true
		}
	}
	for _, info := range infos {
		kept = append(kept, s.devices[info.ID])
	}
	s.mu.Unlock()

	for _, dev := range dropped {
		dev.Destroy()
	}
	if changed {
		s.bus.DevicesUpdated(s.serials())
	}
	return kept, changed
}

func (s *deviceSet) serials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.devices))
	for serial := range s.devices {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

func (s *deviceSet) all() []DeviceConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceConnection, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial() < out[j].Serial() })
	return out
}

func (s *deviceSet) get(serial string) (DeviceConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[serial]
	return d, ok
}

// destroyAll tears every device down and empties the table.
func (s *deviceSet) destroyAll() {
	s.mu.Lock()
	devices := make([]DeviceConnection, 0, len(s.devices))
	for serial, d := range s.devices {
		devices = append(devices, d)
		delete(s.devices, serial)
	}
	s.mu.Unlock()
	for _, d := range devices {
		d.Destroy()
	}
}
