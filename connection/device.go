package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tracecollect/events"
	"tracecollect/models"
)

// DeviceConnection is the uniform operation set a device exposes regardless
// of transport. Shared probing logic lives in free functions taking this
// interface, so neither transport inherits from the other.
type DeviceConnection interface {
	Serial() string
	Model() string
	State() models.DeviceState
	FormattedName() string
	Displays() []string
	SupportsMultiDisplayRecording() bool
	IsTraceAvailable(name string) bool

	RunShellCommand(ctx context.Context, cmd string) (string, error)
	StartTrace(ctx context.Context, target models.Target) error
	EndTrace(ctx context.Context, target models.Target) error
	PullFile(ctx context.Context, devicePath string) ([]byte, error)
	TryAuthorize()
	Destroy()
}

// deviceCore holds the per-device state both transports share. State is
// recomputed from the latest raw payload only; the single exception is the
// one-shot suppression of the authorization prompt.
type deviceCore struct {
	serial string
	bus    *events.Bus

	mu           sync.Mutex
	state        models.DeviceState
	model        string
	displays     []string
	multiDisplay bool
	authPrompted bool
	traces       map[string]bool
}

func newDeviceCore(serial string, bus *events.Bus) deviceCore {
	return deviceCore{
		serial: serial,
		bus:    bus,
		state:  models.DeviceStateOffline,
		traces: make(map[string]bool),
	}
}

func (c *deviceCore) Serial() string { return c.serial }

func (c *deviceCore) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *deviceCore) State() models.DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FormattedName prefixes the offline/unauthorized state to the model+id
// when the device is not available.
func (c *deviceCore) FormattedName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.model
	if name == "" {
		name = "unknown"
	}
	base := fmt.Sprintf("%s (%s)", name, c.serial)
	switch c.state {
	case models.DeviceStateOffline:
		return "(offline) " + base
	case models.DeviceStateUnauthorized:
		return "(unauthorized) " + base
	}
	return base
}

func (c *deviceCore) Displays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.displays))
	copy(out, c.displays)
	return out
}

func (c *deviceCore) SupportsMultiDisplayRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiDisplay
}

func (c *deviceCore) IsTraceAvailable(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traces[name]
}

// applyInfo folds one raw status payload into the device state. It returns
// whether the device just became available, which is the transports' cue to
// re-probe capabilities.
func (c *deviceCore) applyInfo(info models.DeviceInfo) (becameAvailable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := info.StateOf()
	if next == models.DeviceStateUnauthorized && c.state != models.DeviceStateUnauthorized {
		// A fresh unauthorized transition re-arms the one-shot prompt.
		c.authPrompted = false
	}
	becameAvailable = next == models.DeviceStateAvailable && c.state != models.DeviceStateAvailable
	c.state = next
	if info.Model != "" {
		c.model = info.Model
	}
	return becameAvailable
}

func (c *deviceCore) markOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = models.DeviceStateOffline
}

// shouldPrompt consumes the one-shot authorization prompt. It returns true
// at most once per unauthorized-state transition.
func (c *deviceCore) shouldPrompt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.DeviceStateUnauthorized || c.authPrompted {
		return false
	}
	c.authPrompted = true
	return true
}

func (c *deviceCore) setCapabilities(multiDisplay bool, displays []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.multiDisplay = multiDisplay
	c.displays = displays
}

// setTraceAvailable records one capability probe result and reports the
// delta to the bus.
func (c *deviceCore) setTraceAvailable(name string, available bool) {
	c.mu.Lock()
	prev, known := c.traces[name]
	c.traces[name] = available
	c.mu.Unlock()
	if known && prev == available {
		return
	}
	var added, removed []string
	if available {
		added = []string{name}
	} else if known {
		removed = []string{name}
	}
	sort.Strings(added)
	c.bus.TracesChanged(c.serial, added, removed)
}
