// Package events carries everything the trace-collection core reports to
// its UI collaborator: connection state, device deltas, warnings, progress.
// One tagged channel replaces the listener objects the core used to mutate
// across async boundaries.
package events

import (
	"fmt"
	"log"
	"sync"
)

// Kind tags one event on the bus.
type Kind int

const (
	// ConnectionStateChanged reports a transport connection state change.
	ConnectionStateChanged Kind = iota
	// DevicesChanged reports a new set of discovered device serials.
	DevicesChanged
	// AvailableTracesChanged reports capability deltas for one device.
	AvailableTracesChanged
	// Warning is a non-fatal user-facing message; tracing continues.
	Warning
	// Error is a user-facing failure message.
	Error
	// Progress reports percent completion of a long-running operation.
	Progress
	// OperationFinished reports that a start/stop/fetch cycle completed.
	OperationFinished
	// AuthRequired asks the UI to drive an authorization approval flow.
	AuthRequired
)

// Event is one tagged message. Only the fields relevant to Kind are set.
type Event struct {
	Kind    Kind
	Serial  string
	State   string
	Devices []string
	Added   []string
	Removed []string
	Message string
	Percent int
	Success bool
	URL     string
}

// Bus fans events out to a single consumer channel. Emitting never blocks:
// when the consumer falls behind the event is dropped with a log line, the
// same backpressure rule the websocket hub applies to slow clients.
type Bus struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewBus returns a bus with room for size buffered events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{ch: make(chan Event, size)}
}

// Events is the consumer side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close shuts the bus down. Emits after Close are dropped silently.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

func (b *Bus) emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		log.Printf("⚠️ Event channel full, dropping %v event", e.Kind)
	}
}

// Warnf emits a formatted non-fatal warning.
func (b *Bus) Warnf(format string, args ...interface{}) {
	b.emit(Event{Kind: Warning, Message: fmt.Sprintf(format, args...)})
}

// Errorf emits a formatted user-facing error.
func (b *Bus) Errorf(format string, args ...interface{}) {
	b.emit(Event{Kind: Error, Message: fmt.Sprintf(format, args...)})
}

// StateChanged reports a connection state transition, optionally scoped to
// one device serial.
func (b *Bus) StateChanged(serial, state, message string) {
	b.emit(Event{Kind: ConnectionStateChanged, Serial: serial, State: state, Message: message})
}

// DevicesUpdated reports the current set of device serials.
func (b *Bus) DevicesUpdated(serials []string) {
	b.emit(Event{Kind: DevicesChanged, Devices: serials})
}

// TracesChanged reports newly available and newly unavailable capabilities
// for one device.
func (b *Bus) TracesChanged(serial string, added, removed []string) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	b.emit(Event{Kind: AvailableTracesChanged, Serial: serial, Added: added, Removed: removed})
}

// ReportProgress reports percent completion plus a short status message.
func (b *Bus) ReportProgress(percent int, message string) {
	b.emit(Event{Kind: Progress, Percent: percent, Message: message})
}

// OperationDone reports the end of a start/stop/fetch cycle.
func (b *Bus) OperationDone(success bool) {
	b.emit(Event{Kind: OperationFinished, Success: success})
}

// RequestAuth asks the UI collaborator to open an approval URL.
func (b *Bus) RequestAuth(serial, url string) {
	b.emit(Event{Kind: AuthRequired, Serial: serial, URL: url})
}
