package stream

import "sync"

// Stream is the teardown surface every framed stream exposes.
type Stream interface {
	Close()
	IsClosed() bool
}

// DevicesStream subscribes to the track-devices push stream. The server
// sends the device list as binary JSON payloads; anything else follows the
// usual protocol-error path.
type DevicesStream struct {
	*framedStream
}

// NewDevicesStream opens a devices push stream. Prefer creating it through
// a Provider so the singleton rule holds.
func NewDevicesStream(url string, onData func([]byte), onError func(string)) *DevicesStream {
	s := &DevicesStream{}
	s.framedStream = newFramedStream(url, onData, onError)
	s.start()
	return s
}

// Provider tracks every live stream for one device session so teardown can
// be guaranteed in bulk. A leaked stream here means a zombie process on the
// device, so owners must route all stream creation through their provider.
type Provider struct {
	mu      sync.Mutex
	streams map[Stream]struct{}
	devices *DevicesStream
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{streams: make(map[Stream]struct{})}
}

// ShellStream creates and tracks a shell stream.
func (p *Provider) ShellStream(url, serial, command string, onData func([]byte), onError func(string)) *ShellStream {
	s := NewShellStream(url, serial, command, onData, onError)
	p.track(s)
	return s
}

// SyncStream creates and tracks a sync stream.
func (p *Provider) SyncStream(url, serial string, onError func(string)) *SyncStream {
	s := NewSyncStream(url, serial, onError)
	p.track(s)
	return s
}

// DevicesStream creates the devices push stream. At most one lives at a
// time: any previous one is closed and discarded first.
func (p *Provider) DevicesStream(url string, onData func([]byte), onError func(string)) *DevicesStream {
	p.mu.Lock()
	prev := p.devices
	p.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	s := NewDevicesStream(url, onData, onError)
	p.mu.Lock()
	p.devices = s
	p.mu.Unlock()
	return s
}

func (p *Provider) track(s Stream) {
	p.mu.Lock()
	p.streams[s] = struct{}{}
	p.mu.Unlock()
}

// RemoveStream detaches a stream from bulk teardown. The caller becomes
// responsible for closing it.
func (p *Provider) RemoveStream(s Stream) {
	p.mu.Lock()
	delete(p.streams, s)
	p.mu.Unlock()
}

// CloseAll closes every tracked stream plus the devices stream.
func (p *Provider) CloseAll() {
	p.mu.Lock()
	streams := make([]Stream, 0, len(p.streams)+1)
	for s := range p.streams {
		streams = append(streams, s)
	}
	p.streams = make(map[Stream]struct{})
	if p.devices != nil {
		streams = append(streams, p.devices)
		p.devices = nil
	}
	p.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}
