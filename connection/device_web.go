package connection

import (
	"context"
	"strings"
	"sync"

	"tracecollect/events"
	"tracecollect/models"
	"tracecollect/stream"
)

const (
	// DefaultADBSocketURL is the websocket bridge endpoint for shell and
	// sync streams.
	DefaultADBSocketURL = "ws://localhost:5544/adb-json"
)

// webDevice drives one device over the direct websocket bridge. Every
// shell invocation gets its own socket; nothing is multiplexed.
type webDevice struct {
	deviceCore
	socketURL  string
	provider   *stream.Provider
	approveURL string

	recMu      sync.Mutex
	recordings map[string]*stream.ShellStream
}

func newWebDevice(serial, socketURL, approveURL string, provider *stream.Provider, bus *events.Bus) *webDevice {
	return &webDevice{
		deviceCore: newDeviceCore(serial, bus),
		socketURL:  socketURL,
		provider:   provider,
		approveURL: approveURL,
		recordings: make(map[string]*stream.ShellStream),
	}
}

func (d *webDevice) updateProperties(ctx context.Context, info models.DeviceInfo) {
	if d.applyInfo(info) {
		refreshCapabilities(ctx, d, &d.deviceCore)
		UpdateAvailableTraces(ctx, d, &d.deviceCore)
	}
}

// RunShellCommand opens a dedicated stream for the command and waits for
// its completion signal; the command's lifetime, not a timeout, bounds the
// wait.
func (d *webDevice) RunShellCommand(ctx context.Context, cmd string) (string, error) {
	var streamErr error
	s := d.provider.ShellStream(d.socketURL, d.serial, cmd, nil, func(msg string) {
		streamErr = &ProxyError{State: StateError, Message: msg}
		d.bus.Errorf("%s", msg)
	})
	defer d.provider.RemoveStream(s)
	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Close()
		<-s.Done()
	}
	if streamErr != nil {
		return "", streamErr
	}
	return string(s.Output()), nil
}

func (d *webDevice) StartTrace(ctx context.Context, target models.Target) error {
	if target.IsScreenRecording() {
		// Screen recording blocks for the whole capture, so it runs on a
		// long-lived stream that EndTrace interrupts.
		s := d.provider.ShellStream(d.socketURL, d.serial, target.StartCommand, nil, func(msg string) {
			d.bus.Errorf("%s", msg)
		})
		d.recMu.Lock()
		d.recordings[target.ID] = s
		d.recMu.Unlock()
		return nil
	}
	_, err := d.RunShellCommand(ctx, target.StartCommand)
	return err
}

func (d *webDevice) EndTrace(ctx context.Context, target models.Target) error {
	d.recMu.Lock()
	rec := d.recordings[target.ID]
	delete(d.recordings, target.ID)
	d.recMu.Unlock()

	if rec != nil {
		rec.Interrupt()
		<-rec.Done()
		d.provider.RemoveStream(rec)
		if out := string(rec.Output()); strings.Contains(out, "ERROR") {
			d.bus.Errorf("%s", cleanCommandError(out))
		}
		return nil
	}
	if target.StopCommand == "" {
		return nil
	}
	_, err := d.RunShellCommand(ctx, target.StopCommand)
	return err
}

func (d *webDevice) PullFile(ctx context.Context, devicePath string) ([]byte, error) {
	var streamErr error
	s := d.provider.SyncStream(d.socketURL, d.serial, func(msg string) {
		streamErr = &ProxyError{State: StateError, Message: msg}
	})
	defer d.provider.RemoveStream(s)
	data, err := s.PullFile(ctx, devicePath)
	if err != nil {
		return nil, err
	}
	// A framing error still yields whatever was buffered; report the
	// problem but keep the partial data.
	if streamErr != nil {
		d.bus.Warnf("Partial fetch of %s: %s", devicePath, streamErr.Error())
	}
	return data, nil
}

// TryAuthorize asks the UI to open the approval page, at most once per
// unauthorized transition.
func (d *webDevice) TryAuthorize() {
	if d.shouldPrompt() {
		d.bus.RequestAuth(d.serial, d.approveURL)
	}
}

func (d *webDevice) Destroy() {
	d.recMu.Lock()
	recs := make([]*stream.ShellStream, 0, len(d.recordings))
	for id, s := range d.recordings {
		recs = append(recs, s)
		delete(d.recordings, id)
	}
	d.recMu.Unlock()
	for _, s := range recs {
		s.Close()
	}
}
