package trace

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"tracecollect/connection"
	"tracecollect/events"
	"tracecollect/models"
	"tracecollect/perfetto"
)

// Controller orchestrates the capture lifecycle for one host connection:
// compile, prepare, start, stop, relocate, fetch. One controller serves
// every device the host discovers; live sessions are tracked per serial.
type Controller struct {
	host connection.HostConnection
	bus  *events.Bus

	// settle absorbs producer startup latency after the start commands
	// have been issued. Shortened in tests.
	settle time.Duration

	sessions map[string][]*Session
}

// NewController returns a controller bound to one host connection.
func NewController(host connection.HostConnection, bus *events.Bus) *Controller {
	return &Controller{
		host:     host,
		bus:      bus,
		settle:   time.Second,
		sessions: make(map[string][]*Session),
	}
}

func (c *Controller) device(serial string) (connection.DeviceConnection, error) {
	dev, ok := c.host.Device(serial)
	if !ok {
		return nil, fmt.Errorf("unknown device %s", serial)
	}
	return dev, nil
}

// StartTrace compiles the requests and starts every resulting session in
// order. With zero compilable sessions it emits one warning and restarts
// the host connection instead: an empty compile usually means the device
// answers discovery but supports none of the requested capabilities.
func (c *Controller) StartTrace(ctx context.Context, serial string, requests []models.TraceRequest) error {
	dev, err := c.device(serial)
	if err != nil {
		return err
	}
	moderator := perfetto.NewModerator(dev, c.bus)
	sessions := Compile(ctx, requests, moderator)
	if len(sessions) == 0 {
		c.bus.Warnf("No tracing targets available on %s for the requested configuration", dev.FormattedName())
		c.host.Restart()
		return nil
	}

	c.prepare(ctx, dev, moderator)
	for _, s := range sessions {
		if err := s.Start(ctx, dev); err != nil {
			c.bus.Warnf("Failed to start %s on %s: %v", s.Target().ID, dev.FormattedName(), err)
		}
	}
	time.Sleep(c.settle)
	c.sessions[serial] = sessions
	log.Printf("▶️ Started %d tracing session(s) on %s", len(sessions), serial)
	return nil
}

// EndTrace stops every live session for the device, reporting per-session
// progress, then signals operation-finished.
func (c *Controller) EndTrace(ctx context.Context, serial string) error {
	dev, err := c.device(serial)
	if err != nil {
		return err
	}
	sessions := c.sessions[serial]
	delete(c.sessions, serial)

	for i, s := range sessions {
		c.bus.ReportProgress(i*100/max(len(sessions), 1), "Ending trace "+s.Target().ID)
		if err := s.Stop(ctx, dev); err != nil {
			c.bus.Warnf("Failed to stop %s on %s: %v", s.Target().ID, dev.FormattedName(), err)
		}
	}
	c.bus.OperationDone(true)
	log.Printf("⏹️ Ended %d tracing session(s) on %s", len(sessions), serial)
	return nil
}

// DumpState mirrors StartTrace for one-shot dumps: every session runs to
// completion and relocates its output immediately.
func (c *Controller) DumpState(ctx context.Context, serial string, requests []models.TraceRequest) error {
	dev, err := c.device(serial)
	if err != nil {
		return err
	}
	moderator := perfetto.NewModerator(dev, c.bus)
	sessions := Compile(ctx, requests, moderator)
	if len(sessions) == 0 {
		c.bus.Warnf("No dump targets available on %s for the requested configuration", dev.FormattedName())
		c.host.Restart()
		return nil
	}

	c.prepare(ctx, dev, moderator)
	for i, s := range sessions {
		c.bus.ReportProgress(i*100/len(sessions), "Dumping "+s.Target().ID)
		if err := s.Dump(ctx, dev); err != nil {
			c.bus.Warnf("Failed to dump %s on %s: %v", s.Target().ID, dev.FormattedName(), err)
		}
	}
	c.bus.OperationDone(true)
	return nil
}

// FetchLastSessionData pulls every file parked in the backup directory
// and returns them keyed by file name. Always signals operation-finished
// with success, even for an empty backup directory.
func (c *Controller) FetchLastSessionData(ctx context.Context, serial string) (map[string][]byte, error) {
	dev, err := c.device(serial)
	if err != nil {
		return nil, err
	}
	names := connection.FindFiles(ctx, dev, BackupDir, nil)
	files := make(map[string][]byte, len(names))
	for i, name := range names {
		devicePath := name
		if !strings.HasPrefix(devicePath, "/") {
			devicePath = BackupDir + "/" + name
		}
		data, err := dev.PullFile(ctx, devicePath)
		if err != nil {
			c.bus.Warnf("Failed to fetch %s from %s: %v", name, dev.FormattedName(), err)
			continue
		}
		files[path.Base(name)] = data
		c.bus.ReportProgress((i+1)*100/len(names), "Fetched "+path.Base(name))
	}
	c.bus.OperationDone(true)
	return files, nil
}

// prepare clears every piece of device-side state a previous capture may
// have left behind: a live shared session, stale config files and the
// backup directory.
func (c *Controller) prepare(ctx context.Context, dev connection.DeviceConnection, moderator *perfetto.Moderator) {
	moderator.TryStopCurrentSession(ctx)
	if _, err := dev.RunShellCommand(ctx, perfetto.ClearConfigCommand()); err != nil {
		log.Printf("⚠️ Failed to clear config files on %s: %v", dev.Serial(), err)
	}
	cmd := fmt.Sprintf("su root rm -rf %s && su root mkdir -p %s", BackupDir, BackupDir)
	if _, err := dev.RunShellCommand(ctx, cmd); err != nil {
		log.Printf("⚠️ Failed to recreate backup directory on %s: %v", dev.Serial(), err)
	}
}
