package trace

import (
	"context"
	"fmt"
	"log"

	"tracecollect/connection"
	"tracecollect/models"
)

// Session wraps one compiled target with its tracing flag. Transitions
// idle → tracing → idle via Start/Stop; Stop on an idle session is a
// no-op. Dumps never enter the tracing state.
type Session struct {
	target  models.Target
	tracing bool
}

// NewSession returns an idle session for one target.
func NewSession(target models.Target) *Session {
	return &Session{target: target}
}

// Target returns the compiled recipe this session drives.
func (s *Session) Target() models.Target { return s.target }

// IsTracing reports whether the session is between Start and Stop.
func (s *Session) IsTracing() bool { return s.tracing }

// Start runs the setup commands in order, then hands the start command to
// the device transport.
func (s *Session) Start(ctx context.Context, dev connection.DeviceConnection) error {
	if err := s.runSetup(ctx, dev); err != nil {
		return err
	}
	if err := dev.StartTrace(ctx, s.target); err != nil {
		return fmt.Errorf("start %s: %w", s.target.ID, err)
	}
	s.tracing = true
	return nil
}

// Stop ends the capture and relocates its output files. Idempotent.
func (s *Session) Stop(ctx context.Context, dev connection.DeviceConnection) error {
	if !s.tracing {
		return nil
	}
	s.tracing = false
	if err := dev.EndTrace(ctx, s.target); err != nil {
		return fmt.Errorf("stop %s: %w", s.target.ID, err)
	}
	s.moveFiles(ctx, dev)
	return nil
}

// Dump runs the one-shot variant: setup plus a single foreground start
// command, then immediate relocation.
func (s *Session) Dump(ctx context.Context, dev connection.DeviceConnection) error {
	if err := s.runSetup(ctx, dev); err != nil {
		return err
	}
	if _, err := dev.RunShellCommand(ctx, s.target.StartCommand); err != nil {
		return fmt.Errorf("dump %s: %w", s.target.ID, err)
	}
	s.moveFiles(ctx, dev)
	return nil
}

func (s *Session) runSetup(ctx context.Context, dev connection.DeviceConnection) error {
	for _, cmd := range s.target.SetupCommands {
		if _, err := dev.RunShellCommand(ctx, cmd); err != nil {
			return fmt.Errorf("setup %s: %w", s.target.ID, err)
		}
	}
	return nil
}

// moveFiles parks every produced file in the backup directory under its
// destination name. Per-file move failures are logged, not fatal: the
// remaining files are still worth fetching.
func (s *Session) moveFiles(ctx context.Context, dev connection.DeviceConnection) {
	for _, file := range s.target.Files {
		matches := connection.FindFiles(ctx, dev, file.DevicePath, file.Matchers)
		for i, match := range matches {
			dest := file.Destination
			if i > 0 {
				dest = fmt.Sprintf("%d_%s", i, dest)
			}
			cmd := fmt.Sprintf("su root mv %s %s/%s", match, BackupDir, dest)
			if _, err := dev.RunShellCommand(ctx, cmd); err != nil {
				log.Printf("⚠️ Failed to move %s for %s: %v", match, s.target.ID, err)
			}
		}
	}
}
