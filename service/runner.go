// Package service holds the proxy server's device-facing workers: the
// trace runner that babysits on-device capture shells and the capture
// history store.
package service

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"tracecollect/adb"
	"tracecollect/perfetto"
)

const (
	statusFileBase   = "/data/local/tmp/tracecollect_status"
	signalHandlerLog = "/data/local/tmp/tracecollect_signal_handler.log"

	// KeepAliveInterval is the longest the runner waits between client
	// status polls before it ends the trace on its own.
	KeepAliveInterval = 5 * time.Second

	// cleanupTimeout bounds how long a trace shell gets to run its stop
	// commands after the interrupt.
	cleanupTimeout = 15 * time.Second
)

// traceScript runs on the device for the whole capture. The trap runs the
// stop commands on hangup/interrupt and marks completion in the status
// file. The shell does not run the HUP handler while a foreground child is
// active, so the script sleeps in short intervals instead of blocking.
const traceScript = `
set -e

echo "Opening shell..."
echo "TRACE_START" > %[1]s

# Do not print anything to stdout/stderr in the handler
close_shell() {
  echo "start" >%[2]s

  exec 1>>%[2]s
  exec 2>>%[2]s

  set -x
  trap - EXIT HUP INT
  %[3]s
  echo "TRACE_OK" > %[1]s
}

trap close_shell EXIT HUP INT
echo "Signal handler registered."

%[4]s

while true; do sleep 0.1; done
`

// ErrNoTrace reports a status or end request for a device or target with
// no live capture.
var ErrNoTrace = fmt.Errorf("no trace in progress")

// traceProcess is one live capture shell.
type traceProcess struct {
	targetID   string
	serial     string
	statusFile string

	mu        sync.Mutex
	keepAlive *time.Timer
	finished  bool
	timedOut  bool
	success   bool
	stdout    bytes.Buffer
	stderr    bytes.Buffer

	interruptOnce sync.Once
	interrupt     func()
	done          chan struct{}
}

func (p *traceProcess) resetTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	if p.keepAlive != nil {
		p.keepAlive.Stop()
	}
	p.keepAlive = time.AfterFunc(KeepAliveInterval, func() {
		log.Printf("⚠️ Keep-alive timeout for %s trace on %s", p.targetID, p.serial)
		p.end()
	})
}

func (p *traceProcess) stopTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keepAlive != nil {
		p.keepAlive.Stop()
		p.keepAlive = nil
	}
}

// end interrupts the capture shell so its trap runs the stop commands,
// then waits out the cleanup. Safe to call more than once.
func (p *traceProcess) end() {
	p.stopTimer()
	p.interruptOnce.Do(p.interrupt)
	<-p.done
}

func (p *traceProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// TraceRunner owns the live capture shells, keyed by device serial and
// target id.
type TraceRunner struct {
	adb   *adb.Client
	store *Store

	mu     sync.Mutex
	traces map[string]map[string]*traceProcess
}

// NewTraceRunner returns a runner. The store may be nil when capture
// history is disabled.
func NewTraceRunner(client *adb.Client, store *Store) *TraceRunner {
	return &TraceRunner{
		adb:    client,
		store:  store,
		traces: make(map[string]map[string]*traceProcess),
	}
}

// Start launches the capture shell for one target and begins its
// keep-alive clock.
func (r *TraceRunner) Start(serial, targetID, startCmd, stopCmd string) error {
	statusFile := statusFileBase + "_" + targetID
	script := fmt.Sprintf(traceScript, statusFile, signalHandlerLog, stopCmd, startCmd)

	p := &traceProcess{
		targetID:   targetID,
		serial:     serial,
		statusFile: statusFile,
		done:       make(chan struct{}),
	}
	cmd, stdin, err := r.adb.StartShell(serial, &p.stdout, &p.stderr)
	if err != nil {
		return fmt.Errorf("starting trace shell for %s: %w", targetID, err)
	}
	p.interrupt = func() {
		if cmd.Process != nil {
			cmd.Process.Signal(os.Interrupt)
		}
	}

	r.mu.Lock()
	if _, ok := r.traces[serial]; !ok {
		r.traces[serial] = make(map[string]*traceProcess)
	}
	r.traces[serial][targetID] = p
	r.mu.Unlock()

	go func() {
		if _, err := stdin.Write([]byte(script)); err != nil {
			log.Printf("⚠️ Failed to feed trace script for %s on %s: %v", targetID, serial, err)
		}
		stdin.Close()

		waited := make(chan struct{})
		go func() { cmd.Wait(); close(waited) }()
		select {
		case <-waited:
		case <-time.After(cleanupTimeout + KeepAliveInterval):
			log.Printf("⚠️ Trace shell for %s on %s did not exit, killing", targetID, serial)
			cmd.Process.Kill()
			<-waited
		}

		// Give the trap a moment, then wait for the completion marker.
		time.Sleep(200 * time.Millisecond)
		success := r.awaitCleanup(p)
		timedOut := !success && !r.statusWritten(p)
		p.mu.Lock()
		p.finished = true
		p.success = success
		p.timedOut = timedOut
		p.mu.Unlock()
		close(p.done)
	}()

	p.resetTimer()
	log.Printf("▶️ Trace %s started on %s", targetID, serial)
	return nil
}

// awaitCleanup polls the status file until the trap reports completion or
// the cleanup window runs out.
func (r *TraceRunner) awaitCleanup(p *traceProcess) bool {
	const retryInterval = 100 * time.Millisecond
	deadline := time.Now().Add(cleanupTimeout)
	for time.Now().Before(deadline) {
		if r.statusWritten(p) {
			// The shared-framework session reports its own errors through
			// the stop command; shell stderr only matters for legacy runs.
			if p.targetID == perfetto.SharedTraceTargetID || p.targetID == perfetto.SharedDumpTargetID {
				return true
			}
			return p.stderr.Len() == 0
		}
		time.Sleep(retryInterval)
	}
	return false
}

func (r *TraceRunner) statusWritten(p *traceProcess) bool {
	out, err := r.adb.Shell(context.Background(), p.serial, "su root cat "+p.statusFile)
	return err == nil && out == "TRACE_OK\n"
}

// Status reports whether the capture is still live and resets its
// keep-alive clock. Unknown devices report ErrNoTrace; unknown targets on
// a known device report false.
func (r *TraceRunner) Status(serial, targetID string) (bool, error) {
	r.mu.Lock()
	targets, ok := r.traces[serial]
	p := targets[targetID]
	r.mu.Unlock()
	if !ok {
		return false, ErrNoTrace
	}
	if p == nil {
		return false, nil
	}
	p.resetTimer()
	return p.alive(), nil
}

// End stops one capture and returns the user-facing error strings the run
// produced. The full shell output is logged for diagnosis, not returned.
func (r *TraceRunner) End(serial, targetID string) ([]string, error) {
	r.mu.Lock()
	targets, ok := r.traces[serial]
	p := targets[targetID]
	if p != nil {
		delete(targets, targetID)
		if len(targets) == 0 {
			delete(r.traces, serial)
		}
	}
	r.mu.Unlock()
	if !ok || p == nil {
		return nil, ErrNoTrace
	}

	p.end()

	var errors []string
	p.mu.Lock()
	timedOut, success := p.timedOut, p.success
	stdout, stderr := p.stdout.String(), p.stderr.String()
	p.mu.Unlock()
	if timedOut {
		msg := fmt.Sprintf("Trace %s timed out during cleanup", targetID)
		errors = append(errors, msg)
		log.Printf("❌ %s", msg)
	}
	if !success && !timedOut {
		errors = append(errors, fmt.Sprintf("Error ending trace %s on the device: %s", targetID, stderr))
	}

	ctx := context.Background()
	handlerLog, _ := r.adb.Shell(ctx, serial, "su root cat "+signalHandlerLog)
	log.Printf("Trace %s output on %s:\n### stdout ###\n%s\n### stderr ###\n%s\n### signal handler log ###\n%s",
		targetID, serial, orPlaceholder(stdout), orPlaceholder(stderr), orPlaceholder(handlerLog))
	r.adb.Shell(ctx, serial, "su root rm "+p.statusFile)

	if r.store != nil {
		if err := r.store.RecordCapture(serial, targetID, success && !timedOut, strings.Join(errors, "\n")); err != nil {
			log.Printf("⚠️ Failed to record capture history: %v", err)
		}
	}
	return errors, nil
}

// EndAll stops every live capture, for server shutdown.
func (r *TraceRunner) EndAll() {
	r.mu.Lock()
	type key struct{ serial, target string }
	var keys []key
	for serial, targets := range r.traces {
		for target := range targets {
			keys = append(keys, key{serial, target})
		}
	}
	r.mu.Unlock()
	for _, k := range keys {
		r.End(k.serial, k.target)
	}
}

func orPlaceholder(s string) string {
	if s == "" {
		return "<empty>"
	}
	return s
}
