// Package perfetto arbitrates access to the device's shared tracing
// framework: session admission, config assembly and cleanup of stale
// sessions left behind by earlier runs of this tool.
package perfetto

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tracecollect/connection"
	"tracecollect/events"
	"tracecollect/models"
)

const (
	// UniqueSessionName marks sessions started by this tool so they can be
	// told apart from other perfetto consumers and stopped on restart.
	UniqueSessionName = "tracecollect_tracing_session"

	// TraceConfigPath and DumpConfigPath are the device-side config files
	// this tool assembles via shell heredocs.
	TraceConfigPath = "/data/misc/perfetto-configs/tracecollect-trace.conf"
	DumpConfigPath  = "/data/misc/perfetto-configs/tracecollect-dump.conf"

	// TraceOutputPath and DumpOutputPath are where the daemon writes.
	TraceOutputPath = "/data/misc/perfetto-traces/tracecollect-trace.perfetto-trace"
	DumpOutputPath  = "/data/misc/perfetto-traces/tracecollect-dump.perfetto-trace"

	// SharedTraceTargetID and SharedDumpTargetID name the merged sessions
	// the request compiler appends last.
	SharedTraceTargetID = "perfetto_trace"
	SharedDumpTargetID  = "perfetto_dump"

	// The session list sits between these two markers in the query output.
	sessionsBeginMarker = "TRACING SESSIONS:"
	sessionsEndMarker   = "NUM_DATA_SOURCES:"

	// maxConcurrentSessions is the daemon's admission limit; at this many
	// live sessions a new shared-framework session would be rejected, so
	// requests fall back to the legacy path instead.
	maxConcurrentSessions = 5
)

// Moderator decides whether a trace request may use the shared tracing
// framework on one device. The query output is fetched once and memoized
// for the moderator's lifetime, so admission decisions within one
// start-trace cycle are consistent.
type Moderator struct {
	dev connection.DeviceConnection
	bus *events.Bus

	mu            sync.Mutex
	queried       bool
	queryText     string
	prevSessionUp bool
	warnedFull    bool
}

// NewModerator returns a moderator for one device.
func NewModerator(dev connection.DeviceConnection, bus *events.Bus) *Moderator {
	return &Moderator{dev: dev, bus: bus}
}

func (m *Moderator) query(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.queried {
		out, err := m.dev.RunShellCommand(ctx, "perfetto --query")
		if err != nil {
			out = ""
		}
		m.queryText = out
		_, m.prevSessionUp = parseSessions(out)
		m.queried = true
	}
	return m.queryText
}

// parseSessions counts the session lines between the two fixed markers,
// excluding this tool's own session, and reports whether the own session
// appeared. Absent markers contribute nothing: the parser degrades to
// "no sessions" rather than guessing.
func parseSessions(query string) (others int, ownActive bool) {
	begin := strings.Index(query, sessionsBeginMarker)
	if begin < 0 {
		return 0, false
	}
	rest := query[begin+len(sessionsBeginMarker):]
	end := strings.Index(rest, sessionsEndMarker)
	if end < 0 {
		return 0, false
	}
	for _, line := range strings.Split(rest[:end], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, UniqueSessionName) {
			ownActive = true
			continue
		}
		others++
	}
	return others, ownActive
}

// IsTooManySessions reports whether the shared framework is saturated.
// The first saturated answer emits a user warning; requests then reroute
// to the legacy mechanism rather than failing.
func (m *Moderator) IsTooManySessions(ctx context.Context) bool {
	others, _ := parseSessions(m.query(ctx))
	if others < maxConcurrentSessions {
		return false
	}
	m.mu.Lock()
	warned := m.warnedFull
	m.warnedFull = true
	m.mu.Unlock()
	if !warned {
		m.bus.Warnf("Device %s already runs %d tracing sessions; falling back to legacy tracing for this capture",
			m.dev.Serial(), others)
	}
	return true
}

// PreviousSessionActive reports whether a session from an earlier run of
// this tool is still live on the device.
func (m *Moderator) PreviousSessionActive(ctx context.Context) bool {
	m.query(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevSessionUp
}

// TryStopCurrentSession stops at most one prior same-tool session.
// Idempotent: once stopped, later calls are no-ops.
func (m *Moderator) TryStopCurrentSession(ctx context.Context) {
	m.query(ctx)
	m.mu.Lock()
	active := m.prevSessionUp
	m.prevSessionUp = false
	m.mu.Unlock()
	if !active {
		return
	}
	if _, err := m.dev.RunShellCommand(ctx, "perfetto --attach="+UniqueSessionName+" --stop"); err != nil {
		m.bus.Warnf("Failed to stop the previous tracing session on %s: %v", m.dev.Serial(), err)
	}
}

// IsDataSourceAvailable reports whether the shared framework advertises
// the named data source on this device.
func (m *Moderator) IsDataSourceAvailable(ctx context.Context, name string) bool {
	return strings.Contains(m.query(ctx), name)
}

// CreateSetupCommand builds the shell fragment that appends one data
// source to the shared config file. An empty configBlock enables the data
// source with its defaults.
func CreateSetupCommand(dataSource, configBlock string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cat << EOF >> %s\n", TraceConfigPath)
	b.WriteString("data_sources: {\n")
	b.WriteString("  config {\n")
	fmt.Fprintf(&b, "    name: \"%s\"\n", dataSource)
	if configBlock != "" {
		for _, line := range strings.Split(configBlock, "\n") {
			b.WriteString("    " + line + "\n")
		}
	}
	b.WriteString("  }\n")
	b.WriteString("}\n")
	b.WriteString("EOF")
	return b.String()
}

// baseConfigCommand writes the fixed session header the fragments append
// to: ring buffer sizing plus the session identity.
func baseConfigCommand(configPath string, durationMS int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cat << EOF > %s\n", configPath)
	b.WriteString("buffers: {\n")
	b.WriteString("  size_kb: 63488\n")
	b.WriteString("  fill_policy: RING_BUFFER\n")
	b.WriteString("}\n")
	fmt.Fprintf(&b, "duration_ms: %d\n", durationMS)
	b.WriteString("file_write_period_ms: 999999999\n")
	b.WriteString("write_into_file: true\n")
	fmt.Fprintf(&b, "unique_session_name: \"%s\"\n", UniqueSessionName)
	b.WriteString("EOF")
	return b.String()
}

// CreateTraceTarget assembles the single shared-framework trace target
// from the accumulated per-data-source setup fragments.
func CreateTraceTarget(setupCommands []string) models.Target {
	setup := append([]string{
		"rm -f " + TraceOutputPath,
		baseConfigCommand(TraceConfigPath, 0),
	}, setupCommands...)
	return models.Target{
		ID:            SharedTraceTargetID,
		SetupCommands: setup,
		StartCommand: fmt.Sprintf("perfetto --config %s --txt --out %s --detach=%s",
			TraceConfigPath, TraceOutputPath, UniqueSessionName),
		StopCommand: fmt.Sprintf("perfetto --attach=%s --stop", UniqueSessionName),
		Files: []models.FileIdentifier{{
			DevicePath:  TraceOutputPath,
			Destination: "trace.perfetto-trace",
		}},
	}
}

// CreateDumpTarget assembles the single shared-framework dump target: a
// one-millisecond session that snapshots the selected data sources.
func CreateDumpTarget(setupCommands []string) models.Target {
	rewritten := make([]string, 0, len(setupCommands)+2)
	rewritten = append(rewritten,
		"rm -f "+DumpOutputPath,
		baseConfigCommand(DumpConfigPath, 1))
	for _, cmd := range setupCommands {
		rewritten = append(rewritten, strings.ReplaceAll(cmd, TraceConfigPath, DumpConfigPath))
	}
	return models.Target{
		ID:            SharedDumpTargetID,
		SetupCommands: rewritten,
		StartCommand: fmt.Sprintf("perfetto --config %s --txt --out %s",
			DumpConfigPath, DumpOutputPath),
		Files: []models.FileIdentifier{{
			DevicePath:  DumpOutputPath,
			Destination: "dump.perfetto-trace",
		}},
		IsDump: true,
	}
}

// ClearConfigCommand removes both assembled config files; the controller
// runs it before every capture so fragments never accumulate across runs.
func ClearConfigCommand() string {
	return fmt.Sprintf("rm -f %s %s", TraceConfigPath, DumpConfigPath)
}
