package connection

import (
	"context"
	"regexp"
	"strings"

	"tracecollect/events"
)

const (
	// Minimum screenrecord version that understands --display-id.
	// Compared lexicographically, which holds for single-digit components.
	minMultiDisplayVersion = "1.4"

	// WaylandTraceCapability is the one extra capability probed per device
	// beyond the fixed target table.
	WaylandTraceCapability = "wayland_trace"
)

// CheckRoot reports whether shell commands can run as root on the device.
// A device that cannot gets a user-facing warning naming its id.
func CheckRoot(ctx context.Context, d DeviceConnection, bus *events.Bus) bool {
	out, err := d.RunShellCommand(ctx, "su root id -u")
	if err == nil && strings.TrimSpace(out) == "0" {
		return true
	}
	bus.Warnf("Device %s is not rooted; some trace targets will not work", d.Serial())
	return false
}

// UpdateAvailableTraces probes the windowing-system trace service and
// reports any capability delta through the device's bus.
func UpdateAvailableTraces(ctx context.Context, d DeviceConnection, core *deviceCore) {
	out, err := d.RunShellCommand(ctx, "service check Wayland")
	available := err == nil && strings.TrimSpace(out) != "" &&
		!strings.Contains(out, "not found")
	core.setTraceAvailable(WaylandTraceCapability, available)
}

// refreshCapabilities is the shared post-step after a properties update:
// multi-display recording support and the attached display list.
func refreshCapabilities(ctx context.Context, d DeviceConnection, core *deviceCore) {
	multi := probeMultiDisplayRecording(ctx, d)
	displays := probeDisplays(ctx, d)
	core.setCapabilities(multi, displays)
}

// probeMultiDisplayRecording checks the screenrecord version. Older builds
// reject --version, so the fallback scrapes a version token out of --help.
func probeMultiDisplayRecording(ctx context.Context, d DeviceConnection) bool {
	out, err := d.RunShellCommand(ctx, "screenrecord --version")
	if err != nil {
		return false
	}
	if strings.Contains(out, "unrecognized option") {
		help, err := d.RunShellCommand(ctx, "screenrecord --help")
		if err != nil {
			return false
		}
		return supportsMultiDisplay(versionToken(help))
	}
	return supportsMultiDisplay(versionToken(out))
}

var versionTokenRE = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)

// versionToken extracts the first dotted version number from command
// output, or "" when none appears.
func versionToken(out string) string {
	return versionTokenRE.FindString(out)
}

func supportsMultiDisplay(version string) bool {
	return version != "" && version >= minMultiDisplayVersion
}

// probeDisplays lists the attached displays, one formatted string each.
func probeDisplays(ctx context.Context, d DeviceConnection) []string {
	out, err := d.RunShellCommand(ctx, "su root dumpsys SurfaceFlinger --display-id")
	if err != nil {
		return nil
	}
	return parseDisplays(out)
}

var displayNameRE = regexp.MustCompile(`displayName="([^"]*)"`)

// parseDisplays turns the display dump into one entry per display line.
func parseDisplays(out string) []string {
	var displays []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "Display ")
		displays = append(displays, formatDisplayLine(line))
	}
	return displays
}

// formatDisplayLine promotes an embedded displayName token to the front of
// the string, quoted, when the name is long enough to be meaningful.
func formatDisplayLine(line string) string {
	m := displayNameRE.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	rest := strings.Join(strings.Fields(strings.Replace(line, m[0], "", 1)), " ")
	if len(m[1]) > 1 {
		return `"` + m[1] + `" ` + rest
	}
	return rest
}

// FindFiles resolves a file identifier on the device. With no matchers the
// exact path is tried; otherwise each matcher is tried in order under the
// path and the first non-empty listing wins. Misses return an empty slice.
func FindFiles(ctx context.Context, d DeviceConnection, path string, matchers []string) []string {
	if len(matchers) == 0 {
		return listFiles(ctx, d, path)
	}
	for _, m := range matchers {
		if files := listFiles(ctx, d, strings.TrimSuffix(path, "/")+"/"+m); len(files) > 0 {
			return files
		}
	}
	return []string{}
}

func listFiles(ctx context.Context, d DeviceConnection, pattern string) []string {
	out, err := d.RunShellCommand(ctx, "su root ls "+pattern)
	if err != nil || strings.Contains(out, "No such file") {
		return []string{}
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	if files == nil {
		return []string{}
	}
	return files
}
