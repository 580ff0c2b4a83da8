// Package trace compiles user capture requests into device command
// recipes and drives their lifecycle: setup, start, stop, relocation
// and retrieval of the produced files.
package trace

import (
	"fmt"
	"strconv"
	"strings"

	"tracecollect/models"
)

// BackupDir is where finished trace files are parked on the device before
// they are pulled off. Wiped and recreated at the start of every capture.
const BackupDir = "/data/local/tmp/tracecollect_backup"

// Shared-framework data source names, one per capability that has a
// modern producer. Capabilities without one are legacy-only.
const (
	dsWindowManager = "android.windowmanager"
	dsLayers        = "android.surfaceflinger.layers"
	dsTransactions  = "android.surfaceflinger.transactions"
	dsProtoLog      = "android.protolog"
	dsIME           = "android.inputmethod"
	dsTransitions   = "com.android.wm.shell.transition"
	dsViewCapture   = "android.viewcapture"
	dsInput         = "android.input.inputevent"
)

// Config entry keys the compiler understands.
const (
	KeyDisplays       = "displays"
	KeySFFlag         = "sf_flag"
	KeyWMBufferSize   = "wm_buffer_size_kb"
	KeyWMLogLevel     = "wm_log_level"
	KeyWMLogFrequency = "wm_log_frequency"
)

const wmTraceDir = "/data/misc/wmtrace"

// Surface-composer trace flags. The legacy path bit-packs the selected
// names into one service-call argument; the shared path emits one named
// trace_flags line per selection.
var sfFlagBits = map[string]int{
	"input":           1 << 1,
	"composition":     1 << 2,
	"metadata":        1 << 3,
	"hwc":             1 << 4,
	"tracebuffers":    1 << 5,
	"virtualdisplays": 1 << 6,
}

var sfFlagNames = map[string]string{
	"input":           "TRACE_FLAG_INPUT",
	"composition":     "TRACE_FLAG_COMPOSITION",
	"metadata":        "TRACE_FLAG_EXTRA",
	"hwc":             "TRACE_FLAG_HWC",
	"tracebuffers":    "TRACE_FLAG_BUFFERS",
	"virtualdisplays": "TRACE_FLAG_VIRTUAL_DISPLAYS",
}

// sfFlagOrder keeps compiled output deterministic for identical inputs.
var sfFlagOrder = []string{"input", "composition", "metadata", "hwc", "tracebuffers", "virtualdisplays"}

// targetSpec ties one request kind to its shared-framework fragment and
// its legacy command recipe. A nil legacy func marks a shared-only
// capability; an empty dataSource marks a legacy-only one.
type targetSpec struct {
	dataSource  string
	isDump      bool
	sharedBlock func(req models.TraceRequest) string
	legacy      func(req models.TraceRequest) []models.Target
}

var targetSpecs = map[models.RequestKind]targetSpec{
	models.LayersTrace: {
		dataSource:  dsLayers,
		sharedBlock: layersSharedBlock,
		legacy:      layersLegacy,
	},
	models.WindowTrace: {
		dataSource:  dsWindowManager,
		sharedBlock: windowSharedBlock,
		legacy:      windowLegacy,
	},
	models.TransactionsTrace: {
		dataSource: dsTransactions,
		sharedBlock: func(models.TraceRequest) string {
			return "surfaceflinger_transactions_config: {\n  mode: MODE_ACTIVE\n}"
		},
		legacy: func(models.TraceRequest) []models.Target {
			return []models.Target{{
				ID:           string(models.TransactionsTrace),
				StartCommand: "su root service call SurfaceFlinger 1041 i32 1",
				StopCommand:  "su root service call SurfaceFlinger 1041 i32 0",
				Files: []models.FileIdentifier{{
					DevicePath:  wmTraceDir,
					Matchers:    []string{"transactions_trace*"},
					Destination: "transactions_trace.winscope",
				}},
			}}
		},
	},
	models.ProtoLog: {
		dataSource: dsProtoLog,
		sharedBlock: func(models.TraceRequest) string {
			return "protolog_config: {\n  tracing_mode: ENABLE_ALL\n}"
		},
		legacy: func(models.TraceRequest) []models.Target {
			return []models.Target{{
				ID:           string(models.ProtoLog),
				StartCommand: "su root cmd window logging start",
				StopCommand:  "su root cmd window logging stop",
				Files: []models.FileIdentifier{{
					DevicePath:  wmTraceDir,
					Matchers:    []string{"wm_log*"},
					Destination: "proto_log.winscope",
				}},
			}}
		},
	},
	models.IMETrace: {
		dataSource: dsIME,
		sharedBlock: func(models.TraceRequest) string {
			return ""
		},
		legacy: func(models.TraceRequest) []models.Target {
			return []models.Target{{
				ID:           string(models.IMETrace),
				StartCommand: "su root ime tracing start",
				StopCommand:  "su root ime tracing stop",
				Files: []models.FileIdentifier{{
					DevicePath:  wmTraceDir,
					Matchers:    []string{"ime_trace*"},
					Destination: "ime_trace.winscope",
				}},
			}}
		},
	},
	models.TransitionsTrace: {
		dataSource: dsTransitions,
		sharedBlock: func(models.TraceRequest) string {
			return ""
		},
		legacy: func(models.TraceRequest) []models.Target {
			return []models.Target{{
				ID:           string(models.TransitionsTrace),
				StartCommand: "su root cmd window shell tracing start",
				StopCommand:  "su root cmd window shell tracing stop",
				Files: []models.FileIdentifier{
					{
						DevicePath:  wmTraceDir + "/wm_transition_trace.winscope",
						Destination: "wm_transition_trace.winscope",
					},
					{
						DevicePath:  wmTraceDir + "/shell_transition_trace.winscope",
						Destination: "shell_transition_trace.winscope",
					},
				},
			}}
		},
	},
	models.ViewCapture: {
		dataSource: dsViewCapture,
		sharedBlock: func(models.TraceRequest) string {
			return ""
		},
		legacy: func(models.TraceRequest) []models.Target {
			return []models.Target{{
				ID:           string(models.ViewCapture),
				StartCommand: "su root settings put global view_capture_enabled 1",
				StopCommand:  "su root settings put global view_capture_enabled 0",
				Files: []models.FileIdentifier{{
					DevicePath:  wmTraceDir,
					Matchers:    []string{"view_capture_trace*"},
					Destination: "view_capture_trace.zip",
				}},
			}}
		},
	},
	models.InputTrace: {
		// Shared-only: there is no legacy input tracing mechanism.
		dataSource: dsInput,
		sharedBlock: func(models.TraceRequest) string {
			return "android_input_event_config: {\n  mode: TRACE_MODE_TRACE_ALL\n}"
		},
	},
	models.WaylandTrace: {
		// Legacy-only: the windowing-system service has no shared producer.
		legacy: func(models.TraceRequest) []models.Target {
			return []models.Target{{
				ID:           string(models.WaylandTrace),
				StartCommand: "su root service call Wayland 1 i32 1",
				StopCommand:  "su root service call Wayland 1 i32 0",
				Files: []models.FileIdentifier{{
					DevicePath:  "/data/misc/wltrace",
					Matchers:    []string{"wl_trace*"},
					Destination: "wayland_trace.winscope",
				}},
			}}
		},
	},
	models.ScreenRecording: {
		legacy: screenRecordingLegacy,
	},
	models.Screenshot: {
		isDump: true,
		legacy: screenshotLegacy,
	},
	models.WindowDump: {
		dataSource: dsWindowManager,
		isDump:     true,
		sharedBlock: func(models.TraceRequest) string {
			return "log_frequency: LOG_FREQUENCY_SINGLE_DUMP"
		},
		legacy: func(models.TraceRequest) []models.Target {
			const out = "/data/local/tmp/window_dump.winscope"
			return []models.Target{{
				ID:           string(models.WindowDump),
				StartCommand: "su root dumpsys window --proto > " + out,
				IsDump:       true,
				Files: []models.FileIdentifier{{
					DevicePath:  out,
					Destination: "window_dump.winscope",
				}},
			}}
		},
	},
	models.LayersDump: {
		dataSource: dsLayers,
		isDump:     true,
		sharedBlock: func(models.TraceRequest) string {
			return "surfaceflinger_layers_config: {\n  mode: MODE_DUMP\n}"
		},
		legacy: func(models.TraceRequest) []models.Target {
			const out = "/data/local/tmp/layers_dump.winscope"
			return []models.Target{{
				ID:           string(models.LayersDump),
				StartCommand: "su root dumpsys SurfaceFlinger --proto > " + out,
				IsDump:       true,
				Files: []models.FileIdentifier{{
					DevicePath:  out,
					Destination: "layers_dump.winscope",
				}},
			}}
		},
	},
}

func layersSharedBlock(req models.TraceRequest) string {
	var b strings.Builder
	b.WriteString("surfaceflinger_layers_config: {\n  mode: MODE_ACTIVE\n")
	for _, name := range sfFlagOrder {
		if containsValue(req.Entries(KeySFFlag), name) {
			b.WriteString("  trace_flags: " + sfFlagNames[name] + "\n")
		}
	}
	b.WriteString("}")
	return b.String()
}

func layersLegacy(req models.TraceRequest) []models.Target {
	flags := 0
	for _, name := range sfFlagOrder {
		if containsValue(req.Entries(KeySFFlag), name) {
			flags |= sfFlagBits[name]
		}
	}
	return []models.Target{{
		ID: string(models.LayersTrace),
		SetupCommands: []string{
			"su root service call SurfaceFlinger 1033 i32 " + strconv.Itoa(flags),
		},
		StartCommand: "su root service call SurfaceFlinger 1025 i32 1",
		StopCommand:  "su root service call SurfaceFlinger 1025 i32 0",
		Files: []models.FileIdentifier{{
			DevicePath:  wmTraceDir,
			Matchers:    []string{"layers_trace*"},
			Destination: "layers_trace.winscope",
		}},
	}}
}

func windowSharedBlock(req models.TraceRequest) string {
	level := strings.ToUpper(req.Entry(KeyWMLogLevel, "debug"))
	frequency := strings.ToUpper(req.Entry(KeyWMLogFrequency, "frame"))
	return fmt.Sprintf("windowmanager_config: {\n  log_frequency: LOG_FREQUENCY_%s\n  log_level: LOG_LEVEL_%s\n}",
		frequency, level)
}

func windowLegacy(req models.TraceRequest) []models.Target {
	size := req.Entry(KeyWMBufferSize, "16000")
	level := req.Entry(KeyWMLogLevel, "debug")
	frequency := req.Entry(KeyWMLogFrequency, "frame")
	return []models.Target{{
		ID: string(models.WindowTrace),
		SetupCommands: []string{
			"su root cmd window tracing size " + size,
			"su root cmd window tracing level " + level,
			"su root cmd window tracing " + frequency,
		},
		StartCommand: "su root cmd window tracing start",
		StopCommand:  "su root cmd window tracing stop",
		Files: []models.FileIdentifier{{
			DevicePath:  wmTraceDir,
			Matchers:    []string{"wm_trace*"},
			Destination: "wm_trace.winscope",
		}},
	}}
}

// requestedDisplays returns the display identifiers a per-display target
// expands over. Without configured displays the capture targets the
// single active display, expressed as one empty identifier.
func requestedDisplays(req models.TraceRequest) []string {
	displays := req.Entries(KeyDisplays)
	if len(displays) == 0 {
		return []string{""}
	}
	ids := make([]string, 0, len(displays))
	for _, d := range displays {
		ids = append(ids, displayIdentifier(d))
	}
	return ids
}

// displayIdentifier extracts the stable identifier token from a
// device-reported display string, dropping the promoted quoted name and
// any trailing metadata tokens.
func displayIdentifier(display string) string {
	display = strings.TrimSpace(display)
	if strings.HasPrefix(display, `"`) {
		if end := strings.Index(display[1:], `"`); end >= 0 {
			display = strings.TrimSpace(display[end+2:])
		}
	}
	fields := strings.Fields(display)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func displaySuffix(id string) string {
	if id == "" {
		return ""
	}
	return "_" + id
}

func screenRecordingLegacy(req models.TraceRequest) []models.Target {
	var targets []models.Target
	for _, id := range requestedDisplays(req) {
		suffix := displaySuffix(id)
		out := "/data/local/tmp/screen_recording" + suffix + ".mp4"
		cmd := "screenrecord --bugreport --bit-rate 8M"
		if id != "" {
			cmd += " --display-id " + id
		}
		targets = append(targets, models.Target{
			ID:           string(models.ScreenRecording) + suffix,
			StartCommand: cmd + " " + out,
			Files: []models.FileIdentifier{{
				DevicePath:  out,
				Destination: "screen_recording" + suffix + ".mp4",
			}},
		})
	}
	return targets
}

func screenshotLegacy(req models.TraceRequest) []models.Target {
	var targets []models.Target
	for _, id := range requestedDisplays(req) {
		suffix := displaySuffix(id)
		out := "/data/local/tmp/screenshot" + suffix + ".png"
		cmd := "screencap -p"
		if id != "" {
			cmd += " -d " + id
		}
		targets = append(targets, models.Target{
			ID:           string(models.Screenshot) + suffix,
			StartCommand: cmd + " " + out,
			IsDump:       true,
			Files: []models.FileIdentifier{{
				DevicePath:  out,
				Destination: "screenshot" + suffix + ".png",
			}},
		})
	}
	return targets
}

func containsValue(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
