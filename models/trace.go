package models

import "strings"

// RequestKind names one user-selectable trace or dump capability.
type RequestKind string

const (
	WindowTrace       RequestKind = "window_trace"
	LayersTrace       RequestKind = "layers_trace"
	TransactionsTrace RequestKind = "transactions"
	ProtoLog          RequestKind = "proto_log"
	IMETrace          RequestKind = "ime"
	TransitionsTrace  RequestKind = "transitions"
	ViewCapture       RequestKind = "view_capture"
	InputTrace        RequestKind = "input"
	WaylandTrace      RequestKind = "wayland_trace"
	ScreenRecording   RequestKind = "screen_recording"
	Screenshot        RequestKind = "screenshot"
	WindowDump        RequestKind = "window_dump"
	LayersDump        RequestKind = "layers_dump"
)

// ConfigEntry is one key/optional-value configuration item attached to a
// trace request. Selection-style entries carry an empty value.
type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// TraceRequest is the caller's selection of one capability plus its config.
type TraceRequest struct {
	Kind   RequestKind   `json:"kind"`
	Config []ConfigEntry `json:"config"`
}

// Entries returns every config value stored under key, in order.
func (r TraceRequest) Entries(key string) []string {
	var out []string
	for _, e := range r.Config {
		if e.Key == key {
			out = append(out, e.Value)
		}
	}
	return out
}

// Entry returns the first config value stored under key, or fallback.
func (r TraceRequest) Entry(key, fallback string) string {
	for _, e := range r.Config {
		if e.Key == key {
			return e.Value
		}
	}
	return fallback
}

// Selected reports whether a flag-style entry is present under key.
func (r TraceRequest) Selected(key string) bool {
	for _, e := range r.Config {
		if e.Key == key {
			return true
		}
	}
	return false
}

// FileIdentifier describes where one trace output appears on the device and
// the name it should be relocated under before fetching.
type FileIdentifier struct {
	DevicePath  string
	Matchers    []string
	Destination string
}

// Target is a compiled recipe for one tracing or dumping capability.
// Immutable once constructed; compared structurally in tests.
type Target struct {
	ID            string
	SetupCommands []string
	StartCommand  string
	StopCommand   string
	Files         []FileIdentifier
	IsDump        bool
}

// IsScreenRecording reports whether the target drives a blocking
// screenrecord process, which both transports stop by interrupt rather
// than by a stop command round trip.
func (t Target) IsScreenRecording() bool {
	return strings.HasPrefix(t.ID, string(ScreenRecording))
}
