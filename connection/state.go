// Package connection implements the device and host connection layer over
// its two transports: the local proxy process (HTTP) and the direct
// websocket bridge.
package connection

// State is the connection-level state of one transport, reported to the UI
// through the event bus. Every failure path resolves to one of these; none
// of them is fatal and all are recoverable by user action plus Restart.
type State int

const (
	// StateConnecting means discovery is starting or restarting.
	StateConnecting State = iota
	// StateIdle means the transport is up and the device list is current.
	StateIdle
	// StateNotFound means the transport endpoint is unreachable.
	StateNotFound
	// StateUnauthorized means the transport rejected our credentials or
	// origin; the user must supply a token or approve the origin.
	StateUnauthorized
	// StateInvalidVersion means the proxy version is too old for this
	// client.
	StateInvalidVersion
	// StateError is any other transport failure, with a message.
	StateError
	// StateTraceTimeout means the proxy reported the trace process gone,
	// typically after a missed keep-alive.
	StateTraceTimeout
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdle:
		return "IDLE"
	case StateNotFound:
		return "NOT_FOUND"
	case StateUnauthorized:
		return "UNAUTHORIZED"
	case StateInvalidVersion:
		return "INVALID_VERSION"
	case StateError:
		return "ERROR"
	case StateTraceTimeout:
		return "TRACE_TIMEOUT"
	}
	return "UNKNOWN"
}
