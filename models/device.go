package models

// DeviceState is the tracing-level availability of one device.
type DeviceState string

const (
	DeviceStateOffline      DeviceState = "offline"
	DeviceStateUnauthorized DeviceState = "unauthorized"
	DeviceStateAvailable    DeviceState = "available"
)

// DeviceInfo is the raw per-device payload reported by both transports
// (the proxy /devices endpoint and the track-devices push stream).
type DeviceInfo struct {
	ID         string `json:"id"`
	Authorized bool   `json:"authorized"`
	Model      string `json:"model"`
}

// StateOf computes the device state from a raw status payload. Nothing but
// the latest payload feeds into this; prior in-flight requests never do.
func (i DeviceInfo) StateOf() DeviceState {
	if !i.Authorized {
		return DeviceStateUnauthorized
	}
	return DeviceStateAvailable
}
