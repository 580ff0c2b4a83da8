package connection

import "strings"

// displayOffMarker appears in screenrecord output when the capture failed
// because the display was asleep. Both transports rewrite it to something
// actionable through the same helper so the wording cannot drift.
const displayOffMarker = "display is off"

const displayOffMessage = "Screen recording failed because the display was off. " +
	"Keep the display on and unlocked for the whole recording, then try again."

// cleanCommandError tidies a device-reported error string for display:
// byte-string markers left by the proxy's process capture are stripped and
// the one known display-state failure is rewritten.
func cleanCommandError(msg string) string {
	msg = strings.ReplaceAll(msg, `b'`, "")
	msg = strings.ReplaceAll(msg, `b"`, "")
	msg = strings.ReplaceAll(msg, `\n`, "\n")
	msg = strings.Trim(strings.TrimSpace(msg), `'"`)
	msg = strings.TrimSpace(msg)
	if strings.Contains(strings.ToLower(msg), displayOffMarker) {
		return displayOffMessage
	}
	return msg
}
