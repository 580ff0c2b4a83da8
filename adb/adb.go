// Package adb wraps the adb binary for the proxy server: device listing,
// one-shot commands, raw exec-out capture and long-lived shells.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"tracecollect/models"
)

// CommandTimeout bounds one-shot adb calls. The device-side tracing daemon
// ACKs producers within 5s, so this leaves a wide margin.
const CommandTimeout = 15 * time.Second

// deviceLineRE matches one line of `adb devices -l` output: serial, state
// and an optional model token.
var deviceLineRE = regexp.MustCompile(`^([A-Za-z0-9._:\-]+)\s+(\w+)(.*model:(\w+))?`)

// Client executes adb commands through the adb binary.
type Client struct {
	Path string
}

// NewClient returns a client using the given adb binary, or "adb" from
// PATH when empty.
func NewClient(path string) *Client {
	if path == "" {
		path = "adb"
	}
	return &Client{Path: path}
}

// Devices lists connected devices. Unauthorized devices are included with
// the authorized flag down so clients can drive the approval flow.
func (c *Client) Devices(ctx context.Context) ([]models.DeviceInfo, error) {
	out, err := c.Call(ctx, "", "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

// parseDevices extracts the device table from `adb devices -l` output,
// skipping the header line.
func parseDevices(out string) []models.DeviceInfo {
	var devices []models.DeviceInfo
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return devices
	}
	for _, line := range lines[1:] {
		m := deviceLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		devices = append(devices, models.DeviceInfo{
			ID:         m[1],
			Authorized: m[2] != "unauthorized",
			Model:      strings.ReplaceAll(m[4], "_", " "),
		})
	}
	return devices
}

// Call runs one adb command and returns its combined output. A command
// that ran but exited non-zero reports its error text as output rather
// than failing the call, so device-side errors travel to the client as
// regular payloads.
func (c *Client) Call(ctx context.Context, serial string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	full := c.deviceArgs(serial, args)
	cmd := exec.CommandContext(ctx, c.Path, full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, ran := err.(*exec.ExitError); ran {
			return fmt.Sprintf("Error executing adb command: adb %s: %s",
				strings.Join(full, " "), out), nil
		}
		return "", fmt.Errorf("executing adb %s: %w", strings.Join(full, " "), err)
	}
	return string(out), nil
}

// Shell runs one shell command on the device.
func (c *Client) Shell(ctx context.Context, serial, command string) (string, error) {
	return c.Call(ctx, serial, "shell", command)
}

// ExecOut captures the raw bytes a device command writes to stdout,
// without the pty mangling a plain shell applies. Used for file content.
func (c *Client) ExecOut(ctx context.Context, serial string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	full := append(c.deviceArgs(serial, nil), "exec-out")
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, c.Path, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("adb exec-out failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// StartShell starts a long-lived `adb shell` reading its script from
// stdin. The caller owns the process: feed it input, then interrupt or
// kill it.
func (c *Client) StartShell(serial string, stdout, stderr io.Writer) (*exec.Cmd, io.WriteCloser, error) {
	cmd := exec.Command(c.Path, append(c.deviceArgs(serial, nil), "shell")...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating shell stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting adb shell: %w", err)
	}
	return cmd, stdin, nil
}

// StreamShell starts a shell command whose stdout the caller consumes
// incrementally, for bridging to a websocket.
func (c *Client) StreamShell(serial, command string) (*exec.Cmd, io.ReadCloser, error) {
	cmd := exec.Command(c.Path, append(c.deviceArgs(serial, nil), "shell", command)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating shell stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting adb shell: %w", err)
	}
	return cmd, stdout, nil
}

func (c *Client) deviceArgs(serial string, args []string) []string {
	var full []string
	if serial != "" {
		full = append(full, "-s", serial)
	}
	return append(full, args...)
}
