package connection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"tracecollect/events"
	"tracecollect/models"
)

// traceStatusInterval is how often the proxy trace watchdog polls the
// status endpoint. Each poll doubles as the keep-alive the proxy expects.
const traceStatusInterval = time.Second

// proxyDevice drives one device through the local proxy process.
type proxyDevice struct {
	deviceCore
	client *proxyClient

	watchMu   sync.Mutex
	watchdogs map[string]context.CancelFunc
}

func newProxyDevice(serial string, client *proxyClient, bus *events.Bus) *proxyDevice {
	return &proxyDevice{
		deviceCore: newDeviceCore(serial, bus),
		client:     client,
		watchdogs:  make(map[string]context.CancelFunc),
	}
}

// updateProperties folds a raw device payload in and re-probes
// capabilities when the device just became available.
func (d *proxyDevice) updateProperties(ctx context.Context, info models.DeviceInfo) {
	if d.applyInfo(info) {
		refreshCapabilities(ctx, d, &d.deviceCore)
		UpdateAvailableTraces(ctx, d, &d.deviceCore)
	}
}

func (d *proxyDevice) RunShellCommand(ctx context.Context, cmd string) (string, error) {
	body, err := d.client.postJSON(ctx, "/runadbcmd/"+url.PathEscape(d.serial),
		map[string]string{"cmd": "shell " + cmd})
	if err != nil {
		return "", err
	}
	// The proxy JSON-encodes the raw command output.
	var out string
	if err := json.Unmarshal(body, &out); err != nil {
		return string(body), nil
	}
	return out, nil
}

func (d *proxyDevice) StartTrace(ctx context.Context, target models.Target) error {
	_, err := d.client.postJSON(ctx, "/starttrace/"+url.PathEscape(d.serial), map[string]string{
		"targetId": target.ID,
		"startCmd": target.StartCommand,
		"stopCmd":  target.StopCommand,
	})
	if err != nil {
		return err
	}
	d.startWatchdog(target.ID)
	return nil
}

// startWatchdog polls the status endpoint until canceled. A "False" status
// means the proxy lost the trace process, which surfaces as a trace-timeout
// state and stops the poll.
func (d *proxyDevice) startWatchdog(targetID string) {
	ctx, cancel := context.WithCancel(context.Background())
	d.watchMu.Lock()
	if prev, ok := d.watchdogs[targetID]; ok {
		prev()
	}
	d.watchdogs[targetID] = cancel
	d.watchMu.Unlock()

	go func() {
		ticker := time.NewTicker(traceStatusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			body, err := d.client.get(ctx,
				"/status/"+url.PathEscape(d.serial)+"/"+url.PathEscape(targetID))
			if ctx.Err() != nil {
				return
			}
			if err != nil || strings.TrimSpace(string(body)) == "False" {
				d.stopWatchdog(targetID)
				d.bus.StateChanged(d.serial, StateTraceTimeout.String(),
					fmt.Sprintf("Trace %s is no longer running on the proxy", targetID))
				return
			}
		}
	}()
}

func (d *proxyDevice) stopWatchdog(targetID string) {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if cancel, ok := d.watchdogs[targetID]; ok {
		cancel()
		delete(d.watchdogs, targetID)
	}
}

func (d *proxyDevice) EndTrace(ctx context.Context, target models.Target) error {
	d.stopWatchdog(target.ID)
	body, err := d.client.postJSON(ctx, "/endtrace/"+url.PathEscape(d.serial),
		map[string]string{"targetId": target.ID})
	if err != nil {
		return err
	}
	var deviceErrors []string
	if err := json.Unmarshal(body, &deviceErrors); err != nil {
		return nil
	}
	for _, msg := range deviceErrors {
		if cleaned := cleanCommandError(msg); cleaned != "" {
			d.bus.Warnf("%s", cleaned)
		}
	}
	return nil
}

func (d *proxyDevice) PullFile(ctx context.Context, devicePath string) ([]byte, error) {
	var files map[string]string
	err := d.client.getJSON(ctx,
		"/fetch/"+url.PathEscape(d.serial)+"/"+escapeDevicePath(devicePath), &files)
	if err != nil {
		return nil, err
	}
	encoded, ok := files[devicePath]
	if !ok {
		return nil, fmt.Errorf("proxy returned no content for %s", devicePath)
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", devicePath, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", devicePath, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// TryAuthorize reminds the user to accept the debugging dialog on the
// device, at most once per unauthorized transition.
func (d *proxyDevice) TryAuthorize() {
	if d.shouldPrompt() {
		d.bus.Warnf("Device %s is unauthorized. Accept the USB debugging dialog on the device, then reconnect.", d.serial)
	}
}

func (d *proxyDevice) Destroy() {
	d.watchMu.Lock()
	for id, cancel := range d.watchdogs {
		cancel()
		delete(d.watchdogs, id)
	}
	d.watchMu.Unlock()
}

// escapeDevicePath escapes each path segment while keeping the slashes the
// fetch endpoint routes on.
func escapeDevicePath(devicePath string) string {
	segments := strings.Split(strings.TrimPrefix(devicePath, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
