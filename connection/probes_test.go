package connection

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"tracecollect/events"
	"tracecollect/models"
)

// fakeDevice answers shell commands from a canned table and records every
// command it ran.
type fakeDevice struct {
	deviceCore
	replies  map[string]string
	failures map[string]error
	ran      []string
}

func newFakeDevice(t *testing.T, serial string) *fakeDevice {
	t.Helper()
	bus := events.NewBus(256)
	t.Cleanup(bus.Close)
	return &fakeDevice{
		deviceCore: newDeviceCore(serial, bus),
		replies:    make(map[string]string),
		failures:   make(map[string]error),
	}
}

func (d *fakeDevice) RunShellCommand(_ context.Context, cmd string) (string, error) {
	d.ran = append(d.ran, cmd)
	if err, ok := d.failures[cmd]; ok {
		return "", err
	}
	return d.replies[cmd], nil
}

func (d *fakeDevice) StartTrace(context.Context, models.Target) error { return nil }
func (d *fakeDevice) EndTrace(context.Context, models.Target) error   { return nil }
func (d *fakeDevice) PullFile(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (d *fakeDevice) TryAuthorize() {}
func (d *fakeDevice) Destroy()      {}

func TestFormatDisplayLine(t *testing.T) {
	cases := []struct{ in, want string }{
		{`12345 Extra Info displayName="Test Display"`, `"Test Display" 12345 Extra Info`},
		{`12345 Extra Info`, `12345 Extra Info`},
		{`12345 displayName="x" Extra`, `12345 Extra`},
	}
	for _, c := range cases {
		if got := formatDisplayLine(c.in); got != c.want {
			t.Errorf("formatDisplayLine(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseDisplays(t *testing.T) {
	out := "Display 12345 Extra Info displayName=\"Test Display\"\n" +
		"Display 67890 Other\n\n"
	want := []string{`"Test Display" 12345 Extra Info`, "67890 Other"}
	if got := parseDisplays(out); !reflect.DeepEqual(got, want) {
		t.Errorf("parseDisplays = %v, want %v", got, want)
	}
	if got := parseDisplays(""); len(got) != 0 {
		t.Errorf("parseDisplays(empty) = %v, want empty", got)
	}
}

func TestMultiDisplayVersionComparison(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"1.4", true},
		{"1.5", true},
		{"1.3", false},
		{"", false},
	}
	for _, c := range cases {
		if got := supportsMultiDisplay(c.version); got != c.want {
			t.Errorf("supportsMultiDisplay(%q) = %v, want %v", c.version, got, c.want)
		}
	}
}

func TestProbeMultiDisplayRecordingVersionFlag(t *testing.T) {
	d := newFakeDevice(t, "SER1")
	d.replies["screenrecord --version"] = "1.4\n"
	if !probeMultiDisplayRecording(context.Background(), d) {
		t.Error("version 1.4 via --version should support multi-display")
	}

	d.replies["screenrecord --version"] = "1.3\n"
	if probeMultiDisplayRecording(context.Background(), d) {
		t.Error("version 1.3 must not support multi-display")
	}
}

func TestProbeMultiDisplayRecordingHelpFallback(t *testing.T) {
	d := newFakeDevice(t, "SER1")
	d.replies["screenrecord --version"] = "screenrecord: unrecognized option '--version'"
	d.replies["screenrecord --help"] = "Android screenrecord v1.4\nRecords the device's display"
	if !probeMultiDisplayRecording(context.Background(), d) {
		t.Error("v1.4 parsed from --help should support multi-display")
	}

	d.replies["screenrecord --help"] = "Android screenrecord v1.2\n"
	if probeMultiDisplayRecording(context.Background(), d) {
		t.Error("v1.2 parsed from --help must not support multi-display")
	}

	d.replies["screenrecord --help"] = "no version here"
	if probeMultiDisplayRecording(context.Background(), d) {
		t.Error("help output without a version token must not support multi-display")
	}
}

func TestFindFilesExactPath(t *testing.T) {
	d := newFakeDevice(t, "SER1")
	d.replies["su root ls /data/misc/wmtrace/wm_trace.winscope"] = "/data/misc/wmtrace/wm_trace.winscope\n"
	got := FindFiles(context.Background(), d, "/data/misc/wmtrace/wm_trace.winscope", nil)
	want := []string{"/data/misc/wmtrace/wm_trace.winscope"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindFiles = %v, want %v", got, want)
	}
}

func TestFindFilesMisses(t *testing.T) {
	d := newFakeDevice(t, "SER1")
	d.replies["su root ls /tmp/missing"] = "ls: /tmp/missing: No such file or directory"
	if got := FindFiles(context.Background(), d, "/tmp/missing", nil); len(got) != 0 {
		t.Errorf("FindFiles on missing path = %v, want empty", got)
	}
	d.replies["su root ls /tmp/empty"] = ""
	if got := FindFiles(context.Background(), d, "/tmp/empty", nil); len(got) != 0 {
		t.Errorf("FindFiles on empty output = %v, want empty", got)
	}
}

func TestFindFilesMatcherOrder(t *testing.T) {
	d := newFakeDevice(t, "SER1")
	d.replies["su root ls /dir/a*"] = "No such file or directory"
	d.replies["su root ls /dir/b*"] = "/dir/b1\n/dir/b2\n"
	got := FindFiles(context.Background(), d, "/dir", []string{"a*", "b*"})
	want := []string{"/dir/b1", "/dir/b2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindFiles = %v, want %v", got, want)
	}
}

func TestCheckRoot(t *testing.T) {
	d := newFakeDevice(t, "SER1")
	d.replies["su root id -u"] = "0\n"
	if !CheckRoot(context.Background(), d, d.bus) {
		t.Error("uid 0 should report rooted")
	}
	d.replies["su root id -u"] = "su: not found"
	if CheckRoot(context.Background(), d, d.bus) {
		t.Error("non-zero output must not report rooted")
	}
}

func TestFormattedNamePrefixes(t *testing.T) {
	d := newFakeDevice(t, "SER9")
	d.applyInfo(models.DeviceInfo{ID: "SER9", Authorized: false, Model: "Pixel 8"})
	if got := d.FormattedName(); got != "(unauthorized) Pixel 8 (SER9)" {
		t.Errorf("FormattedName = %q", got)
	}
	d.applyInfo(models.DeviceInfo{ID: "SER9", Authorized: true, Model: "Pixel 8"})
	if got := d.FormattedName(); got != "Pixel 8 (SER9)" {
		t.Errorf("FormattedName = %q", got)
	}
	d.markOffline()
	if got := d.FormattedName(); got != "(offline) Pixel 8 (SER9)" {
		t.Errorf("FormattedName = %q", got)
	}
}

func TestAuthPromptOncePerUnauthorizedTransition(t *testing.T) {
	d := newFakeDevice(t, "SER9")
	d.applyInfo(models.DeviceInfo{ID: "SER9", Authorized: false})
	if !d.shouldPrompt() {
		t.Fatal("first prompt after an unauthorized transition must fire")
	}
	if d.shouldPrompt() {
		t.Fatal("second prompt without a state change must be suppressed")
	}
	// Re-entering unauthorized re-arms the prompt.
	d.applyInfo(models.DeviceInfo{ID: "SER9", Authorized: true})
	d.applyInfo(models.DeviceInfo{ID: "SER9", Authorized: false})
	if !d.shouldPrompt() {
		t.Fatal("prompt must re-arm on a fresh unauthorized transition")
	}
}

func TestCleanCommandError(t *testing.T) {
	if got := cleanCommandError(`b'something failed\n'`); got != "something failed" {
		t.Errorf("cleanCommandError = %q", got)
	}
	got := cleanCommandError("ERROR: unable to start recording, display is off")
	if got != displayOffMessage {
		t.Errorf("display-off error not rewritten: %q", got)
	}
}
