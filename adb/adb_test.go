package adb

import (
	"reflect"
	"testing"

	"tracecollect/models"
)

func TestParseDevices(t *testing.T) {
	out := "List of devices attached\n" +
		"SER123                 device usb:1-1 product:raven model:Pixel_6_Pro device:raven\n" +
		"192.168.1.20:5555      device product:panther model:Pixel_7 device:panther\n" +
		"SER456                 unauthorized usb:1-2\n" +
		"\n"
	want := []models.DeviceInfo{
		{ID: "SER123", Authorized: true, Model: "Pixel 6 Pro"},
		{ID: "192.168.1.20:5555", Authorized: true, Model: "Pixel 7"},
		{ID: "SER456", Authorized: false, Model: ""},
	}
	if got := parseDevices(out); !reflect.DeepEqual(got, want) {
		t.Errorf("parseDevices = %+v, want %+v", got, want)
	}
}

func TestParseDevicesEmpty(t *testing.T) {
	if got := parseDevices("List of devices attached\n\n"); len(got) != 0 {
		t.Errorf("parseDevices = %+v, want none", got)
	}
	if got := parseDevices(""); len(got) != 0 {
		t.Errorf("parseDevices(empty) = %+v, want none", got)
	}
}
