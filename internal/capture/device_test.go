package capture

import (
	"errors"
	"testing"
)

func TestSchemeOpenerRouting(t *testing.T) {
	var got []string
	tagged := func(tag string) Opener {
		return OpenerFunc(func(key string, _ Options) (Device, error) {
			got = append(got, tag+" "+key)
			return &queueDevice{}, nil
		})
	}

	o := &SchemeOpener{
		Schemes: map[string]Opener{
			"rtsp":   tagged("rtsp"),
			"screen": tagged("screen"),
		},
		Fallback: tagged("fallback"),
	}

	keys := []string{"rtsp://cam/1", "RTSP://cam/2", "screen://0", "/dev/video0", "http://host/mjpg"}
	for _, k := range keys {
		if _, err := o.Open(k, Options{}); err != nil {
			t.Fatalf("Open(%q) failed: %v", k, err)
		}
	}

	want := []string{
		"rtsp rtsp://cam/1",
		"rtsp RTSP://cam/2",
		"screen screen://0",
		"fallback /dev/video0",
		"fallback http://host/mjpg",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("route %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSchemeOpenerUnsupported(t *testing.T) {
	o := &SchemeOpener{Schemes: map[string]Opener{}}
	if _, err := o.Open("ftp://nowhere", Options{}); !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("Open() = %v, want ErrUnsupportedSource", err)
	}
}

func TestRTSPDeviceKeepsNewest(t *testing.T) {
	d := &rtspDevice{frames: make(chan []byte, 1)}
	d.push([]byte("a"))
	d.push([]byte("b"))
	d.push([]byte("c"))

	if !d.Grab() {
		t.Fatal("Grab() = false with a frame pending")
	}
	if string(d.grabbed) != "c" {
		t.Errorf("grabbed %q, want newest frame c", d.grabbed)
	}
	// nothing new arrived, the grabbed frame is still ready
	if !d.Grab() {
		t.Error("second Grab() = false while a grabbed frame is held")
	}
}
