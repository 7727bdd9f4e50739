package capture

import (
	"errors"
	"fmt"
	"image"
	"net/url"
	"strings"
)

var (
	ErrOpen              = errors.New("capture: open failed")
	ErrEmpty             = errors.New("capture: no frame available")
	ErrClosed            = errors.New("capture: session closed")
	ErrUnsupportedSource = errors.New("capture: unsupported source")
)

// Device is an opened video source. Implementations need not be safe for
// concurrent use; a Session serializes every call onto its own goroutine.
type Device interface {
	// Grab advances to the next frame without decoding it. It reports false
	// when nothing is ready.
	Grab() bool
	// Retrieve decodes the most recently grabbed frame. A nil image with a
	// nil error means the source had nothing to hand out.
	Retrieve() (image.Image, error)
	Release() error
}

type Options struct {
	// BufferSize is the number of frames the device may queue internally.
	BufferSize int
	// FrameRate is the capture rate requested from the device. Devices may
	// ignore it.
	FrameRate int
	// RTSPTransport is "tcp" or "udp".
	RTSPTransport string
}

type Opener interface {
	Open(key string, opts Options) (Device, error)
}

type OpenerFunc func(key string, opts Options) (Device, error)

func (f OpenerFunc) Open(key string, opts Options) (Device, error) {
	return f(key, opts)
}

// SchemeOpener routes a source key to an Opener by its URL scheme. Keys
// without a registered scheme go to Fallback.
type SchemeOpener struct {
	Schemes  map[string]Opener
	Fallback Opener
}

// NewSchemeOpener returns an opener with the devices built into this binary:
// screen:// displays, rtsp:// and rtsps:// MJPEG streams, and OpenCV for
// everything else when compiled with the gocv tag.
func NewSchemeOpener() *SchemeOpener {
	rtsp := &RTSPOpener{}
	return &SchemeOpener{
		Schemes: map[string]Opener{
			"screen": OpenerFunc(OpenScreen),
			"rtsp":   rtsp,
			"rtsps":  rtsp,
		},
		Fallback: fallbackOpener,
	}
}

func (o *SchemeOpener) Open(key string, opts Options) (Device, error) {
	scheme := ""
	if i := strings.Index(key, "://"); i > 0 {
		if u, err := url.Parse(key); err == nil {
			scheme = strings.ToLower(u.Scheme)
		} else {
			scheme = strings.ToLower(key[:i])
		}
	}
	if op, ok := o.Schemes[scheme]; ok {
		return op.Open(key, opts)
	}
	if o.Fallback != nil {
		return o.Fallback.Open(key, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, key)
}

// fallbackOpener handles keys with no registered scheme. Builds with the
// gocv tag replace it with OpenCV.
var fallbackOpener Opener = OpenerFunc(func(key string, _ Options) (Device, error) {
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, key)
})
