package capture

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/kbinani/screenshot"
)

// screenDevice captures a local display. There is no internal queue, so
// Grab only records that a frame is wanted and Retrieve takes the shot.
type screenDevice struct {
	bounds image.Rectangle
	rate   time.Duration
	last   time.Time
	want   bool
}

// OpenScreen opens "screen://<display index>"; an empty index means the
// primary display.
func OpenScreen(key string, opts Options) (Device, error) {
	idx := 0
	if rest := strings.TrimPrefix(key, "screen://"); rest != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(rest, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid display index %q", rest)
		}
		idx = n
	}

	numDisplays := screenshot.NumActiveDisplays()
	if idx < 0 || idx >= numDisplays {
		return nil, fmt.Errorf("display %d not found (%d active)", idx, numDisplays)
	}

	d := &screenDevice{bounds: screenshot.GetDisplayBounds(idx)}
	if opts.FrameRate > 0 {
		d.rate = time.Second / time.Duration(opts.FrameRate)
	}
	return d, nil
}

func (d *screenDevice) Grab() bool {
	d.want = true
	return true
}

func (d *screenDevice) Retrieve() (image.Image, error) {
	if !d.want {
		return nil, nil
	}
	d.want = false
	// honour the requested capture rate; callers faster than that see Empty
	if d.rate > 0 && time.Since(d.last) < d.rate {
		return nil, nil
	}
	img, err := screenshot.CaptureRect(d.bounds)
	if err != nil {
		return nil, err
	}
	d.last = time.Now()
	return img, nil
}

func (d *screenDevice) Release() error {
	return nil
}
