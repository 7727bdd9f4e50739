//go:build gocv

package capture

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func init() {
	fallbackOpener = OpenerFunc(OpenVideoCapture)
}

// videoCapture wraps an OpenCV VideoCapture, which understands files, HTTP
// streams, device indices and most container formats.
type videoCapture struct {
	vc      *gocv.VideoCapture
	mat     gocv.Mat
	grabbed bool
}

func OpenVideoCapture(key string, opts Options) (Device, error) {
	vc, err := gocv.OpenVideoCapture(key)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture %q did not open", key)
	}
	if opts.BufferSize > 0 {
		vc.Set(gocv.VideoCaptureBufferSize, float64(opts.BufferSize))
	}
	if opts.FrameRate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(opts.FrameRate))
	}
	vc.Set(gocv.VideoCaptureFOURCC, vc.ToCodec("MJPG"))
	return &videoCapture{vc: vc, mat: gocv.NewMat()}, nil
}

func (d *videoCapture) Grab() bool {
	if !d.vc.IsOpened() {
		return false
	}
	d.vc.Grab(1)
	d.grabbed = true
	return true
}

func (d *videoCapture) Retrieve() (image.Image, error) {
	if !d.grabbed {
		return nil, nil
	}
	d.grabbed = false
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, nil
	}
	return d.mat.ToImage()
}

func (d *videoCapture) Release() error {
	d.mat.Close()
	return d.vc.Close()
}
