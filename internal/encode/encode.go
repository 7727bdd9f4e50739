package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

var (
	ErrInvalidFrame  = errors.New("encode: invalid frame")
	ErrEncodeFailure = errors.New("encode: jpeg encoding failed")
)

// Encoder downsamples frames and encodes them as JPEG. It holds no
// per-frame state and is safe for concurrent use.
type Encoder struct {
	interp resize.InterpolationFunction
	bufs   sync.Pool
}

func NewEncoder(filter string) *Encoder {
	interp := resize.Bilinear
	if filter == "nearest" {
		interp = resize.NearestNeighbor
	}
	return &Encoder{
		interp: interp,
		bufs: sync.Pool{
			New: func() any { return bytes.NewBuffer(make([]byte, 0, 256*1024)) },
		},
	}
}

// Encode scales img by scale and encodes the result at the given JPEG
// quality. The returned slice is owned by the caller.
func (e *Encoder) Encode(img image.Image, scale float64, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidFrame)
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("%w: %dx%d scaled by %v is empty", ErrInvalidFrame, b.Dx(), b.Dy(), scale)
	}

	scaled := img
	if w != b.Dx() || h != b.Dy() {
		scaled = resize.Resize(uint(w), uint(h), img, e.interp)
	}

	buf := e.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.bufs.Put(buf)

	if err := imaging.Encode(buf, scaled, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailure, err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
