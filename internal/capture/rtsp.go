package capture

import (
	"bytes"
	"fmt"
	"image"
	"log"
	"sync"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/disintegration/imaging"
	"github.com/pion/rtp"
)

// RTSPOpener reads the MJPEG track of an RTSP server.
type RTSPOpener struct{}

type rtspDevice struct {
	key    string
	client *gortsplib.Client
	frames chan []byte

	grabbed []byte

	mu      sync.Mutex
	waitErr error
}

func (o *RTSPOpener) Open(key string, opts Options) (Device, error) {
	u, err := base.ParseURL(key)
	if err != nil {
		return nil, err
	}

	transport := gortsplib.TransportTCP
	if opts.RTSPTransport == "udp" {
		transport = gortsplib.TransportUDP
	}
	c := &gortsplib.Client{Transport: &transport}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, err
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return nil, err
	}

	var mjpeg *format.MJPEG
	media := desc.FindFormat(&mjpeg)
	if media == nil {
		c.Close()
		return nil, fmt.Errorf("no MJPEG track in %s", key)
	}

	dec, err := mjpeg.CreateDecoder()
	if err != nil {
		c.Close()
		return nil, err
	}

	bufSize := opts.BufferSize
	if bufSize < 1 {
		bufSize = 1
	}
	d := &rtspDevice{
		key:    key,
		client: c,
		frames: make(chan []byte, bufSize),
	}

	if _, err := c.Setup(desc.BaseURL, media, 0, 0); err != nil {
		c.Close()
		return nil, err
	}

	c.OnPacketRTP(media, mjpeg, func(pkt *rtp.Packet) {
		// errors here mean the access unit is still incomplete
		au, err := dec.Decode(pkt)
		if err != nil {
			return
		}
		d.push(au)
	})

	if _, err := c.Play(nil); err != nil {
		c.Close()
		return nil, err
	}

	go func() {
		err := c.Wait()
		d.mu.Lock()
		d.waitErr = err
		d.mu.Unlock()
		log.Println("[RTSP] client for", key, "stopped:", err)
	}()

	return d, nil
}

// push keeps only the newest BufferSize access units.
func (d *rtspDevice) push(au []byte) {
	select {
	case d.frames <- au:
		return
	default:
	}
	select {
	case <-d.frames:
	default:
	}
	select {
	case d.frames <- au:
	default:
	}
}

func (d *rtspDevice) Grab() bool {
	select {
	case au := <-d.frames:
		d.grabbed = au
		return true
	default:
	}
	if d.grabbed != nil {
		return true
	}
	// a dead stream still grabs so Retrieve can report why it ended
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitErr != nil
}

func (d *rtspDevice) Retrieve() (image.Image, error) {
	if d.grabbed == nil {
		d.mu.Lock()
		err := d.waitErr
		d.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("rtsp stream ended: %w", err)
		}
		return nil, nil
	}
	au := d.grabbed
	d.grabbed = nil
	return imaging.Decode(bytes.NewReader(au))
}

func (d *rtspDevice) Release() error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
