package capture

import (
	"context"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
)

// Session owns one opened Device and the goroutine that runs every call
// against it. Fetches are serialized on that goroutine; Close releases the
// device on it and only then lets it exit.
type Session struct {
	key        string
	drainGrabs int

	jobs chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closing   atomic.Bool

	// touched only by run
	dev        Device
	releaseErr error
}

type fetchResult struct {
	img image.Image
	err error
}

// Open starts a session worker and opens key on it. If ctx ends before the
// device opens, the worker is told to stop and releases the device once the
// pending open returns.
func Open(ctx context.Context, opener Opener, key string, opts Options, drainGrabs int) (*Session, error) {
	s := &Session{
		key:        key,
		drainGrabs: drainGrabs,
		jobs:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run()

	res := make(chan error, 1)
	job := func() {
		dev, err := safeOpen(opener, key, opts)
		if err != nil {
			res <- err
			return
		}
		s.dev = dev
		res <- nil
	}

	select {
	case s.jobs <- job:
	case <-ctx.Done():
		s.stop()
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, key, ctx.Err())
	}

	select {
	case err := <-res:
		if err != nil {
			s.stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrOpen, key, err)
		}
	case <-ctx.Done():
		s.stop()
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, key, ctx.Err())
	}

	log.Println("[CAPTURE] opened", key)
	return s, nil
}

func safeOpen(opener Opener, key string, opts Options) (dev Device, err error) {
	defer func() {
		if r := recover(); r != nil {
			dev, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	dev, err = opener.Open(key, opts)
	if err == nil && dev == nil {
		err = fmt.Errorf("opener returned no device")
	}
	return dev, err
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.quit:
			if s.dev != nil {
				s.releaseErr = s.dev.Release()
				s.dev = nil
			}
			return
		}
	}
}

func (s *Session) stop() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *Session) Key() string {
	return s.key
}

// Fetch returns the newest frame the device has. Stale buffered frames are
// discarded with drainGrabs extra grabs before the authoritative one.
// ErrEmpty means nothing was ready.
func (s *Session) Fetch(ctx context.Context) (image.Image, error) {
	res := make(chan fetchResult, 1)
	job := func() {
		img, err := s.grabLatest()
		res <- fetchResult{img: img, err: err}
	}

	select {
	case s.jobs <- job:
	case <-s.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-res:
		return r.img, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) grabLatest() (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("capture: device panic: %v", r)
		}
	}()
	for i := 0; i <= s.drainGrabs; i++ {
		if !s.dev.Grab() {
			return nil, ErrEmpty
		}
	}
	img, err = s.dev.Retrieve()
	if err != nil {
		return nil, fmt.Errorf("capture: retrieve %s: %w", s.key, err)
	}
	if img == nil {
		return nil, ErrEmpty
	}
	return img, nil
}

// Close releases the device on the session worker and stops the worker.
// The device is released once; later calls only wait for that release and
// log nothing. If ctx ends first, the release still happens once the worker
// finishes its current call.
func (s *Session) Close(ctx context.Context) error {
	first := s.closing.CompareAndSwap(false, true)
	s.stop()
	select {
	case <-s.done:
		if s.releaseErr != nil {
			return fmt.Errorf("capture: release %s: %w", s.key, s.releaseErr)
		}
		if first {
			log.Println("[CAPTURE] released", s.key)
		}
		return nil
	case <-ctx.Done():
		if first {
			log.Println("[CAPTURE] release of", s.key, "still pending:", ctx.Err())
		}
		return ctx.Err()
	}
}

// Done is closed once the device has been released and the worker exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
