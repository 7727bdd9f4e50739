package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync/atomic"
	"time"

	"ws-frame-relay/internal/capture"
	"ws-frame-relay/pkg/config"

	"github.com/google/uuid"
)

var ErrSendFailure = errors.New("stream: send failed")

// errNoFrame marks a tick that produced nothing to send.
var errNoFrame = errors.New("stream: no frame")

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Tuning is the per-viewer rate and quality policy.
type Tuning struct {
	TargetFrameRate int
	ScaleFactor     float64
	InitialQuality  int
	MinQuality      int
	MaxQuality      int
	QualityStep     int

	// AdjustWindow is the shortest time between quality changes.
	AdjustWindow time.Duration
	// Quality drops below LowWatermark*TargetFrameRate and rises above
	// HighWatermark*TargetFrameRate.
	LowWatermark  float64
	HighWatermark float64

	EmptyBackoff time.Duration
	FaultBackoff time.Duration
	FetchTimeout time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		TargetFrameRate: 25,
		ScaleFactor:     0.6,
		InitialQuality:  65,
		MinQuality:      40,
		MaxQuality:      80,
		QualityStep:     5,
		AdjustWindow:    2 * time.Second,
		LowWatermark:    0.8,
		HighWatermark:   1.2,
		EmptyBackoff:    10 * time.Millisecond,
		FaultBackoff:    time.Second,
		FetchTimeout:    5 * time.Second,
	}
}

func TuningFromConfig(cfg *config.Config) Tuning {
	return Tuning{
		TargetFrameRate: cfg.TargetFrameRate,
		ScaleFactor:     cfg.ScaleFactor,
		InitialQuality:  cfg.InitialQuality,
		MinQuality:      cfg.MinQuality,
		MaxQuality:      cfg.MaxQuality,
		QualityStep:     cfg.QualityStep,
		AdjustWindow:    cfg.AdjustWindow,
		LowWatermark:    cfg.LowWatermark,
		HighWatermark:   cfg.HighWatermark,
		EmptyBackoff:    cfg.EmptyBackoff,
		FaultBackoff:    cfg.FaultBackoff,
		FetchTimeout:    cfg.FetchTimeout,
	}
}

type Registry interface {
	Acquire(ctx context.Context, key string) (*capture.Session, error)
	Release(key string) error
}

type Encoder interface {
	Encode(img image.Image, scale float64, quality int) ([]byte, error)
}

// Transport is the viewer connection. Send fails once the peer is gone.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Pump streams one source to one viewer. Its quality state is never shared
// with other pumps, even those reading the same capture session.
type Pump struct {
	id        string
	key       string
	registry  Registry
	encoder   Encoder
	transport Transport
	tuning    Tuning
	clock     Clock
	debugYn   string

	state   atomic.Int32
	quality atomic.Int32
	sent    atomic.Int64
}

func NewPump(key string, registry Registry, encoder Encoder, transport Transport, tuning Tuning, debugYn string) *Pump {
	p := &Pump{
		id:        uuid.NewString(),
		key:       key,
		registry:  registry,
		encoder:   encoder,
		transport: transport,
		tuning:    tuning,
		clock:     realClock{},
		debugYn:   debugYn,
	}
	p.quality.Store(int32(tuning.InitialQuality))
	return p
}

func (p *Pump) ID() string { return p.id }

func (p *Pump) State() State { return State(p.state.Load()) }

// Quality is the JPEG quality the next frame will be encoded with.
func (p *Pump) Quality() int { return int(p.quality.Load()) }

func (p *Pump) FramesSent() int64 { return p.sent.Load() }

func (p *Pump) setState(s State) {
	p.state.Store(int32(s))
}

func logDebug(debugYn string, format string, v ...any) {
	if debugYn == "Y" {
		log.Printf(format, v...)
	}
}

// Run acquires the source, streams until ctx ends or a send fails, and
// releases the source on the way out. A failed open closes the transport
// and returns without releasing.
func (p *Pump) Run(ctx context.Context) error {
	p.setState(StateStarting)
	sess, err := p.registry.Acquire(ctx, p.key)
	if err != nil {
		p.setState(StateStopped)
		log.Printf("[PUMP] %s cannot stream %s: %v", p.id, p.key, err)
		p.transport.Close()
		return err
	}

	p.setState(StateRunning)
	log.Printf("[PUMP] %s streaming %s", p.id, p.key)

	defer func() {
		p.setState(StateStopping)
		if err := p.registry.Release(p.key); err != nil {
			log.Printf("[PUMP] %s release: %v", p.id, err)
		}
		p.transport.Close()
		p.setState(StateStopped)
		log.Printf("[PUMP] %s stopped after %d frames", p.id, p.sent.Load())
	}()

	return p.loop(ctx, sess)
}

func (p *Pump) loop(ctx context.Context, sess *capture.Session) error {
	interval := time.Second / time.Duration(p.tuning.TargetFrameRate)
	frames := 0
	windowStart := p.clock.Now()
	lastSent := windowStart

	for ctx.Err() == nil {
		payload, err := p.produce(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, errNoFrame) {
				p.clock.Sleep(ctx, p.tuning.EmptyBackoff)
				continue
			}
			log.Printf("[PUMP] %s fault on %s: %v", p.id, p.key, err)
			p.clock.Sleep(ctx, p.tuning.FaultBackoff)
			continue
		}

		if err := p.transport.Send(ctx, payload); err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("%w: %w", ErrSendFailure, err)
		}
		p.sent.Add(1)
		logDebug(p.debugYn, "[PUMP] %s sent %d bytes q=%d", p.id, len(payload), p.Quality())

		frames++
		now := p.clock.Now()
		if elapsed := now.Sub(windowStart); elapsed >= p.tuning.AdjustWindow {
			p.adjust(frames, elapsed)
			frames = 0
			windowStart = now
		}

		if wait := interval - now.Sub(lastSent); wait > 0 {
			p.clock.Sleep(ctx, wait)
		}
		lastSent = p.clock.Now()
	}
	return nil
}

// produce fetches and encodes one frame. Empty sources and encode failures
// come back as errNoFrame; anything else is a fault.
func (p *Pump) produce(ctx context.Context, sess *capture.Session) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	fetchCtx := ctx
	if p.tuning.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.tuning.FetchTimeout)
		defer cancel()
	}

	img, err := sess.Fetch(fetchCtx)
	if err != nil {
		if errors.Is(err, capture.ErrEmpty) {
			return nil, errNoFrame
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	payload, err = p.encoder.Encode(img, p.tuning.ScaleFactor, p.Quality())
	if err != nil {
		logDebug(p.debugYn, "[PUMP] %s skipping frame: %v", p.id, err)
		return nil, errNoFrame
	}
	return payload, nil
}

// adjust applies the dead-banded quality step for one measurement window.
func (p *Pump) adjust(frames int, elapsed time.Duration) {
	fps := float64(frames) / elapsed.Seconds()
	target := float64(p.tuning.TargetFrameRate)
	q := p.Quality()

	switch {
	case fps < target*p.tuning.LowWatermark:
		q = max(p.tuning.MinQuality, q-p.tuning.QualityStep)
	case fps > target*p.tuning.HighWatermark && q < p.tuning.MaxQuality:
		q = min(p.tuning.MaxQuality, q+p.tuning.QualityStep)
	}

	if q != p.Quality() {
		log.Printf("[PUMP] %s %.1f fps on %s, quality %d -> %d", p.id, fps, p.key, p.Quality(), q)
		p.quality.Store(int32(q))
	}
}
