package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"ws-frame-relay/internal/capture"
)

var ErrUnknownKey = errors.New("registry: release of unknown source")

type Config struct {
	Options      capture.Options
	DrainGrabs   int
	OpenTimeout  time.Duration
	CloseTimeout time.Duration
}

// entry is one incarnation of a capture session. refs counts holders and
// joiners still waiting on ready. refs == 0 means the entry is being torn
// down and is kept in the map only so acquirers wait for closed.
type entry struct {
	key      string
	refs     int
	openedAt time.Time

	ready   chan struct{}
	session *capture.Session
	err     error

	closed chan struct{}
}

// Registry shares one capture session per source key between viewers.
// Acquire and Release are the only ways to change it and both run under
// mu; device open and close happen outside mu on the session's own worker,
// with the entry reserved so no other caller can use it meanwhile.
type Registry struct {
	opener capture.Opener
	cfg    Config

	mu      sync.Mutex
	entries map[string]*entry
	// stale holds sessions whose close timed out, keyed by source.
	stale map[string]<-chan struct{}
}

func New(opener capture.Opener, cfg Config) *Registry {
	return &Registry{
		opener:  opener,
		cfg:     cfg,
		entries: make(map[string]*entry),
		stale:   make(map[string]<-chan struct{}),
	}
}

// Acquire returns the live session for key, opening it if this is the
// first holder. Every successful Acquire must be paired with one Release.
func (r *Registry) Acquire(ctx context.Context, key string) (*capture.Session, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[key]
		if !ok {
			e = &entry{
				key:    key,
				refs:   1,
				ready:  make(chan struct{}),
				closed: make(chan struct{}),
			}
			r.entries[key] = e
			if done, ok := r.stale[key]; ok {
				select {
				case <-done:
				default:
					log.Println("[REGISTRY] warning: previous handle for", key, "is still pending release while a new session opens")
				}
			}
			r.mu.Unlock()
			go r.open(e)
			return r.join(ctx, e)
		}

		if e.refs == 0 {
			r.mu.Unlock()
			select {
			case <-e.closed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e.refs++
		r.mu.Unlock()
		return r.join(ctx, e)
	}
}

// open runs detached from any one viewer so a viewer leaving mid-open does
// not fail the others waiting on the same entry; only OpenTimeout bounds it.
func (r *Registry) open(e *entry) {
	ctx := context.Background()
	if r.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.OpenTimeout)
		defer cancel()
	}

	s, err := capture.Open(ctx, r.opener, e.key, r.cfg.Options, r.cfg.DrainGrabs)

	r.mu.Lock()
	if err != nil {
		e.err = err
		delete(r.entries, e.key)
		close(e.closed)
	} else {
		e.session = s
		e.openedAt = time.Now()
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		log.Println("[REGISTRY] open failed for", e.key+":", err)
		return
	}
	log.Println("[REGISTRY] session created for", e.key)
}

func (r *Registry) join(ctx context.Context, e *entry) (*capture.Session, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		// give the reference back once the open settles
		go func() {
			<-e.ready
			if e.err == nil {
				r.Release(e.key)
			}
		}()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.session, nil
}

// Release drops one holder of key. The last holder closes the session
// before Release returns; until then the key is reserved and Acquire waits.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.refs == 0 || e.session == nil {
		r.mu.Unlock()
		log.Println("[REGISTRY] release of unknown or idle source", key)
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	e.refs--
	if e.refs > 0 {
		n := e.refs
		r.mu.Unlock()
		log.Println("[REGISTRY] viewer left", key+", remaining:", n)
		return nil
	}
	r.mu.Unlock()

	ctx := context.Background()
	if r.cfg.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CloseTimeout)
		defer cancel()
	}
	err := e.session.Close(ctx)

	r.mu.Lock()
	delete(r.entries, key)
	if err != nil {
		select {
		case <-e.session.Done():
			log.Println("[REGISTRY] close of", key, "failed:", err)
		default:
			log.Println("[REGISTRY] close of", key, "did not complete, handle still pending release:", err)
			r.trackStale(key, e.session.Done())
		}
	}
	close(e.closed)
	r.mu.Unlock()

	log.Println("[REGISTRY] session destroyed for", key)
	return nil
}

// trackStale remembers a session whose release outlived CloseTimeout until
// its worker finally exits. Called with mu held.
func (r *Registry) trackStale(key string, done <-chan struct{}) {
	r.stale[key] = done
	go func() {
		<-done
		r.mu.Lock()
		if r.stale[key] == done {
			delete(r.stale, key)
		}
		r.mu.Unlock()
		log.Println("[REGISTRY] pending handle for", key, "released")
	}()
}

type SessionInfo struct {
	Key      string    `json:"key"`
	Viewers  int       `json:"viewers"`
	OpenedAt time.Time `json:"openedAt"`
}

// Snapshot lists live sessions ordered by key. Entries still opening or
// being torn down are left out.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		if e.refs == 0 || e.session == nil {
			continue
		}
		out = append(out, SessionInfo{Key: e.key, Viewers: e.refs, OpenedAt: e.openedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Refs returns the holder count for key, or 0 if it has no live session.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.session != nil {
		return e.refs
	}
	return 0
}
