package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ws-frame-relay/internal/registry"
	"ws-frame-relay/internal/stream"
	"ws-frame-relay/pkg/config"

	"github.com/gorilla/websocket"
)

const streamPrefix = "/ws/stream/"

var ErrEmptySource = errors.New("server: empty source")

type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	encoder  stream.Encoder
	tuning   stream.Tuning
	upgrader websocket.Upgrader

	// viewers is cancelled on shutdown so every pump releases its session.
	viewers context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, reg *registry.Registry, enc stream.Encoder) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: reg,
		encoder:  enc,
		tuning:   stream.TuningFromConfig(cfg),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: ctx,
		stop:    cancel,
	}
}

// Handler routes stream requests on the escaped path so source keys
// containing "//" are never cleaned or redirected by the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.EscapedPath(), streamPrefix) {
			s.handleStream(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// SourceKey extracts the source identity from a stream path. The segment
// after /ws/stream/ is percent-decoded once; a single trailing slash is
// the route's and not part of the key.
func SourceKey(escapedPath string) (string, error) {
	raw, ok := strings.CutPrefix(escapedPath, streamPrefix)
	if !ok {
		return "", fmt.Errorf("%w: path %q", ErrEmptySource, escapedPath)
	}
	raw = strings.TrimSuffix(raw, "/")
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", ErrEmptySource
	}
	return key, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key, err := SourceKey(r.URL.EscapedPath())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// counted before the upgrade so Shutdown cannot miss a viewer in flight
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("[WS] upgrade failed:", err)
		return
	}
	log.Println("[WS] viewer connected from", conn.RemoteAddr(), "for", key)

	ctx, cancel := context.WithCancel(s.viewers)
	defer cancel()

	t := newWSTransport(conn, s.cfg.SendMode, s.cfg.WriteTimeout)
	go t.readLoop(cancel)

	p := stream.NewPump(key, s.registry, s.encoder, t, s.tuning, s.cfg.DebugYn)
	if err := p.Run(ctx); err != nil {
		log.Printf("[WS] viewer %s for %s ended: %v", p.ID(), key, err)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.registry.Snapshot()); err != nil {
		log.Println("[WS] sessions encode:", err)
	}
}

// ListenAndServe serves until ctx ends, then disconnects every viewer and
// waits for their sessions to be released.
func (s *Server) ListenAndServe(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", s.cfg.HttpPort), 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("port %d already in use", s.cfg.HttpPort)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HttpPort),
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Println("[WS] ready on", fmt.Sprintf("ws://localhost:%d%s<source>/", s.cfg.HttpPort, streamPrefix))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Shutdown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.Shutdown()
	return err
}

// Shutdown disconnects all viewers and waits for their pumps to finish.
func (s *Server) Shutdown() {
	s.stop()
	s.wg.Wait()
}

// wsTransport sends frames over one websocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	binary       bool
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, sendMode string, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		binary:       sendMode == config.SendModeBinary,
		writeTimeout: writeTimeout,
	}
}

func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Time{}
	if t.writeTimeout > 0 {
		deadline = time.Now().Add(t.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	if t.binary {
		return t.conn.WriteMessage(websocket.BinaryMessage, payload)
	}
	text := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(text, payload)
	return t.conn.WriteMessage(websocket.TextMessage, text)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// readLoop discards viewer messages and reports the disconnect.
func (t *wsTransport) readLoop(disconnected context.CancelFunc) {
	defer disconnected()
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Println("[WS] read error:", err)
			}
			return
		}
	}
}
