// Package observer exposes live session events over WebSocket and a small
// HTTP API for recorded sessions, pending approvals and metrics.
package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
	"github.com/aymankanso/agent/internal/infra/middleware"
	"github.com/aymankanso/agent/internal/usecase/gateway"
	"github.com/aymankanso/agent/internal/usecase/swarm"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
	defaultRatePerMin   = 600
	defaultRateBurst    = 60
)

// Approvals is the slice of the approval gate the observer drives.
type Approvals interface {
	Pending() []domain.ApprovalRequest
	Resolve(id string, decision domain.ApprovalDecision, resolver, reason string) (domain.ApprovalRequest, error)
}

// SessionLister lists sessions hosted by this process.
type SessionLister interface {
	List() []swarm.SessionInfo
}

// ToolStatser reports per-tool counters.
type ToolStatser interface {
	Stats() []gateway.ToolStats
}

// Deps holds what the observer reads from. Only Bus is required.
type Deps struct {
	Bus       domain.EventBus
	Recorder  domain.Recorder
	Approvals Approvals
	Sessions  SessionLister
	Tools     ToolStatser
	Metrics   http.Handler
	Logger    *slog.Logger
}

type client struct {
	id        uint64
	ws        *websocket.Conn
	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once

	// lagging is closed once the client misses an event.
	lagging chan struct{}
	lagOnce sync.Once
}

// offer queues e without blocking. A full queue marks the client lagging
// and reports false.
func (c *client) offer(e domain.Event) bool {
	select {
	case c.send <- e:
		return true
	default:
		c.lagOnce.Do(func() { close(c.lagging) })
		return false
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close(code, reason)
	})
}

// Server is the observer HTTP/WebSocket surface.
type Server struct {
	cfg       config.ObserverConfig
	deps      Deps
	queueSize int
	started   time.Time

	httpSrv   *http.Server
	boundAddr atomic.Value // string
	nextID    atomic.Uint64
	clients   sync.Map // uint64 -> *client
}

// New creates a Server. Nothing listens until Start.
func New(cfg config.ObserverConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{cfg: cfg, deps: deps, queueSize: defaultQueueSize, started: time.Now()}
	s.boundAddr.Store("")
	return s
}

// Handler returns the routed, authenticated handler tree. ctx bounds the
// rate limiter's background sweeper.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/active", s.handleActive)
	mux.HandleFunc("GET /sessions/{id}/records", s.handleRecords)
	mux.HandleFunc("GET /approvals", s.handleApprovals)
	mux.HandleFunc("POST /approvals/{id}", s.handleResolve)
	mux.HandleFunc("GET /tools", s.handleTools)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	protected := middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: defaultRatePerMin,
			Burst:          defaultRateBurst,
		}),
		middleware.RequireToken(s.cfg.Token),
	)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		})
	})
	root.Handle("/", protected)
	return root
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Token == "" {
		s.deps.Logger.Warn("observer running without a token; anyone who can reach it may resolve approvals",
			"addr", s.cfg.Addr)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("observer listen: %w", err)
	}
	s.boundAddr.Store(ln.Addr().String())
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.deps.Logger.Info("observer started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			s.deps.Logger.Warn("observer stop", "error", err)
		}
	}()

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observer serve: %w", err)
	}
	return nil
}

// Stop closes every stream and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		value.(*client).close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// BoundAddr is the listening address once Start has bound.
func (s *Server) BoundAddr() string { return s.boundAddr.Load().(string) }

// Clients returns the number of connected streams.
func (s *Server) Clients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}

// handleStream upgrades to WebSocket and forwards events for one session,
// or for every session when session_id is absent. A client whose queue
// overflows is disconnected with StatusPolicyViolation rather than served a
// stream with gaps.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	c := &client{
		id:      s.nextID.Add(1),
		send:    make(chan domain.Event, s.queueSize),
		done:    make(chan struct{}),
		lagging: make(chan struct{}),
	}
	forward := func(_ context.Context, e domain.Event) {
		if !c.offer(e) {
			s.deps.Logger.Warn("observer client lagging, event dropped",
				"conn_id", c.id, "session_id", e.SessionID, "sequence", e.Sequence)
		}
	}
	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	var unsubscribe func()
	if sessionID != "" {
		unsubscribe = s.deps.Bus.SubscribeSession(sessionID, forward)
	} else {
		unsubscribe = s.deps.Bus.SubscribeAll(forward)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		unsubscribe()
		s.deps.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	c.ws = ws
	s.clients.Store(c.id, c)
	s.deps.Logger.Info("observer client connected", "conn_id", c.id, "session_id", sessionID)

	defer func() {
		unsubscribe()
		s.clients.Delete(c.id)
		c.close(websocket.StatusNormalClosure, "")
		s.deps.Logger.Info("observer client disconnected", "conn_id", c.id)
	}()

	// Clients only listen; CloseRead handles control frames and reports a
	// closed connection through ctx.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.lagging:
			s.deps.Logger.Warn("observer disconnecting lagging client", "conn_id", c.id)
			c.close(websocket.StatusPolicyViolation, "lagging")
			return
		case e := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := wsjson.Write(wctx, ws, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
