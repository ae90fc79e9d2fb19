// Package approval implements the human-in-the-loop gate consulted before
// high and critical risk tool invocations.
package approval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

// Default gate settings.
const (
	DefaultTimeout     = 300 * time.Second
	DefaultHistorySize = 1000
)

// Resolver names recorded on requests resolved by the gate itself.
const (
	ResolverAuto    = "auto"
	ResolverTimeout = "timeout"
)

// Observer receives gate lifecycle counts (Prometheus in production).
type Observer interface {
	ApprovalOpened()
	ApprovalClosed(status string)
}

// Config configures a Gate.
type Config struct {
	Timeout     time.Duration
	AutoApprove []domain.RiskTier
	HistorySize int
}

// OpenRequest describes the invocation awaiting sign-off.
type OpenRequest struct {
	SessionID   string
	Agent       string
	ToolID      string
	RiskTier    domain.RiskTier
	Description string
}

// Stats summarizes every request the gate still remembers.
type Stats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Approved     int     `json:"approved"`
	Denied       int     `json:"denied"`
	Expired      int     `json:"expired"`
	ApprovalRate float64 `json:"approval_rate"` // approved / resolved, 0 when none resolved
}

type entry struct {
	req  domain.ApprovalRequest
	done chan struct{}
}

// Gate holds pending and recently resolved approval requests. Each request is
// resolved exactly once; pending requests are independent of each other.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*entry
	history []string // resolved ids, oldest first

	timeout     time.Duration
	autoApprove map[domain.RiskTier]bool
	historySize int

	notifier domain.ApprovalNotifier
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifier sets the out-of-band notifier called for every pending request.
func WithNotifier(n domain.ApprovalNotifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate.
func NewGate(cfg Config, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gate{
		entries:     make(map[string]*entry),
		timeout:     cfg.Timeout,
		autoApprove: make(map[domain.RiskTier]bool, len(cfg.AutoApprove)),
		historySize: cfg.HistorySize,
		logger:      logger,
		now:         time.Now,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.historySize <= 0 {
		g.historySize = DefaultHistorySize
	}
	for _, t := range cfg.AutoApprove {
		g.autoApprove[t] = true
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Open creates a request. Tiers in the auto-approve set are approved
// immediately; all others are Pending and the notifier is told about them.
func (g *Gate) Open(ctx context.Context, or OpenRequest) domain.ApprovalRequest {
	now := g.now()
	req := domain.ApprovalRequest{
		ID:          domain.NewID(),
		SessionID:   or.SessionID,
		Agent:       or.Agent,
		ToolID:      or.ToolID,
		RiskTier:    or.RiskTier,
		Description: or.Description,
		Status:      domain.ApprovalPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.timeout),
	}
	e := &entry{req: req, done: make(chan struct{})}

	g.mu.Lock()
	g.entries[req.ID] = e
	auto := g.autoApprove[or.RiskTier]
	if auto {
		g.finishLocked(e, domain.ApprovalApproved, ResolverAuto, "auto-approved tier")
		req = e.req
	}
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.ApprovalOpened()
		if auto {
			g.observer.ApprovalClosed(string(req.Status))
		}
	}
	if auto {
		g.logger.InfoContext(ctx, "approval auto-granted", "approval_id", req.ID, "tool_id", req.ToolID, "risk_tier", req.RiskTier)
		return req
	}

	g.logger.InfoContext(ctx, "approval requested",
		"approval_id", req.ID, "tool_id", req.ToolID, "risk_tier", req.RiskTier, "expires_at", req.ExpiresAt)
	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, req); err != nil {
			g.logger.WarnContext(ctx, "approval notify failed", "approval_id", req.ID, "error", err)
		}
	}
	return req
}

// Await blocks until the request is resolved, its wait timeout elapses
// (Expired) or ctx is cancelled (Expired with reason "cancelled").
func (g *Gate) Await(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	g.mu.Lock()
	e, ok := g.entries[id]
	g.mu.Unlock()
	if !ok {
		return domain.ApprovalRequest{}, domain.NewSubSystemError("approval", "Gate.Await", domain.ErrNotFound, id)
	}

	timer := time.NewTimer(time.Until(e.req.ExpiresAt))
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		g.expire(e, "timed out")
	case <-ctx.Done():
		g.expire(e, "cancelled")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return e.req, nil
}

// Request opens a request and waits for its resolution.
func (g *Gate) Request(ctx context.Context, or OpenRequest) (domain.ApprovalRequest, error) {
	req := g.Open(ctx, or)
	if req.Status.Resolved() {
		return req, nil
	}
	return g.Await(ctx, req.ID)
}

// Resolve applies an operator decision. Late or repeated resolutions return
// domain.ErrAlreadyResolved and leave the request unchanged.
func (g *Gate) Resolve(id string, decision domain.ApprovalDecision, resolver, reason string) (domain.ApprovalRequest, error) {
	var status domain.ApprovalStatus
	switch decision {
	case domain.DecisionApprove:
		status = domain.ApprovalApproved
	case domain.DecisionDeny:
		status = domain.ApprovalDenied
	default:
		return domain.ApprovalRequest{}, domain.NewDomainError("Gate.Resolve", domain.ErrInvalidInput,
			fmt.Sprintf("unknown decision %q", decision))
	}

	g.mu.Lock()
	e, ok := g.entries[id]
	if !ok {
		g.mu.Unlock()
		return domain.ApprovalRequest{}, domain.NewSubSystemError("approval", "Gate.Resolve", domain.ErrNotFound, id)
	}
	if e.req.Status.Resolved() {
		current := e.req
		g.mu.Unlock()
		g.logger.Warn("approval already resolved", "approval_id", id, "status", current.Status, "resolver", resolver)
		return current, domain.NewDomainError("Gate.Resolve", domain.ErrAlreadyResolved, id)
	}
	g.finishLocked(e, status, resolver, reason)
	req := e.req
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.ApprovalClosed(string(status))
	}
	g.logger.Info("approval resolved", "approval_id", id, "status", status, "resolver", resolver)
	return req, nil
}

func (g *Gate) expire(e *entry, reason string) {
	g.mu.Lock()
	if e.req.Status.Resolved() {
		g.mu.Unlock()
		return
	}
	g.finishLocked(e, domain.ApprovalExpired, ResolverTimeout, reason)
	id := e.req.ID
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.ApprovalClosed(string(domain.ApprovalExpired))
	}
	g.logger.Warn("approval expired", "approval_id", id, "reason", reason)
}

// finishLocked must be called with g.mu held.
func (g *Gate) finishLocked(e *entry, status domain.ApprovalStatus, resolver, reason string) {
	e.req.Status = status
	e.req.Resolver = resolver
	e.req.Reason = reason
	e.req.ResolvedAt = g.now()
	close(e.done)

	g.history = append(g.history, e.req.ID)
	for len(g.history) > g.historySize {
		delete(g.entries, g.history[0])
		g.history = g.history[1:]
	}
}

// Get returns a request by id.
func (g *Gate) Get(id string) (domain.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return domain.ApprovalRequest{}, domain.NewSubSystemError("approval", "Gate.Get", domain.ErrNotFound, id)
	}
	return e.req, nil
}

// Pending lists outstanding requests, oldest first.
func (g *Gate) Pending() []domain.ApprovalRequest {
	g.mu.Lock()
	out := make([]domain.ApprovalRequest, 0)
	for _, e := range g.entries {
		if !e.req.Status.Resolved() {
			out = append(out, e.req)
		}
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns up to limit resolved requests, most recent first.
// limit <= 0 returns everything retained.
func (g *Gate) History(limit int) []domain.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.ApprovalRequest, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, g.entries[g.history[i]].req)
	}
	return out
}

// Stats counts requests by status.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var s Stats
	for _, e := range g.entries {
		s.Total++
		switch e.req.Status {
		case domain.ApprovalPending:
			s.Pending++
		case domain.ApprovalApproved:
			s.Approved++
		case domain.ApprovalDenied:
			s.Denied++
		case domain.ApprovalExpired:
			s.Expired++
		}
	}
	if resolved := s.Approved + s.Denied + s.Expired; resolved > 0 {
		s.ApprovalRate = float64(s.Approved) / float64(resolved)
	}
	return s
}
