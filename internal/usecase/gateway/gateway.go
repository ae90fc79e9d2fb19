// Package gateway is the single entry point for tool invocations. It applies
// parameter validation, approval, circuit breaking, rate limiting, retry and
// output truncation in that order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/aymankanso/agent/internal/adapter/breaker"
	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/metrics"
	"github.com/aymankanso/agent/internal/infra/tracer"
	"github.com/aymankanso/agent/internal/usecase/approval"
	"github.com/aymankanso/agent/internal/usecase/retry"
)

// DefaultMaxOutput bounds successful payloads when neither the tool nor the
// defaults set a limit.
const DefaultMaxOutput = 100000

const truncationMarker = "\n... [truncated]"

// Approver is the part of the approval gate the gateway needs.
type Approver interface {
	Open(ctx context.Context, req approval.OpenRequest) domain.ApprovalRequest
	Await(ctx context.Context, id string) (domain.ApprovalRequest, error)
}

// Hooks let the caller observe approval and execution milestones in order.
// Any hook may be nil.
type Hooks struct {
	ApprovalRequested func(ctx context.Context, req domain.ApprovalRequest)
	ApprovalResolved  func(ctx context.Context, req domain.ApprovalRequest)
	ToolStarted       func(ctx context.Context, req domain.ToolInvocationRequest)
}

// Deps holds injected dependencies.
type Deps struct {
	Catalog   *Catalog
	Runner    domain.ToolRunner
	Approvals Approver
	Breakers  *breaker.Set
	Executor  *retry.Executor
	Metrics   *metrics.Metrics // optional
	Logger    *slog.Logger
}

// ToolStats are per-tool counters since process start.
type ToolStats struct {
	ToolID      string        `json:"tool_id"`
	Calls       int           `json:"calls"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	TimedOut    int           `json:"timed_out"`
	Rejected    int           `json:"rejected"` // circuit open or not approved
	Attempts    int           `json:"attempts"`
	TotalTime   time.Duration `json:"total_time"`
	SuccessRate float64       `json:"success_rate"`
	Breaker     breaker.State `json:"breaker"`
}

// Gateway invokes tools on behalf of agents.
type Gateway struct {
	deps     Deps
	limiters map[string]*rate.Limiter

	mu    sync.Mutex
	stats map[string]*ToolStats
}

// New creates a Gateway.
func New(deps Deps) *Gateway {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewSet(deps.Metrics, deps.Logger)
	}
	if deps.Executor == nil {
		deps.Executor = retry.New(deps.Logger)
	}
	g := &Gateway{
		deps:     deps,
		limiters: make(map[string]*rate.Limiter),
		stats:    make(map[string]*ToolStats),
	}
	for _, spec := range deps.Catalog.Specs() {
		if spec.RateLimit > 0 {
			g.limiters[spec.ID] = rate.NewLimiter(rate.Limit(spec.RateLimit), spec.RateBurst)
		}
	}
	return g
}

// Catalog returns the tool catalog.
func (g *Gateway) Catalog() *Catalog { return g.deps.Catalog }

// Spec returns the resolved spec of toolID.
func (g *Gateway) Spec(toolID string) (domain.ToolSpec, bool) { return g.deps.Catalog.Lookup(toolID) }

// Invoke runs one tool call. Every expected failure is reported as an outcome
// on the result; the only error is domain.ErrToolNotFound for an unknown tool.
func (g *Gateway) Invoke(ctx context.Context, req domain.ToolInvocationRequest, hooks Hooks) (domain.ToolInvocationResult, error) {
	spec, ok := g.deps.Catalog.Lookup(req.ToolID)
	if !ok {
		return domain.ToolInvocationResult{}, domain.NewSubSystemError("tool", "Gateway.Invoke", domain.ErrToolNotFound, req.ToolID)
	}
	if req.CallID == "" {
		req.CallID = domain.NewID()
	}
	// The catalog tier is a floor; a caller may only raise it.
	if spec.RiskTier > req.RiskTier {
		req.RiskTier = spec.RiskTier
	}
	if req.Timeout <= 0 {
		req.Timeout = spec.Timeout
	}

	ctx, span := tracer.StartToolCall(ctx, tracer.ToolCall{
		SessionID: req.SessionID,
		Agent:     req.Agent,
		ToolID:    req.ToolID,
		CallID:    req.CallID,
		RiskTier:  req.RiskTier.String(),
	})

	start := time.Now()
	res := g.invoke(ctx, spec, req, hooks)
	res.CallID, res.ToolID = req.CallID, req.ToolID
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	tracer.ToolOutcome(span, string(res.Outcome), res.Attempts)
	if res.OK() {
		tracer.End(span, nil)
	} else {
		tracer.End(span, fmt.Errorf("%s: %s", res.Outcome, res.Reason))
	}

	g.deps.Metrics.ObserveTool(req.ToolID, string(res.Outcome), res.Attempts, res.Duration)
	g.record(res)

	level := slog.LevelInfo
	if !res.OK() {
		level = slog.LevelWarn
	}
	g.deps.Logger.Log(ctx, level, "tool invoked",
		"tool_id", req.ToolID, "call_id", req.CallID, "outcome", res.Outcome,
		"attempts", res.Attempts, "duration", res.Duration, "reason", res.Reason)
	return res, nil
}

func (g *Gateway) invoke(ctx context.Context, spec domain.ToolSpec, req domain.ToolInvocationRequest, hooks Hooks) domain.ToolInvocationResult {
	if err := g.deps.Catalog.validate(req.ToolID, req.Params); err != nil {
		return failed(domain.OutcomePermanentFailure, "invalid parameters: "+err.Error())
	}

	if req.RiskTier.RequiresApproval() {
		if res, ok := g.approve(ctx, req, hooks); !ok {
			return res
		}
	}

	if g.deps.Breakers.State(req.ToolID) == breaker.StateOpen {
		return failed(domain.OutcomeTransientFailure, "circuit open")
	}

	if lim := g.limiters[req.ToolID]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return failed(domain.OutcomeTransientFailure, "cancelled")
		}
	}

	policy := retry.Policy{
		MaxAttempts: spec.MaxAttempts,
		BaseDelay:   spec.BaseDelay,
		MaxDelay:    spec.MaxDelay,
		Timeout:     req.Timeout,
	}
	settings := breaker.Settings{Threshold: spec.BreakerThreshold, Cooldown: spec.BreakerCooldown}

	started := false
	res, err := g.deps.Breakers.Execute(req.ToolID, settings, func() domain.ToolInvocationResult {
		started = true
		if hooks.ToolStarted != nil {
			hooks.ToolStarted(ctx, req)
		}
		return g.deps.Executor.Do(ctx, policy, func(actx context.Context) (string, error) {
			return g.deps.Runner.Run(actx, req.ToolID, req.Params)
		})
	})
	if err != nil {
		// A half-open breaker whose single trial slot is taken lands here too.
		if errors.Is(err, domain.ErrCircuitOpen) && !started {
			return failed(domain.OutcomeTransientFailure, "circuit open")
		}
		return failed(domain.OutcomeTransientFailure, err.Error())
	}

	if res.OK() {
		limit := spec.MaxOutput
		if limit <= 0 {
			limit = DefaultMaxOutput
		}
		res.Payload, res.Truncated = Truncate(res.Payload, limit)
	}
	return res
}

// approve blocks on the approval gate. ok is false when the call must not run.
func (g *Gateway) approve(ctx context.Context, req domain.ToolInvocationRequest, hooks Hooks) (domain.ToolInvocationResult, bool) {
	if g.deps.Approvals == nil {
		return failed(domain.OutcomePermanentFailure, "not approved"), false
	}

	ar := g.deps.Approvals.Open(ctx, approval.OpenRequest{
		SessionID:   req.SessionID,
		Agent:       req.Agent,
		ToolID:      req.ToolID,
		RiskTier:    req.RiskTier,
		Description: describe(req),
	})
	if hooks.ApprovalRequested != nil {
		hooks.ApprovalRequested(ctx, ar)
	}

	if !ar.Status.Resolved() {
		resolved, err := g.deps.Approvals.Await(ctx, ar.ID)
		if err != nil {
			g.deps.Logger.WarnContext(ctx, "approval wait failed", "approval_id", ar.ID, "error", err)
			ar.Status, ar.Reason = domain.ApprovalExpired, err.Error()
		} else {
			ar = resolved
		}
	}
	if hooks.ApprovalResolved != nil {
		hooks.ApprovalResolved(ctx, ar)
	}

	if ar.Status != domain.ApprovalApproved {
		return failed(domain.OutcomePermanentFailure, "not approved"), false
	}
	return domain.ToolInvocationResult{}, true
}

func describe(req domain.ToolInvocationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants to run %s (%s risk)", orUnknown(req.Agent), req.ToolID, req.RiskTier)
	if len(req.Params) > 0 && string(req.Params) != "null" {
		params, _ := Truncate(string(req.Params), 500)
		fmt.Fprintf(&b, " with %s", params)
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "an agent"
	}
	return s
}

func failed(outcome domain.Outcome, reason string) domain.ToolInvocationResult {
	return domain.ToolInvocationResult{Outcome: outcome, Reason: reason}
}

// Truncate cuts s to at most limit bytes on a rune boundary and appends a
// marker. It reports whether s was cut.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker, true
}

func (g *Gateway) record(res domain.ToolInvocationResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.stats[res.ToolID]
	if !ok {
		st = &ToolStats{ToolID: res.ToolID}
		g.stats[res.ToolID] = st
	}
	st.Calls++
	st.Attempts += res.Attempts
	st.TotalTime += res.Duration
	switch {
	case res.OK():
		st.Successes++
	case res.Outcome == domain.OutcomeTimedOut:
		st.TimedOut++
	case res.Attempts == 0:
		st.Rejected++
	default:
		st.Failures++
	}
}

// Stats returns per-tool counters sorted by tool id.
func (g *Gateway) Stats() []ToolStats {
	g.mu.Lock()
	out := make([]ToolStats, 0, len(g.stats))
	for _, st := range g.stats {
		cp := *st
		if cp.Calls > 0 {
			cp.SuccessRate = float64(cp.Successes) / float64(cp.Calls)
		}
		out = append(out, cp)
	}
	g.mu.Unlock()

	for i := range out {
		out[i].Breaker = g.deps.Breakers.State(out[i].ToolID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}
