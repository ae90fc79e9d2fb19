// Package retry runs a single tool call under a per-attempt timeout with
// exponential backoff between retryable failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultTimeout     = 60 * time.Second
)

// Policy bounds one invocation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout applies to each attempt separately.
	Timeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Backoff returns the un-jittered delay before retry number attempt (1-based):
// min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// AttemptFunc performs one attempt. ctx carries the per-attempt deadline.
type AttemptFunc func(ctx context.Context) (string, error)

// Executor applies a Policy to an AttemptFunc.
type Executor struct {
	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithJitter replaces the jitter source. fn returns a value in [0, max].
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = fn }
}

// WithSleep replaces the context-aware sleep used between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// New creates an Executor with random jitter and a timer-based sleep.
func New(logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Executor{
		jitter: randomJitter,
		sleep:  sleepCtx,
		logger: logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn until it succeeds, fails permanently, the attempts are
// exhausted or ctx is cancelled. It never returns an error: every outcome is
// carried by the result. The result's CallID and ToolID are left to the caller.
func (e *Executor) Do(ctx context.Context, p Policy, fn AttemptFunc) domain.ToolInvocationResult {
	p = p.withDefaults()
	start := time.Now()

	var res domain.ToolInvocationResult
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.Outcome, res.Reason = domain.OutcomeTransientFailure, "cancelled"
			break
		}
		res.Attempts = attempt

		out, outcome, reason := e.attempt(ctx, p.Timeout, fn)
		res.Outcome, res.Reason = outcome, reason
		if outcome == domain.OutcomeSuccess {
			res.Payload = out
			break
		}
		if !outcome.Retryable() || reason == "cancelled" || attempt == p.MaxAttempts {
			break
		}

		delay := p.Backoff(attempt)
		delay += e.jitter(delay)
		e.logger.DebugContext(ctx, "tool attempt failed, backing off",
			"attempt", attempt, "outcome", outcome, "reason", reason, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			res.Reason = "cancelled"
			res.Outcome = domain.OutcomeTransientFailure
			break
		}
	}

	res.Duration = time.Since(start)
	return res
}

type attemptResult struct {
	out string
	err error
}

// attempt runs fn under its own deadline. When the deadline or ctx ends first
// the attempt is abandoned and its late result discarded, whether or not fn
// honors actx.
func (e *Executor) attempt(ctx context.Context, timeout time.Duration, fn AttemptFunc) (string, domain.Outcome, string) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		out, err := fn(actx)
		done <- attemptResult{out: out, err: err}
	}()

	var r attemptResult
	select {
	case r = <-done:
	case <-actx.Done():
		if ctx.Err() != nil {
			return "", domain.OutcomeTransientFailure, "cancelled"
		}
		e.logger.WarnContext(ctx, "tool attempt abandoned after deadline", "timeout", timeout)
		return "", domain.OutcomeTimedOut, fmt.Sprintf("timed out after %s", timeout)
	}

	switch {
	case r.err == nil:
		return r.out, domain.OutcomeSuccess, ""
	case ctx.Err() != nil:
		return "", domain.OutcomeTransientFailure, "cancelled"
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return "", domain.OutcomeTimedOut, fmt.Sprintf("timed out after %s", timeout)
	case errors.Is(r.err, domain.ErrPermanentFailure):
		return "", domain.OutcomePermanentFailure, r.err.Error()
	default:
		return "", domain.OutcomeTransientFailure, r.err.Error()
	}
}
