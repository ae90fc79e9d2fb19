// Package breaker keeps one circuit breaker per tool.
package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/aymankanso/agent/internal/domain"
)

// Default breaker settings.
const (
	DefaultThreshold uint32        = 5
	DefaultCooldown  time.Duration = 60 * time.Second
)

// Settings configures the breaker of one tool.
type Settings struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold uint32
	// Cooldown is how long the circuit stays open before a half-open trial call.
	Cooldown time.Duration
}

// StateObserver receives breaker state transitions (0 closed, 1 half-open, 2 open).
type StateObserver interface {
	SetBreakerState(tool string, state int)
}

// State mirrors gobreaker.State for callers that should not import gobreaker.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Set lazily creates a breaker per tool id. Breakers are shared by every
// session of the process.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[domain.ToolInvocationResult]
	observer StateObserver
	logger   *slog.Logger
}

// NewSet creates an empty breaker set. observer may be nil.
func NewSet(observer StateObserver, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Set{
		breakers: make(map[string]*gobreaker.CircuitBreaker[domain.ToolInvocationResult]),
		observer: observer,
		logger:   logger,
	}
}

func (s *Set) get(toolID string, st Settings) *gobreaker.CircuitBreaker[domain.ToolInvocationResult] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[toolID]; ok {
		return cb
	}

	threshold := st.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	cooldown := st.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	cb := gobreaker.NewCircuitBreaker[domain.ToolInvocationResult](gobreaker.Settings{
		Name:        toolID,
		MaxRequests: 1, // one trial call while half-open
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"tool", name,
				"from", from.String(),
				"to", to.String(),
			)
			if s.observer != nil {
				s.observer.SetBreakerState(name, int(to))
			}
		},
		IsSuccessful: isSuccessful,
	})
	s.breakers[toolID] = cb
	return cb
}

// isSuccessful treats caller cancellation as neutral; every other failure counts.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Execute runs fn through the tool's breaker. fn reports its outcome as a
// result; every non-success outcome is recorded as a failure. While the circuit is
// open, fn is not called and the error wraps domain.ErrCircuitOpen.
func (s *Set) Execute(toolID string, st Settings, fn func() domain.ToolInvocationResult) (domain.ToolInvocationResult, error) {
	cb := s.get(toolID, st)
	res, err := cb.Execute(func() (domain.ToolInvocationResult, error) {
		r := fn()
		return r, outcomeErr(r)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ToolInvocationResult{}, domain.NewDomainError("Breaker.Execute", domain.ErrCircuitOpen, toolID)
	}
	// Outcome errors are already carried by res.
	return res, nil
}

func outcomeErr(r domain.ToolInvocationResult) error {
	switch r.Outcome {
	case domain.OutcomeSuccess:
		return nil
	case domain.OutcomePermanentFailure:
		return domain.ErrPermanentFailure
	case domain.OutcomeTimedOut:
		return domain.ErrTimeout
	default:
		if r.Reason == "cancelled" {
			return context.Canceled
		}
		return domain.ErrTransientFailure
	}
}

// State reports the current state of a tool's breaker. Tools never invoked are closed.
func (s *Set) State(toolID string) State {
	s.mu.Lock()
	cb, ok := s.breakers[toolID]
	s.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return convert(cb.State())
}

// Snapshot returns the state of every breaker created so far.
func (s *Set) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for id, cb := range s.breakers {
		out[id] = convert(cb.State())
	}
	return out
}

func convert(st gobreaker.State) State {
	switch st {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
