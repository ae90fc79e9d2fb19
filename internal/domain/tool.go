package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RiskTier is the static impact classification of a tool invocation.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskTierNames = [...]string{"low", "medium", "high", "critical"}

func (r RiskTier) String() string {
	if r < RiskLow || r > RiskCritical {
		return fmt.Sprintf("risk(%d)", int(r))
	}
	return riskTierNames[r]
}

// RequiresApproval reports whether invocations at this tier block on the approval gate.
func (r RiskTier) RequiresApproval() bool { return r >= RiskHigh }

// ParseRiskTier parses "low", "medium", "high" or "critical" (case-insensitive).
func ParseRiskTier(s string) (RiskTier, error) {
	for i, name := range riskTierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return RiskTier(i), nil
		}
	}
	return RiskMedium, fmt.Errorf("%w: unknown risk tier %q", ErrInvalidInput, s)
}

func (r RiskTier) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskTier) UnmarshalText(b []byte) error {
	t, err := ParseRiskTier(string(b))
	if err != nil {
		return err
	}
	*r = t
	return nil
}

// Outcome is the terminal classification of a tool invocation.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
	OutcomeTimedOut         Outcome = "timed_out"
)

// Retryable reports whether the executor may retry after this outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeTransientFailure || o == OutcomeTimedOut
}

// ToolInvocationRequest is a single request to run a tool.
type ToolInvocationRequest struct {
	CallID    string          `json:"call_id"`
	SessionID string          `json:"session_id,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	ToolID    string          `json:"tool_id"`
	RiskTier  RiskTier        `json:"risk_tier"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timeout   time.Duration   `json:"timeout,omitempty"`
}

// ToolInvocationResult is what the gateway returns for every expected outcome.
type ToolInvocationResult struct {
	CallID    string        `json:"call_id"`
	ToolID    string        `json:"tool_id"`
	Outcome   Outcome       `json:"outcome"`
	Payload   string        `json:"payload,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r ToolInvocationResult) OK() bool { return r.Outcome == OutcomeSuccess }

// ToolSpec is the static catalog entry of a tool.
type ToolSpec struct {
	ID               string          `json:"id"`
	Category         string          `json:"category,omitempty"`
	Description      string          `json:"description,omitempty"`
	RiskTier         RiskTier        `json:"risk_tier"`
	Timeout          time.Duration   `json:"timeout"`
	MaxAttempts      int             `json:"max_attempts"`
	BaseDelay        time.Duration   `json:"base_delay"`
	MaxDelay         time.Duration   `json:"max_delay"`
	BreakerThreshold uint32          `json:"breaker_threshold"`
	BreakerCooldown  time.Duration   `json:"breaker_cooldown"`
	RateLimit        float64         `json:"rate_limit,omitempty"` // calls per second; 0 = unlimited
	RateBurst        int             `json:"rate_burst,omitempty"`
	MaxOutput        int             `json:"max_output"`
	Schema           json.RawMessage `json:"schema,omitempty"`
}

// ToolRunner is the tool execution boundary. The deadline travels in ctx.
// Errors wrapping ErrPermanentFailure are never retried.
type ToolRunner interface {
	Run(ctx context.Context, toolID string, params json.RawMessage) (string, error)
}
