package domain

import (
	"context"
	"time"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Resolved reports whether the status is final.
func (s ApprovalStatus) Resolved() bool { return s != ApprovalPending }

// Decision values accepted by the approval gate.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
)

// ApprovalRequest mediates human sign-off for a risky tool invocation.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	ToolID      string         `json:"tool_id,omitempty"`
	RiskTier    RiskTier       `json:"risk_tier"`
	Description string         `json:"description"`
	Status      ApprovalStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Resolver    string         `json:"resolver,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  time.Time      `json:"resolved_at,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// ApprovalNotifier tells an out-of-band operator that a request is waiting.
type ApprovalNotifier interface {
	Notify(ctx context.Context, req ApprovalRequest) error
}
