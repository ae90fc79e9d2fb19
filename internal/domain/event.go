package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind is the observer-facing taxonomy of session progress.
type EventKind string

const (
	EventUserInput         EventKind = "user.input"
	EventAgentUtterance    EventKind = "agent.utterance"
	EventToolCallStarted   EventKind = "tool.call.started"
	EventToolCallFinished  EventKind = "tool.call.finished"
	EventHandoffOccurred   EventKind = "handoff.occurred"
	EventApprovalRequested EventKind = "approval.requested"
	EventApprovalResolved  EventKind = "approval.resolved"
	EventSessionComplete   EventKind = "session.complete"
)

// Event is the envelope delivered to the recorder and live observers.
type Event struct {
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Agent     string          `json:"agent,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type EventHandler func(ctx context.Context, event Event)

// EventBus fans session events out to live observers. The subscribe methods
// return the matching unsubscribe func.
type EventBus interface {
	// Publish reaches the event's session subscribers and every SubscribeAll handler.
	Publish(ctx context.Context, event Event)
	SubscribeSession(sessionID string, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	// Close waits for in-flight handlers; later publishes are dropped.
	Close()
}
