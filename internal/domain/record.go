package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one persisted entry of a session's event stream. Payload holds the
// full Message so the stream can rebuild ConversationState.
type Record struct {
	Sequence  uint64          `json:"sequence_number"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"event_kind"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionSummary describes a recorded session for listings.
type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
	LastEventAt time.Time `json:"last_event_at"`
	Records     int       `json:"records"`
	Preview     string    `json:"preview,omitempty"`
	Complete    bool      `json:"complete"`
}

// Recorder is the durable append-only sink of the event pipeline.
type Recorder interface {
	Append(ctx context.Context, sessionID string, rec Record) error
	Records(ctx context.Context, sessionID string) ([]Record, error)
	List(ctx context.Context) ([]SessionSummary, error)
	// Prune removes sessions whose last event is older than before and
	// returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
