package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// MessageKind classifies an entry in the conversation log.
type MessageKind string

const (
	KindUser       MessageKind = "user"
	KindAgent      MessageKind = "agent"
	KindToolCall   MessageKind = "tool_call"
	KindToolResult MessageKind = "tool_result"
	KindHandoff    MessageKind = "handoff"
	KindApproval   MessageKind = "approval"
	KindTerminal   MessageKind = "terminal"
)

// Message is one immutable entry of a session's conversation log.
// Sequence is assigned by the engine at append time and starts at 1.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	Agent     string          `json:"agent,omitempty"`
	Content   string          `json:"content,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Identity  string          `json:"identity"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageIdentity returns the stable dedup identity of m: a SHA-256 over
// content, originating agent and sequence number.
func MessageIdentity(m Message) string {
	h := sha256.New()
	h.Write([]byte(m.Content))
	h.Write([]byte{0})
	h.Write(m.Payload)
	h.Write([]byte{0})
	h.Write([]byte(m.Agent))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(m.Sequence, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// HandoffPayload is the structured payload of a KindHandoff message.
// UserPayload records the agent a session was submitted to.
type UserPayload struct {
	Entry string `json:"entry"`
}

type HandoffPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ToolCallPayload is the structured payload of a KindToolCall message.
type ToolCallPayload struct {
	CallID   string          `json:"call_id"`
	ToolID   string          `json:"tool_id"`
	RiskTier RiskTier        `json:"risk_tier"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// ConversationState is the canonical message log and routing metadata of one session.
type ConversationState struct {
	SessionID   string    `json:"session_id"`
	Objective   string    `json:"objective"`
	Messages    []Message `json:"messages"`
	ActiveAgent string    `json:"active_agent"`
	Iterations  int       `json:"iterations"`
	Terminated  bool      `json:"terminated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for read-only callers; the message slice is copied.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// LastSequence returns the sequence number of the most recent message, or 0.
func (s ConversationState) LastSequence() uint64 {
	if len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].Sequence
}
