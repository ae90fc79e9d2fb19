package swarm

import (
	"encoding/json"
	"fmt"

	"github.com/aymankanso/agent/internal/domain"
)

// Replay rebuilds a session's ConversationState from its recorded stream.
// Records must be contiguous from sequence 1; each payload must decode to
// the Message it recorded.
func Replay(sessionID string, records []domain.Record) (domain.ConversationState, error) {
	state := domain.ConversationState{SessionID: sessionID}
	for i, rec := range records {
		want := uint64(i + 1)
		if rec.Sequence != want {
			return state, domain.NewDomainError("swarm.Replay", domain.ErrReplay,
				fmt.Sprintf("expected sequence %d, found %d", want, rec.Sequence))
		}

		var msg domain.Message
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			return state, domain.NewDomainError("swarm.Replay", domain.ErrReplay,
				fmt.Sprintf("record %d: %v", rec.Sequence, err))
		}
		if msg.Sequence != rec.Sequence {
			return state, domain.NewDomainError("swarm.Replay", domain.ErrReplay,
				fmt.Sprintf("record %d carries message %d", rec.Sequence, msg.Sequence))
		}
		apply(&state, msg)
	}
	return state, nil
}

func apply(s *domain.ConversationState, msg domain.Message) {
	if len(s.Messages) == 0 {
		s.CreatedAt = msg.Timestamp
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.Timestamp

	switch msg.Kind {
	case domain.KindUser:
		if s.Objective == "" {
			s.Objective = msg.Content
		}
		var u domain.UserPayload
		if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &u) == nil && u.Entry != "" {
			s.ActiveAgent = u.Entry
		}
	case domain.KindToolResult:
		s.Iterations++
	case domain.KindHandoff:
		var h domain.HandoffPayload
		if json.Unmarshal(msg.Payload, &h) == nil && h.To != "" {
			s.ActiveAgent = h.To
		}
		s.Iterations++
		return
	case domain.KindTerminal:
		s.Terminated = true
	}
	if s.ActiveAgent == "" && msg.Agent != "" {
		s.ActiveAgent = msg.Agent
	}
}
