// Package agent holds agent implementations the engine can drive without a
// reasoning backend.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

// Scripted replays a fixed list of decisions, keeping one cursor per session
// so a single instance can serve many sessions. Once a session's script is
// exhausted it finishes.
type Scripted struct {
	steps []domain.Decision

	mu      sync.Mutex
	cursors map[string]int
}

// NewScripted creates an agent that returns steps in order.
func NewScripted(steps ...domain.Decision) *Scripted {
	return &Scripted{steps: steps, cursors: make(map[string]int)}
}

// FromConfig builds a Scripted agent from configured steps.
func FromConfig(steps []config.ScriptStep) (*Scripted, error) {
	decisions := make([]domain.Decision, 0, len(steps))
	for i, s := range steps {
		d, err := decisionOf(s)
		if err != nil {
			return nil, domain.NewDomainError("agent.FromConfig", domain.ErrInvalidInput, fmt.Sprintf("step %d: %v", i, err))
		}
		decisions = append(decisions, d)
	}
	return NewScripted(decisions...), nil
}

func decisionOf(s config.ScriptStep) (domain.Decision, error) {
	set := 0
	for _, b := range []bool{s.Tool != "", s.Handoff != "", s.Finish} {
		if b {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of tool, handoff or finish must be set")
	}
	switch {
	case s.Tool != "":
		var params json.RawMessage
		if s.Params != nil {
			data, err := json.Marshal(s.Params)
			if err != nil {
				return nil, fmt.Errorf("params: %w", err)
			}
			params = data
		}
		return domain.CallTool{ToolID: s.Tool, Params: params, Utterance: s.Say}, nil
	case s.Handoff != "":
		return domain.Handoff{Target: s.Handoff, Utterance: s.Say}, nil
	default:
		return domain.Finish{Utterance: s.Say}, nil
	}
}

// Decide implements domain.Agent.
func (a *Scripted) Decide(ctx context.Context, _ []domain.Message) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session := domain.SessionIDFromContext(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.cursors[session]
	if i >= len(a.steps) {
		return domain.Finish{}, nil
	}
	a.cursors[session] = i + 1
	return a.steps[i], nil
}

// Forget drops the cursor of a finished session.
func (a *Scripted) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.cursors, sessionID)
	a.mu.Unlock()
}

var _ domain.Agent = (*Scripted)(nil)
