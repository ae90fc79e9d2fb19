package domain

import (
	"context"
	"encoding/json"
)

// AgentDescriptor is the static description of an agent in the swarm.
type AgentDescriptor struct {
	Name         string   `json:"name"                   yaml:"name"`
	Description  string   `json:"description,omitempty"  yaml:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"` // tool categories; empty = unrestricted
	Handoffs     []string `json:"handoffs,omitempty"     yaml:"handoffs,omitempty"`
}

// CanUse reports whether the agent may invoke tools of the given category.
func (d AgentDescriptor) CanUse(category string) bool {
	if len(d.Capabilities) == 0 {
		return true
	}
	for _, c := range d.Capabilities {
		if c == category || c == "*" {
			return true
		}
	}
	return false
}

// Agent is the opaque decision capability the engine drives. Implementations
// must not retain or mutate history.
type Agent interface {
	Decide(ctx context.Context, history []Message) (Decision, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, history []Message) (Decision, error)

// Decide implements Agent.
func (f AgentFunc) Decide(ctx context.Context, history []Message) (Decision, error) {
	return f(ctx, history)
}

// Decision is the closed set of outcomes an agent may return:
// CallTool, Handoff or Finish.
type Decision interface {
	decision()
	// Say returns optional free text the agent wants recorded before the action.
	Say() string
}

// CallTool asks the engine to invoke a tool on the agent's behalf.
type CallTool struct {
	ToolID    string          `json:"tool_id"`
	Params    json.RawMessage `json:"params,omitempty"`
	Utterance string          `json:"utterance,omitempty"`
}

// Handoff transfers control to another agent.
type Handoff struct {
	Target    string `json:"target"`
	Utterance string `json:"utterance,omitempty"`
}

// Finish ends the session.
type Finish struct {
	Utterance string `json:"utterance,omitempty"`
}

func (CallTool) decision() {}
func (Handoff) decision()  {}
func (Finish) decision()   {}

func (d CallTool) Say() string { return d.Utterance }
func (d Handoff) Say() string  { return d.Utterance }
func (d Finish) Say() string   { return d.Utterance }
