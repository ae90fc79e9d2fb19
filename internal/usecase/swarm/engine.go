package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/metrics"
	"github.com/aymankanso/agent/internal/infra/tracer"
	"github.com/aymankanso/agent/internal/usecase/gateway"
)

// Defaults for Options.
const (
	DefaultMaxIterations      = 30
	DefaultMaxInvalidHandoffs = 3
)

// ToolGateway is the part of the tool gateway the engine needs.
type ToolGateway interface {
	Spec(toolID string) (domain.ToolSpec, bool)
	Invoke(ctx context.Context, req domain.ToolInvocationRequest, hooks gateway.Hooks) (domain.ToolInvocationResult, error)
}

// Publisher receives every appended message in order.
type Publisher interface {
	Publish(ctx context.Context, msg domain.Message) error
}

// Deps holds injected dependencies. Registry and Tools are required.
type Deps struct {
	Registry  *Registry
	Tools     ToolGateway
	ShortTerm domain.ShortTermMemory // optional
	Publisher Publisher              // optional
	Locker    *SessionLocker         // optional; shared by a Manager
	Metrics   *metrics.Metrics       // optional
	Logger    *slog.Logger
}

// Options tunes one session.
type Options struct {
	SessionID          string // generated when empty
	MaxIterations      int
	SessionTimeout     time.Duration // 0 = no wall-clock budget
	MaxInvalidHandoffs int
	ResetMemoryOnEnd   bool
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SessionID == "" {
		o.SessionID = domain.NewID()
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.MaxInvalidHandoffs <= 0 {
		o.MaxInvalidHandoffs = DefaultMaxInvalidHandoffs
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine drives one session. Step calls are serialized; State may be called
// from any goroutine.
type Engine struct {
	deps Deps
	opts Options

	mu        sync.RWMutex
	state     domain.ConversationState
	submitted bool
}

// New creates an Engine for a single session.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Registry == nil || deps.Tools == nil {
		return nil, domain.NewDomainError("swarm.New", domain.ErrInvalidInput, "registry and tools are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Locker == nil {
		deps.Locker = NewSessionLocker()
	}
	opts = opts.withDefaults()
	deps.Logger = deps.Logger.With("session_id", opts.SessionID)
	return &Engine{
		deps:  deps,
		opts:  opts,
		state: domain.ConversationState{SessionID: opts.SessionID},
	}, nil
}

// SessionID returns the session this engine drives.
func (e *Engine) SessionID() string { return e.opts.SessionID }

// State returns a snapshot of the conversation.
func (e *Engine) State() domain.ConversationState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// Submit starts the session: it records the objective as the first message
// and activates the entry agent.
func (e *Engine) Submit(ctx context.Context, objective string) (domain.Message, error) {
	unlock, err := e.deps.Locker.Lock(ctx, e.opts.SessionID)
	if err != nil {
		return domain.Message{}, err
	}
	defer unlock()

	e.mu.Lock()
	if e.submitted {
		e.mu.Unlock()
		return domain.Message{}, domain.NewDomainError("Engine.Submit", domain.ErrInvalidInput, "objective already submitted")
	}
	e.submitted = true
	e.mu.Unlock()

	entry := e.deps.Registry.Entry()
	payload, _ := json.Marshal(domain.UserPayload{Entry: entry})
	e.deps.Logger.InfoContext(ctx, "session started", "agent", entry)
	msg := domain.Message{Kind: domain.KindUser, Content: objective, Payload: payload}
	return e.commit(ctx, msg, func(s *domain.ConversationState) {
		s.Objective = objective
		s.ActiveAgent = entry
		s.CreatedAt = s.UpdatedAt
	}), nil
}

// Step runs one unit of work for the active agent and returns the messages it
// appended. A Finish (or a handoff to the terminal target) returns the
// appended messages together with domain.ErrTerminalReached.
//
// Only structural problems fail a step: an invalid handoff, an unknown tool,
// an exhausted budget or an agent error. Nothing is appended for an invalid
// handoff or an unknown tool.
func (e *Engine) Step(ctx context.Context) ([]domain.Message, error) {
	unlock, err := e.deps.Locker.Lock(ctx, e.opts.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e.mu.RLock()
	submitted, terminated, iterations := e.submitted, e.state.Terminated, e.state.Iterations
	active := e.state.ActiveAgent
	history := e.state.Clone().Messages
	e.mu.RUnlock()

	switch {
	case !submitted:
		return nil, domain.ErrNotSubmitted
	case terminated:
		return nil, domain.ErrTerminalReached
	case iterations >= e.opts.MaxIterations:
		return nil, domain.NewDomainError("Engine.Step", domain.ErrBudgetExceeded, strconv.Itoa(iterations))
	}

	binding, ok := e.deps.Registry.Lookup(active)
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Engine.Step", domain.ErrAgentNotFound, active)
	}

	ctx = domain.ContextWithSessionID(ctx, e.opts.SessionID)
	ctx = domain.ContextWithAgent(ctx, active)
	ctx, span := tracer.StartStep(ctx, e.opts.SessionID, active, iterations)

	decision, err := binding.Agent.Decide(ctx, history)
	if err != nil {
		err = domain.WrapOp("agent "+active, err)
		tracer.End(span, err)
		return nil, err
	}
	if decision == nil {
		err = domain.NewSubSystemError("agent", "Engine.Step", domain.ErrInvalidInput, active+" returned no decision")
		tracer.End(span, err)
		return nil, err
	}

	var out []domain.Message
	switch d := decision.(type) {
	case domain.CallTool:
		out, err = e.callTool(ctx, binding.Descriptor, d)
	case domain.Handoff:
		out, err = e.handoff(ctx, active, d)
	case domain.Finish:
		out, err = e.finish(ctx, active, d.Utterance)
	default:
		err = domain.NewSubSystemError("agent", "Engine.Step", domain.ErrInvalidInput, fmt.Sprintf("unsupported decision %T", decision))
	}

	if errors.Is(err, domain.ErrTerminalReached) {
		tracer.End(span, nil)
	} else {
		tracer.End(span, err)
	}
	return out, err
}

func (e *Engine) callTool(ctx context.Context, agent domain.AgentDescriptor, d domain.CallTool) ([]domain.Message, error) {
	spec, ok := e.deps.Tools.Spec(d.ToolID)
	if !ok {
		return nil, domain.NewSubSystemError("tool", "Engine.Step", domain.ErrToolNotFound, d.ToolID)
	}
	e.deps.Metrics.Step("tool")

	var out []domain.Message
	if d.Utterance != "" {
		out = append(out, e.commit(ctx, domain.Message{Kind: domain.KindAgent, Agent: agent.Name, Content: d.Utterance}, nil))
	}

	req := domain.ToolInvocationRequest{
		CallID:    domain.NewID(),
		SessionID: e.opts.SessionID,
		Agent:     agent.Name,
		ToolID:    d.ToolID,
		RiskTier:  spec.RiskTier,
		Params:    d.Params,
	}

	var res domain.ToolInvocationResult
	if !agent.CanUse(spec.Category) {
		res = domain.ToolInvocationResult{
			CallID:  req.CallID,
			ToolID:  req.ToolID,
			Outcome: domain.OutcomePermanentFailure,
			Reason:  "tool not permitted",
		}
		e.deps.Logger.WarnContext(ctx, "tool outside agent capabilities",
			"agent", agent.Name, "tool_id", d.ToolID, "category", spec.Category)
	} else {
		hooks := gateway.Hooks{
			ApprovalRequested: func(ctx context.Context, ar domain.ApprovalRequest) {
				out = append(out, e.commit(ctx, approvalMessage(agent.Name, ar), nil))
			},
			ApprovalResolved: func(ctx context.Context, ar domain.ApprovalRequest) {
				out = append(out, e.commit(ctx, approvalMessage(agent.Name, ar), nil))
			},
			ToolStarted: func(ctx context.Context, r domain.ToolInvocationRequest) {
				out = append(out, e.commit(ctx, toolCallMessage(agent.Name, r), nil))
			},
		}
		var err error
		res, err = e.deps.Tools.Invoke(ctx, req, hooks)
		if err != nil {
			return out, err
		}
	}

	content := res.Payload
	if !res.OK() {
		content = res.Reason
	}
	payload, _ := json.Marshal(res)
	msg := domain.Message{Kind: domain.KindToolResult, Agent: agent.Name, Content: content, Payload: payload}
	out = append(out, e.commit(ctx, msg, func(s *domain.ConversationState) { s.Iterations++ }))
	return out, nil
}

func (e *Engine) handoff(ctx context.Context, from string, d domain.Handoff) ([]domain.Message, error) {
	reg := e.deps.Registry
	// The terminal target is reserved and open to every agent.
	if d.Target == reg.Terminal() {
		return e.finish(ctx, from, d.Utterance)
	}
	if !reg.Allowed(from, d.Target) {
		e.deps.Metrics.Handoff(false)
		e.deps.Logger.WarnContext(ctx, "invalid handoff rejected", "agent", from, "target", d.Target)
		return nil, &domain.HandoffError{From: from, To: d.Target}
	}
	e.deps.Metrics.Step("handoff")
	e.deps.Metrics.Handoff(true)

	var out []domain.Message
	if d.Utterance != "" {
		out = append(out, e.commit(ctx, domain.Message{Kind: domain.KindAgent, Agent: from, Content: d.Utterance}, nil))
	}
	payload, _ := json.Marshal(domain.HandoffPayload{From: from, To: d.Target})
	msg := domain.Message{Kind: domain.KindHandoff, Agent: from, Content: from + " -> " + d.Target, Payload: payload}
	out = append(out, e.commit(ctx, msg, func(s *domain.ConversationState) {
		s.ActiveAgent = d.Target
		s.Iterations++
	}))
	e.deps.Logger.InfoContext(ctx, "handoff", "from", from, "to", d.Target)
	return out, nil
}

func (e *Engine) finish(ctx context.Context, agent, utterance string) ([]domain.Message, error) {
	e.deps.Metrics.Step("finish")
	var out []domain.Message
	if utterance != "" {
		out = append(out, e.commit(ctx, domain.Message{Kind: domain.KindAgent, Agent: agent, Content: utterance}, nil))
	}
	msg := domain.Message{Kind: domain.KindTerminal, Agent: agent, Content: "session complete"}
	out = append(out, e.commit(ctx, msg, func(s *domain.ConversationState) { s.Terminated = true }))

	if e.opts.ResetMemoryOnEnd && e.deps.ShortTerm != nil {
		if err := e.deps.ShortTerm.Reset(ctx, e.opts.SessionID); err != nil {
			e.deps.Logger.WarnContext(ctx, "short-term memory reset failed", "error", err)
		}
	}
	e.deps.Logger.InfoContext(ctx, "session complete", "agent", agent, "iterations", e.State().Iterations)
	return out, domain.ErrTerminalReached
}

// Run steps the session until it terminates, exhausts its budget, exceeds
// the invalid-handoff tolerance or fails. Tool calls in flight inherit the
// session deadline. The final state is returned in every case; a session
// that finished normally returns a nil error.
func (e *Engine) Run(ctx context.Context) (domain.ConversationState, error) {
	if e.opts.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.SessionTimeout)
		defer cancel()
	}

	invalid := 0
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
			}
			return e.State(), domain.WrapOp("Engine.Run", err)
		}

		_, err := e.Step(ctx)
		switch {
		case err == nil:
			invalid = 0
		case errors.Is(err, domain.ErrTerminalReached):
			return e.State(), nil
		case errors.Is(err, domain.ErrInvalidHandoff):
			invalid++
			if invalid > e.opts.MaxInvalidHandoffs {
				return e.State(), err
			}
		default:
			return e.State(), err
		}
	}
}

// commit appends msg and applies mutate to the state in one critical
// section, then forwards the message to the pipeline and short-term memory.
func (e *Engine) commit(ctx context.Context, msg domain.Message, mutate func(*domain.ConversationState)) domain.Message {
	e.mu.Lock()
	msg.Sequence = e.state.LastSequence() + 1
	msg.Timestamp = e.now()
	msg.Identity = domain.MessageIdentity(msg)
	e.state.Messages = append(e.state.Messages, msg)
	e.state.UpdatedAt = msg.Timestamp
	if mutate != nil {
		mutate(&e.state)
	}
	e.mu.Unlock()

	// Committed messages reach the sinks even after ctx is cancelled.
	sinkCtx := context.WithoutCancel(ctx)
	if e.deps.Publisher != nil {
		if err := e.deps.Publisher.Publish(sinkCtx, msg); err != nil {
			e.deps.Logger.WarnContext(ctx, "publish message failed", "sequence", msg.Sequence, "error", err)
		}
	}
	if e.deps.ShortTerm != nil {
		if err := e.deps.ShortTerm.Put(sinkCtx, e.opts.SessionID, memoryItem(msg)); err != nil {
			e.deps.Logger.WarnContext(ctx, "short-term memory put failed", "sequence", msg.Sequence, "error", err)
		}
	}
	return msg
}

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

func memoryItem(msg domain.Message) domain.MemoryItem {
	data, _ := json.Marshal(msg)
	return domain.MemoryItem{
		ID:      msg.Identity,
		Content: string(data),
		Metadata: map[string]string{
			"kind":     string(msg.Kind),
			"agent":    msg.Agent,
			"sequence": strconv.FormatUint(msg.Sequence, 10),
		},
		CreatedAt: msg.Timestamp,
	}
}

func approvalMessage(agent string, ar domain.ApprovalRequest) domain.Message {
	payload, _ := json.Marshal(ar)
	content := fmt.Sprintf("approval %s: %s", ar.Status, ar.Description)
	if ar.Reason != "" {
		content += " (" + ar.Reason + ")"
	}
	return domain.Message{Kind: domain.KindApproval, Agent: agent, Content: content, Payload: payload}
}

func toolCallMessage(agent string, req domain.ToolInvocationRequest) domain.Message {
	payload, _ := json.Marshal(domain.ToolCallPayload{
		CallID:   req.CallID,
		ToolID:   req.ToolID,
		RiskTier: req.RiskTier,
		Params:   req.Params,
	})
	return domain.Message{Kind: domain.KindToolCall, Agent: agent, Content: req.ToolID, Payload: payload}
}
