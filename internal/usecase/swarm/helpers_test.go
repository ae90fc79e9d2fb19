package swarm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
	"github.com/aymankanso/agent/internal/usecase/eventbus"
	"github.com/aymankanso/agent/internal/usecase/gateway"
	"github.com/aymankanso/agent/internal/usecase/retry"
)

type countingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, toolID string) (string, error)
}

func (r *countingRunner) Run(ctx context.Context, toolID string, _ json.RawMessage) (string, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[toolID]++
	r.mu.Unlock()
	if r.fn == nil {
		return toolID + " output", nil
	}
	return r.fn(ctx, toolID)
}

func (r *countingRunner) count(toolID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[toolID]
}

func newGateway(t *testing.T, tools []config.ToolConfig, runner domain.ToolRunner, approver gateway.Approver) *gateway.Gateway {
	t.Helper()
	cat, err := gateway.NewCatalog(tools, config.ToolDefaults{
		Timeout:          time.Second,
		MaxAttempts:      1,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	})
	require.NoError(t, err)
	return gateway.New(gateway.Deps{
		Catalog:   cat,
		Runner:    runner,
		Approvals: approver,
		Executor: retry.New(nil,
			retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
			retry.WithJitter(func(time.Duration) time.Duration { return 0 }),
		),
	})
}

func bind(name string, handoffs, caps []string, a domain.Agent) Binding {
	return Binding{
		Descriptor: domain.AgentDescriptor{Name: name, Handoffs: handoffs, Capabilities: caps},
		Agent:      a,
	}
}

// steps returns an agent that replays decisions for a single session.
func steps(ds ...domain.Decision) domain.Agent {
	var mu sync.Mutex
	i := 0
	return domain.AgentFunc(func(ctx context.Context, _ []domain.Message) (domain.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(ds) {
			return domain.Finish{}, nil
		}
		d := ds[i]
		i++
		return d, nil
	})
}

type memRecorder struct {
	mu   sync.Mutex
	recs map[string][]domain.Record
}

func newMemRecorder() *memRecorder { return &memRecorder{recs: make(map[string][]domain.Record)} }

func (r *memRecorder) Append(_ context.Context, id string, rec domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[id] = append(r.recs[id], rec)
	return nil
}

func (r *memRecorder) Records(_ context.Context, id string) ([]domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Record(nil), r.recs[id]...), nil
}

func (r *memRecorder) List(context.Context) ([]domain.SessionSummary, error) { return nil, nil }
func (r *memRecorder) Prune(context.Context, time.Time) (int, error)         { return 0, nil }
func (r *memRecorder) Close() error                                          { return nil }

// harness wires an engine to a pipeline, recorder and bus and collects the
// event kinds observers see.
type harness struct {
	engine   *Engine
	recorder *memRecorder
	pipeline *eventbus.Pipeline
	bus      *eventbus.Bus

	mu    sync.Mutex
	kinds []domain.EventKind
}

func newHarness(t *testing.T, deps Deps, opts Options) *harness {
	t.Helper()
	if opts.SessionID == "" {
		opts.SessionID = "s1"
	}
	h := &harness{recorder: newMemRecorder(), bus: eventbus.New(nil)}
	h.bus.SubscribeSession(opts.SessionID, func(_ context.Context, e domain.Event) {
		h.mu.Lock()
		h.kinds = append(h.kinds, e.Kind)
		h.mu.Unlock()
	})
	h.pipeline = eventbus.NewPipeline(opts.SessionID, eventbus.PipelineDeps{Recorder: h.recorder, Bus: h.bus})
	deps.Publisher = h.pipeline

	eng, err := New(deps, opts)
	require.NoError(t, err)
	h.engine = eng
	return h
}

// drain flushes the pipeline and bus; call before inspecting records or kinds.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.pipeline.Close(context.Background()))
	h.bus.Close()
}

func (h *harness) eventKinds() []domain.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.EventKind(nil), h.kinds...)
}

func kindsOf(msgs []domain.Message) []domain.MessageKind {
	out := make([]domain.MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func resultOf(t *testing.T, m domain.Message) domain.ToolInvocationResult {
	t.Helper()
	require.Equal(t, domain.KindToolResult, m.Kind)
	var res domain.ToolInvocationResult
	require.NoError(t, json.Unmarshal(m.Payload, &res))
	return res
}
