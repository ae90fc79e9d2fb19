package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/metrics"
)

const pipelineBuffer = 1024

// PipelineDeps holds the sinks of a Pipeline. Any of them may be nil.
type PipelineDeps struct {
	Recorder domain.Recorder
	Bus      domain.EventBus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// PipelineStats are counters of one pipeline.
type PipelineStats struct {
	Processed    int `json:"processed"`
	Duplicates   int `json:"duplicates"`
	RecordErrors int `json:"record_errors"`
}

// Pipeline is the single consumer of one session's messages. It drops
// messages whose identity it has already seen, classifies the rest into
// events, appends a Record to the recorder and then publishes the event.
// Records and events leave in the order messages were published.
type Pipeline struct {
	sessionID string
	deps      PipelineDeps

	mu     sync.RWMutex
	in     chan domain.Message
	closed bool
	done   chan struct{}

	seen  map[string]struct{}
	statm sync.Mutex
	stats PipelineStats
}

// NewPipeline starts the consumer goroutine for sessionID.
func NewPipeline(sessionID string, deps PipelineDeps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		sessionID: sessionID,
		deps:      deps,
		in:        make(chan domain.Message, pipelineBuffer),
		done:      make(chan struct{}),
		seen:      make(map[string]struct{}),
	}
	go p.consume()
	return p
}

// Publish enqueues msg, filling in its identity when missing. It blocks while
// the buffer is full and returns domain.ErrClosed after Close.
func (p *Pipeline) Publish(ctx context.Context, msg domain.Message) error {
	if msg.Identity == "" {
		msg.Identity = domain.MessageIdentity(msg)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.ErrClosed
	}
	select {
	case p.in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to
// end. It is safe to call more than once.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.in)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.statm.Lock()
	defer p.statm.Unlock()
	return p.stats
}

func (p *Pipeline) consume() {
	defer close(p.done)
	ctx := domain.ContextWithSessionID(context.Background(), p.sessionID)
	for msg := range p.in {
		p.handle(ctx, msg)
	}
}

func (p *Pipeline) handle(ctx context.Context, msg domain.Message) {
	if _, dup := p.seen[msg.Identity]; dup {
		p.count(func(s *PipelineStats) { s.Duplicates++ })
		p.deps.Metrics.DuplicateDropped()
		p.deps.Logger.Debug("duplicate message dropped", "session_id", p.sessionID, "sequence", msg.Sequence)
		return
	}
	p.seen[msg.Identity] = struct{}{}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.deps.Logger.Error("message encode failed", "session_id", p.sessionID, "sequence", msg.Sequence, "error", err)
		return
	}
	kind := Classify(msg)

	if p.deps.Recorder != nil {
		rec := domain.Record{Sequence: msg.Sequence, Timestamp: msg.Timestamp, Kind: kind, Payload: payload}
		if err := p.deps.Recorder.Append(ctx, p.sessionID, rec); err != nil {
			p.count(func(s *PipelineStats) { s.RecordErrors++ })
			p.deps.Logger.Error("record append failed", "session_id", p.sessionID, "sequence", msg.Sequence, "error", err)
		}
	}

	if p.deps.Bus != nil {
		p.deps.Bus.Publish(ctx, domain.Event{
			Kind:      kind,
			SessionID: p.sessionID,
			Sequence:  msg.Sequence,
			Agent:     msg.Agent,
			Timestamp: msg.Timestamp,
			Payload:   payload,
		})
	}

	p.deps.Metrics.EventRecorded(string(kind))
	p.count(func(s *PipelineStats) { s.Processed++ })
}

func (p *Pipeline) count(fn func(*PipelineStats)) {
	p.statm.Lock()
	fn(&p.stats)
	p.statm.Unlock()
}

// Classify maps a message to its event kind. Approval messages carry the
// approval request; a pending one is a request, anything else a resolution.
func Classify(msg domain.Message) domain.EventKind {
	switch msg.Kind {
	case domain.KindUser:
		return domain.EventUserInput
	case domain.KindToolCall:
		return domain.EventToolCallStarted
	case domain.KindToolResult:
		return domain.EventToolCallFinished
	case domain.KindHandoff:
		return domain.EventHandoffOccurred
	case domain.KindTerminal:
		return domain.EventSessionComplete
	case domain.KindApproval:
		var ar struct {
			Status domain.ApprovalStatus `json:"status"`
		}
		if json.Unmarshal(msg.Payload, &ar) == nil && ar.Status != "" && ar.Status.Resolved() {
			return domain.EventApprovalResolved
		}
		return domain.EventApprovalRequested
	default:
		return domain.EventAgentUtterance
	}
}
