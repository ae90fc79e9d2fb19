package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aymankanso/agent/internal/domain"
)

type memRecorder struct {
	mu   sync.Mutex
	recs map[string][]domain.Record
	fail bool
}

func newMemRecorder() *memRecorder { return &memRecorder{recs: make(map[string][]domain.Record)} }

func (r *memRecorder) Append(_ context.Context, id string, rec domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return domain.ErrRecorder
	}
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

func msg(seq uint64, kind domain.MessageKind, agent, content string) domain.Message {
	return domain.Message{Kind: kind, Agent: agent, Content: content, Sequence: seq, Timestamp: time.Now()}
}

func TestPipelineRecordsInOrderAndDedups(t *testing.T) {
	ctx := context.Background()
	rec := newMemRecorder()
	bus := New(nil)

	var mu sync.Mutex
	var kinds []domain.EventKind
	bus.SubscribeSession("s1", func(_ context.Context, e domain.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	p := NewPipeline("s1", PipelineDeps{Recorder: rec, Bus: bus})
	stream := []domain.Message{
		msg(1, domain.KindUser, "", "scan the host"),
		msg(2, domain.KindAgent, "recon", "starting"),
		msg(3, domain.KindToolCall, "recon", ""),
		msg(4, domain.KindToolResult, "recon", "22/tcp open"),
		msg(5, domain.KindHandoff, "recon", ""),
		msg(6, domain.KindTerminal, "report", "done"),
	}
	for _, m := range stream {
		require.NoError(t, p.Publish(ctx, m))
	}
	// Re-publishing the same messages must not duplicate records.
	for _, m := range stream[:3] {
		require.NoError(t, p.Publish(ctx, m))
	}
	require.NoError(t, p.Close(ctx))
	bus.Close()

	recs, _ := rec.Records(ctx, "s1")
	require.Len(t, recs, 6)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Sequence)
		var m domain.Message
		require.NoError(t, json.Unmarshal(r.Payload, &m))
		assert.Equal(t, stream[i].Content, m.Content)
		assert.Equal(t, domain.MessageIdentity(stream[i]), m.Identity)
	}

	assert.Equal(t, []domain.EventKind{
		domain.EventUserInput,
		domain.EventAgentUtterance,
		domain.EventToolCallStarted,
		domain.EventToolCallFinished,
		domain.EventHandoffOccurred,
		domain.EventSessionComplete,
	}, kinds)
	assert.Equal(t, PipelineStats{Processed: 6, Duplicates: 3}, p.Stats())
}

func TestPipelineRecorderFailureStillPublishes(t *testing.T) {
	ctx := context.Background()
	rec := newMemRecorder()
	rec.fail = true
	bus := New(nil)
	var got int
	var mu sync.Mutex
	bus.SubscribeAll(func(context.Context, domain.Event) { mu.Lock(); got++; mu.Unlock() })

	p := NewPipeline("s", PipelineDeps{Recorder: rec, Bus: bus})
	require.NoError(t, p.Publish(ctx, msg(1, domain.KindUser, "", "hi")))
	require.NoError(t, p.Close(ctx))
	bus.Close()

	assert.Equal(t, 1, got)
	assert.Equal(t, 1, p.Stats().RecordErrors)
}

func TestPipelineClosed(t *testing.T) {
	ctx := context.Background()
	p := NewPipeline("s", PipelineDeps{})
	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))

	err := p.Publish(ctx, msg(1, domain.KindUser, "", "late"))
	assert.True(t, errors.Is(err, domain.ErrClosed))
}

func TestClassifyApproval(t *testing.T) {
	pending, _ := json.Marshal(domain.ApprovalRequest{ID: "a", Status: domain.ApprovalPending})
	denied, _ := json.Marshal(domain.ApprovalRequest{ID: "a", Status: domain.ApprovalDenied})

	tests := []struct {
		payload json.RawMessage
		want    domain.EventKind
	}{
		{pending, domain.EventApprovalRequested},
		{denied, domain.EventApprovalResolved},
		{nil, domain.EventApprovalRequested},
	}
	for _, tt := range tests {
		m := domain.Message{Kind: domain.KindApproval, Payload: tt.payload}
		if got := Classify(m); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.payload, got, tt.want)
		}
	}
}
