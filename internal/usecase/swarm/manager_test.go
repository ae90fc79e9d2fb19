package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aymankanso/agent/internal/adapter/embedding"
	"github.com/aymankanso/agent/internal/adapter/memory"
	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
	"github.com/aymankanso/agent/internal/infra/metrics"
)

func finishingRegistry(t *testing.T) *Registry {
	t.Helper()
	a := domain.AgentFunc(func(context.Context, []domain.Message) (domain.Decision, error) {
		return domain.Finish{Utterance: "done"}, nil
	})
	r, err := NewRegistry("planner", "", []Binding{bind("planner", []string{"Done"}, nil, a)})
	require.NoError(t, err)
	return r
}

func blockingRegistry(t *testing.T, entered chan<- struct{}) *Registry {
	t.Helper()
	a := domain.AgentFunc(func(ctx context.Context, _ []domain.Message) (domain.Decision, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := NewRegistry("planner", "", []Binding{bind("planner", []string{"Done"}, nil, a)})
	require.NoError(t, err)
	return r
}

func TestManagerRunsSessionsToCompletion(t *testing.T) {
	rec := newMemRecorder()
	m := NewManager(ManagerDeps{
		Registry: finishingRegistry(t),
		Tools:    newGateway(t, []config.ToolConfig{{ID: "nmap"}}, &countingRunner{}, nil),
		Recorder: rec,
	}, Options{})

	ctx := context.Background()
	s1, err := m.Start(ctx, "first")
	require.NoError(t, err)
	s2, err := m.Start(ctx, "second")
	require.NoError(t, err)
	require.NotEqual(t, s1.Engine.SessionID(), s2.Engine.SessionID())

	for _, s := range []*Session{s1, s2} {
		st, err := m.Wait(ctx, s.Engine.SessionID())
		require.NoError(t, err)
		assert.True(t, st.Terminated)
		assert.Equal(t, []domain.MessageKind{domain.KindUser, domain.KindAgent, domain.KindTerminal}, kindsOf(st.Messages))

		recs, err := rec.Records(ctx, s.Engine.SessionID())
		require.NoError(t, err)
		assert.Len(t, recs, 3, "pipeline is drained before the session reports done")
	}

	list := m.List()
	require.Len(t, list, 2)
	for _, info := range list {
		assert.False(t, info.Running)
		assert.True(t, info.Terminated)
		assert.Empty(t, info.Error)
	}
}

func TestManagerCancel(t *testing.T) {
	entered := make(chan struct{}, 1)
	m := NewManager(ManagerDeps{
		Registry: blockingRegistry(t, entered),
		Tools:    newGateway(t, []config.ToolConfig{{ID: "nmap"}}, &countingRunner{}, nil),
	}, Options{})

	s, err := m.Start(context.Background(), "stuck")
	require.NoError(t, err)
	<-entered

	info := m.List()
	require.Len(t, info, 1)
	assert.True(t, info[0].Running)

	require.NoError(t, m.Cancel(s.Engine.SessionID()))
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after Cancel")
	}
	assert.True(t, errors.Is(s.Err(), context.Canceled), "err = %v", s.Err())
	assert.NotEmpty(t, m.List()[0].Error)
}

func TestManagerActiveGaugeCountsRunningSessions(t *testing.T) {
	entered := make(chan struct{}, 1)
	met := metrics.New()
	m := NewManager(ManagerDeps{
		Registry: blockingRegistry(t, entered),
		Tools:    newGateway(t, []config.ToolConfig{{ID: "nmap"}}, &countingRunner{}, nil),
		Metrics:  met,
	}, Options{})

	s, err := m.Start(context.Background(), "stuck")
	require.NoError(t, err)
	<-entered
	assert.Equal(t, float64(1), testutil.ToFloat64(met.ActiveSessions))

	require.NoError(t, m.Cancel(s.Engine.SessionID()))
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after Cancel")
	}
	require.Len(t, m.List(), 1, "finished session is still held")
	assert.Equal(t, float64(0), testutil.ToFloat64(met.ActiveSessions))

	require.NoError(t, m.Close(context.Background(), s.Engine.SessionID()))
	assert.Equal(t, float64(0), testutil.ToFloat64(met.ActiveSessions))
}

func TestManagerGetUnknown(t *testing.T) {
	m := NewManager(ManagerDeps{Registry: finishingRegistry(t)}, Options{})
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), domain.ErrNotFound)
	_, err = m.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManagerCloseAndReap(t *testing.T) {
	m := NewManager(ManagerDeps{
		Registry: finishingRegistry(t),
		Tools:    newGateway(t, []config.ToolConfig{{ID: "nmap"}}, &countingRunner{}, nil),
	}, Options{})
	ctx := context.Background()

	a, err := m.Start(ctx, "a")
	require.NoError(t, err)
	b, err := m.Start(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, a.Engine.SessionID()))
	_, err = m.Get(a.Engine.SessionID())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.Wait(ctx, b.Engine.SessionID())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Reap(time.Hour), "recently finished sessions are kept")

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, m.Reap(time.Millisecond))
	assert.Empty(t, m.List())
}

func TestManagerShutdown(t *testing.T) {
	entered := make(chan struct{}, 1)
	m := NewManager(ManagerDeps{
		Registry: blockingRegistry(t, entered),
		Tools:    newGateway(t, []config.ToolConfig{{ID: "nmap"}}, &countingRunner{}, nil),
	}, Options{})

	s, err := m.Start(context.Background(), "stuck")
	require.NoError(t, err)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	select {
	case <-s.Done():
	default:
		t.Fatal("Shutdown returned before the session finished")
	}
}

func TestManagerArchivesFinishedSessions(t *testing.T) {
	lt := memory.NewLongTerm(embedding.NewHashProvider(64), nil)
	m := NewManager(ManagerDeps{
		Registry: finishingRegistry(t),
		Tools:    newGateway(t, []config.ToolConfig{{ID: "nmap"}}, &countingRunner{}, nil),
		LongTerm: lt,
	}, Options{})
	ctx := context.Background()

	s, err := m.Start(ctx, "enumerate the staging subnet")
	require.NoError(t, err)
	_, err = m.Wait(ctx, s.Engine.SessionID())
	require.NoError(t, err)

	items, err := m.Recall(ctx, "staging subnet", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "session:"+s.Engine.SessionID(), items[0].ID)
	assert.Contains(t, items[0].Content, "enumerate the staging subnet")
	assert.Contains(t, items[0].Content, "planner: done")
	assert.Equal(t, "true", items[0].Metadata["terminated"])
	assert.Equal(t, "planner", items[0].Metadata["agents"])
}

func TestManagerRecallWithoutLongTerm(t *testing.T) {
	m := NewManager(ManagerDeps{Registry: finishingRegistry(t)}, Options{})
	_, err := m.Recall(context.Background(), "x", 1)
	assert.ErrorIs(t, err, domain.ErrDisabled)
}
