package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aymankanso/agent/internal/adapter/recorder"
	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
	"github.com/aymankanso/agent/internal/infra/metrics"
	"github.com/aymankanso/agent/internal/usecase/approval"
	"github.com/aymankanso/agent/internal/usecase/eventbus"
)

const testToken = "test-token"

type fixture struct {
	srv      *httptest.Server
	bus      *eventbus.Bus
	gate     *approval.Gate
	recorder domain.Recorder
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec, err := recorder.New(config.RecorderConfig{Backend: "jsonl", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	f := &fixture{
		bus:      eventbus.New(nil),
		gate:     approval.NewGate(approval.Config{Timeout: time.Minute}, nil),
		recorder: rec,
		metrics:  metrics.New(),
	}
	t.Cleanup(f.bus.Close)

	s := New(config.ObserverConfig{Token: testToken}, Deps{
		Bus:       f.bus,
		Recorder:  rec,
		Approvals: f.gate,
		Metrics:   f.metrics.Handler(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.srv = httptest.NewServer(s.Handler(ctx))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + testToken + query
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func appendRecords(t *testing.T, rec domain.Recorder, id string, kinds ...domain.EventKind) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, k := range kinds {
		payload, _ := json.Marshal(domain.Message{Kind: domain.KindUser, Content: "scan the lab", Sequence: uint64(i + 1)})
		require.NoError(t, rec.Append(context.Background(), id, domain.Record{
			Sequence:  uint64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Kind:      k,
			Payload:   payload,
		}))
	}
}

func TestStreamFiltersBySession(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "&session_id=s1")

	// The subscription is registered before the upgrade completes, so the
	// first publish below is not lost.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.bus.Publish(ctx, domain.Event{Kind: domain.EventUserInput, SessionID: "other", Sequence: 1})
	for i := uint64(1); i <= 3; i++ {
		f.bus.Publish(ctx, domain.Event{Kind: domain.EventAgentUtterance, SessionID: "s1", Sequence: i})
	}

	for want := uint64(1); want <= 3; want++ {
		var e domain.Event
		require.NoError(t, wsjson.Read(ctx, ws, &e))
		assert.Equal(t, "s1", e.SessionID)
		assert.Equal(t, want, e.Sequence)
	}
}

func TestStreamAllSessions(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.bus.Publish(ctx, domain.Event{Kind: domain.EventUserInput, SessionID: "a", Sequence: 1})
	f.bus.Publish(ctx, domain.Event{Kind: domain.EventUserInput, SessionID: "b", Sequence: 1})

	var got []string
	for i := 0; i < 2; i++ {
		var e domain.Event
		require.NoError(t, wsjson.Read(ctx, ws, &e))
		got = append(got, e.SessionID)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

// floodingBus delivers burst events to each subscriber synchronously at
// subscribe time, before the stream handler starts draining.
type floodingBus struct {
	*eventbus.Bus
	burst int
}

func (b floodingBus) SubscribeAll(h domain.EventHandler) func() {
	for i := 1; i <= b.burst; i++ {
		h(context.Background(), domain.Event{Kind: domain.EventUserInput, SessionID: "s1", Sequence: uint64(i)})
	}
	return b.Bus.SubscribeAll(h)
}

func TestStreamDisconnectsLaggingClient(t *testing.T) {
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	s := New(config.ObserverConfig{Token: testToken}, Deps{Bus: floodingBus{Bus: bus, burst: 4}})
	s.queueSize = 2
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + testToken
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	var last uint64
	for {
		var e domain.Event
		err = wsjson.Read(ctx, ws, &e)
		if err != nil {
			break
		}
		last = e.Sequence
	}
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err), "err = %v", err)
	assert.LessOrEqual(t, last, uint64(2), "events past the queue must not be sent")
}

func TestClientOfferMarksLagging(t *testing.T) {
	c := &client{send: make(chan domain.Event, 1), lagging: make(chan struct{})}
	assert.True(t, c.offer(domain.Event{Sequence: 1}))
	assert.False(t, c.offer(domain.Event{Sequence: 2}))
	assert.False(t, c.offer(domain.Event{Sequence: 3}))
	select {
	case <-c.lagging:
	default:
		t.Fatal("full queue should mark the client lagging")
	}
}

func TestStreamRequiresToken(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionsAndRecords(t *testing.T) {
	f := newFixture(t)
	appendRecords(t, f.recorder, "s1", domain.EventUserInput, domain.EventAgentUtterance, domain.EventSessionComplete)

	resp := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.SessionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].SessionID)
	assert.Equal(t, 3, list[0].Records)
	assert.True(t, list[0].Complete)

	resp = f.do(t, http.MethodGet, "/sessions/s1/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []domain.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 3)
	assert.Equal(t, domain.EventSessionComplete, recs[2].Kind)

	resp = f.do(t, http.MethodGet, "/sessions/missing/records", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveApproval(t *testing.T) {
	f := newFixture(t)
	req := f.gate.Open(context.Background(), approval.OpenRequest{
		SessionID: "s1", ToolID: "msfconsole", RiskTier: domain.RiskCritical,
	})

	resp := f.do(t, http.MethodGet, "/approvals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []domain.ApprovalRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	resp = f.do(t, http.MethodPost, "/approvals/"+req.ID, ResolveRequest{Decision: domain.DecisionDeny, Reason: "out of scope"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resolved domain.ApprovalRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resolved))
	assert.Equal(t, domain.ApprovalDenied, resolved.Status)
	assert.Equal(t, "out of scope", resolved.Reason)
	assert.True(t, strings.HasPrefix(resolved.Resolver, "observer:"))

	resp = f.do(t, http.MethodPost, "/approvals/"+req.ID, ResolveRequest{Decision: domain.DecisionApprove})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second resolution is rejected")

	resp = f.do(t, http.MethodPost, "/approvals/nope", ResolveRequest{Decision: domain.DecisionApprove})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/approvals/"+req.ID, ResolveRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)
	f.metrics.EventRecorded(string(domain.EventUserInput))

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "swarm_events_total")

	health, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode, "health needs no token")

	unauth, err := http.Get(f.srv.URL + "/approvals")
	require.NoError(t, err)
	defer unauth.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, unauth.StatusCode)
	assert.Equal(t, "nosniff", unauth.Header.Get("X-Content-Type-Options"))
}

func TestUnconfiguredEndpoints(t *testing.T) {
	s := New(config.ObserverConfig{}, Deps{Bus: eventbus.New(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(s.Handler(ctx))
	defer srv.Close()

	for _, path := range []string{"/sessions", "/approvals", "/tools", "/sessions/active"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, path)
	}
}

func TestStartAndStop(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()
	s := New(config.ObserverConfig{Addr: "127.0.0.1:0", Token: testToken}, Deps{Bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.BoundAddr() != "" }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.BoundAddr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
