package swarm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/metrics"
	"github.com/aymankanso/agent/internal/usecase/eventbus"
)

// drainTimeout bounds how long a finished session waits for its pipeline.
const drainTimeout = 10 * time.Second

// ArchiveNamespace is the long-term memory namespace finished sessions are
// filed under.
const ArchiveNamespace = "sessions"

// ManagerDeps holds what every hosted session shares.
type ManagerDeps struct {
	Registry  *Registry
	Tools     ToolGateway
	ShortTerm domain.ShortTermMemory // optional
	LongTerm  domain.LongTermMemory  // optional; finished sessions are archived here
	Recorder  domain.Recorder        // optional
	Bus       domain.EventBus        // optional
	Metrics   *metrics.Metrics       // optional
	Logger    *slog.Logger
}

// Session is one hosted run.
type Session struct {
	Engine    *Engine
	StartedAt time.Time

	pipeline *eventbus.Pipeline
	cancel   context.CancelFunc
	done     chan struct{}

	mu         sync.Mutex
	finishedAt time.Time
	err        error
}

// Done is closed once the session's run loop and pipeline have finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the run error, if any, once the session is done.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) finished() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt, !s.finishedAt.IsZero()
}

// SessionInfo is a listing entry.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	Objective   string    `json:"objective"`
	ActiveAgent string    `json:"active_agent"`
	Iterations  int       `json:"iterations"`
	Messages    int       `json:"messages"`
	Terminated  bool      `json:"terminated"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at"`
	Error       string    `json:"error,omitempty"`
}

// Manager hosts many independent sessions, each with its own Engine and
// event pipeline.
type Manager struct {
	deps   ManagerDeps
	opts   Options
	locker *SessionLocker

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a Manager. opts is the template for every session; its
// SessionID is ignored.
func NewManager(deps ManagerDeps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.SessionID = ""
	return &Manager{
		deps:     deps,
		opts:     opts,
		locker:   NewSessionLocker(),
		sessions: make(map[string]*Session),
	}
}

// Start creates a session, submits objective and runs it in the background.
// ctx bounds only the submission; the run is stopped with Cancel or Shutdown.
func (m *Manager) Start(ctx context.Context, objective string) (*Session, error) {
	opts := m.opts
	opts.SessionID = domain.NewID()

	pipeline := eventbus.NewPipeline(opts.SessionID, eventbus.PipelineDeps{
		Recorder: m.deps.Recorder,
		Bus:      m.deps.Bus,
		Metrics:  m.deps.Metrics,
		Logger:   m.deps.Logger,
	})
	engine, err := New(Deps{
		Registry:  m.deps.Registry,
		Tools:     m.deps.Tools,
		ShortTerm: m.deps.ShortTerm,
		Publisher: pipeline,
		Locker:    m.locker,
		Metrics:   m.deps.Metrics,
		Logger:    m.deps.Logger,
	}, opts)
	if err != nil {
		pipeline.Close(ctx)
		return nil, err
	}
	if _, err := engine.Submit(ctx, objective); err != nil {
		pipeline.Close(ctx)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		Engine:    engine,
		StartedAt: engine.State().CreatedAt,
		pipeline:  pipeline,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[opts.SessionID] = s
	m.refreshActiveLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx, s)
	return s, nil
}

func (m *Manager) run(ctx context.Context, s *Session) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	state, err := s.Engine.Run(ctx)
	m.deps.Registry.Release(state.SessionID)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if cerr := s.pipeline.Close(drainCtx); cerr != nil {
		m.deps.Logger.Warn("pipeline drain incomplete", "session_id", state.SessionID, "error", cerr)
	}

	if m.deps.LongTerm != nil && len(state.Messages) > 0 {
		if aerr := m.deps.LongTerm.Put(drainCtx, ArchiveNamespace, archiveItem(state)); aerr != nil {
			m.deps.Logger.Warn("session archive failed", "session_id", state.SessionID, "error", aerr)
		}
	}

	if err != nil && !domain.IsTerminal(err) {
		m.deps.Logger.Warn("session ended with error", "session_id", state.SessionID, "error", err)
	} else {
		m.deps.Logger.Info("session finished", "session_id", state.SessionID,
			"iterations", state.Iterations, "messages", len(state.Messages))
	}

	s.mu.Lock()
	s.err = err
	s.finishedAt = time.Now()
	s.mu.Unlock()

	m.mu.Lock()
	m.refreshActiveLocked()
	m.mu.Unlock()
}

// archiveItem condenses a finished session into one searchable entry: the
// objective followed by every agent utterance.
func archiveItem(st domain.ConversationState) domain.MemoryItem {
	var b strings.Builder
	b.WriteString(st.Objective)
	agents := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, msg := range st.Messages {
		if msg.Agent != "" && !seen[msg.Agent] {
			seen[msg.Agent] = true
			agents = append(agents, msg.Agent)
		}
		if msg.Kind == domain.KindAgent && msg.Content != "" {
			b.WriteString("\n")
			b.WriteString(msg.Agent)
			b.WriteString(": ")
			b.WriteString(msg.Content)
		}
	}
	return domain.MemoryItem{
		ID:      "session:" + st.SessionID,
		Content: b.String(),
		Metadata: map[string]string{
			"session_id": st.SessionID,
			"iterations": strconv.Itoa(st.Iterations),
			"terminated": strconv.FormatBool(st.Terminated),
			"agents":     strings.Join(agents, ","),
		},
	}
}

// Recall searches archived sessions by similarity to query.
func (m *Manager) Recall(ctx context.Context, query string, topK int) ([]domain.MemoryItem, error) {
	if m.deps.LongTerm == nil {
		return nil, domain.NewSubSystemError("memory", "Manager.Recall", domain.ErrDisabled, "no long-term memory")
	}
	return m.deps.LongTerm.Query(ctx, ArchiveNamespace, query, topK)
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewSubSystemError("session", "Manager.Get", domain.ErrNotFound, id)
	}
	return s, nil
}

// Wait blocks until the session is done and returns its final state.
func (m *Manager) Wait(ctx context.Context, id string) (domain.ConversationState, error) {
	s, err := m.Get(id)
	if err != nil {
		return domain.ConversationState{}, err
	}
	select {
	case <-s.done:
		return s.Engine.State(), s.Err()
	case <-ctx.Done():
		return s.Engine.State(), ctx.Err()
	}
}

// List returns every hosted session, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		st := s.Engine.State()
		_, done := s.finished()
		info := SessionInfo{
			SessionID:   st.SessionID,
			Objective:   st.Objective,
			ActiveAgent: st.ActiveAgent,
			Iterations:  st.Iterations,
			Messages:    len(st.Messages),
			Terminated:  st.Terminated,
			Running:     !done,
			StartedAt:   s.StartedAt,
		}
		if err := s.Err(); err != nil && !domain.IsTerminal(err) {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Cancel stops a running session. Its in-flight tool call sees the cancellation.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.cancel()
	return nil
}

// Close cancels the session, waits for it and forgets it.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.remove(id)
	return nil
}

// Reap forgets sessions that finished more than maxAge ago and returns how
// many were removed. Their records stay with the recorder.
func (m *Manager) Reap(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if at, done := s.finished(); done && at.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.remove(id)
	}
	if len(stale) > 0 {
		m.deps.Logger.Info("finished sessions reaped", "count", len(stale))
	}
	return len(stale)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.refreshActiveLocked()
	m.mu.Unlock()
}

// refreshActiveLocked publishes the number of sessions still running.
// Finished sessions awaiting Close or Reap are not counted.
func (m *Manager) refreshActiveLocked() {
	running := 0
	for _, s := range m.sessions {
		if _, done := s.finished(); !done {
			running++
		}
	}
	m.deps.Metrics.SessionsActive(running)
}

// Shutdown cancels every session and waits for all of them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, s := range m.sessions {
		s.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(domain.ErrTimeout, ctx.Err())
	}
}
