// Package scheduling runs periodic maintenance jobs on cron expressions or
// fixed intervals.
package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aymankanso/agent/internal/domain"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// Job is a named recurring task.
type Job struct {
	Name     string
	Schedule string // cron expression, descriptor ("@daily") or duration ("30m")
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus reports a job's last outcome and next run.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

type job struct {
	Job
	entry cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
	runs    int
}

// Scheduler runs Jobs. Jobs may be added before or after Start.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a stopped Scheduler. A job still running when its
// next tick arrives makes that tick a no-op.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Add registers j. Names are unique.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return domain.NewSubSystemError("scheduler", "Scheduler.Add", domain.ErrInvalidInput, "job needs a name and a func")
	}
	sched, err := ParseSchedule(j.Schedule)
	if err != nil {
		return domain.NewSubSystemError("scheduler", "Scheduler.Add", domain.ErrInvalidInput,
			fmt.Sprintf("job %q: %v", j.Name, err))
	}
	if j.Timeout <= 0 {
		j.Timeout = DefaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return domain.NewSubSystemError("scheduler", "Scheduler.Add", domain.ErrDuplicate, j.Name)
	}
	jb := &job{Job: j}
	jb.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.runJob(jb) }))
	s.jobs[j.Name] = jb
	s.logger.Info("job scheduled", "job", j.Name, "schedule", j.Schedule)
	return nil
}

// Remove unschedules the named job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jb, ok := s.jobs[name]
	if !ok {
		return domain.NewSubSystemError("scheduler", "Scheduler.Remove", domain.ErrNotFound, name)
	}
	s.cron.Remove(jb.entry)
	delete(s.jobs, name)
	return nil
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	jb, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("scheduler", "Scheduler.RunNow", domain.ErrNotFound, name)
	}
	return s.exec(ctx, jb)
}

func (s *Scheduler) runJob(jb *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.exec(ctx, jb)
}

func (s *Scheduler) exec(ctx context.Context, jb *job) error {
	ctx, cancel := context.WithTimeout(ctx, jb.Timeout)
	defer cancel()

	start := time.Now()
	err := jb.Run(ctx)

	jb.mu.Lock()
	jb.lastRun, jb.lastErr = start, err
	jb.runs++
	jb.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", "job", jb.Name, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("job completed", "job", jb.Name, "duration", time.Since(start))
	}
	return err
}

// Start begins firing jobs. Jobs see ctx (bounded by their timeout).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// Status lists every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, jb := range s.jobs {
		jobs = append(jobs, jb)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, jb := range jobs {
		jb.mu.Lock()
		st := JobStatus{
			Name:     jb.Name,
			Schedule: jb.Schedule,
			Next:     s.cron.Entry(jb.entry).Next,
			LastRun:  jb.lastRun,
			Runs:     jb.runs,
		}
		if jb.lastErr != nil {
			st.LastError = jb.lastErr.Error()
		}
		jb.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseSchedule accepts a standard five-field cron expression, a descriptor
// such as "@daily", or a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return every(d), nil
}

// every fires at a fixed interval. Unlike cron.Every it keeps sub-second
// precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
