package scheduling

import (
	"context"
	"log/slog"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

// Job names registered by RegisterMaintenance.
const (
	JobRecorderPrune = "recorder_prune"
	JobSessionReap   = "session_reap"
)

// Reaper forgets finished sessions older than maxAge.
type Reaper interface {
	Reap(maxAge time.Duration) int
}

// Maintenance configures the housekeeping jobs. A zero Retention or a nil
// Recorder skips pruning; a zero ReapAfter or nil Sessions skips reaping.
type Maintenance struct {
	Recorder      domain.Recorder
	Retention     time.Duration
	PruneSchedule string

	Sessions     Reaper
	ReapAfter    time.Duration
	ReapSchedule string

	Now func() time.Time
}

// RegisterMaintenance adds the recorder retention and session reap jobs.
func RegisterMaintenance(s *Scheduler, m Maintenance, logger *slog.Logger) error {
	if logger == nil {
		logger = s.logger
	}
	now := m.Now
	if now == nil {
		now = time.Now
	}

	if m.Recorder != nil && m.Retention > 0 {
		err := s.Add(Job{
			Name:     JobRecorderPrune,
			Schedule: m.PruneSchedule,
			Run: func(ctx context.Context) error {
				n, err := m.Recorder.Prune(ctx, now().Add(-m.Retention))
				if err != nil {
					return err
				}
				if n > 0 {
					logger.InfoContext(ctx, "recorded sessions pruned", "count", n, "retention", m.Retention)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}

	if m.Sessions != nil && m.ReapAfter > 0 {
		return s.Add(Job{
			Name:     JobSessionReap,
			Schedule: m.ReapSchedule,
			Timeout:  time.Minute,
			Run: func(context.Context) error {
				m.Sessions.Reap(m.ReapAfter)
				return nil
			},
		})
	}
	return nil
}
