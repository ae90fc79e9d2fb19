package scheduling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

func TestSchedulerFiresJobs(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(nil)
	if err := s.Add(Job{Name: "tick", Schedule: "20ms", Run: func(context.Context) error {
		count.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if c := count.Load(); c < 2 {
		t.Fatalf("job fired %d times, want at least 2", c)
	}
	after := count.Load()
	time.Sleep(60 * time.Millisecond)
	if count.Load() != after {
		t.Error("job fired after Stop")
	}
}

func TestSchedulerAddErrors(t *testing.T) {
	s := NewScheduler(nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add(Job{Name: "a", Schedule: "1m", Run: noop}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		job  Job
		want error
	}{
		{"duplicate", Job{Name: "a", Schedule: "1m", Run: noop}, domain.ErrDuplicate},
		{"bad schedule", Job{Name: "b", Schedule: "whenever", Run: noop}, domain.ErrInvalidInput},
		{"no func", Job{Name: "c", Schedule: "1m"}, domain.ErrInvalidInput},
		{"no name", Job{Schedule: "1m", Run: noop}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.job); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSchedulerRunNowAndStatus(t *testing.T) {
	s := NewScheduler(nil)
	boom := errors.New("boom")
	_ = s.Add(Job{Name: "ok", Schedule: "@daily", Run: func(context.Context) error { return nil }})
	_ = s.Add(Job{Name: "fails", Schedule: "@hourly", Run: func(context.Context) error { return boom }})

	if err := s.RunNow(context.Background(), "fails"); !errors.Is(err, boom) {
		t.Errorf("RunNow err = %v", err)
	}
	if err := s.RunNow(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RunNow(ghost) err = %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	st := s.Status()
	if len(st) != 2 || st[0].Name != "fails" || st[1].Name != "ok" {
		t.Fatalf("Status = %+v", st)
	}
	if st[0].Runs != 1 || st[0].LastError != "boom" {
		t.Errorf("fails status = %+v", st[0])
	}
	if st[1].Next.IsZero() {
		t.Error("running scheduler should report a next run")
	}
}

func TestSchedulerRemove(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(nil)
	_ = s.Add(Job{Name: "tick", Schedule: "10ms", Run: func(context.Context) error {
		count.Add(1)
		return nil
	}})
	if err := s.Remove("tick"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("tick"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Remove err = %v", err)
	}

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	if count.Load() != 0 {
		t.Errorf("removed job fired %d times", count.Load())
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := NewScheduler(nil)
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestSchedulerJobTimeout(t *testing.T) {
	s := NewScheduler(nil)
	_ = s.Add(Job{Name: "slow", Schedule: "@daily", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		next    time.Time
		wantErr bool
	}{
		{in: "*/5 * * * *", next: base.Add(5 * time.Minute)},
		{in: "@hourly", next: base.Add(time.Hour)},
		{in: "30m", next: base.Add(30 * time.Minute)},
		{in: "250ms", next: base.Add(250 * time.Millisecond)},
		{in: "", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "sometimes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sched, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := sched.Next(base); !got.Equal(tt.next) {
				t.Errorf("Next = %v, want %v", got, tt.next)
			}
		})
	}
}
