package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseEvery(t *testing.T) {
	if d, err := parseEvery("@every 100ms"); err != nil || d != 100*time.Millisecond {
		t.Fatalf("parse every: %v %v", d, err)
	}
	for _, bad := range []string{"* * * * *", "every 1s", "@every -1s", "@every soon"} {
		if _, err := parseEvery(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if err := ValidateSchedule("@every 5m"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	s := NewScheduler(nil, nil)
	noop := func(context.Context) error { return nil }

	if err := s.Add(&Job{Name: "", Schedule: "@every 1s", Run: noop}); err == nil {
		t.Fatalf("expected error for empty job name")
	}
	if err := s.Add(&Job{Name: "a", Schedule: "", Run: noop}); err == nil {
		t.Fatalf("expected error for empty schedule")
	}
	if err := s.Add(&Job{Name: "b", Schedule: "@every 1s"}); err == nil {
		t.Fatalf("expected error for missing run function")
	}
	if err := s.Add(&Job{Name: "c", Schedule: "not@every", Run: noop}); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
	if err := s.Add(&Job{Name: "ok", Schedule: "@every 1s", Run: noop}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Add(&Job{Name: "ok", Schedule: "@every 1s", Run: noop}); err == nil {
		t.Fatalf("expected error for duplicate name")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error on second start")
	}
	if err := s.Add(&Job{Name: "late", Schedule: "@every 1s", Run: noop}); err == nil {
		t.Fatalf("expected error adding to a running scheduler")
	}
}

func TestSchedulerRunsAndSkipsOverlap(t *testing.T) {
	var mu sync.Mutex
	var results []error
	s := NewScheduler(nil, func(job string, err error, took time.Duration) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	})

	var active, maxActive, runs atomic.Int32
	job := &Job{
		Name:     "sweep",
		Schedule: "@every 10ms",
		Run: func(ctx context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			runs.Add(1)
			time.Sleep(35 * time.Millisecond)
			return nil
		},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if runs.Load() < 2 {
		t.Fatalf("expected at least two runs, got %d", runs.Load())
	}
	if maxActive.Load() != 1 {
		t.Fatalf("runs overlapped: max concurrent %d", maxActive.Load())
	}
	st := s.Statuses()
	if len(st) != 1 || st[0].Skipped == 0 || st[0].Running {
		t.Fatalf("unexpected status: %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if int32(len(results)) != runs.Load() {
		t.Fatalf("expected a result per run, got %d for %d runs", len(results), runs.Load())
	}
}

func TestRunNow(t *testing.T) {
	s := NewScheduler(nil, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	boom := errors.New("scan failed")
	calls := 0
	if err := s.Add(&Job{Name: "slow", Schedule: "@every 1h", Run: func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(&Job{Name: "failing", Schedule: "@every 1h", Run: func(ctx context.Context) error {
		calls++
		if calls == 2 {
			panic("bad state")
		}
		return boom
	}}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	if err := s.RunNow(context.Background(), "failing"); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if err := s.RunNow(context.Background(), "failing"); err == nil {
		t.Fatalf("expected panic to surface as error")
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow run: %v", err)
	}

	st := s.Statuses()
	if st[1].Runs != 2 || st[1].Failures != 2 || st[1].LastErr == "" {
		t.Fatalf("unexpected failing status: %+v", st[1])
	}
}
