// Package cron runs named jobs on fixed "@every <duration>" schedules. It
// drives the periodic reconcile sweep of every resource provider.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrBusy       = errors.New("job is already running")
)

// Job is a scheduled function. Unless AllowOverlap is set, a tick that
// arrives while the previous run is still going is skipped.
type Job struct {
	Name         string
	Schedule     string
	AllowOverlap bool
	Run          func(ctx context.Context) error

	period  time.Duration
	running atomic.Int32
	mu      sync.Mutex
	status  Status
}

// Status summarises the runs of a job.
type Status struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Running  bool          `json:"running"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	Skipped  int64         `json:"skipped"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// ValidateSchedule reports whether expr is a supported schedule.
func ValidateSchedule(expr string) error {
	_, err := parseEvery(expr)
	return err
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return errors.New("cron job requires a run function")
	}
	d, err := parseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	j.period = d
	return nil
}

// ResultFunc observes every completed run.
type ResultFunc func(job string, err error, took time.Duration)

type Scheduler struct {
	log      *slog.Logger
	onResult ResultFunc

	mu     sync.Mutex
	jobs   []*Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log *slog.Logger, onResult ResultFunc) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log.With("component", "cron"), onResult: onResult}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("cron job %q already exists", job.Name)
		}
	}
	if s.cancel != nil {
		return errors.New("cannot add jobs to a running scheduler")
	}
	job.status = Status{Name: job.Name, Schedule: job.Schedule}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. They stop when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

// Stop cancels all loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()
	t := time.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !j.acquire() {
				j.mu.Lock()
				j.status.Skipped++
				j.mu.Unlock()
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = s.execute(ctx, j)
			}()
		}
	}
}

// RunNow runs the named job immediately and returns its result. It returns
// ErrBusy if the job does not allow overlap and is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j := s.job(name)
	if j == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.acquire() {
		return ErrBusy
	}
	return s.execute(ctx, j)
}

// acquire marks a run as started. It fails when the job is running and does
// not allow overlap.
func (j *Job) acquire() bool {
	if j.AllowOverlap {
		j.running.Add(1)
		return true
	}
	return j.running.CompareAndSwap(0, 1)
}

// execute runs an acquired job.
func (s *Scheduler) execute(ctx context.Context, j *Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
		took := time.Since(start)
		j.running.Add(-1)
		j.mu.Lock()
		j.status.Runs++
		j.status.LastRun = start
		j.status.LastTook = took
		j.status.LastErr = ""
		if err != nil {
			j.status.Failures++
			j.status.LastErr = err.Error()
		}
		j.mu.Unlock()
		if err != nil {
			s.log.Error("Job failed", "job", j.Name, "error", err)
		}
		if s.onResult != nil {
			s.onResult(j.Name, err, took)
		}
	}()
	return j.Run(ctx)
}

func (s *Scheduler) job(name string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// Statuses returns the status of every job in the order they were added.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()
	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := j.status
		j.mu.Unlock()
		st.Running = j.running.Load() > 0
		out = append(out, st)
	}
	return out
}
