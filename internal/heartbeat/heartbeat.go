// Package heartbeat maintains the per-run liveness token that keeps two
// engines from working on the same run.
//
// The token lives at run.<runName>.heartbeat and is only ever written with
// compare-and-swap against the value this monitor wrote last. A failed swap
// proves another writer exists; the monitor then logs at FATAL and invokes its
// termination hook, which by default exits the process.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/runreaper/internal/dss"
	"github.com/loykin/runreaper/internal/logger"
	"github.com/loykin/runreaper/internal/metrics"
)

const (
	DefaultInterval     = 20 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRetryBackoff = 2 * time.Second

	// tokenLayout is fixed width so tokens also order lexically.
	tokenLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrConflict reports that another writer updated the heartbeat.
var ErrConflict = errors.New("heartbeat updated by another writer")

// TerminateFunc stops the engine. It is called at most once.
type TerminateFunc func(runName string)

// ExitProcess is the default TerminateFunc.
func ExitProcess(string) { os.Exit(1) }

// Key returns the DSS key of a run's heartbeat.
func Key(runName string) string { return "run." + runName + ".heartbeat" }

type Option func(*Monitor)

func WithInterval(d time.Duration) Option     { return func(m *Monitor) { m.interval = d } }
func WithPollInterval(d time.Duration) Option { return func(m *Monitor) { m.poll = d } }
func WithRetryBackoff(d time.Duration) Option { return func(m *Monitor) { m.retry = d } }
func WithClock(now func() time.Time) Option   { return func(m *Monitor) { m.now = now } }
func WithTerminate(fn TerminateFunc) Option   { return func(m *Monitor) { m.terminate = fn } }
func WithLogger(l *slog.Logger) Option        { return func(m *Monitor) { m.log = l } }

type Monitor struct {
	store   dss.Store
	runName string
	key     string

	interval time.Duration
	poll     time.Duration
	retry    time.Duration
	now      func() time.Time

	terminate     TerminateFunc
	terminateOnce sync.Once
	log           *slog.Logger

	// writeMu serialises refreshes so each swap expects the token the
	// previous one wrote.
	writeMu  sync.Mutex
	mu       sync.Mutex
	last     string
	lastTime time.Time

	shutdown atomic.Bool
	started  atomic.Bool
	done     chan struct{}
}

// New writes the initial heartbeat for runName. The key must not exist yet;
// if it does, another engine owns the run and the termination hook fires.
func New(ctx context.Context, store dss.Store, runName string, opts ...Option) (*Monitor, error) {
	if runName == "" {
		return nil, errors.New("heartbeat requires a run name")
	}
	m := &Monitor{
		store:     store,
		runName:   runName,
		key:       Key(runName),
		interval:  DefaultInterval,
		poll:      DefaultPollInterval,
		retry:     DefaultRetryBackoff,
		now:       time.Now,
		terminate: ExitProcess,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "heartbeat", "run", runName)
	if err := m.write(ctx, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// Token returns the last token written by this monitor.
func (m *Monitor) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Refresh swaps in a new token. It returns ErrConflict (after invoking the
// termination hook) when the stored token is not the one written last.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	prev := m.Token()
	return m.write(ctx, &prev)
}

func (m *Monitor) write(ctx context.Context, expected *string) error {
	m.mu.Lock()
	t := m.now().UTC()
	if !t.After(m.lastTime) {
		t = m.lastTime.Add(time.Nanosecond)
	}
	m.mu.Unlock()
	token := t.Format(tokenLayout)

	ok, err := m.store.PutSwap(ctx, m.key, expected, token)
	if err != nil {
		metrics.IncHeartbeat("error")
		return fmt.Errorf("write heartbeat %s: %w", m.key, err)
	}
	if !ok {
		metrics.IncHeartbeat("conflict")
		m.conflict(ctx)
		return ErrConflict
	}
	metrics.IncHeartbeat("ok")
	m.mu.Lock()
	m.last = token
	m.lastTime = t
	m.mu.Unlock()
	return nil
}

func (m *Monitor) conflict(ctx context.Context) {
	m.log.Log(ctx, logger.LevelFatal, "The run heartbeat has been updated by something else")
	m.log.Log(ctx, logger.LevelFatal, "Cannot allow provision discard to run as this could affect the other engine")
	m.terminateOnce.Do(func() {
		m.shutdown.Store(true)
		m.terminate(m.runName)
	})
}

// Start runs the refresh loop in a new goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.Run(ctx)
}

// Run refreshes the heartbeat every interval until Shutdown is called or ctx
// is cancelled. Store failures are retried after the backoff.
func (m *Monitor) Run(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	defer close(m.done)
	next := m.now().Add(m.interval)
	t := time.NewTicker(m.poll)
	defer t.Stop()
	for !m.shutdown.Load() {
		if !m.now().Before(next) {
			next = m.now().Add(m.interval)
			err := m.Refresh(ctx)
			switch {
			case errors.Is(err, ErrConflict):
				return
			case err != nil:
				m.log.Error("Heartbeat failed", "error", err)
				next = m.now().Add(m.retry)
			}
		}
		select {
		case <-ctx.Done():
			m.shutdown.Store(true)
		case <-t.C:
		}
	}
}

// Shutdown asks the loop to stop; it exits within one poll interval and does
// not write a final token.
func (m *Monitor) Shutdown() { m.shutdown.Store(true) }

// Done is closed when Run returns. It never closes if Run was not started.
func (m *Monitor) Done() <-chan struct{} { return m.done }
