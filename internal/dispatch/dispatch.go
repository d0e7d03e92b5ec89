// Package dispatch delivers run lifecycle events to resource providers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/loykin/runreaper/internal/metrics"
	"github.com/loykin/runreaper/internal/resource"
	"github.com/loykin/runreaper/internal/runwatch"
)

const (
	DefaultDelay     = 10 * time.Second
	DefaultMaxJitter = 20 * time.Second
)

type Options struct {
	// Delay is the pause between the end of one tick and the start of the next.
	Delay     time.Duration
	// MaxJitter bounds the random wait before the first tick.
	MaxJitter time.Duration
	Logger    *slog.Logger
}

type Dispatcher struct {
	queue     *runwatch.Queue
	providers *resource.Registry
	delay     time.Duration
	jitter    time.Duration
	log       *slog.Logger

	processed atomic.Int64
	ticks     atomic.Int64
}

func New(queue *runwatch.Queue, providers *resource.Registry, o Options) *Dispatcher {
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.MaxJitter < 0 {
		o.MaxJitter = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Dispatcher{
		queue:     queue,
		providers: providers,
		delay:     o.Delay,
		jitter:    o.MaxJitter,
		log:       o.Logger.With("component", "dispatcher"),
	}
}

// Run waits a random jitter, then ticks with a fixed delay until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.jitter > 0 {
		wait := time.Duration(rand.Int64N(int64(d.jitter)))
		d.log.Debug("Dispatcher start delayed", "jitter", wait)
		if !sleep(ctx, wait) {
			return nil
		}
	}
	for {
		d.Tick(ctx)
		if !sleep(ctx, d.delay) {
			return nil
		}
	}
}

// Tick blocks for one event, then handles whatever else is already queued.
// It returns the number of events handled.
func (d *Dispatcher) Tick(ctx context.Context) int {
	ev, err := d.queue.Take(ctx)
	if err != nil {
		return 0
	}
	d.ticks.Add(1)
	n := 0
	for {
		d.Handle(ctx, ev)
		n++
		var ok bool
		if ev, ok = d.queue.TryTake(); !ok {
			return n
		}
	}
}

// Handle passes ev to every provider in registration order. A failing or
// panicking provider does not stop the others.
func (d *Dispatcher) Handle(ctx context.Context, ev runwatch.Event) {
	for _, p := range d.providers.Providers() {
		if err := d.call(ctx, p, ev.RunName); err != nil {
			d.log.Error("Provider failed to clean up run", "run", ev.RunName, "provider", p.Name(), "kind", ev.Kind, "error", err)
		}
	}
	d.processed.Add(1)
}

func (d *Dispatcher) call(ctx context.Context, p resource.Provider, runName string) (err error) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			err = fmt.Errorf("panic: %v", r)
		}
		metrics.IncDispatch(p.Name(), result)
	}()
	if err = p.OnRunEnded(ctx, runName); err != nil {
		result = "error"
	}
	return err
}

// Processed returns the number of events handled since start.
func (d *Dispatcher) Processed() int64 { return d.processed.Load() }

// Ticks returns the number of ticks that handled at least one event.
func (d *Dispatcher) Ticks() int64 { return d.ticks.Load() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
