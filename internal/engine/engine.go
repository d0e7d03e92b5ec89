// Package engine assembles the run lifecycle components into one process:
// store, run registry, change watcher, event queue, dispatcher, reconcile
// scheduler, history sink and the admin server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/runreaper/internal/config"
	"github.com/loykin/runreaper/internal/cron"
	"github.com/loykin/runreaper/internal/dispatch"
	"github.com/loykin/runreaper/internal/dss"
	dssfactory "github.com/loykin/runreaper/internal/dss/factory"
	"github.com/loykin/runreaper/internal/heartbeat"
	"github.com/loykin/runreaper/internal/history"
	historyfactory "github.com/loykin/runreaper/internal/history/factory"
	"github.com/loykin/runreaper/internal/metrics"
	"github.com/loykin/runreaper/internal/resource"
	"github.com/loykin/runreaper/internal/resource/credentials"
	"github.com/loykin/runreaper/internal/resource/principal"
	"github.com/loykin/runreaper/internal/runs"
	"github.com/loykin/runreaper/internal/runwatch"
	"github.com/loykin/runreaper/internal/server"
	tlsconf "github.com/loykin/runreaper/internal/tls"
)

type options struct {
	log       *slog.Logger
	store     dss.Store
	sink      history.Sink
	directory principal.Directory
	terminate heartbeat.TerminateFunc
	extra     []resource.Provider
}

type Option func(*options)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithStore uses s instead of opening dss.dsn. The engine does not close it.
func WithStore(s dss.Store) Option { return func(o *options) { o.store = s } }

// WithHistory uses s instead of opening history.dsn. The engine does not close it.
func WithHistory(s history.Sink) Option { return func(o *options) { o.sink = s } }

// WithDirectory replaces the HTTP principal directory.
func WithDirectory(d principal.Directory) Option { return func(o *options) { o.directory = d } }

// WithTerminate sets the hook used by heartbeat monitors on conflict.
func WithTerminate(fn heartbeat.TerminateFunc) Option { return func(o *options) { o.terminate = fn } }

// WithProvider registers an additional provider after the configured ones.
// It is dispatched on run end but has no reconcile schedule.
func WithProvider(p resource.Provider) Option {
	return func(o *options) { o.extra = append(o.extra, p) }
}

type Engine struct {
	cfg  *config.Config
	log  *slog.Logger
	opts options

	store      dss.Store
	runs       *runs.Registry
	sink       history.Sink
	queue      *runwatch.Queue
	watcher    *runwatch.Watcher
	providers  *resource.Registry
	dispatcher *dispatch.Dispatcher
	scheduler  *cron.Scheduler

	closers []io.Closer
}

// New opens the configured store and history sink and wires all components.
// Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires a config")
	}
	o := options{log: slog.Default(), terminate: heartbeat.ExitProcess}
	for _, fn := range opts {
		fn(&o)
	}
	e := &Engine{cfg: cfg, opts: o, log: o.log.With("engine", cfg.Engine.Name)}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	e.store = o.store
	if e.store == nil {
		s, err := dssfactory.Open(ctx, cfg.DSS.DSN, dssfactory.Options{
			PollInterval:    cfg.DSS.PollInterval,
			ChangeRetention: cfg.DSS.ChangeRetention,
			MaxOpenConns:    cfg.DSS.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open dss: %w", err)
		}
		e.store = s
		e.closers = append(e.closers, s)
	}

	e.sink = o.sink
	if e.sink == nil && cfg.History.Enabled {
		s, err := historyfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		e.sink = s
		if c, ok := s.(io.Closer); ok {
			e.closers = append(e.closers, c)
		}
	}

	e.runs = runs.NewRegistry(e.store)
	e.queue = runwatch.NewQueue()
	e.watcher = runwatch.NewWatcher(e.store, e.queue, e.log)
	e.scheduler = cron.NewScheduler(e.log, e.onReconciled)

	if err := e.buildProviders(); err != nil {
		_ = e.Close()
		return nil, err
	}
	e.dispatcher = dispatch.New(e.queue, e.providers, dispatch.Options{
		Delay:     cfg.Dispatcher.Delay,
		MaxJitter: cfg.Dispatcher.MaxJitter,
		Logger:    e.log,
	})
	return e, nil
}

func (e *Engine) buildProviders() error {
	e.providers, _ = resource.NewRegistry()
	pc := e.cfg.Providers

	if pc.Credentials.Enabled {
		p, err := credentials.New(e.store, e.runs, e.sink, e.log)
		if err != nil {
			return err
		}
		if err := e.addProvider(p, pc.Credentials.Schedule); err != nil {
			return err
		}
	}
	if pc.Principal.Enabled {
		dir := e.opts.directory
		if dir == nil {
			dir = principal.NewHTTPDirectory(pc.Principal.Endpoint, pc.Principal.Token, pc.Principal.Timeout)
		}
		p, err := principal.New(e.store, e.runs, dir, e.sink, e.log)
		if err != nil {
			return err
		}
		if err := e.addProvider(p, pc.Principal.Schedule); err != nil {
			return err
		}
	}
	for _, p := range e.opts.extra {
		if err := e.providers.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// addProvider registers p and schedules its reconcile under the provider name.
func (e *Engine) addProvider(p resource.Provider, schedule string) error {
	if err := e.providers.Register(p); err != nil {
		return err
	}
	return e.scheduler.Add(&cron.Job{
		Name:     p.Name(),
		Schedule: schedule,
		Run:      p.Reconcile,
	})
}

func (e *Engine) onReconciled(job string, err error, took time.Duration) {
	metrics.ObserveReconcile(job, err == nil, took.Seconds())
	ev := history.Event{Type: history.EventReconciled, Provider: job}
	if err != nil {
		ev.Type = history.EventReconcileFailed
		ev.Error = err.Error()
	} else {
		e.log.Info("Resource management run successful", "provider", job, "took", took)
	}
	history.Emit(context.Background(), e.sink, ev)
}

// Run starts the watcher, scheduler, dispatcher and HTTP listeners and
// blocks until ctx ends or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.watcher.StartWatching(); err != nil {
		return fmt.Errorf("start watching: %w", err)
	}
	defer func() { _ = e.watcher.StopWatching() }()

	g, gctx := errgroup.WithContext(ctx)
	if err := e.scheduler.Start(gctx); err != nil {
		return err
	}
	defer e.scheduler.Stop()

	srvs, err := e.servers()
	if err != nil {
		return err
	}
	g.Go(func() error { return e.dispatcher.Run(gctx) })
	for _, srv := range srvs {
		e.serve(gctx, g, srv)
	}
	e.log.Info("Engine started", "providers", e.providers.Names())
	err = g.Wait()
	e.log.Info("Engine stopped")
	return err
}

func (e *Engine) servers() ([]*http.Server, error) {
	var mh http.Handler
	if e.cfg.Metrics.Enabled {
		mh = metrics.Handler()
	}
	var out []*http.Server
	sc := e.cfg.Server
	if e.cfg.Metrics.Listen != "" && e.cfg.Metrics.Listen != sc.Listen && mh != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mh)
		out = append(out, server.NewServer(e.cfg.Metrics.Listen, mux))
		mh = nil
	}
	if sc.Listen != "" {
		srv := server.NewServer(sc.Listen, e.Handler(mh))
		tc, err := tlsconf.Setup(sc.TLS)
		if err != nil {
			return nil, fmt.Errorf("server tls: %w", err)
		}
		srv.TLSConfig = tc
		out = append(out, srv)
	}
	return out, nil
}

func (e *Engine) serve(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		var err error
		if srv.TLSConfig != nil {
			e.log.Info("HTTPS server listening", "addr", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			e.log.Info("HTTP server listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout())
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

func (e *Engine) shutdownTimeout() time.Duration {
	if e.cfg.Engine.ShutdownTimeout > 0 {
		return e.cfg.Engine.ShutdownTimeout
	}
	return 10 * time.Second
}

// Handler returns the admin API handler. mh serves /metrics and may be nil.
func (e *Engine) Handler(mh http.Handler) http.Handler {
	return server.NewRouter(e, e.cfg.Server.BasePath, mh).Handler()
}

// Heartbeat claims runName for this engine and keeps its heartbeat fresh
// until ctx ends or the monitor is shut down.
func (e *Engine) Heartbeat(ctx context.Context, runName string) (*heartbeat.Monitor, error) {
	hc := e.cfg.Heartbeat
	m, err := heartbeat.New(ctx, e.store, runName,
		heartbeat.WithInterval(hc.Interval),
		heartbeat.WithPollInterval(hc.Poll),
		heartbeat.WithRetryBackoff(hc.RetryBackoff),
		heartbeat.WithTerminate(e.opts.terminate),
		heartbeat.WithLogger(e.log),
	)
	if err != nil {
		return nil, err
	}
	m.Start(ctx)
	return m, nil
}

// Store returns the DSS the engine runs on.
func (e *Engine) Store() dss.Store { return e.store }

// Close releases the store and history sink opened by New.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// server.Backend

func (e *Engine) Name() string        { return e.cfg.Engine.Name }
func (e *Engine) Jobs() []cron.Status { return e.scheduler.Statuses() }
func (e *Engine) Providers() []string { return e.providers.Names() }
func (e *Engine) QueueDepth() int     { return e.queue.Len() }
func (e *Engine) Processed() int64    { return e.dispatcher.Processed() }

// Reconcile runs the named provider's sweep now. It fails with cron.ErrBusy
// when a scheduled sweep of the same provider is in progress.
func (e *Engine) Reconcile(ctx context.Context, provider string) error {
	return e.scheduler.RunNow(ctx, provider)
}

// Cleanup queues a run-ended event so every provider discards the run's
// resources on the next dispatcher tick.
func (e *Engine) Cleanup(runName string) {
	e.log.Info("Manual cleanup requested", "run", runName)
	e.queue.Push(runwatch.Event{RunName: runName, Kind: runwatch.Finished})
}

func (e *Engine) ListRuns(ctx context.Context) ([]runs.Run, error) { return e.runs.List(ctx) }

func (e *Engine) GetRun(ctx context.Context, name string) (runs.Run, bool, error) {
	return e.runs.Get(ctx, name)
}
