// Package runreaper coordinates engine processes that own runs in a shared
// key-value store and reclaims the resources of runs that have ended.
package runreaper

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/runreaper/internal/config"
	"github.com/loykin/runreaper/internal/dss"
	dssfactory "github.com/loykin/runreaper/internal/dss/factory"
	"github.com/loykin/runreaper/internal/engine"
	"github.com/loykin/runreaper/internal/heartbeat"
	"github.com/loykin/runreaper/internal/history"
	"github.com/loykin/runreaper/internal/metrics"
	"github.com/loykin/runreaper/internal/resource"
	"github.com/loykin/runreaper/internal/runs"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Store = dss.Store

type Run = runs.Run

type Provider = resource.Provider

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Option = engine.Option

var (
	ErrHeartbeatConflict = heartbeat.ErrConflict
	ErrResourceGone      = resource.ErrGone
)

var (
	WithLogger    = engine.WithLogger
	WithStore     = engine.WithStore
	WithHistory   = engine.WithHistory
	WithProvider  = engine.WithProvider
	WithTerminate = engine.WithTerminate
)

// Engine is a thin facade over internal/engine.Engine.
type Engine struct{ inner *engine.Engine }

func New(ctx context.Context, c *Config, opts ...Option) (*Engine, error) {
	e, err := engine.New(ctx, c, opts...)
	if err != nil {
		return nil, err
	}
	return &Engine{inner: e}, nil
}

func (e *Engine) Run(ctx context.Context) error                        { return e.inner.Run(ctx) }
func (e *Engine) Close() error                                         { return e.inner.Close() }
func (e *Engine) Store() Store                                         { return e.inner.Store() }
func (e *Engine) Reconcile(ctx context.Context, provider string) error { return e.inner.Reconcile(ctx, provider) }
func (e *Engine) Cleanup(runName string)                               { e.inner.Cleanup(runName) }
func (e *Engine) Handler() http.Handler                                { return e.inner.Handler(nil) }

// Heartbeat claims runName and keeps its heartbeat fresh. The returned stop
// function ends the refresh loop and waits for it.
func (e *Engine) Heartbeat(ctx context.Context, runName string) (stop func(), err error) {
	m, err := e.inner.Heartbeat(ctx, runName)
	if err != nil {
		return nil, err
	}
	return func() {
		m.Shutdown()
		<-m.Done()
	}, nil
}

func (e *Engine) Runs(ctx context.Context) ([]Run, error) { return e.inner.ListRuns(ctx) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// OpenStore opens a DSS by DSN, for programs that write run records.
func OpenStore(ctx context.Context, dsn string) (Store, error) {
	return dssfactory.Open(ctx, dsn, dssfactory.Options{})
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
