package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	heartbeatRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runreaper",
			Subsystem: "heartbeat",
			Name:      "refreshes_total",
			Help:      "Heartbeat writes by result (ok, conflict, error).",
		}, []string{"result"},
	)
	watchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runreaper",
			Subsystem: "watch",
			Name:      "events_total",
			Help:      "Run lifecycle events enqueued by kind.",
		}, []string{"kind"},
	)
	watchIgnored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runreaper",
			Subsystem: "watch",
			Name:      "ignored_total",
			Help:      "Store notifications that did not produce a lifecycle event.",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "runreaper",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Lifecycle events waiting for the dispatcher.",
		},
	)
	dispatchCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runreaper",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Provider run-ended invocations by result (ok, error, panic).",
		}, []string{"provider", "result"},
	)
	resourcesDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runreaper",
			Subsystem: "resource",
			Name:      "discarded_total",
			Help:      "Resource discards by kind and result (ok, gone, error).",
		}, []string{"kind", "result"},
	)
	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runreaper",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation sweeps by provider and result.",
		}, []string{"provider", "result"},
	)
	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "runreaper",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{heartbeatRefreshes, watchEvents, watchIgnored, queueDepth, dispatchCalls, resourcesDiscarded, reconcileRuns, reconcileDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncHeartbeat(result string) {
	if regOK.Load() {
		heartbeatRefreshes.WithLabelValues(result).Inc()
	}
}

func IncWatchEvent(kind string) {
	if regOK.Load() {
		watchEvents.WithLabelValues(kind).Inc()
	}
}

func IncWatchIgnored() {
	if regOK.Load() {
		watchIgnored.Inc()
	}
}

func SetQueueDepth(n int) {
	if regOK.Load() {
		queueDepth.Set(float64(n))
	}
}

func IncDispatch(provider, result string) {
	if regOK.Load() {
		dispatchCalls.WithLabelValues(provider, result).Inc()
	}
}

func IncDiscard(kind, result string) {
	if regOK.Load() {
		resourcesDiscarded.WithLabelValues(kind, result).Inc()
	}
}

func ObserveReconcile(provider string, ok bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	reconcileRuns.WithLabelValues(provider, result).Inc()
	reconcileDuration.WithLabelValues(provider).Observe(seconds)
}
