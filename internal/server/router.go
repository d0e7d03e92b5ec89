package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/runreaper/internal/cron"
	"github.com/loykin/runreaper/internal/runs"
)

// Backend is the engine state exposed over the admin API.
type Backend interface {
	Name() string
	Jobs() []cron.Status
	Providers() []string
	// Reconcile runs one provider's sweep now.
	Reconcile(ctx context.Context, provider string) error
	// Cleanup queues a run-ended event for runName.
	Cleanup(runName string)
	QueueDepth() int
	Processed() int64
	ListRuns(ctx context.Context) ([]runs.Run, error)
	GetRun(ctx context.Context, name string) (runs.Run, bool, error)
}

// Router provides the admin HTTP handlers.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/providers
//	POST {basePath}/providers/:name/reconcile
//	GET  {basePath}/queue
//	GET  {basePath}/runs
//	GET  {basePath}/runs/:name
//	POST {basePath}/runs/:name/cleanup
//	GET  /metrics (when a metrics handler is given)
type Router struct {
	backend  Backend
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
// metrics may be nil.
func NewRouter(b Backend, basePath string, metrics http.Handler) *Router {
	return &Router{backend: b, basePath: sanitizeBase(basePath), metrics: metrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/providers", r.handleProviders)
	group.POST("/providers/:name/reconcile", r.handleReconcile)
	group.GET("/queue", r.handleQueue)
	group.GET("/runs", r.handleRuns)
	group.GET("/runs/:name", r.handleRun)
	group.POST("/runs/:name/cleanup", r.handleCleanup)
	return g
}

// NewServer returns an http.Server for h. The caller starts and stops it.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type HealthResponse struct {
	OK     bool   `json:"ok"`
	Engine string `json:"engine"`
}

type ProvidersResponse struct {
	Providers []string      `json:"providers"`
	Jobs      []cron.Status `json:"jobs"`
}

type QueueResponse struct {
	Depth     int   `json:"depth"`
	Processed int64 `json:"processed"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, HealthResponse{OK: true, Engine: r.backend.Name()})
}

func (r *Router) handleProviders(c *gin.Context) {
	writeJSON(c, http.StatusOK, ProvidersResponse{Providers: r.backend.Providers(), Jobs: r.backend.Jobs()})
}

func (r *Router) handleReconcile(c *gin.Context) {
	name := c.Param("name")
	err := r.backend.Reconcile(c.Request.Context(), name)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, cron.ErrUnknownJob):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown provider: " + name})
	case errors.Is(err, cron.ErrBusy):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleQueue(c *gin.Context) {
	writeJSON(c, http.StatusOK, QueueResponse{Depth: r.backend.QueueDepth(), Processed: r.backend.Processed()})
}

func (r *Router) handleRuns(c *gin.Context) {
	list, err := r.backend.ListRuns(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	if list == nil {
		list = []runs.Run{}
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleRun(c *gin.Context) {
	name := c.Param("name")
	if !isRunName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid run name"})
		return
	}
	run, ok, err := r.backend.GetRun(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "run not found: " + name})
		return
	}
	writeJSON(c, http.StatusOK, run)
}

func (r *Router) handleCleanup(c *gin.Context) {
	name := c.Param("name")
	if !isRunName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid run name"})
		return
	}
	r.backend.Cleanup(name)
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}
