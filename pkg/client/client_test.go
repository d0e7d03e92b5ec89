package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	g := gin.New()
	api := g.Group("/api")
	api.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, Health{OK: true, Engine: "e1"}) })
	api.GET("/providers", func(c *gin.Context) {
		c.JSON(http.StatusOK, Providers{Providers: []string{"credentials"}, Jobs: []JobStatus{{Name: "credentials", Runs: 2}}})
	})
	api.POST("/providers/:name/reconcile", func(c *gin.Context) {
		switch c.Param("name") {
		case "credentials":
			c.JSON(http.StatusOK, gin.H{"ok": true})
		case "busy":
			c.JSON(http.StatusConflict, ErrorResponse{Error: "job is already running"})
		default:
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown provider"})
		}
	})
	api.GET("/queue", func(c *gin.Context) { c.JSON(http.StatusOK, Queue{Depth: 1, Processed: 9}) })
	api.GET("/runs", func(c *gin.Context) { c.JSON(http.StatusOK, []Run{{Name: "U1", Status: "Running"}}) })
	api.GET("/runs/:name", func(c *gin.Context) {
		if c.Param("name") != "U1" {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
			return
		}
		c.JSON(http.StatusOK, Run{Name: "U1", Status: "Running"})
	})
	api.POST("/runs/:name/cleanup", func(c *gin.Context) { c.JSON(http.StatusAccepted, gin.H{"ok": true}) })
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientEndpoints(t *testing.T) {
	srv := testServer(t)
	c, err := New(Config{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))
	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", h.Engine)

	p, err := c.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"credentials"}, p.Providers)
	assert.EqualValues(t, 2, p.Jobs[0].Runs)

	require.NoError(t, c.Reconcile(ctx, "credentials"))
	err = c.Reconcile(ctx, "busy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 409")
	assert.True(t, errors.Is(c.Reconcile(ctx, "nope"), ErrNotFound))

	q, err := c.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Queue{Depth: 1, Processed: 9}, q)

	rs, err := c.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)

	r, err := c.Run(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Running", r.Status)
	_, err = c.Run(ctx, "U2")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Cleanup(ctx, "U1"))
}

func TestUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestBadCACert(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: "/nonexistent/ca.pem"}})
	require.Error(t, err)
}
