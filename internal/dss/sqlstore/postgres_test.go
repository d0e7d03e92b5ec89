package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/runreaper/internal/dss"
)

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("dss"),
		postgres.WithUsername("dss"),
		postgres.WithPassword("dss"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, Config{Dialect: DialectPostgres, DSN: connStr, PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got := make(chan dss.Change, 8)
	_, err = s.WatchPrefix("run", func(c dss.Change) { got <- c })
	require.NoError(t, err)

	ok, err := s.PutSwap(ctx, "run.PG1.heartbeat", nil, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.PutSwap(ctx, "run.PG1.heartbeat", dss.Value("stale"), "t2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "credentials.run.PG1.c1.username", "u"))
	vals, err := s.GetPrefix(ctx, "credentials.run.PG1.")
	require.NoError(t, err)
	assert.Len(t, vals, 1)

	require.NoError(t, s.DeletePrefix(ctx, "credentials."))
	vals, err = s.GetPrefix(ctx, "credentials.")
	require.NoError(t, err)
	assert.Empty(t, vals)

	select {
	case c := <-got:
		assert.Equal(t, "run.PG1.heartbeat", c.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change notification from postgres change log")
	}
}
