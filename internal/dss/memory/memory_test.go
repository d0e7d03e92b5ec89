package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/runreaper/internal/dss"
)

func TestPutSwapSemantics(t *testing.T) {
	ctx := context.Background()
	s := New()
	t.Cleanup(func() { _ = s.Close() })

	ok, err := s.PutSwap(ctx, "run.A.heartbeat", nil, "t1")
	require.NoError(t, err)
	assert.True(t, ok, "absent key should accept nil expectation")

	ok, err = s.PutSwap(ctx, "run.A.heartbeat", nil, "t2")
	require.NoError(t, err)
	assert.False(t, ok, "existing key must reject nil expectation")

	ok, err = s.PutSwap(ctx, "run.A.heartbeat", dss.Value("stale"), "t2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.PutSwap(ctx, "run.A.heartbeat", dss.Value("t1"), "t2")
	require.NoError(t, err)
	assert.True(t, ok)

	v, found, err := s.Get(ctx, "run.A.heartbeat")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "t2", v)
}

func TestPrefixAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(ctx, "creds.run.A.1", "x"))
	require.NoError(t, s.Put(ctx, "creds.run.B.1", "y"))
	require.NoError(t, s.Put(ctx, "run.A.status", "Running"))

	got, err := s.GetPrefix(ctx, "creds.run.")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.Delete(ctx, "creds.run.A.1", "missing"))
	require.NoError(t, s.DeletePrefix(ctx, "creds."))
	got, err = s.GetPrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"run.A.status": "Running"}, got)
}

func TestWatchDeliversInOrderAndUnwatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	t.Cleanup(func() { _ = s.Close() })

	var mu sync.Mutex
	var seen []dss.Change
	id, err := s.WatchPrefix("run", func(c dss.Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "run.A.status", "Running"))
	require.NoError(t, s.Put(ctx, "other.A.status", "Running"))
	require.NoError(t, s.Put(ctx, "run.A.status", "Finished"))
	require.NoError(t, s.Delete(ctx, "run.A.status"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, dss.Change{Kind: dss.ChangePut, Key: "run.A.status", NewValue: "Running"}, seen[0])
	assert.Equal(t, dss.Change{Kind: dss.ChangePut, Key: "run.A.status", OldValue: "Running", NewValue: "Finished"}, seen[1])
	assert.Equal(t, dss.Change{Kind: dss.ChangeDelete, Key: "run.A.status", OldValue: "Finished"}, seen[2])
	mu.Unlock()

	require.NoError(t, s.Unwatch(id))
	assert.Equal(t, 0, s.Watchers())
	assert.ErrorIs(t, s.Unwatch(id), dss.ErrUnknownWatch)
}

func TestListenerPanicDoesNotBreakDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	t.Cleanup(func() { _ = s.Close() })

	var mu sync.Mutex
	count := 0
	_, err := s.WatchPrefix("run", func(c dss.Change) {
		mu.Lock()
		count++
		mu.Unlock()
		if c.NewValue == "boom" {
			panic("listener failure")
		}
	})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "run.A.status", "boom"))
	require.NoError(t, s.Put(ctx, "run.A.status", "Finished"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 10*time.Millisecond)
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.GetPrefix(context.Background(), "")
	assert.ErrorIs(t, err, dss.ErrClosed)
	_, err = s.PutSwap(context.Background(), "k", nil, "v")
	assert.ErrorIs(t, err, dss.ErrClosed)
}
