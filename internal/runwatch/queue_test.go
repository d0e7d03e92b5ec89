package runwatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/runreaper/internal/metrics"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 3; i++ {
		q.Push(Event{RunName: fmt.Sprintf("r%d", i), Kind: Finished})
	}
	// Duplicates are kept.
	q.Push(Event{RunName: "r0", Kind: Deleted})
	require.Equal(t, 4, q.Len())

	var got []string
	for {
		ev, ok := q.TryTake()
		if !ok {
			break
		}
		got = append(got, ev.RunName)
	}
	assert.Equal(t, []string{"r0", "r1", "r2", "r0"}, got)
	assert.Zero(t, q.Len())
}

func TestQueueTakeBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan Event, 1)
	go func() {
		ev, err := q.Take(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	select {
	case <-got:
		t.Fatal("take returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	q.Push(Event{RunName: "late", Kind: Finished})
	select {
	case ev := <-got:
		assert.Equal(t, "late", ev.RunName)
	case <-time.After(time.Second):
		t.Fatal("take did not wake up")
	}
}

func TestQueueTakeHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Take(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(Event{RunName: fmt.Sprintf("p%d-%d", p, i), Kind: Finished})
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}

// Metrics registration is process-wide, so the registry is too.
var depthReg = prometheus.NewRegistry()

func queueDepthGauge(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "runreaper_queue_depth" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("runreaper_queue_depth not gathered")
	return 0
}

func TestQueueDepthGaugeMatchesLenUnderContention(t *testing.T) {
	reg := depthReg
	require.NoError(t, metrics.Register(reg))

	q := NewQueue()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.Push(Event{RunName: fmt.Sprintf("w%d-%d", w, i), Kind: Finished})
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 150; i++ {
				q.TryTake()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(q.Len()), queueDepthGauge(t, reg))
}
