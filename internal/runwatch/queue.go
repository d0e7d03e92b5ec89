package runwatch

import (
	"context"
	"sync"

	"github.com/loykin/runreaper/internal/metrics"
)

// Queue is an unbounded FIFO of lifecycle events. Push never blocks; Take
// blocks while the queue is empty. Duplicates are kept.
type Queue struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	metrics.SetQueueDepth(len(q.items))
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Take waits for the next event or for ctx to end.
func (q *Queue) Take(ctx context.Context) (Event, error) {
	for {
		if ev, ok := q.TryTake(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// TryTake pops the head of the queue if there is one.
func (q *Queue) TryTake() (Event, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Event{}, false
	}
	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	metrics.SetQueueDepth(len(q.items))
	q.mu.Unlock()
	return ev, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
