package dss

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Hub fans changes out to prefix listeners. Store implementations embed it to
// provide WatchPrefix/Unwatch.
//
// Publish never blocks the writer: changes are buffered and delivered in
// publish order by a single delivery goroutine, so listeners always run on a
// goroutine owned by the store and may safely call back into it.
type Hub struct {
	mu       sync.RWMutex
	watchers map[WatchID]hubEntry

	qmu     sync.Mutex
	pending []Change
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

type hubEntry struct {
	prefix string
	fn     Listener
}

func NewHub() *Hub {
	h := &Hub{
		watchers: make(map[WatchID]hubEntry),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Watch(prefix string, l Listener) WatchID {
	id := WatchID(uuid.NewString())
	h.mu.Lock()
	h.watchers[id] = hubEntry{prefix: prefix, fn: l}
	h.mu.Unlock()
	return id
}

func (h *Hub) Unwatch(id WatchID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[id]; !ok {
		return ErrUnknownWatch
	}
	delete(h.watchers, id)
	return nil
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Publish queues c for delivery to every listener whose prefix matches c.Key.
func (h *Hub) Publish(c Change) {
	h.qmu.Lock()
	h.pending = append(h.pending, c)
	h.qmu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Changes still buffered are dropped.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.quit) })
	<-h.done
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			return
		case <-h.wake:
		}
		for {
			h.qmu.Lock()
			batch := h.pending
			h.pending = nil
			h.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, c := range batch {
				select {
				case <-h.quit:
					return
				default:
				}
				h.dispatch(c)
			}
		}
	}
}

func (h *Hub) dispatch(c Change) {
	h.mu.RLock()
	targets := make([]Listener, 0, len(h.watchers))
	for _, w := range h.watchers {
		if HasPrefix(c.Key, w.prefix) {
			targets = append(targets, w.fn)
		}
	}
	h.mu.RUnlock()
	for _, fn := range targets {
		deliver(fn, c)
	}
}

func deliver(fn Listener, c Change) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("dss listener panicked", "key", c.Key, "panic", r)
		}
	}()
	fn(c)
}
