package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of cleanup event.
type EventType string

const (
	EventDiscarded       EventType = "discarded"
	EventDiscardFailed   EventType = "discard_failed"
	EventReconciled      EventType = "reconciled"
	EventReconcileFailed EventType = "reconcile_failed"
)

// Event is one cleanup outcome exported to external systems.
// Resource is empty for reconcile events; Count is only set for them.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Provider   string    `json:"provider"`
	RunName    string    `json:"run_name,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	Count      int       `json:"count,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Emit sends e to s, stamping OccurredAt when unset. A nil sink is allowed.
// Send failures are logged and otherwise ignored.
func Emit(ctx context.Context, s Sink, e Event) {
	if s == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := s.Send(ctx, e); err != nil {
		slog.Warn("history send failed", "type", e.Type, "provider", e.Provider, "error", err)
	}
}

// Memory keeps events in process. It is used by tests and the admin API
// when no external sink is configured.
type Memory struct {
	ch chan Event
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{ch: make(chan Event, capacity)}
}

// Send never blocks; the oldest event is dropped when full.
func (m *Memory) Send(_ context.Context, e Event) error {
	for {
		select {
		case m.ch <- e:
			return nil
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

// Drain returns and removes all buffered events.
func (m *Memory) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-m.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
