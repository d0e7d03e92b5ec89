package history

import (
	"context"
	"errors"
	"testing"
)

type failingSink struct{ calls int }

func (f *failingSink) Send(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestEmitStampsTime(t *testing.T) {
	m := NewMemory(4)
	Emit(context.Background(), m, Event{Type: EventDiscarded, Provider: "p", RunName: "r"})
	got := m.Drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].OccurredAt.IsZero() {
		t.Fatalf("occurred_at not set")
	}
}

func TestEmitNilAndFailingSink(t *testing.T) {
	Emit(context.Background(), nil, Event{Type: EventReconciled})
	f := &failingSink{}
	Emit(context.Background(), f, Event{Type: EventReconciled})
	if f.calls != 1 {
		t.Fatalf("expected one send attempt, got %d", f.calls)
	}
}

func TestMemoryDropsOldest(t *testing.T) {
	m := NewMemory(2)
	for i := 1; i <= 3; i++ {
		_ = m.Send(context.Background(), Event{Type: EventDiscarded, Count: i})
	}
	got := m.Drain()
	if len(got) != 2 || got[0].Count != 2 || got[1].Count != 3 {
		t.Fatalf("unexpected events: %+v", got)
	}
	if len(m.Drain()) != 0 {
		t.Fatalf("drain should empty the buffer")
	}
}
