// Package runwatch turns DSS notifications about run status keys into
// lifecycle events for the dispatcher.
package runwatch

import (
	"errors"
	"log/slog"
	"regexp"
	"sync"

	"github.com/loykin/runreaper/internal/dss"
	"github.com/loykin/runreaper/internal/metrics"
	"github.com/loykin/runreaper/internal/runs"
)

// WatchPrefix is the prefix subscribed to by the watcher.
const WatchPrefix = "run"

var statusKey = regexp.MustCompile(`^run\.(\w+)\.status$`)

// ParseStatusKey returns the run name of a run.<name>.status key.
func ParseStatusKey(key string) (string, bool) {
	m := statusKey.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Translate maps a notification to a lifecycle event. It reports false for
// notifications that do not end a run.
func Translate(c dss.Change) (Event, bool) {
	name, ok := ParseStatusKey(c.Key)
	if !ok {
		return Event{}, false
	}
	ev := Event{RunName: name, OldValue: c.OldValue, NewValue: c.NewValue}
	switch {
	case c.Kind == dss.ChangeDelete:
		ev.Kind = Deleted
	case c.NewValue == runs.StatusFinished:
		ev.Kind = Finished
	default:
		return Event{}, false
	}
	return ev, true
}

type Watcher struct {
	store dss.Store
	queue *Queue
	log   *slog.Logger

	mu sync.Mutex
	id dss.WatchID
}

func NewWatcher(store dss.Store, queue *Queue, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{store: store, queue: queue, log: log.With("component", "watcher")}
}

// StartWatching subscribes to run notifications. Calling it again while
// subscribed does nothing.
func (w *Watcher) StartWatching() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.id != "" {
		return nil
	}
	id, err := w.store.WatchPrefix(WatchPrefix, w.onChange)
	if err != nil {
		return err
	}
	w.id = id
	w.log.Info("Watching run status", "prefix", WatchPrefix)
	return nil
}

// StopWatching removes the subscription if there is one.
func (w *Watcher) StopWatching() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.id == "" {
		return nil
	}
	id := w.id
	w.id = ""
	if err := w.store.Unwatch(id); err != nil && !errors.Is(err, dss.ErrUnknownWatch) && !errors.Is(err, dss.ErrClosed) {
		return err
	}
	return nil
}

func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id != ""
}

// onChange runs on the store's delivery goroutine and must not block or panic.
func (w *Watcher) onChange(c dss.Change) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Debug("Dropped run notification", "key", c.Key, "panic", r)
		}
	}()
	ev, ok := Translate(c)
	if !ok {
		metrics.IncWatchIgnored()
		return
	}
	w.queue.Push(ev)
	metrics.IncWatchEvent(string(ev.Kind))
	w.log.Debug("Run ended", "run", ev.RunName, "kind", ev.Kind)
}
