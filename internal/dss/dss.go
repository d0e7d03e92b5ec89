package dss

import (
	"context"
	"errors"
	"strings"
)

// ChangeKind is the kind of mutation reported to watchers.
type ChangeKind string

const (
	ChangePut    ChangeKind = "PUT"
	ChangeDelete ChangeKind = "DELETE"
)

// Change is a single notification delivered to a watcher.
// OldValue is empty when the key did not exist before a PUT;
// NewValue is empty for a DELETE.
type Change struct {
	Kind     ChangeKind
	Key      string
	OldValue string
	NewValue string
}

// Listener receives changes for a watched prefix. Listeners are invoked on the
// store's own goroutines and must return promptly.
type Listener func(Change)

// WatchID identifies a registered listener.
type WatchID string

var (
	ErrClosed       = errors.New("dss: store closed")
	ErrUnknownWatch = errors.New("dss: unknown watch id")
)

// Store is the Dynamic Status Store client used by the engine.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)
	Put(ctx context.Context, key, value string) error
	// PutSwap writes newValue only when the current value equals *expected.
	// A nil expected means the key must not exist. The boolean reports
	// whether the swap happened; a false result with nil error is a lost race.
	PutSwap(ctx context.Context, key string, expected *string, newValue string) (bool, error)
	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	WatchPrefix(prefix string, l Listener) (WatchID, error)
	Unwatch(id WatchID) error
	Close() error
}

// Value returns a pointer to v, for use as the expected value of PutSwap.
func Value(v string) *string { return &v }

// HasPrefix reports whether key falls under prefix using DSS prefix semantics
// (plain string prefix, the empty prefix matches everything).
func HasPrefix(key, prefix string) bool { return strings.HasPrefix(key, prefix) }
