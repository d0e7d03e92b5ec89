package memory

import (
	"context"
	"sync"

	"github.com/loykin/runreaper/internal/dss"
)

// Store is an in-process DSS. It backs tests and single-engine deployments
// configured with "memory://".
type Store struct {
	mu     sync.Mutex
	data   map[string]string
	hub    *dss.Hub
	closed bool
}

func New() *Store {
	return &Store{data: make(map[string]string), hub: dss.NewHub()}
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, dss.ErrClosed
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *Store) GetPrefix(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dss.ErrClosed
	}
	out := make(map[string]string)
	for k, v := range s.data {
		if dss.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Store) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dss.ErrClosed
	}
	old := s.data[key]
	s.data[key] = value
	s.hub.Publish(dss.Change{Kind: dss.ChangePut, Key: key, OldValue: old, NewValue: value})
	s.mu.Unlock()
	return nil
}

func (s *Store) PutSwap(_ context.Context, key string, expected *string, newValue string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, dss.ErrClosed
	}
	cur, exists := s.data[key]
	if expected == nil {
		if exists {
			return false, nil
		}
	} else if !exists || cur != *expected {
		return false, nil
	}
	s.data[key] = newValue
	s.hub.Publish(dss.Change{Kind: dss.ChangePut, Key: key, OldValue: cur, NewValue: newValue})
	return true, nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dss.ErrClosed
	}
	for _, k := range keys {
		old, ok := s.data[k]
		if !ok {
			continue
		}
		delete(s.data, k)
		s.hub.Publish(dss.Change{Kind: dss.ChangeDelete, Key: k, OldValue: old})
	}
	return nil
}

func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dss.ErrClosed
	}
	for k, old := range s.data {
		if !dss.HasPrefix(k, prefix) {
			continue
		}
		delete(s.data, k)
		s.hub.Publish(dss.Change{Kind: dss.ChangeDelete, Key: k, OldValue: old})
	}
	return nil
}

func (s *Store) WatchPrefix(prefix string, l dss.Listener) (dss.WatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", dss.ErrClosed
	}
	return s.hub.Watch(prefix, l), nil
}

func (s *Store) Unwatch(id dss.WatchID) error { return s.hub.Unwatch(id) }

// Watchers reports the number of live subscriptions.
func (s *Store) Watchers() int { return s.hub.Len() }

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}
