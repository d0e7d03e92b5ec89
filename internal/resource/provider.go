// Package resource defines the cleanup capability implemented by every
// resource kind a run can consume, and a generic provider for resources
// recorded in the DSS.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrGone is returned by a Discarder when the external resource no longer
// exists. It counts as a successful discard.
var ErrGone = errors.New("resource already gone")

// Provider owns cleanup of one resource kind.
type Provider interface {
	Name() string
	// Reconcile discards every resource whose run is no longer active.
	// Per-resource failures are logged; an error means the sweep could not run.
	Reconcile(ctx context.Context) error
	// OnRunEnded discards the resources of one run. It is idempotent.
	OnRunEnded(ctx context.Context, runName string) error
}

// ActiveRuns reports the runs whose resources must be kept.
type ActiveRuns interface {
	ActiveRunNames(ctx context.Context) (map[string]struct{}, error)
}

// Registry is an ordered set of providers.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

func NewRegistry(ps ...Provider) (*Registry, error) {
	r := &Registry{}
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends p. Names must be unique.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return errors.New("provider requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.providers {
		if q.Name() == p.Name() {
			return fmt.Errorf("provider %q already registered", p.Name())
		}
	}
	r.providers = append(r.providers, p)
	return nil
}

// Providers returns the providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.providers...)
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.providers))
	for i, p := range r.providers {
		out[i] = p.Name()
	}
	return out
}
