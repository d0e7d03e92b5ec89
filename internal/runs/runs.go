// Package runs reads run records from the DSS. Runs are written by the
// submission side; the engine only observes them.
package runs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/runreaper/internal/dss"
)

// Status values as stored under run.<name>.status.
const (
	StatusBuilding = "Building"
	StatusRunning  = "Running"
	StatusFinished = "Finished"
)

// Prefix is the key prefix of every run record.
const Prefix = "run."

type Run struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Requestor string `json:"requestor,omitempty"`
	Group     string `json:"group,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty"`
}

// Active reports whether resources scoped to the run must be kept.
func (r Run) Active() bool { return r.Status != "" && r.Status != StatusFinished }

func StatusKey(name string) string { return Prefix + name + ".status" }

func AttrKey(name, attr string) string { return Prefix + name + "." + attr }

// Registry answers run queries against a store.
type Registry struct {
	store dss.Store
}

func NewRegistry(store dss.Store) *Registry { return &Registry{store: store} }

// Get returns the run and whether it has any record at all.
func (r *Registry) Get(ctx context.Context, name string) (Run, bool, error) {
	kv, err := r.store.GetPrefix(ctx, Prefix+name+".")
	if err != nil {
		return Run{}, false, fmt.Errorf("get run %s: %w", name, err)
	}
	all := collect(kv)
	run, ok := all[name]
	return run, ok, nil
}

// List returns all runs sorted by name.
func (r *Registry) List(ctx context.Context) ([]Run, error) {
	kv, err := r.store.GetPrefix(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	all := collect(kv)
	out := make([]Run, 0, len(all))
	for _, run := range all {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ActiveRunNames returns the names of runs whose resources must be kept.
func (r *Registry) ActiveRunNames(ctx context.Context) (map[string]struct{}, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(list))
	for _, run := range list {
		if run.Active() {
			active[run.Name] = struct{}{}
		}
	}
	return active, nil
}

// collect groups run.<name>.<attr> keys by run. Keys with a different shape
// are skipped.
func collect(kv map[string]string) map[string]Run {
	out := make(map[string]Run)
	for k, v := range kv {
		rest := strings.TrimPrefix(k, Prefix)
		name, attr, ok := strings.Cut(rest, ".")
		if !ok || name == "" || strings.Contains(attr, ".") {
			continue
		}
		run := out[name]
		run.Name = name
		switch attr {
		case "status":
			run.Status = v
		case "requestor":
			run.Requestor = v
		case "group":
			run.Group = v
		case "heartbeat":
			run.Heartbeat = v
		}
		out[name] = run
	}
	return out
}
