package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loykin/runreaper/internal/dss"
	"github.com/loykin/runreaper/internal/history"
	"github.com/loykin/runreaper/internal/metrics"
)

// Record is one run-scoped resource as recorded in the DSS:
//
//	<kind>.run.<run>.<key>          = Value
//	<kind>.run.<run>.<key>.<attr>   = Attributes[attr]
//
// The key may contain dots. A trailing segment is an attribute only when it is
// one of the provider's attribute names. A record exists as soon as any of its
// keys does.
type Record struct {
	Kind       string
	RunName    string
	Key        string
	Value      string
	Attributes map[string]string
	storeKeys  []string
}

// StoreKeys returns every DSS key that makes up the record.
func (r Record) StoreKeys() []string { return append([]string(nil), r.storeKeys...) }

// Discarder releases the external resource behind a record. Returning ErrGone
// (or an error wrapping it) means there was nothing left to release.
type Discarder interface {
	Discard(ctx context.Context, rec Record) error
}

// DiscardFunc adapts a function to Discarder.
type DiscardFunc func(ctx context.Context, rec Record) error

func (f DiscardFunc) Discard(ctx context.Context, rec Record) error { return f(ctx, rec) }

// KeyedOptions configures a Keyed provider.
type KeyedOptions struct {
	Kind       string
	Store      dss.Store
	Active     ActiveRuns
	Discarder  Discarder
	Attributes []string
	History    history.Sink
	Logger     *slog.Logger
}

// Keyed is a Provider for resources tracked under <kind>.run. in the DSS.
// After a successful discard all of the record's keys are deleted.
type Keyed struct {
	kind    string
	store   dss.Store
	active  ActiveRuns
	discard Discarder
	attrs   map[string]struct{}
	history history.Sink
	log     *slog.Logger
}

func NewKeyed(o KeyedOptions) (*Keyed, error) {
	if o.Kind == "" || strings.Contains(o.Kind, ".") {
		return nil, fmt.Errorf("invalid resource kind %q", o.Kind)
	}
	if o.Store == nil || o.Active == nil || o.Discarder == nil {
		return nil, errors.New("keyed provider requires store, active runs and discarder")
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := make(map[string]struct{}, len(o.Attributes))
	for _, a := range o.Attributes {
		attrs[a] = struct{}{}
	}
	return &Keyed{
		kind:    o.Kind,
		store:   o.Store,
		active:  o.Active,
		discard: o.Discarder,
		attrs:   attrs,
		history: o.History,
		log:     log.With("provider", o.Kind),
	}, nil
}

func (k *Keyed) Name() string { return k.kind }

// Prefix returns the key prefix of the provider's records for runName, or of
// all its records when runName is empty.
func (k *Keyed) Prefix(runName string) string {
	if runName == "" {
		return k.kind + ".run."
	}
	return k.kind + ".run." + runName + "."
}

// Records scans the provider's records, optionally restricted to one run.
func (k *Keyed) Records(ctx context.Context, runName string) ([]Record, error) {
	kv, err := k.store.GetPrefix(ctx, k.Prefix(runName))
	if err != nil {
		return nil, fmt.Errorf("scan %s records: %w", k.kind, err)
	}
	return parseRecords(k.kind, k.attrs, kv), nil
}

func (k *Keyed) OnRunEnded(ctx context.Context, runName string) error {
	recs, err := k.Records(ctx, runName)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		k.discardRecord(ctx, rec)
	}
	if len(recs) > 0 {
		k.log.Info("Discarded run resources", "run", runName, "count", len(recs))
	}
	return nil
}

func (k *Keyed) Reconcile(ctx context.Context) error {
	recs, err := k.Records(ctx, "")
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	active, err := k.active.ActiveRunNames(ctx)
	if err != nil {
		return fmt.Errorf("load active runs: %w", err)
	}
	var stale, failed int
	for _, rec := range recs {
		if _, ok := active[rec.RunName]; ok {
			continue
		}
		stale++
		if !k.discardRecord(ctx, rec) {
			failed++
		}
	}
	if stale > 0 {
		k.log.Info("Reconciled resources", "stale", stale, "failed", failed)
	}
	return nil
}

// discardRecord releases one resource and removes its keys. Failures are
// logged and recorded, never returned.
func (k *Keyed) discardRecord(ctx context.Context, rec Record) bool {
	ev := history.Event{Provider: k.kind, RunName: rec.RunName, Resource: rec.Key}
	result := "ok"
	err := k.callDiscard(ctx, rec)
	if errors.Is(err, ErrGone) {
		result, err = "gone", nil
	}
	if err == nil {
		err = k.store.Delete(ctx, rec.storeKeys...)
	}
	if err != nil {
		metrics.IncDiscard(k.kind, "error")
		k.log.Error("Failed to discard resource", "run", rec.RunName, "resource", rec.Key, "error", err)
		ev.Type = history.EventDiscardFailed
		ev.Error = err.Error()
		history.Emit(ctx, k.history, ev)
		return false
	}
	metrics.IncDiscard(k.kind, result)
	k.log.Debug("Discarded resource", "run", rec.RunName, "resource", rec.Key, "result", result)
	ev.Type = history.EventDiscarded
	history.Emit(ctx, k.history, ev)
	return true
}

func (k *Keyed) callDiscard(ctx context.Context, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discard panicked: %v", r)
		}
	}()
	return k.discard.Discard(ctx, rec)
}

// parseRecords groups keys of the form <kind>.run.<run>.<key>[.<attr>] into
// records ordered by run and key. Every key with a run and a resource key
// belongs to some record, so nothing under a run outlives it.
func parseRecords(kind string, attrs map[string]struct{}, kv map[string]string) []Record {
	prefix := kind + ".run."
	byID := make(map[[2]string]*Record)
	for full, v := range kv {
		rest, ok := strings.CutPrefix(full, prefix)
		if !ok {
			continue
		}
		run, key, ok := strings.Cut(rest, ".")
		if !ok || run == "" || key == "" {
			continue
		}
		attr := ""
		if i := strings.LastIndex(key, "."); i > 0 {
			if _, known := attrs[key[i+1:]]; known {
				key, attr = key[:i], key[i+1:]
			}
		}
		id := [2]string{run, key}
		rec := byID[id]
		if rec == nil {
			rec = &Record{Kind: kind, RunName: run, Key: key, Attributes: map[string]string{}}
			byID[id] = rec
		}
		rec.storeKeys = append(rec.storeKeys, full)
		if attr == "" {
			rec.Value = v
		} else {
			rec.Attributes[attr] = v
		}
	}
	out := make([]Record, 0, len(byID))
	for _, rec := range byID {
		sort.Strings(rec.storeKeys)
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunName != out[j].RunName {
			return out[i].RunName < out[j].RunName
		}
		return out[i].Key < out[j].Key
	})
	return out
}
