// Package principal discards the security principals allocated to runs.
//
// A principal is recorded as
//
//	securityprincipal.run.<run>.<id>       = <principal name>
//	securityprincipal.run.<run>.<id>.realm = <realm>
package principal

import (
	"context"
	"log/slog"

	"github.com/loykin/runreaper/internal/dss"
	"github.com/loykin/runreaper/internal/history"
	"github.com/loykin/runreaper/internal/resource"
)

const Kind = "securityprincipal"

// DefaultRealm is used when a record carries no realm attribute.
const DefaultRealm = "default"

// Directory removes principals from the identity system that issued them.
// Deleting a principal that does not exist must return resource.ErrGone.
type Directory interface {
	DeletePrincipal(ctx context.Context, realm, name string) error
}

// Key returns the record key of principal id for runName.
func Key(runName, id string) string { return Kind + ".run." + runName + "." + id }

// New returns the provider for security principals.
func New(store dss.Store, active resource.ActiveRuns, dir Directory, sink history.Sink, log *slog.Logger) (*resource.Keyed, error) {
	if log == nil {
		log = slog.Default()
	}
	return resource.NewKeyed(resource.KeyedOptions{
		Kind:       Kind,
		Store:      store,
		Active:     active,
		Discarder:  discarder{dir: dir, log: log},
		Attributes: []string{"realm"},
		History:    sink,
		Logger:     log,
	})
}

type discarder struct {
	dir Directory
	log *slog.Logger
}

func (d discarder) Discard(ctx context.Context, rec resource.Record) error {
	name := rec.Value
	if name == "" {
		name = rec.Key
	}
	realm := rec.Attributes["realm"]
	if realm == "" {
		realm = DefaultRealm
	}
	d.log.Info("Discarding security principal", "principal", name, "realm", realm, "run", rec.RunName)
	return d.dir.DeletePrincipal(ctx, realm, name)
}
