// Package credentials manages username/password pairs issued to runs. They
// exist only as DSS records, so discarding a pair means deleting its keys.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/runreaper/internal/dss"
	"github.com/loykin/runreaper/internal/history"
	"github.com/loykin/runreaper/internal/resource"
)

const Kind = "credentials"

var ErrNotFound = errors.New("credentials not found")

type UsernamePassword struct {
	Username string
	Password string
}

func key(runName, id, attr string) string {
	return Kind + ".run." + runName + "." + id + "." + attr
}

// Issue stores a pair for runName. It fails if id is already in use.
func Issue(ctx context.Context, store dss.Store, runName, id string, c UsernamePassword) error {
	ok, err := store.PutSwap(ctx, key(runName, id, "username"), nil, c.Username)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("credentials %s already issued to run %s", id, runName)
	}
	return store.Put(ctx, key(runName, id, "password"), c.Password)
}

// Lookup returns the pair issued to runName under id.
func Lookup(ctx context.Context, store dss.Store, runName, id string) (UsernamePassword, error) {
	kv, err := store.GetPrefix(ctx, Kind+".run."+runName+"."+id+".")
	if err != nil {
		return UsernamePassword{}, err
	}
	user, ok := kv[key(runName, id, "username")]
	if !ok {
		return UsernamePassword{}, ErrNotFound
	}
	return UsernamePassword{Username: user, Password: kv[key(runName, id, "password")]}, nil
}

// New returns the provider for run credentials.
func New(store dss.Store, active resource.ActiveRuns, sink history.Sink, log *slog.Logger) (*resource.Keyed, error) {
	return resource.NewKeyed(resource.KeyedOptions{
		Kind:       Kind,
		Store:      store,
		Active:     active,
		Discarder:  keysOnly,
		Attributes: []string{"username", "password"},
		History:    sink,
		Logger:     log,
	})
}

// Nothing lives outside the DSS; removing the keys is the discard.
var keysOnly = resource.DiscardFunc(func(context.Context, resource.Record) error { return nil })
