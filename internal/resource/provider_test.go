package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvider struct{ name string }

func (p namedProvider) Name() string                             { return p.name }
func (p namedProvider) Reconcile(context.Context) error          { return nil }
func (p namedProvider) OnRunEnded(context.Context, string) error { return nil }

func TestRegistryOrderAndUniqueness(t *testing.T) {
	r, err := NewRegistry(namedProvider{"b"}, namedProvider{"a"})
	require.NoError(t, err)
	require.NoError(t, r.Register(namedProvider{"c"}))
	assert.Equal(t, []string{"b", "a", "c"}, r.Names())

	err = r.Register(namedProvider{"a"})
	require.Error(t, err)
	require.Error(t, r.Register(namedProvider{""}))
	require.Error(t, r.Register(nil))

	p, ok := r.Get("c")
	require.True(t, ok)
	assert.Equal(t, "c", p.Name())
	_, ok = r.Get("zzz")
	assert.False(t, ok)

	ps := r.Providers()
	ps[0] = namedProvider{"mutated"}
	assert.Equal(t, "b", r.Providers()[0].Name())
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(namedProvider{"x"}, namedProvider{"x"})
	require.Error(t, err)
}
