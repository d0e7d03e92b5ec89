package credentials

import (
	"context"
	"testing"

	"github.com/loykin/runreaper/internal/dss/memory"
	"github.com/loykin/runreaper/internal/history"
	"github.com/loykin/runreaper/internal/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndLookup(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer func() { _ = st.Close() }()

	want := UsernamePassword{Username: "u1", Password: "p1"}
	require.NoError(t, Issue(ctx, st, "R1", "db", want))
	require.Error(t, Issue(ctx, st, "R1", "db", want))

	got, err := Lookup(ctx, st, "R1", "db")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Lookup(ctx, st, "R1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProviderDiscardsFinishedRuns(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer func() { _ = st.Close() }()

	require.NoError(t, st.Put(ctx, runs.StatusKey("R1"), runs.StatusRunning))
	require.NoError(t, st.Put(ctx, runs.StatusKey("R2"), runs.StatusFinished))
	require.NoError(t, Issue(ctx, st, "R1", "db", UsernamePassword{Username: "a", Password: "b"}))
	require.NoError(t, Issue(ctx, st, "R2", "db", UsernamePassword{Username: "c", Password: "d"}))
	require.NoError(t, Issue(ctx, st, "R2", "api", UsernamePassword{Username: "e", Password: "f"}))

	h := history.NewMemory(8)
	p, err := New(st, runs.NewRegistry(st), h, nil)
	require.NoError(t, err)

	require.NoError(t, p.Reconcile(ctx))
	_, err = Lookup(ctx, st, "R2", "db")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = Lookup(ctx, st, "R2", "api")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = Lookup(ctx, st, "R1", "db")
	require.NoError(t, err)
	assert.Len(t, h.Drain(), 2)

	require.NoError(t, p.OnRunEnded(ctx, "R1"))
	left, err := st.GetPrefix(ctx, Kind+".")
	require.NoError(t, err)
	assert.Empty(t, left)
}
