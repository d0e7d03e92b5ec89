package runs

import (
	"context"
	"testing"

	"github.com/loykin/runreaper/internal/dss/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, kv map[string]string) *Registry {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	for k, v := range kv {
		require.NoError(t, st.Put(context.Background(), k, v))
	}
	return NewRegistry(st)
}

func TestListAndGet(t *testing.T) {
	reg := seed(t, map[string]string{
		StatusKey("B"):            StatusRunning,
		AttrKey("B", "requestor"): "alice",
		AttrKey("B", "group"):     "qa",
		StatusKey("A"):            StatusFinished,
		"run.A.sub.key":           "ignored",
		"runner.X.status":         "Running",
	})
	ctx := context.Background()

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Name)
	assert.Equal(t, Run{Name: "B", Status: StatusRunning, Requestor: "alice", Group: "qa"}, list[1])

	got, ok, err := reg.Get(ctx, "B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Requestor)

	_, ok, err = reg.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActiveRunNames(t *testing.T) {
	reg := seed(t, map[string]string{
		StatusKey("building"):  StatusBuilding,
		StatusKey("running"):   StatusRunning,
		StatusKey("done"):      StatusFinished,
		"run.orphan.heartbeat": "2024-01-01T00:00:00.000000000Z",
	})
	active, err := reg.ActiveRunNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"building": {}, "running": {}}, active)
}

func TestGetDoesNotMatchLongerNames(t *testing.T) {
	reg := seed(t, map[string]string{
		StatusKey("AB"): StatusRunning,
	})
	_, ok, err := reg.Get(context.Background(), "A")
	require.NoError(t, err)
	assert.False(t, ok)
}
