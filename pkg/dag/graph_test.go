package dag

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

func newTestGraph(t *testing.T) (*Graph, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func addAction(t *testing.T, store storage.Store, name string) *types.Action {
	t.Helper()
	action := &types.Action{
		ID:        uuid.New().String(),
		Name:      name,
		Action:    types.ActionClusterCreate,
		Status:    types.ActionStatusReady,
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateAction(action))
	return action
}

func getAction(t *testing.T, store storage.Store, id string) *types.Action {
	t.Helper()
	action, err := store.GetAction(types.AdminContext(), id)
	require.NoError(t, err)
	return action
}

func TestAddDependencyMovesChildToWaiting(t *testing.T) {
	graph, store := newTestGraph(t)
	parent := addAction(t, store, "parent")
	child := addAction(t, store, "child")

	require.NoError(t, graph.AddDependency([]string{parent.ID}, []string{child.ID}))

	got := getAction(t, store, child.ID)
	assert.Equal(t, types.ActionStatusWaiting, got.Status)
	assert.Equal(t, []string{parent.ID}, got.DependsOn)

	got = getAction(t, store, parent.ID)
	assert.Equal(t, []string{child.ID}, got.DependedBy)

	// Adding the same edge again changes nothing
	require.NoError(t, graph.AddDependency([]string{parent.ID}, []string{child.ID}))
	got = getAction(t, store, child.ID)
	assert.Equal(t, []string{parent.ID}, got.DependsOn)
}

func TestAddDependencyRejectsListToList(t *testing.T) {
	graph, store := newTestGraph(t)
	a := addAction(t, store, "a")
	b := addAction(t, store, "b")
	c := addAction(t, store, "c")
	d := addAction(t, store, "d")

	err := graph.AddDependency([]string{a.ID, b.ID}, []string{c.ID, d.ID})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestFanInReadyOnLastParent(t *testing.T) {
	graph, store := newTestGraph(t)
	a := addAction(t, store, "a")
	b := addAction(t, store, "b")
	c := addAction(t, store, "c")
	d := addAction(t, store, "d")

	require.NoError(t, graph.AddDependency([]string{a.ID, b.ID, c.ID}, []string{d.ID}))

	require.NoError(t, graph.MarkSucceeded(a.ID, time.Now()))
	assert.Equal(t, types.ActionStatusWaiting, getAction(t, store, d.ID).Status)

	require.NoError(t, graph.MarkSucceeded(b.ID, time.Now()))
	assert.Equal(t, types.ActionStatusWaiting, getAction(t, store, d.ID).Status)

	// The last parent's success promotes the child
	require.NoError(t, graph.MarkSucceeded(c.ID, time.Now()))
	got := getAction(t, store, d.ID)
	assert.Equal(t, types.ActionStatusReady, got.Status)
	assert.Empty(t, got.DependsOn)
}

func TestFanInLastParentFails(t *testing.T) {
	graph, store := newTestGraph(t)
	a := addAction(t, store, "a")
	b := addAction(t, store, "b")
	c := addAction(t, store, "c")
	d := addAction(t, store, "d")

	require.NoError(t, graph.AddDependency([]string{a.ID, b.ID, c.ID}, []string{d.ID}))
	require.NoError(t, graph.MarkSucceeded(a.ID, time.Now()))
	require.NoError(t, graph.MarkSucceeded(b.ID, time.Now()))

	require.NoError(t, graph.MarkFailed(c.ID, time.Now(), "driver exploded"))

	got := getAction(t, store, d.ID)
	assert.Equal(t, types.ActionStatusFailed, got.Status)
	assert.False(t, got.EndTime.IsZero())
}

func TestFailurePropagatesThroughClosure(t *testing.T) {
	graph, store := newTestGraph(t)
	root := addAction(t, store, "root")
	mid := addAction(t, store, "mid")
	leaf1 := addAction(t, store, "leaf1")
	leaf2 := addAction(t, store, "leaf2")
	unrelated := addAction(t, store, "unrelated")

	require.NoError(t, graph.AddDependency([]string{root.ID}, []string{mid.ID}))
	require.NoError(t, graph.AddDependency([]string{mid.ID}, []string{leaf1.ID, leaf2.ID}))

	require.NoError(t, graph.MarkFailed(root.ID, time.Now(), "boom"))

	assert.Equal(t, types.ActionStatusFailed, getAction(t, store, root.ID).Status)
	assert.Equal(t, "boom", getAction(t, store, root.ID).StatusReason)
	for _, id := range []string{mid.ID, leaf1.ID, leaf2.ID} {
		got := getAction(t, store, id)
		assert.Equal(t, types.ActionStatusFailed, got.Status)
		assert.Equal(t, "dependency failed", got.StatusReason)
	}
	assert.Equal(t, types.ActionStatusReady, getAction(t, store, unrelated.ID).Status)
}

func TestPropagationSkipsTerminalActions(t *testing.T) {
	graph, store := newTestGraph(t)
	root := addAction(t, store, "root")
	done := addAction(t, store, "done")

	require.NoError(t, graph.AddDependency([]string{root.ID}, []string{done.ID}))

	done = getAction(t, store, done.ID)
	done.Status = types.ActionStatusSucceeded
	done.EndTime = time.Now()
	require.NoError(t, store.UpdateAction(done))

	require.NoError(t, graph.MarkCancelled(root.ID, time.Now(), "cancelled by user"))
	assert.Equal(t, types.ActionStatusSucceeded, getAction(t, store, done.ID).Status)
}

func TestRemoveDependencyPromotesChild(t *testing.T) {
	graph, store := newTestGraph(t)
	parent := addAction(t, store, "parent")
	child := addAction(t, store, "child")

	require.NoError(t, graph.AddDependency([]string{parent.ID}, []string{child.ID}))
	require.NoError(t, graph.RemoveDependency([]string{parent.ID}, []string{child.ID}))

	got := getAction(t, store, child.ID)
	assert.Equal(t, types.ActionStatusReady, got.Status)

	// Removing an absent edge is a no-op
	require.NoError(t, graph.RemoveDependency([]string{parent.ID}, []string{child.ID}))
}
