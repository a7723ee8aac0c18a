package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/types"
)

func TestClusterLockExclusive(t *testing.T) {
	store := newTestStore(t)

	holders, err := store.AcquireClusterLock("c1", "a1", types.LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, holders)

	// A second exclusive acquirer is not admitted
	holders, err = store.AcquireClusterLock("c1", "a2", types.LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, holders)

	// Neither is a shared one
	holders, err = store.AcquireClusterLock("c1", "a3", types.LockShared)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, holders)

	// Re-acquire by the holder is a no-op
	holders, err = store.AcquireClusterLock("c1", "a1", types.LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, holders)
}

func TestClusterLockShared(t *testing.T) {
	store := newTestStore(t)

	holders, err := store.AcquireClusterLock("c1", "a1", types.LockShared)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, holders)

	// Shared holders coexist
	holders, err = store.AcquireClusterLock("c1", "a2", types.LockShared)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, holders)

	// Exclusive cannot join a shared set
	holders, err = store.AcquireClusterLock("c1", "a3", types.LockExclusive)
	require.NoError(t, err)
	assert.NotContains(t, holders, "a3")
}

func TestClusterLockScopeUpgrade(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireClusterLock("c1", "a1", types.LockShared)
	require.NoError(t, err)

	// The sole shared holder upgrades in place
	holders, err := store.AcquireClusterLock("c1", "a1", types.LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, holders)

	lock, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Equal(t, types.LockExclusive, lock.Scope)

	// After the upgrade no shared contender is admitted
	holders, err = store.AcquireClusterLock("c1", "a2", types.LockShared)
	require.NoError(t, err)
	assert.NotContains(t, holders, "a2")
}

func TestClusterLockScopeUpgradeDeniedWithCoHolders(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireClusterLock("c1", "a1", types.LockShared)
	require.NoError(t, err)
	_, err = store.AcquireClusterLock("c1", "a2", types.LockShared)
	require.NoError(t, err)

	// The upgrade is refused while another shared holder remains; the
	// returned set omits the requester so the caller sees the denial
	holders, err := store.AcquireClusterLock("c1", "a1", types.LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, holders)

	// The lock itself is untouched
	lock, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Equal(t, types.LockShared, lock.Scope)
	assert.ElementsMatch(t, []string{"a1", "a2"}, lock.ActionIDs)
}

func TestReleaseClusterLock(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireClusterLock("c1", "a1", types.LockShared)
	require.NoError(t, err)
	_, err = store.AcquireClusterLock("c1", "a2", types.LockShared)
	require.NoError(t, err)

	// Releasing a non-holder reports false
	released, err := store.ReleaseClusterLock("c1", "a9")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.ReleaseClusterLock("c1", "a1")
	require.NoError(t, err)
	assert.True(t, released)

	lock, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, lock.ActionIDs)

	// Last holder out deletes the row
	released, err = store.ReleaseClusterLock("c1", "a2")
	require.NoError(t, err)
	assert.True(t, released)
	_, err = store.GetClusterLock("c1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStealClusterLock(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireClusterLock("c1", "a1", types.LockShared)
	require.NoError(t, err)
	_, err = store.AcquireClusterLock("c1", "a2", types.LockShared)
	require.NoError(t, err)

	holders, err := store.StealClusterLock("c1", "a9")
	require.NoError(t, err)
	assert.Equal(t, []string{"a9"}, holders)

	lock, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a9"}, lock.ActionIDs)
	assert.Equal(t, types.LockExclusive, lock.Scope)
}

func TestNodeLock(t *testing.T) {
	store := newTestStore(t)

	holder, err := store.AcquireNodeLock("n1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", holder)

	// Contender sees the current holder
	holder, err = store.AcquireNodeLock("n1", "a2")
	require.NoError(t, err)
	assert.Equal(t, "a1", holder)

	// Release by non-holder is refused
	released, err := store.ReleaseNodeLock("n1", "a2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.ReleaseNodeLock("n1", "a1")
	require.NoError(t, err)
	assert.True(t, released)

	holder, err = store.AcquireNodeLock("n1", "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", holder)
}

func TestReleaseLocksHeldBy(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireClusterLock("c1", "a1", types.LockExclusive)
	require.NoError(t, err)
	_, err = store.AcquireNodeLock("n1", "a1")
	require.NoError(t, err)
	_, err = store.AcquireNodeLock("n2", "a2")
	require.NoError(t, err)

	err = store.Txn(func(txn ActionTxn) error {
		return txn.ReleaseLocksHeldBy("a1")
	})
	require.NoError(t, err)

	_, err = store.GetClusterLock("c1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetNodeLock("n1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Other holders are untouched
	lock, err := store.GetNodeLock("n2")
	require.NoError(t, err)
	assert.Equal(t, "a2", lock.ActionID)
}

func TestEventsBacklog(t *testing.T) {
	store := newTestStore(t)

	emit := func(clusterID, reason string) {
		err := store.AddEvent(&types.Event{
			ID:           uuid.New().String(),
			Timestamp:    time.Now(),
			Level:        "INFO",
			Project:      "p1",
			ClusterID:    clusterID,
			StatusReason: reason,
		}, 3)
		require.NoError(t, err)
	}

	for _, reason := range []string{"one", "two", "three", "four", "five"} {
		emit("c1", reason)
	}

	events, err := store.ListEventsByCluster("c1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3, "backlog is capped at max_events_per_cluster")
	assert.Equal(t, "three", events[0].StatusReason)
	assert.Equal(t, "five", events[2].StatusReason)

	// Limited listing returns the most recent, oldest first
	events, err = store.ListEventsByCluster("c1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "four", events[0].StatusReason)
	assert.Equal(t, "five", events[1].StatusReason)

	require.NoError(t, store.PruneEvents("c1"))
	events, err = store.ListEventsByCluster("c1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPurgeEvents(t *testing.T) {
	store := newTestStore(t)

	old := &types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().Add(-48 * time.Hour),
		Project:   "p1",
		ClusterID: "c1",
	}
	recent := &types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Project:   "p1",
		ClusterID: "c1",
	}
	otherProject := &types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().Add(-48 * time.Hour),
		Project:   "p2",
		ClusterID: "c2",
	}
	for _, ev := range []*types.Event{old, recent, otherProject} {
		require.NoError(t, store.AddEvent(ev, 0))
	}

	deleted, err := store.PurgeEvents("p1", 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// Purge with nothing to do is a no-op
	deleted, err = store.PurgeEvents("p1", 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	events, err := store.ListEventsByCluster("c1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	events, err = store.ListEventsByCluster("c2", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
