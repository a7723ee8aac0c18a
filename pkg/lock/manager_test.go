package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

func newTestManager(t *testing.T, retryTimes int, retryInterval time.Duration) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, retryTimes, retryInterval), store
}

func TestLockClusterContention(t *testing.T) {
	m, _ := newTestManager(t, 2, 10*time.Millisecond)

	require.NoError(t, m.LockCluster("c1", "a1", types.LockExclusive))

	// The contender exhausts its retries and fails
	start := time.Now()
	err := m.LockCluster("c1", "a2", types.LockExclusive)
	assert.ErrorIs(t, err, types.ErrLockContention)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond,
		"retries are spaced by the retry interval")

	// After release the contender gets in
	released, err := m.UnlockCluster("c1", "a1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.NoError(t, m.LockCluster("c1", "a2", types.LockExclusive))
}

func TestLockClusterContenderWinsWhenHolderReleases(t *testing.T) {
	m, _ := newTestManager(t, 10, 10*time.Millisecond)

	require.NoError(t, m.LockCluster("c1", "a1", types.LockExclusive))

	var wg sync.WaitGroup
	wg.Add(1)
	var contendErr error
	go func() {
		defer wg.Done()
		contendErr = m.LockCluster("c1", "a2", types.LockExclusive)
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := m.UnlockCluster("c1", "a1")
	require.NoError(t, err)
	wg.Wait()

	assert.NoError(t, contendErr)
	assert.True(t, m.HoldsCluster("c1", "a2"))
}

func TestSharedHoldersCoexist(t *testing.T) {
	m, _ := newTestManager(t, 0, time.Millisecond)

	require.NoError(t, m.LockCluster("c1", "a1", types.LockShared))
	require.NoError(t, m.LockCluster("c1", "a2", types.LockShared))
	assert.True(t, m.HoldsCluster("c1", "a1"))
	assert.True(t, m.HoldsCluster("c1", "a2"))

	err := m.LockCluster("c1", "a3", types.LockExclusive)
	assert.ErrorIs(t, err, types.ErrLockContention)
}

func TestLockClusterScopeUpgrade(t *testing.T) {
	m, store := newTestManager(t, 1, 5*time.Millisecond)

	require.NoError(t, m.LockCluster("c1", "a1", types.LockShared))
	require.NoError(t, m.LockCluster("c1", "a2", types.LockShared))

	// An upgrade with a co-holder present is contention, and the denied
	// requester keeps its shared hold
	err := m.LockCluster("c1", "a1", types.LockExclusive)
	assert.ErrorIs(t, err, types.ErrLockContention)
	assert.True(t, m.HoldsCluster("c1", "a1"))

	_, err = m.UnlockCluster("c1", "a2")
	require.NoError(t, err)

	// As the sole holder the upgrade goes through
	require.NoError(t, m.LockCluster("c1", "a1", types.LockExclusive))
	lock, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Equal(t, types.LockExclusive, lock.Scope)
}

func TestStealDetectedByHolder(t *testing.T) {
	m, _ := newTestManager(t, 0, time.Millisecond)

	require.NoError(t, m.LockCluster("c1", "a1", types.LockExclusive))

	holders, err := m.StealCluster("c1", "a2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, holders)

	// The stolen-from action no longer holds the lock
	assert.False(t, m.HoldsCluster("c1", "a1"))
	assert.True(t, m.HoldsCluster("c1", "a2"))
}

func TestLockNode(t *testing.T) {
	m, _ := newTestManager(t, 1, 5*time.Millisecond)

	require.NoError(t, m.LockNode("n1", "a1"))
	err := m.LockNode("n1", "a2")
	assert.ErrorIs(t, err, types.ErrLockContention)

	released, err := m.UnlockNode("n1", "a1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.NoError(t, m.LockNode("n1", "a2"))
}

func TestGCByEngine(t *testing.T) {
	m, store := newTestManager(t, 0, time.Millisecond)

	owned := &types.Action{
		ID:        uuid.New().String(),
		Name:      "cluster_create",
		Action:    types.ActionClusterCreate,
		Status:    types.ActionStatusRunning,
		Owner:     "dead-engine",
		Project:   "p1",
		StartTime: time.Now(),
		CreatedAt: time.Now(),
	}
	child := &types.Action{
		ID:        uuid.New().String(),
		Name:      "node_create",
		Action:    types.ActionNodeCreate,
		Status:    types.ActionStatusWaiting,
		DependsOn: []string{owned.ID},
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	owned.DependedBy = []string{child.ID}
	finished := &types.Action{
		ID:        uuid.New().String(),
		Name:      "done",
		Action:    types.ActionClusterCreate,
		Status:    types.ActionStatusSucceeded,
		Owner:     "dead-engine",
		Project:   "p1",
		EndTime:   time.Now(),
		CreatedAt: time.Now(),
	}
	other := &types.Action{
		ID:        uuid.New().String(),
		Name:      "alive",
		Action:    types.ActionClusterCreate,
		Status:    types.ActionStatusRunning,
		Owner:     "live-engine",
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	for _, a := range []*types.Action{owned, child, finished, other} {
		require.NoError(t, store.CreateAction(a))
	}

	require.NoError(t, m.LockCluster("c1", owned.ID, types.LockExclusive))
	require.NoError(t, m.LockNode("n1", owned.ID))

	require.NoError(t, m.GCByEngine("dead-engine", time.Now()))

	got, err := store.GetAction(types.AdminContext(), owned.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusFailed, got.Status)
	assert.Equal(t, "Engine failure", got.StatusReason)
	assert.False(t, got.EndTime.IsZero())

	// The dependent is failed through the same sweep
	got, err = store.GetAction(types.AdminContext(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusFailed, got.Status)

	// Terminal and foreign actions are untouched
	got, err = store.GetAction(types.AdminContext(), finished.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusSucceeded, got.Status)
	got, err = store.GetAction(types.AdminContext(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusRunning, got.Status)

	// Locks held by the failed action are gone
	assert.False(t, m.HoldsCluster("c1", owned.ID))
	assert.False(t, m.HoldsNode("n1", owned.ID))

	// The sweep is idempotent
	assert.NoError(t, m.GCByEngine("dead-engine", time.Now()))
}

func TestGCByEngineFailsUnclaimedChildren(t *testing.T) {
	m, store := newTestManager(t, 0, time.Millisecond)

	parent := &types.Action{
		ID:        uuid.New().String(),
		Name:      "cluster_scale_out",
		Action:    types.ActionClusterScaleOut,
		Status:    types.ActionStatusRunning,
		Owner:     "dead-engine",
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	unclaimed := &types.Action{
		ID:        uuid.New().String(),
		Name:      "node_create",
		Action:    types.ActionNodeCreate,
		Status:    types.ActionStatusReady,
		Parent:    parent.ID,
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	claimed := &types.Action{
		ID:        uuid.New().String(),
		Name:      "node_create",
		Action:    types.ActionNodeCreate,
		Status:    types.ActionStatusRunning,
		Parent:    parent.ID,
		Owner:     "live-engine",
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	finished := &types.Action{
		ID:        uuid.New().String(),
		Name:      "node_create",
		Action:    types.ActionNodeCreate,
		Status:    types.ActionStatusSucceeded,
		Parent:    parent.ID,
		Project:   "p1",
		EndTime:   time.Now(),
		CreatedAt: time.Now(),
	}
	for _, a := range []*types.Action{parent, unclaimed, claimed, finished} {
		require.NoError(t, store.CreateAction(a))
	}

	require.NoError(t, m.GCByEngine("dead-engine", time.Now()))

	// The child nobody claimed would run with no parent left to collect
	// it, so the sweep fails it alongside the parent
	got, err := store.GetAction(types.AdminContext(), unclaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusFailed, got.Status)
	assert.Equal(t, "Engine failure", got.StatusReason)

	// A child claimed by a live engine keeps running
	got, err = store.GetAction(types.AdminContext(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusRunning, got.Status)

	// Terminal children are untouched
	got, err = store.GetAction(types.AdminContext(), finished.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusSucceeded, got.Status)
}
