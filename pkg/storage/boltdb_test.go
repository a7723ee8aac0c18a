package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testCluster(name, project string) *types.Cluster {
	now := time.Now()
	return &types.Cluster{
		ID:              uuid.New().String(),
		Name:            name,
		ProfileID:       uuid.New().String(),
		Project:         project,
		User:            "tester",
		MinSize:         0,
		MaxSize:         -1,
		DesiredCapacity: 3,
		Status:          types.ClusterStatusInit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func testNode(name, clusterID string, index int) *types.Node {
	now := time.Now()
	return &types.Node{
		ID:        uuid.New().String(),
		Name:      name,
		ClusterID: clusterID,
		Index:     index,
		Status:    types.NodeStatusActive,
		Project:   "p1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestClusterCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := types.AdminContext()

	cluster := testCluster("web", "p1")
	require.NoError(t, store.CreateCluster(cluster))

	got, err := store.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, 1, got.NextIndex, "next_index starts at 1")

	got.Status = types.ClusterStatusActive
	require.NoError(t, store.UpdateCluster(got))

	got, err = store.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusActive, got.Status)

	_, err = store.GetCluster(ctx, "no-such-id")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestProjectScoping(t *testing.T) {
	store := newTestStore(t)

	c1 := testCluster("web", "p1")
	c2 := testCluster("db", "p2")
	require.NoError(t, store.CreateCluster(c1))
	require.NoError(t, store.CreateCluster(c2))

	// A project-scoped caller sees only its own rows
	scoped := types.Context{Project: "p1"}
	_, err := store.GetCluster(scoped, c2.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	list, err := store.ListClusters(scoped, Query{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Admin sees everything
	list, err = store.ListClusters(types.AdminContext(), Query{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestClusterNextIndex(t *testing.T) {
	store := newTestStore(t)
	cluster := testCluster("web", "p1")
	require.NoError(t, store.CreateCluster(cluster))

	for want := 1; want <= 5; want++ {
		got, err := store.ClusterNextIndex(cluster.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	fresh, err := store.GetCluster(types.AdminContext(), cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, fresh.NextIndex)
}

func TestSoftDeleteCluster(t *testing.T) {
	store := newTestStore(t)
	ctx := types.AdminContext()

	cluster := testCluster("web", "p1")
	require.NoError(t, store.CreateCluster(cluster))
	node := testNode("web-node-1", cluster.ID, 1)
	require.NoError(t, store.CreateNode(node))

	require.NoError(t, store.SoftDeleteCluster(cluster.ID, time.Now()))

	_, err := store.GetCluster(ctx, cluster.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetNode(ctx, node.ID)
	assert.ErrorIs(t, err, types.ErrNotFound, "member nodes are tombstoned too")
}

func TestNodeMigrate(t *testing.T) {
	store := newTestStore(t)

	src := testCluster("src", "p1")
	dst := testCluster("dst", "p1")
	require.NoError(t, store.CreateCluster(src))
	require.NoError(t, store.CreateCluster(dst))

	node := testNode("n1", src.ID, 1)
	node.PhysicalID = "phys-123"
	require.NoError(t, store.CreateNode(node))
	_, err := store.ClusterNextIndex(src.ID)
	require.NoError(t, err)

	moved, err := store.NodeMigrate(node.ID, src.ID, dst.ID, "worker", time.Now())
	require.NoError(t, err)
	assert.Equal(t, dst.ID, moved.ClusterID)
	assert.Equal(t, 1, moved.Index, "index comes from the destination counter")
	assert.Equal(t, "worker", moved.Role)
	assert.Equal(t, "phys-123", moved.PhysicalID, "physical id is untouched")

	// Orphaning clears the index
	orphaned, err := store.NodeMigrate(node.ID, dst.ID, "", "", time.Now())
	require.NoError(t, err)
	assert.True(t, orphaned.Orphan())
	assert.Equal(t, -1, orphaned.Index)

	// Wrong source cluster is rejected
	_, err = store.NodeMigrate(node.ID, src.ID, dst.ID, "", time.Now())
	assert.Error(t, err)
}

func TestDeleteProfileInUse(t *testing.T) {
	store := newTestStore(t)

	profile := &types.Profile{
		ID:        uuid.New().String(),
		Name:      "small",
		Type:      "os.nova.server-1.0",
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateProfile(profile))

	cluster := testCluster("web", "p1")
	cluster.ProfileID = profile.ID
	require.NoError(t, store.CreateCluster(cluster))

	err := store.DeleteProfile(profile.ID, time.Now())
	assert.ErrorIs(t, err, types.ErrResourceBusy)

	require.NoError(t, store.SoftDeleteCluster(cluster.ID, time.Now()))
	assert.NoError(t, store.DeleteProfile(profile.ID, time.Now()))
}

func TestFindByIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := types.AdminContext()

	a := testCluster("alpha", "p1")
	a.ID = "aaaa1111-0000-0000-0000-000000000000"
	b := testCluster("beta", "p1")
	b.ID = "aaaa2222-0000-0000-0000-000000000000"
	dup1 := testCluster("dup", "p1")
	dup2 := testCluster("dup", "p1")
	for _, c := range []*types.Cluster{a, b, dup1, dup2} {
		require.NoError(t, store.CreateCluster(c))
	}

	// Exact id
	got, err := store.FindCluster(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// Unique name
	got, err = store.FindCluster(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	// Ambiguous name
	_, err = store.FindCluster(ctx, "dup")
	assert.ErrorIs(t, err, types.ErrMultipleChoices)

	// Unique id prefix
	got, err = store.FindCluster(ctx, "aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// Ambiguous id prefix
	_, err = store.FindCluster(ctx, "aaaa")
	assert.ErrorIs(t, err, types.ErrMultipleChoices)

	// Nothing at all
	_, err = store.FindCluster(ctx, "zzzz")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := types.AdminContext()

	names := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	for _, name := range names {
		require.NoError(t, store.CreateCluster(testCluster(name, "p1")))
	}

	page1, err := store.ListClusters(ctx, Query{Limit: 2, Sort: "name:asc"})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "alpha", page1[0].Name)
	assert.Equal(t, "bravo", page1[1].Name)

	page2, err := store.ListClusters(ctx, Query{Limit: 2, Sort: "name:asc", Marker: page1[1].ID})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "charlie", page2[0].Name)
	assert.Equal(t, "delta", page2[1].Name)

	page3, err := store.ListClusters(ctx, Query{Limit: 2, Sort: "name:asc", Marker: page2[1].ID})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "echo", page3[0].Name)

	// Descending
	desc, err := store.ListClusters(ctx, Query{Sort: "name:desc"})
	require.NoError(t, err)
	assert.Equal(t, "echo", desc[0].Name)

	// Unknown sort key
	_, err = store.ListClusters(ctx, Query{Sort: "bogus"})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	// Bad direction
	_, err = store.ListClusters(ctx, Query{Sort: "name:sideways"})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestClaimReadyAction(t *testing.T) {
	store := newTestStore(t)

	ready := &types.Action{
		ID:        uuid.New().String(),
		Name:      "a1",
		Action:    types.ActionClusterCreate,
		Status:    types.ActionStatusReady,
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	waiting := &types.Action{
		ID:        uuid.New().String(),
		Name:      "a2",
		Action:    types.ActionClusterCreate,
		Status:    types.ActionStatusWaiting,
		DependsOn: []string{ready.ID},
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateAction(ready))
	require.NoError(t, store.CreateAction(waiting))

	claimed, err := store.ClaimReadyAction("engine-1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, ready.ID, claimed.ID)
	assert.Equal(t, types.ActionStatusRunning, claimed.Status)
	assert.Equal(t, "engine-1", claimed.Owner)
	assert.False(t, claimed.StartTime.IsZero())

	// Nothing else is claimable
	again, err := store.ClaimReadyAction("engine-2", time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestSignalAction(t *testing.T) {
	store := newTestStore(t)

	action := &types.Action{
		ID:        uuid.New().String(),
		Name:      "a1",
		Action:    types.ActionClusterCreate,
		Status:    types.ActionStatusRunning,
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateAction(action))
	require.NoError(t, store.SignalAction(action.ID, types.ControlCancel))

	got, err := store.GetAction(types.AdminContext(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ControlCancel, got.Control)
}

func TestCredentials(t *testing.T) {
	store := newTestStore(t)

	cred := &types.Credential{
		User:      "u1",
		Project:   "p1",
		Cred:      "c2VhbGVk",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.PutCredential(cred))

	got, err := store.GetCredential("u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "c2VhbGVk", got.Cred)

	require.NoError(t, store.DeleteCredential("u1", "p1"))
	_, err = store.GetCredential("u1", "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
