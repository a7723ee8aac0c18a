package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// recordingPolicy appends its tag to a shared trace and can veto
type recordingPolicy struct {
	tag   string
	trace *[]string
	veto  string
}

func (p *recordingPolicy) Validate(spec map[string]interface{}) error { return nil }

func (p *recordingPolicy) Targets() []Target {
	return []Target{{Phase: PhaseBefore, Kind: types.ActionClusterScaleIn}}
}

func (p *recordingPolicy) Attach(ctx types.Context, cluster *types.Cluster, action *types.Action) (bool, map[string]interface{}, error) {
	return true, nil, nil
}

func (p *recordingPolicy) Detach(ctx types.Context, cluster *types.Cluster, action *types.Action) (bool, error) {
	return true, nil
}

func (p *recordingPolicy) PreOp(clusterID string, action *types.Action, binding *types.PolicyBinding) error {
	*p.trace = append(*p.trace, p.tag)
	if p.veto != "" {
		if action.Data == nil {
			action.Data = map[string]interface{}{}
		}
		action.Data["status"] = "ERROR"
		action.Data["reason"] = p.veto
	}
	return nil
}

func (p *recordingPolicy) PostOp(clusterID string, action *types.Action, binding *types.PolicyBinding) error {
	return nil
}

func setupChecker(t *testing.T) (*Checker, storage.Store, *Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := NewRegistry()
	return NewChecker(store, registry), store, registry
}

func bindPolicy(t *testing.T, store storage.Store, clusterID, policyType string, priority int, enabled bool) *types.Policy {
	t.Helper()
	row := &types.Policy{
		ID:        uuid.New().String(),
		Name:      policyType,
		Type:      policyType,
		Project:   "p1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreatePolicy(row))
	require.NoError(t, store.AddBinding(&types.PolicyBinding{
		ClusterID: clusterID,
		PolicyID:  row.ID,
		Priority:  priority,
		Enabled:   enabled,
	}))
	return row
}

func scaleInAction() *types.Action {
	return &types.Action{
		ID:     uuid.New().String(),
		Action: types.ActionClusterScaleIn,
		Status: types.ActionStatusRunning,
	}
}

func TestPreOpRunsInPriorityOrder(t *testing.T) {
	checker, store, registry := setupChecker(t)

	var trace []string
	registry.Register(Key{Name: "t.second", Version: "1.0"}, &recordingPolicy{tag: "second", trace: &trace})
	registry.Register(Key{Name: "t.first", Version: "1.0"}, &recordingPolicy{tag: "first", trace: &trace})

	// Bound out of order; priority decides
	bindPolicy(t, store, "c1", "t.second-1.0", 20, true)
	bindPolicy(t, store, "c1", "t.first-1.0", 10, true)

	require.NoError(t, checker.PreOp("c1", scaleInAction()))
	assert.Equal(t, []string{"first", "second"}, trace)
}

func TestDisabledBindingSkipped(t *testing.T) {
	checker, store, registry := setupChecker(t)

	var trace []string
	registry.Register(Key{Name: "t.off", Version: "1.0"}, &recordingPolicy{tag: "off", trace: &trace})
	bindPolicy(t, store, "c1", "t.off-1.0", 10, false)

	require.NoError(t, checker.PreOp("c1", scaleInAction()))
	assert.Empty(t, trace)
}

func TestVetoStopsTheChain(t *testing.T) {
	checker, store, registry := setupChecker(t)

	var trace []string
	registry.Register(Key{Name: "t.vetoer", Version: "1.0"},
		&recordingPolicy{tag: "vetoer", trace: &trace, veto: "too many deletions"})
	registry.Register(Key{Name: "t.after", Version: "1.0"},
		&recordingPolicy{tag: "after", trace: &trace})

	bindPolicy(t, store, "c1", "t.vetoer-1.0", 10, true)
	bindPolicy(t, store, "c1", "t.after-1.0", 20, true)

	action := scaleInAction()
	require.NoError(t, checker.PreOp("c1", action))
	assert.Equal(t, []string{"vetoer"}, trace, "the chain stops at the veto")

	vetoed, reason := Vetoed(action)
	assert.True(t, vetoed)
	assert.Equal(t, "too many deletions", reason)
}

func TestNonMatchingKindIgnored(t *testing.T) {
	checker, store, registry := setupChecker(t)

	var trace []string
	registry.Register(Key{Name: "t.scalein", Version: "1.0"}, &recordingPolicy{tag: "x", trace: &trace})
	bindPolicy(t, store, "c1", "t.scalein-1.0", 10, true)

	action := scaleInAction()
	action.Action = types.ActionClusterScaleOut
	require.NoError(t, checker.PreOp("c1", action))
	assert.Empty(t, trace)
}

func TestBindingLastOpUpdated(t *testing.T) {
	checker, store, registry := setupChecker(t)

	var trace []string
	registry.Register(Key{Name: "t.p", Version: "1.0"}, &recordingPolicy{tag: "p", trace: &trace})
	row := bindPolicy(t, store, "c1", "t.p-1.0", 10, true)

	before := time.Now()
	require.NoError(t, checker.PreOp("c1", scaleInAction()))

	binding, err := store.GetBinding("c1", row.ID)
	require.NoError(t, err)
	assert.False(t, binding.LastOp.Before(before))
}
