package policy

import (
	"sort"
	"time"

	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Checker loads the policies attached to a cluster and runs their hooks
// around action execution. Bindings fire in priority order (ascending);
// equal priorities are unordered.
type Checker struct {
	store    storage.Store
	registry *Registry
}

// NewChecker creates a checker over the given store and plugin registry
func NewChecker(store storage.Store, registry *Registry) *Checker {
	return &Checker{store: store, registry: registry}
}

// Registry returns the plugin table the checker resolves against
func (c *Checker) Registry() *Registry {
	return c.registry
}

// match is one enabled binding whose policy intercepts the phase/kind
type match struct {
	binding *types.PolicyBinding
	plugin  Policy
}

func (c *Checker) matches(clusterID string, kind types.ActionKind, phase Phase) ([]match, error) {
	bindings, err := c.store.ListBindingsByCluster(clusterID)
	if err != nil {
		return nil, err
	}

	var found []match
	for _, binding := range bindings {
		if !binding.Enabled {
			continue
		}
		row, err := c.store.GetPolicy(types.AdminContext(), binding.PolicyID)
		if err != nil {
			return nil, err
		}
		plugin, err := c.registry.Get(row.Type)
		if err != nil {
			return nil, err
		}
		for _, target := range plugin.Targets() {
			if target.Phase == phase && target.Kind == kind {
				found = append(found, match{binding: binding, plugin: plugin})
				break
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].binding.Priority < found[j].binding.Priority
	})
	return found, nil
}

// run invokes each matching hook, persisting binding updates atomically on
// return. It stops at the first veto; the caller inspects the action's
// Data for the decision.
func (c *Checker) run(clusterID string, action *types.Action, phase Phase) error {
	found, err := c.matches(clusterID, action.Action, phase)
	if err != nil {
		return err
	}
	logger := log.WithComponent("policy-checker")

	for _, m := range found {
		var hookErr error
		if phase == PhaseBefore {
			hookErr = m.plugin.PreOp(clusterID, action, m.binding)
		} else {
			hookErr = m.plugin.PostOp(clusterID, action, m.binding)
		}
		if hookErr != nil {
			return hookErr
		}

		m.binding.LastOp = time.Now()
		if err := c.store.UpdateBinding(m.binding); err != nil {
			return err
		}

		if vetoed, reason := Vetoed(action); vetoed {
			logger.Info().
				Str("cluster_id", clusterID).
				Str("action_id", action.ID).
				Str("policy_id", m.binding.PolicyID).
				Str("reason", reason).
				Msg("action vetoed by policy")
			return nil
		}
	}
	return nil
}

// PreOp runs the BEFORE hooks for the action's kind
func (c *Checker) PreOp(clusterID string, action *types.Action) error {
	return c.run(clusterID, action, PhaseBefore)
}

// PostOp runs the AFTER hooks for the action's kind
func (c *Checker) PostOp(clusterID string, action *types.Action) error {
	return c.run(clusterID, action, PhaseAfter)
}
