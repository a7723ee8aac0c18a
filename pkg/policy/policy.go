package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/corral/pkg/types"
)

// Phase says whether a policy hook fires before or after an action body
type Phase string

const (
	PhaseBefore Phase = "BEFORE"
	PhaseAfter  Phase = "AFTER"
)

// Target declares one (phase, kind) pair a policy wants to intercept
type Target struct {
	Phase Phase
	Kind  types.ActionKind
}

// Policy is the decision-module capability. Hooks communicate through the
// action's Data map (batching plans, victim lists, placement) and may veto
// by setting data["status"] = "ERROR". A policy that needs cooldown
// enforces it itself using the binding's LastOp.
type Policy interface {
	// Validate checks a policy spec at creation time
	Validate(spec map[string]interface{}) error

	// Targets lists the (phase, kind) pairs this policy intercepts
	Targets() []Target

	// Attach is called when the policy is bound to a cluster; returning
	// false rolls the binding back. The returned map seeds the binding's
	// per-cluster data.
	Attach(ctx types.Context, cluster *types.Cluster, action *types.Action) (bool, map[string]interface{}, error)

	// Detach is called before the binding is removed
	Detach(ctx types.Context, cluster *types.Cluster, action *types.Action) (bool, error)

	// PreOp runs before the action body; it may mutate action.Data and
	// binding.Data
	PreOp(clusterID string, action *types.Action, binding *types.PolicyBinding) error

	// PostOp runs after the action body
	PostOp(clusterID string, action *types.Action, binding *types.PolicyBinding) error
}

// Key identifies a registered policy plugin
type Key struct {
	Name    string
	Version string
}

// ParseType splits a policy type like "corral.policy.batch-1.0" into a
// registry key
func ParseType(policyType string) Key {
	if i := strings.LastIndex(policyType, "-"); i > 0 {
		return Key{Name: policyType[:i], Version: policyType[i+1:]}
	}
	return Key{Name: policyType}
}

// Registry is a typed policy table keyed by (name, version)
type Registry struct {
	mu       sync.RWMutex
	policies map[Key]Policy
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{policies: make(map[Key]Policy)}
}

// Register adds a policy plugin under the given key
func (r *Registry) Register(key Key, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[key] = p
}

// Get resolves the plugin for a policy type
func (r *Registry) Get(policyType string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[ParseType(policyType)]
	if !ok {
		return nil, fmt.Errorf("%w: no policy registered for type %q",
			types.ErrNotFound, policyType)
	}
	return p, nil
}

// Veto inspection helpers, shared by the checker and the engine

// Vetoed reports whether a policy hook recorded an ERROR decision on the
// action, and the reason it gave
func Vetoed(action *types.Action) (bool, string) {
	if action.Data == nil {
		return false, ""
	}
	status, _ := action.Data["status"].(string)
	if status != "ERROR" {
		return false, ""
	}
	reason, _ := action.Data["reason"].(string)
	return true, reason
}
