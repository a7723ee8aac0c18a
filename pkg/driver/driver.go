package driver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/corral/pkg/types"
)

// RecoverOperation selects how a node is brought back from ERROR
type RecoverOperation string

const (
	RecoverRebuild  RecoverOperation = "REBUILD"
	RecoverRecreate RecoverOperation = "RECREATE"
	RecoverEvacuate RecoverOperation = "EVACUATE"
)

// ResourceDriver realizes profile operations against an infrastructure
// backend. Calls are synchronous from the engine's perspective; the driver
// polls internally toward the target status and honours the timeout, on
// expiry returning an error wrapping types.ErrTimeout.
type ResourceDriver interface {
	// Create provisions a resource for the node and returns its physical id
	Create(ctx types.Context, node *types.Node, profile *types.Profile, timeout time.Duration) (string, error)

	// Delete tears the resource down
	Delete(ctx types.Context, node *types.Node, timeout time.Duration) error

	// Update moves the resource to a new profile, using the backend's
	// replace/rebuild path when required
	Update(ctx types.Context, node *types.Node, newProfile *types.Profile, timeout time.Duration) error

	// GetDetails returns backend attributes of the resource
	GetDetails(ctx types.Context, node *types.Node) (map[string]interface{}, error)

	// Check reports whether the resource is healthy
	Check(ctx types.Context, node *types.Node) (bool, error)

	// Recover executes the chosen recovery operation and returns the
	// (possibly new) physical id
	Recover(ctx types.Context, node *types.Node, op RecoverOperation,
		params map[string]interface{}, timeout time.Duration) (string, error)

	// Operation invokes a named backend operation with parameters
	Operation(ctx types.Context, node *types.Node, operation string,
		params map[string]interface{}) error
}

// Key identifies a registered driver
type Key struct {
	Name    string
	Version string
}

// ParseType splits a profile type like "os.nova.server-1.0" into a
// registry key
func ParseType(profileType string) Key {
	if i := strings.LastIndex(profileType, "-"); i > 0 {
		return Key{Name: profileType[:i], Version: profileType[i+1:]}
	}
	return Key{Name: profileType}
}

// Registry is a typed driver table keyed by (name, version), populated at
// process init from a compiled-in table plus configuration
type Registry struct {
	mu      sync.RWMutex
	drivers map[Key]ResourceDriver
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[Key]ResourceDriver)}
}

// Register adds a driver under the given key, replacing any previous entry
func (r *Registry) Register(key Key, d ResourceDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[key] = d
}

// Get resolves the driver for a profile type
func (r *Registry) Get(profileType string) (ResourceDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[ParseType(profileType)]
	if !ok {
		return nil, fmt.Errorf("%w: no driver registered for profile type %q",
			types.ErrNotFound, profileType)
	}
	return d, nil
}
