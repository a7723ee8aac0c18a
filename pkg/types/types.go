package types

import (
	"time"
)

// Profile is an immutable template for creating nodes. The Spec is opaque
// to the core; only the driver registered for Type interprets it.
type Profile struct {
	ID        string
	Name      string
	Type      string // driver type, e.g. "os.nova.server-1.0"
	Spec      map[string]interface{}
	Metadata  map[string]string
	User      string
	Project   string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt time.Time
}

// ClusterStatus represents the lifecycle state of a cluster
type ClusterStatus string

const (
	ClusterStatusInit     ClusterStatus = "INIT"
	ClusterStatusCreating ClusterStatus = "CREATING"
	ClusterStatusActive   ClusterStatus = "ACTIVE"
	ClusterStatusUpdating ClusterStatus = "UPDATING"
	ClusterStatusResizing ClusterStatus = "RESIZING"
	ClusterStatusCritical ClusterStatus = "CRITICAL"
	ClusterStatusWarning  ClusterStatus = "WARNING"
	ClusterStatusError    ClusterStatus = "ERROR"
	ClusterStatusDeleting ClusterStatus = "DELETING"
)

// Cluster is a set of nodes sharing a profile.
type Cluster struct {
	ID              string
	Name            string
	ProfileID       string
	User            string
	Project         string
	MinSize         int
	MaxSize         int // -1 = unbounded
	DesiredCapacity int
	NextIndex       int // monotonic node index counter, starts at 1
	Timeout         int // seconds; 0 = use default_action_timeout
	Status          ClusterStatus
	StatusReason    string
	Metadata        map[string]string
	Data            map[string]interface{} // driver scratch
	Dependents      map[string][]string    // reverse links from containing clusters/profiles
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       time.Time
}

// NodeStatus represents the lifecycle state of a node
type NodeStatus string

const (
	NodeStatusInit       NodeStatus = "INIT"
	NodeStatusCreating   NodeStatus = "CREATING"
	NodeStatusActive     NodeStatus = "ACTIVE"
	NodeStatusUpdating   NodeStatus = "UPDATING"
	NodeStatusError      NodeStatus = "ERROR"
	NodeStatusDeleting   NodeStatus = "DELETING"
	NodeStatusRecovering NodeStatus = "RECOVERING"
	NodeStatusWarning    NodeStatus = "WARNING"
)

// Node is one managed resource instance.
type Node struct {
	ID           string
	Name         string
	PhysicalID   string // assigned by the driver; empty until created
	ClusterID    string // empty = orphan
	ProfileID    string
	Index        int // >= 1 within a cluster, -1 for orphans
	Role         string
	Status       NodeStatus
	StatusReason string
	Metadata     map[string]string
	Data         map[string]interface{}
	Dependents   map[string][]string
	User         string
	Project      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    time.Time
}

// Orphan reports whether the node belongs to no cluster
func (n *Node) Orphan() bool {
	return n.ClusterID == ""
}

// Policy is a reusable decision module. Immutable once created; only Name
// may change.
type Policy struct {
	ID        string
	Name      string
	Type      string // names a plugin, e.g. "corral.policy.batch-1.0"
	Spec      map[string]interface{}
	Data      map[string]interface{}
	User      string
	Project   string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt time.Time
}

// PolicyBinding attaches a policy to a cluster.
type PolicyBinding struct {
	ClusterID string
	PolicyID  string
	Priority  int // lower = earlier
	Enabled   bool
	Data      map[string]interface{} // per-cluster policy scratch
	LastOp    time.Time              // timestamp of last enforcement
}

// LockScope is the sharing mode of a cluster lock
type LockScope int

const (
	LockExclusive LockScope = -1
	LockShared    LockScope = 1
)

// ClusterLock is an exclusive or shared lock on a cluster. When Scope is
// exclusive there is exactly one holder.
type ClusterLock struct {
	ClusterID string
	ActionIDs []string // ordered set of current holders
	Scope     LockScope
}

// NodeLock is an exclusive lock on one node.
type NodeLock struct {
	NodeID   string
	ActionID string
}

// Credential is a per-(user, project) stored secret, encrypted at rest.
// Opaque to the core; used to impersonate the owning principal when running
// actions whose originator is no longer authenticated.
type Credential struct {
	User      string
	Project   string
	Cred      string // base64 AES-CBC ciphertext
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Service is an engine-worker liveness record. An engine is considered
// dead when now - UpdatedAt exceeds twice the periodic interval.
type Service struct {
	ID             string
	Host           string
	Binary         string
	Topic          string
	UpdatedAt      time.Time
	Disabled       bool
	DisabledReason string
}

// HealthCheckMode selects how a registry entry detects failures
type HealthCheckMode string

const (
	HealthCheckPolling   HealthCheckMode = "NODE_STATUS_POLLING"
	HealthCheckLifecycle HealthCheckMode = "LIFECYCLE_EVENTS"
)

// HealthRegistry is one per-cluster periodic health check entry, claimed by
// a single engine at a time.
type HealthRegistry struct {
	ClusterID string
	CheckType HealthCheckMode
	Interval  int // seconds
	Params    map[string]interface{}
	EngineID  string
}

// Event is one structured record emitted at each status transition.
type Event struct {
	ID           string
	Timestamp    time.Time
	Level        string // "INFO", "WARNING", "ERROR"
	Project      string
	OID          string // id of the object the event is about
	OType        string // "CLUSTER", "NODE", "ACTION"
	OName        string
	ClusterID    string
	Action       string
	Status       string
	StatusReason string
	Meta         map[string]string
}

// Context carries the caller identity through every boundary operation.
// It is passed explicitly and never stored on long-lived objects.
type Context struct {
	Project   string
	User      string
	Domain    string
	AuthToken string
	RequestID string
	IsAdmin   bool
}

// AdminContext returns a context that bypasses project scoping
func AdminContext() Context {
	return Context{IsAdmin: true}
}
