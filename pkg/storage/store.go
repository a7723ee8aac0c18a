package storage

import (
	"time"

	"github.com/cuemby/corral/pkg/types"
)

// Query controls pagination and ordering of list operations. Sort is a
// comma-separated list of keys, each optionally suffixed with ":asc" or
// ":desc"; the row id is always appended as the final tie-breaker so pages
// are stable. Marker is the id of the last row of the previous page.
type Query struct {
	Limit  int
	Marker string
	Sort   string
}

// ActionFilter narrows ListActions
type ActionFilter struct {
	Target string
	Owner  string
	Status types.ActionStatus
}

// ActionTxn exposes action rows and lock rows inside one storage
// transaction. Dependency-graph propagation and engine GC run entirely
// within a single ActionTxn so that status changes and edge updates commit
// together.
type ActionTxn interface {
	GetAction(id string) (*types.Action, error)
	PutAction(action *types.Action) error
	ListActionsByOwner(engineID string) ([]*types.Action, error)
	ListActionsByParent(parentID string) ([]*types.Action, error)

	// ReleaseLocksHeldBy removes the action from every cluster and node
	// lock it holds, deleting emptied lock rows
	ReleaseLocksHeldBy(actionID string) error
}

// Store is the durable state interface of the core. All coordination
// between engines goes through it; no in-process state is authoritative.
type Store interface {
	// Profiles
	CreateProfile(profile *types.Profile) error
	GetProfile(ctx types.Context, id string) (*types.Profile, error)
	FindProfile(ctx types.Context, identity string) (*types.Profile, error)
	ListProfiles(ctx types.Context, q Query) ([]*types.Profile, error)
	UpdateProfile(profile *types.Profile) error
	DeleteProfile(id string, ts time.Time) error

	// Clusters
	CreateCluster(cluster *types.Cluster) error
	GetCluster(ctx types.Context, id string) (*types.Cluster, error)
	FindCluster(ctx types.Context, identity string) (*types.Cluster, error)
	ListClusters(ctx types.Context, q Query) ([]*types.Cluster, error)
	UpdateCluster(cluster *types.Cluster) error
	// ClusterNextIndex atomically fetches and increments the cluster's
	// node index counter, returning the pre-increment value
	ClusterNextIndex(id string) (int, error)
	// SoftDeleteCluster tombstones the cluster and any remaining member
	// nodes in a single transaction
	SoftDeleteCluster(id string, ts time.Time) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(ctx types.Context, id string) (*types.Node, error)
	FindNode(ctx types.Context, identity string) (*types.Node, error)
	ListNodes(ctx types.Context, q Query) ([]*types.Node, error)
	ListNodesByCluster(clusterID string) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	SoftDeleteNode(id string, ts time.Time) error
	// NodeMigrate moves a node between clusters in one transaction,
	// assigning a fresh index from the destination's counter
	NodeMigrate(nodeID, fromCluster, toCluster, role string, ts time.Time) (*types.Node, error)

	// Policies
	CreatePolicy(policy *types.Policy) error
	GetPolicy(ctx types.Context, id string) (*types.Policy, error)
	FindPolicy(ctx types.Context, identity string) (*types.Policy, error)
	ListPolicies(ctx types.Context, q Query) ([]*types.Policy, error)
	UpdatePolicy(policy *types.Policy) error
	DeletePolicy(id string, ts time.Time) error

	// Cluster-policy bindings
	AddBinding(binding *types.PolicyBinding) error
	GetBinding(clusterID, policyID string) (*types.PolicyBinding, error)
	ListBindingsByCluster(clusterID string) ([]*types.PolicyBinding, error)
	UpdateBinding(binding *types.PolicyBinding) error
	DeleteBinding(clusterID, policyID string) error

	// Actions
	CreateAction(action *types.Action) error
	GetAction(ctx types.Context, id string) (*types.Action, error)
	ListActions(ctx types.Context, f ActionFilter, q Query) ([]*types.Action, error)
	UpdateAction(action *types.Action) error
	DeleteAction(id string) error
	// ClaimReadyAction CAS-transitions one READY action to RUNNING with
	// the given owner; returns nil when no action is claimable
	ClaimReadyAction(engineID string, ts time.Time) (*types.Action, error)
	// SignalAction writes a control signal on an action
	SignalAction(id string, control types.ActionControl) error
	// Txn runs fn inside one read-write storage transaction
	Txn(fn func(txn ActionTxn) error) error

	// Cluster locks
	AcquireClusterLock(clusterID, actionID string, scope types.LockScope) ([]string, error)
	ReleaseClusterLock(clusterID, actionID string) (bool, error)
	StealClusterLock(clusterID, newActionID string) ([]string, error)
	GetClusterLock(clusterID string) (*types.ClusterLock, error)

	// Node locks
	AcquireNodeLock(nodeID, actionID string) (string, error)
	ReleaseNodeLock(nodeID, actionID string) (bool, error)
	StealNodeLock(nodeID, newActionID string) (string, error)
	GetNodeLock(nodeID string) (*types.NodeLock, error)

	// Service registry
	UpsertService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	DeleteService(id string) error

	// Credentials
	PutCredential(cred *types.Credential) error
	GetCredential(user, project string) (*types.Credential, error)
	DeleteCredential(user, project string) error

	// Health registry
	CreateRegistry(entry *types.HealthRegistry) error
	GetRegistry(clusterID string) (*types.HealthRegistry, error)
	ListRegistries() ([]*types.HealthRegistry, error)
	UpdateRegistry(entry *types.HealthRegistry) error
	DeleteRegistry(clusterID string) error
	// ClaimRegistries assigns every entry owned by one of deadEngines (or
	// unowned) to engineID and returns the claimed set
	ClaimRegistries(engineID string, deadEngines []string) ([]*types.HealthRegistry, error)

	// Events
	AddEvent(event *types.Event, maxPerCluster int) error
	ListEventsByCluster(clusterID string, limit int) ([]*types.Event, error)
	// PruneEvents drops every event of one cluster
	PruneEvents(clusterID string) error
	// PurgeEvents bulk-deletes events of a project older than age,
	// batchSize rows per transaction; returns rows deleted
	PurgeEvents(project string, age time.Duration, batchSize int) (int, error)

	// Utility
	Close() error
}
