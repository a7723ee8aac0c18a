package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/cuemby/corral/pkg/dag"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Manager wraps the store's lock primitives with retry, ownership checks
// and dead-engine garbage collection. First writer wins at the transaction
// layer; contenders retry with a fixed interval and then fail with
// ErrLockContention.
type Manager struct {
	store         storage.Store
	retryTimes    int
	retryInterval time.Duration
}

// NewManager creates a lock manager. retryTimes is the number of retries
// after the first attempt; retryInterval spaces them.
func NewManager(store storage.Store, retryTimes int, retryInterval time.Duration) *Manager {
	return &Manager{
		store:         store,
		retryTimes:    retryTimes,
		retryInterval: retryInterval,
	}
}

func (m *Manager) retry(fn func() error) error {
	err := retry.Do(fn,
		retry.Attempts(uint(m.retryTimes)+1),
		retry.Delay(m.retryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			metrics.LockRetries.Inc()
		}),
	)
	if errors.Is(err, types.ErrLockContention) {
		metrics.LockContention.Inc()
	}
	return err
}

// LockCluster acquires a cluster lock for the action, retrying on
// contention
func (m *Manager) LockCluster(clusterID, actionID string, scope types.LockScope) error {
	err := m.retry(func() error {
		holders, err := m.store.AcquireClusterLock(clusterID, actionID, scope)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		for _, id := range holders {
			if id == actionID {
				return nil
			}
		}
		return fmt.Errorf("%w: cluster %q is locked by %v", types.ErrLockContention, clusterID, holders)
	})
	return err
}

// UnlockCluster releases the action's hold; releasing a non-holder is a
// no-op that returns false
func (m *Manager) UnlockCluster(clusterID, actionID string) (bool, error) {
	return m.store.ReleaseClusterLock(clusterID, actionID)
}

// StealCluster force-replaces all holders with the given action and an
// exclusive scope. Stolen-from actions stay RUNNING and fail at their next
// lock-aware checkpoint.
func (m *Manager) StealCluster(clusterID, newActionID string) ([]string, error) {
	return m.store.StealClusterLock(clusterID, newActionID)
}

// LockNode acquires the exclusive node lock for the action, retrying on
// contention
func (m *Manager) LockNode(nodeID, actionID string) error {
	return m.retry(func() error {
		holder, err := m.store.AcquireNodeLock(nodeID, actionID)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if holder == actionID {
			return nil
		}
		return fmt.Errorf("%w: node %q is locked by %q", types.ErrLockContention, nodeID, holder)
	})
}

// UnlockNode releases the node lock iff the action holds it
func (m *Manager) UnlockNode(nodeID, actionID string) (bool, error) {
	return m.store.ReleaseNodeLock(nodeID, actionID)
}

// StealNode force-replaces the node lock holder
func (m *Manager) StealNode(nodeID, newActionID string) (string, error) {
	return m.store.StealNodeLock(nodeID, newActionID)
}

// HoldsCluster reports whether the action currently holds the cluster
// lock. Executors call this at lock-aware checkpoints to detect steals.
func (m *Manager) HoldsCluster(clusterID, actionID string) bool {
	lock, err := m.store.GetClusterLock(clusterID)
	if err != nil {
		return false
	}
	for _, id := range lock.ActionIDs {
		if id == actionID {
			return true
		}
	}
	return false
}

// HoldsNode reports whether the action currently holds the node lock
func (m *Manager) HoldsNode(nodeID, actionID string) bool {
	lock, err := m.store.GetNodeLock(nodeID)
	if err != nil {
		return false
	}
	return lock.ActionID == actionID
}

// GCByEngine fails every non-terminal action owned by a dead engine with
// reason "Engine failure", cascades the failure through the dependency
// graph and releases the locks those actions held. The whole sweep for one
// engine is a single transaction and is idempotent.
func (m *Manager) GCByEngine(engineID string, ts time.Time) error {
	logger := log.WithComponent("lock-gc")
	return m.store.Txn(func(txn storage.ActionTxn) error {
		actions, err := txn.ListActionsByOwner(engineID)
		if err != nil {
			return err
		}
		for _, action := range actions {
			if action.Status.Terminal() {
				continue
			}
			logger.Warn().
				Str("action_id", action.ID).
				Str("engine_id", engineID).
				Msg("failing action owned by dead engine")
			if err := dag.MarkFailedTxn(txn, action.ID, ts, "Engine failure"); err != nil {
				return err
			}
			if err := txn.ReleaseLocksHeldBy(action.ID); err != nil {
				return err
			}
			// Children the dead action spawned but no engine has claimed
			// yet would otherwise run with no parent left to collect them
			children, err := txn.ListActionsByParent(action.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				if child.Status.Terminal() || child.Owner != "" {
					continue
				}
				logger.Warn().
					Str("action_id", child.ID).
					Str("parent_id", action.ID).
					Msg("failing unclaimed child of dead action")
				if err := dag.MarkFailedTxn(txn, child.ID, ts, "Engine failure"); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
