package storage

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/corral/pkg/types"
)

// Cluster lock primitives. Each call is one atomic transaction; callers
// learn the outcome from the returned holder set, not an error. Retry and
// backoff live in pkg/lock.

// AcquireClusterLock inserts the action into the holder set when the
// requested scope is compatible and returns the resulting holders. When the
// lock is incompatible the existing holder set comes back unchanged, with
// the action absent. A shared holder asking for EXCLUSIVE upgrades the lock
// in place when it is the sole holder; with co-holders present the returned
// set omits the requester.
func (s *BoltStore) AcquireClusterLock(clusterID, actionID string, scope types.LockScope) ([]string, error) {
	var holders []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusterLocks)
		data := b.Get([]byte(clusterID))
		if data == nil {
			lock := types.ClusterLock{
				ClusterID: clusterID,
				ActionIDs: []string{actionID},
				Scope:     scope,
			}
			holders = lock.ActionIDs
			return putJSON(b, clusterID, &lock)
		}

		var lock types.ClusterLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		for _, id := range lock.ActionIDs {
			if id == actionID {
				if scope == types.LockExclusive && lock.Scope == types.LockShared {
					if len(lock.ActionIDs) == 1 {
						// Sole shared holder upgrades in place
						lock.Scope = types.LockExclusive
						holders = lock.ActionIDs
						return putJSON(b, clusterID, &lock)
					}
					// Other shared holders block the upgrade; report them
					// so the caller sees it was not admitted
					others := make([]string, 0, len(lock.ActionIDs)-1)
					for _, h := range lock.ActionIDs {
						if h != actionID {
							others = append(others, h)
						}
					}
					holders = others
					return nil
				}
				// Same scope, or a shared request under an exclusive hold
				holders = lock.ActionIDs
				return nil
			}
		}
		if scope == types.LockShared && lock.Scope == types.LockShared {
			lock.ActionIDs = append(lock.ActionIDs, actionID)
			holders = lock.ActionIDs
			return putJSON(b, clusterID, &lock)
		}
		// Incompatible; report current holders so the caller can see it
		// was not admitted
		holders = lock.ActionIDs
		return nil
	})
	return holders, err
}

// ReleaseClusterLock removes the action from the holder set, deleting the
// row when it empties. Returns true iff the action was a holder.
func (s *BoltStore) ReleaseClusterLock(clusterID, actionID string) (bool, error) {
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusterLocks)
		data := b.Get([]byte(clusterID))
		if data == nil {
			return nil
		}
		var lock types.ClusterLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		remaining := make([]string, 0, len(lock.ActionIDs))
		for _, id := range lock.ActionIDs {
			if id == actionID {
				released = true
				continue
			}
			remaining = append(remaining, id)
		}
		if !released {
			return nil
		}
		if len(remaining) == 0 {
			return b.Delete([]byte(clusterID))
		}
		lock.ActionIDs = remaining
		return putJSON(b, clusterID, &lock)
	})
	return released, err
}

// StealClusterLock unconditionally replaces the holder set. Used only by
// admin/forced operations; the stolen-from actions detect the loss at their
// next lock-aware checkpoint.
func (s *BoltStore) StealClusterLock(clusterID, newActionID string) ([]string, error) {
	holders := []string{newActionID}
	err := s.db.Update(func(tx *bolt.Tx) error {
		lock := types.ClusterLock{
			ClusterID: clusterID,
			ActionIDs: holders,
			Scope:     types.LockExclusive,
		}
		return putJSON(tx.Bucket(bucketClusterLocks), clusterID, &lock)
	})
	return holders, err
}

// GetClusterLock returns the current lock row, or ErrNotFound when the
// cluster is unlocked
func (s *BoltStore) GetClusterLock(clusterID string) (*types.ClusterLock, error) {
	var lock types.ClusterLock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusterLocks).Get([]byte(clusterID))
		if data == nil {
			return types.NotFound("cluster lock", clusterID)
		}
		return json.Unmarshal(data, &lock)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// Node lock primitives. Always exclusive.

// AcquireNodeLock is a CAS-style insert: it returns the current holder id,
// which equals actionID iff the caller just acquired the lock.
func (s *BoltStore) AcquireNodeLock(nodeID, actionID string) (string, error) {
	var holder string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeLocks)
		data := b.Get([]byte(nodeID))
		if data != nil {
			var lock types.NodeLock
			if err := json.Unmarshal(data, &lock); err != nil {
				return err
			}
			holder = lock.ActionID
			return nil
		}
		holder = actionID
		return putJSON(b, nodeID, &types.NodeLock{NodeID: nodeID, ActionID: actionID})
	})
	return holder, err
}

// ReleaseNodeLock deletes the lock iff the holder matches
func (s *BoltStore) ReleaseNodeLock(nodeID, actionID string) (bool, error) {
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeLocks)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return nil
		}
		var lock types.NodeLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		if lock.ActionID != actionID {
			return nil
		}
		released = true
		return b.Delete([]byte(nodeID))
	})
	return released, err
}

// StealNodeLock unconditionally replaces the holder
func (s *BoltStore) StealNodeLock(nodeID, newActionID string) (string, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodeLocks), nodeID,
			&types.NodeLock{NodeID: nodeID, ActionID: newActionID})
	})
	return newActionID, err
}

// GetNodeLock returns the current lock row, or ErrNotFound when unlocked
func (s *BoltStore) GetNodeLock(nodeID string) (*types.NodeLock, error) {
	var lock types.NodeLock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodeLocks).Get([]byte(nodeID))
		if data == nil {
			return types.NotFound("node lock", nodeID)
		}
		return json.Unmarshal(data, &lock)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
