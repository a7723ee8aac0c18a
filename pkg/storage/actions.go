package storage

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/corral/pkg/types"
)

// Action operations

func (s *BoltStore) CreateAction(action *types.Action) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketActions), action.ID, action)
	})
}

func (s *BoltStore) GetAction(ctx types.Context, id string) (*types.Action, error) {
	var action types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketActions).Get([]byte(id))
		if data == nil {
			return types.NotFound("action", id)
		}
		return json.Unmarshal(data, &action)
	})
	if err != nil {
		return nil, err
	}
	if !visible(ctx, action.Project) {
		return nil, types.NotFound("action", id)
	}
	return &action, nil
}

func (s *BoltStore) ListActions(ctx types.Context, f ActionFilter, q Query) ([]*types.Action, error) {
	var actions []*types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).ForEach(func(k, v []byte) error {
			var action types.Action
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			if !visible(ctx, action.Project) {
				return nil
			}
			if f.Target != "" && action.Target != f.Target {
				return nil
			}
			if f.Owner != "" && action.Owner != f.Owner {
				return nil
			}
			if f.Status != "" && action.Status != f.Status {
				return nil
			}
			actions = append(actions, &action)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(actions, q, actionID, actionField)
}

func (s *BoltStore) UpdateAction(action *types.Action) error {
	action.UpdatedAt = time.Now()
	return s.CreateAction(action)
}

func (s *BoltStore) DeleteAction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).Delete([]byte(id))
	})
}

// ClaimReadyAction selects one READY action and CAS-transitions it to
// RUNNING with this engine as owner. The whole claim is one write
// transaction, so exactly one engine wins each action.
func (s *BoltStore) ClaimReadyAction(engineID string, ts time.Time) (*types.Action, error) {
	var claimed *types.Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		err := b.ForEach(func(k, v []byte) error {
			if claimed != nil {
				return nil
			}
			var action types.Action
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			if action.Status == types.ActionStatusReady {
				claimed = &action
			}
			return nil
		})
		if err != nil || claimed == nil {
			return err
		}
		claimed.Status = types.ActionStatusRunning
		claimed.Owner = engineID
		claimed.StartTime = ts
		claimed.UpdatedAt = ts
		return putJSON(b, claimed.ID, claimed)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// SignalAction writes a control signal observed by the executor at its next
// checkpoint
func (s *BoltStore) SignalAction(id string, control types.ActionControl) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NotFound("action", id)
		}
		var action types.Action
		if err := json.Unmarshal(data, &action); err != nil {
			return err
		}
		action.Control = control
		action.UpdatedAt = time.Now()
		return putJSON(b, id, &action)
	})
}

// boltTxn implements ActionTxn over one open bbolt write transaction
type boltTxn struct {
	tx *bolt.Tx
}

func (t *boltTxn) GetAction(id string) (*types.Action, error) {
	data := t.tx.Bucket(bucketActions).Get([]byte(id))
	if data == nil {
		return nil, types.NotFound("action", id)
	}
	var action types.Action
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func (t *boltTxn) PutAction(action *types.Action) error {
	return putJSON(t.tx.Bucket(bucketActions), action.ID, action)
}

func (t *boltTxn) ListActionsByOwner(engineID string) ([]*types.Action, error) {
	var actions []*types.Action
	err := t.tx.Bucket(bucketActions).ForEach(func(k, v []byte) error {
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}
		if action.Owner == engineID {
			actions = append(actions, &action)
		}
		return nil
	})
	return actions, err
}

func (t *boltTxn) ListActionsByParent(parentID string) ([]*types.Action, error) {
	var actions []*types.Action
	err := t.tx.Bucket(bucketActions).ForEach(func(k, v []byte) error {
		var action types.Action
		if err := json.Unmarshal(v, &action); err != nil {
			return err
		}
		if action.Parent == parentID {
			actions = append(actions, &action)
		}
		return nil
	})
	return actions, err
}

func (t *boltTxn) ReleaseLocksHeldBy(actionID string) error {
	cb := t.tx.Bucket(bucketClusterLocks)
	var updates []*types.ClusterLock
	var drops [][]byte
	err := cb.ForEach(func(k, v []byte) error {
		var lock types.ClusterLock
		if err := json.Unmarshal(v, &lock); err != nil {
			return err
		}
		held := false
		for _, id := range lock.ActionIDs {
			if id == actionID {
				held = true
			}
		}
		if !held {
			return nil
		}
		remaining := lock.ActionIDs[:0]
		for _, id := range lock.ActionIDs {
			if id != actionID {
				remaining = append(remaining, id)
			}
		}
		lock.ActionIDs = remaining
		if len(lock.ActionIDs) == 0 {
			key := make([]byte, len(k))
			copy(key, k)
			drops = append(drops, key)
		} else {
			updates = append(updates, &lock)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, lock := range updates {
		if err := putJSON(cb, lock.ClusterID, lock); err != nil {
			return err
		}
	}
	for _, key := range drops {
		if err := cb.Delete(key); err != nil {
			return err
		}
	}

	nb := t.tx.Bucket(bucketNodeLocks)
	var nodeDrops [][]byte
	err = nb.ForEach(func(k, v []byte) error {
		var lock types.NodeLock
		if err := json.Unmarshal(v, &lock); err != nil {
			return err
		}
		if lock.ActionID == actionID {
			key := make([]byte, len(k))
			copy(key, k)
			nodeDrops = append(nodeDrops, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range nodeDrops {
		if err := nb.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Txn runs fn inside one read-write transaction
func (s *BoltStore) Txn(fn func(txn ActionTxn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}
