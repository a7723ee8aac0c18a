package dag

import (
	"time"

	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

const (
	reasonWaiting   = "waiting on dependency"
	reasonSatisfied = "dependencies satisfied"
	reasonDepFailed = "dependency failed"
	reasonDepCancel = "dependency cancelled"
)

// Graph maintains the depends_on/depended_by sets of action rows. Every
// mutator runs inside one storage transaction so edge updates and status
// transitions commit together.
type Graph struct {
	store storage.Store
}

// New creates a Graph over the given store
func New(store storage.Store) *Graph {
	return &Graph{store: store}
}

// validShape enforces the fan shapes: many parents with one child, or one
// parent with many children, never list-to-list
func validShape(parents, children []string) error {
	if len(parents) == 0 || len(children) == 0 {
		return types.InvalidParameter("dependency needs at least one parent and one child")
	}
	if len(parents) > 1 && len(children) > 1 {
		return types.InvalidParameter("dependency cannot relate a list of parents to a list of children")
	}
	return nil
}

// AddDependency inserts edges from each parent to each child and moves the
// children to WAITING
func (g *Graph) AddDependency(parents, children []string) error {
	if err := validShape(parents, children); err != nil {
		return err
	}
	return g.store.Txn(func(txn storage.ActionTxn) error {
		return AddDependencyTxn(txn, parents, children)
	})
}

// AddDependencyTxn is AddDependency within an open transaction
func AddDependencyTxn(txn storage.ActionTxn, parents, children []string) error {
	if err := validShape(parents, children); err != nil {
		return err
	}
	for _, pid := range parents {
		parent, err := txn.GetAction(pid)
		if err != nil {
			return err
		}
		for _, cid := range children {
			parent.AddDependedBy(cid)
		}
		if err := txn.PutAction(parent); err != nil {
			return err
		}
	}
	for _, cid := range children {
		child, err := txn.GetAction(cid)
		if err != nil {
			return err
		}
		for _, pid := range parents {
			child.AddDependsOn(pid)
		}
		child.Status = types.ActionStatusWaiting
		child.StatusReason = reasonWaiting
		if err := txn.PutAction(child); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDependency removes edges; a child whose depends_on set empties
// transitions to READY. Removing an absent edge is a no-op.
func (g *Graph) RemoveDependency(parents, children []string) error {
	if err := validShape(parents, children); err != nil {
		return err
	}
	return g.store.Txn(func(txn storage.ActionTxn) error {
		for _, pid := range parents {
			for _, cid := range children {
				if err := removeEdge(txn, pid, cid); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// removeEdge drops one parent->child edge and promotes the child when its
// last dependency is gone
func removeEdge(txn storage.ActionTxn, parentID, childID string) error {
	parent, err := txn.GetAction(parentID)
	if err != nil {
		return err
	}
	parent.RemoveDependedBy(childID)
	if err := txn.PutAction(parent); err != nil {
		return err
	}

	child, err := txn.GetAction(childID)
	if err != nil {
		return err
	}
	child.RemoveDependsOn(parentID)
	if len(child.DependsOn) == 0 && child.Status == types.ActionStatusWaiting {
		child.Status = types.ActionStatusReady
		child.StatusReason = reasonSatisfied
	}
	return txn.PutAction(child)
}

// MarkSucceeded finalizes an action and releases its dependents; a child
// becomes READY in the same transaction that removes its last dependency
func (g *Graph) MarkSucceeded(id string, ts time.Time) error {
	return g.store.Txn(func(txn storage.ActionTxn) error {
		return MarkSucceededTxn(txn, id, ts)
	})
}

// MarkSucceededTxn is MarkSucceeded within an open transaction
func MarkSucceededTxn(txn storage.ActionTxn, id string, ts time.Time) error {
	action, err := txn.GetAction(id)
	if err != nil {
		return err
	}
	action.Status = types.ActionStatusSucceeded
	action.StatusReason = "action completed"
	action.EndTime = ts
	action.UpdatedAt = ts
	if err := txn.PutAction(action); err != nil {
		return err
	}
	for _, cid := range action.DependedBy {
		if err := removeEdge(txn, id, cid); err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed finalizes an action as FAILED and aborts its entire downstream
// closure with the same timestamp
func (g *Graph) MarkFailed(id string, ts time.Time, reason string) error {
	return g.store.Txn(func(txn storage.ActionTxn) error {
		return MarkFailedTxn(txn, id, ts, reason)
	})
}

// MarkFailedTxn is MarkFailed within an open transaction
func MarkFailedTxn(txn storage.ActionTxn, id string, ts time.Time, reason string) error {
	return propagate(txn, id, ts, reason, types.ActionStatusFailed, reasonDepFailed)
}

// MarkCancelled finalizes an action as CANCELLED, aborting downstream like
// a failure
func (g *Graph) MarkCancelled(id string, ts time.Time, reason string) error {
	return g.store.Txn(func(txn storage.ActionTxn) error {
		return MarkCancelledTxn(txn, id, ts, reason)
	})
}

// MarkCancelledTxn is MarkCancelled within an open transaction
func MarkCancelledTxn(txn storage.ActionTxn, id string, ts time.Time, reason string) error {
	return propagate(txn, id, ts, reason, types.ActionStatusCancelled, reasonDepCancel)
}

// propagate walks the depended_by closure with an explicit queue; deep DAGs
// must not recurse
func propagate(txn storage.ActionTxn, rootID string, ts time.Time, rootReason string,
	status types.ActionStatus, childReason string) error {

	root, err := txn.GetAction(rootID)
	if err != nil {
		return err
	}
	root.Status = status
	root.StatusReason = rootReason
	root.EndTime = ts
	root.UpdatedAt = ts
	if err := txn.PutAction(root); err != nil {
		return err
	}

	queue := append([]string(nil), root.DependedBy...)
	seen := map[string]bool{rootID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		action, err := txn.GetAction(id)
		if err != nil {
			return err
		}
		if action.Status.Terminal() {
			continue
		}
		action.Status = status
		action.StatusReason = childReason
		action.EndTime = ts
		action.UpdatedAt = ts
		if err := txn.PutAction(action); err != nil {
			return err
		}
		queue = append(queue, action.DependedBy...)
	}
	return nil
}
