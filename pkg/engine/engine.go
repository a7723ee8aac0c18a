package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/corral/pkg/driver"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/lock"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Engine executes one action at a time through its state machine: acquire
// locks, run policy pre-op hooks, execute the kind-specific body, run
// post-op hooks, release locks. Control signals (cancel, suspend) are
// observed at checkpoints between sub-steps; lock-aware checkpoints also
// detect stolen locks.
type Engine struct {
	store          storage.Store
	locks          *lock.Manager
	drivers        *driver.Registry
	checker        *policy.Checker
	sink           events.Sink
	defaultTimeout time.Duration
	pollInterval   time.Duration
	notify         func()
	logger         zerolog.Logger
}

// New creates an engine. defaultTimeout bounds actions that carry none of
// their own.
func New(store storage.Store, locks *lock.Manager, drivers *driver.Registry,
	checker *policy.Checker, sink events.Sink, defaultTimeout time.Duration) *Engine {

	return &Engine{
		store:          store,
		locks:          locks,
		drivers:        drivers,
		checker:        checker,
		sink:           sink,
		defaultTimeout: defaultTimeout,
		pollInterval:   100 * time.Millisecond,
		logger:         log.WithComponent("engine"),
	}
}

// SetNotifier installs a callback fired when the engine creates READY
// child actions, so idle workers wake up without waiting for a poll tick
func (e *Engine) SetNotifier(fn func()) {
	e.notify = fn
}

func (e *Engine) notifyWorkers() {
	if e.notify != nil {
		e.notify()
	}
}

// Execute runs the action body and reports the terminal status with its
// reason. The caller records the result through the dependency graph.
func (e *Engine) Execute(action *types.Action) (types.ActionStatus, string) {
	var err error
	if action.Action.IsClusterKind() {
		err = e.executeCluster(action)
	} else {
		err = e.executeNode(action)
	}

	switch {
	case err == nil:
		return types.ActionStatusSucceeded, "action completed"
	case errors.Is(err, types.ErrActionCancelled):
		return types.ActionStatusCancelled, "action cancelled"
	default:
		return types.ActionStatusFailed, err.Error()
	}
}

// actionTimeout resolves the deadline source for driver waits
func (e *Engine) actionTimeout(action *types.Action) time.Duration {
	if action.Timeout > 0 {
		return time.Duration(action.Timeout) * time.Second
	}
	return e.defaultTimeout
}

// actionContext builds the caller identity the drivers and policies see
func actionContext(action *types.Action) types.Context {
	return types.Context{
		Project:   action.Project,
		User:      action.User,
		RequestID: action.ID,
	}
}

// checkpoint observes pending control signals. Cancel aborts; suspend
// parks the action until a resume or cancel arrives.
func (e *Engine) checkpoint(action *types.Action) error {
	for {
		fresh, err := e.store.GetAction(types.AdminContext(), action.ID)
		if err != nil {
			return err
		}
		switch fresh.Control {
		case types.ControlCancel:
			return types.ErrActionCancelled
		case types.ControlSuspend:
			if fresh.Status != types.ActionStatusSuspended {
				fresh.Status = types.ActionStatusSuspended
				fresh.StatusReason = "suspended by control signal"
				if err := e.store.UpdateAction(fresh); err != nil {
					return err
				}
			}
			time.Sleep(e.pollInterval)
			continue
		case types.ControlResume:
			fresh.Status = types.ActionStatusRunning
			fresh.StatusReason = "resumed"
			fresh.Control = types.ControlNone
			if err := e.store.UpdateAction(fresh); err != nil {
				return err
			}
			action.Status = types.ActionStatusRunning
			return nil
		default:
			return nil
		}
	}
}

// saveActionState persists the outputs and data the body wrote without
// clobbering fields written concurrently through the store, such as a
// Control signal raised between the last checkpoint and this write
func (e *Engine) saveActionState(action *types.Action) error {
	return e.store.Txn(func(txn storage.ActionTxn) error {
		fresh, err := txn.GetAction(action.ID)
		if err != nil {
			return err
		}
		fresh.Outputs = action.Outputs
		fresh.Data = action.Data
		fresh.UpdatedAt = time.Now()
		return txn.PutAction(fresh)
	})
}

// clusterCheckpoint is a lock-aware checkpoint: a stolen cluster lock
// fails the action with a "lock lost" reason
func (e *Engine) clusterCheckpoint(action *types.Action, clusterID string) error {
	if err := e.checkpoint(action); err != nil {
		return err
	}
	if !e.locks.HoldsCluster(clusterID, action.ID) {
		return fmt.Errorf("%w: cluster lock on %q was stolen", types.ErrLockLost, clusterID)
	}
	return nil
}

// nodeCheckpoint is the node-lock flavour of clusterCheckpoint
func (e *Engine) nodeCheckpoint(action *types.Action, nodeID string) error {
	if err := e.checkpoint(action); err != nil {
		return err
	}
	if !e.locks.HoldsNode(nodeID, action.ID) {
		return fmt.Errorf("%w: node lock on %q was stolen", types.ErrLockLost, nodeID)
	}
	return nil
}

// pause sleeps between batches, staying responsive to cancel signals
func (e *Engine) pause(action *types.Action, seconds int) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for time.Now().Before(deadline) {
		if err := e.checkpoint(action); err != nil {
			return err
		}
		time.Sleep(e.pollInterval)
	}
	return nil
}

// newChildAction builds a READY child carrying the parent's identity and
// timeout
func newChildAction(parent *types.Action, kind types.ActionKind, target, name string,
	inputs map[string]interface{}) *types.Action {

	now := time.Now()
	return &types.Action{
		ID:           uuid.New().String(),
		Name:         name,
		Target:       target,
		Action:       kind,
		Cause:        "derived from " + string(parent.Action),
		Parent:       parent.ID,
		User:         parent.User,
		Project:      parent.Project,
		Interval:     -1,
		Timeout:      parent.Timeout,
		Status:       types.ActionStatusReady,
		StatusReason: "ready for execution",
		Inputs:       inputs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// childResult summarizes one finished child
type childResult struct {
	ID     string
	Status types.ActionStatus
	Reason string
}

// waitForChildren blocks until every child reaches a terminal status,
// observing the parent's control signals and deadline. When the parent is
// cancelled, pending children are signalled to cancel as well.
func (e *Engine) waitForChildren(parent *types.Action, childIDs []string) ([]childResult, error) {
	if len(childIDs) == 0 {
		return nil, nil
	}
	deadline := time.Now().Add(e.actionTimeout(parent))

	for {
		if err := e.checkpoint(parent); err != nil {
			if errors.Is(err, types.ErrActionCancelled) {
				e.cancelChildren(childIDs)
			}
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: children of action %q not finished after %s",
				types.ErrTimeout, parent.ID, e.actionTimeout(parent))
		}

		results := make([]childResult, 0, len(childIDs))
		done := true
		for _, id := range childIDs {
			child, err := e.store.GetAction(types.AdminContext(), id)
			if err != nil {
				return nil, err
			}
			if !child.Status.Terminal() {
				done = false
				break
			}
			results = append(results, childResult{
				ID:     child.ID,
				Status: child.Status,
				Reason: child.StatusReason,
			})
		}
		if done {
			return results, nil
		}
		time.Sleep(e.pollInterval)
	}
}

func (e *Engine) cancelChildren(childIDs []string) {
	for _, id := range childIDs {
		child, err := e.store.GetAction(types.AdminContext(), id)
		if err != nil || child.Status.Terminal() {
			continue
		}
		if err := e.store.SignalAction(id, types.ControlCancel); err != nil {
			e.logger.Error().Err(err).Str("action_id", id).Msg("failed to cancel child")
		}
	}
}

func succeeded(results []childResult) int {
	n := 0
	for _, r := range results {
		if r.Status == types.ActionStatusSucceeded {
			n++
		}
	}
	return n
}

// recordChildren writes a per-child summary into the parent's outputs
func recordChildren(parent *types.Action, results []childResult) {
	if parent.Outputs == nil {
		parent.Outputs = make(map[string]interface{})
	}
	summary := make(map[string]interface{}, len(results))
	for _, r := range results {
		summary[r.ID] = string(r.Status)
	}
	parent.Outputs["children"] = summary
}

// emit sends one event for a status transition
func (e *Engine) emit(action *types.Action, oid, otype, oname, clusterID, status, reason string) {
	if e.sink == nil {
		return
	}
	level := "INFO"
	if status == string(types.ClusterStatusError) || status == string(types.NodeStatusError) {
		level = "ERROR"
	} else if status == string(types.ClusterStatusWarning) {
		level = "WARNING"
	}
	e.sink.Emit(&types.Event{
		Timestamp:    time.Now(),
		Level:        level,
		Project:      action.Project,
		OID:          oid,
		OType:        otype,
		OName:        oname,
		ClusterID:    clusterID,
		Action:       string(action.Action),
		Status:       status,
		StatusReason: reason,
	})
}

// setClusterStatus persists a cluster status transition and emits its event
func (e *Engine) setClusterStatus(action *types.Action, cluster *types.Cluster,
	status types.ClusterStatus, reason string) error {

	cluster.Status = status
	cluster.StatusReason = reason
	cluster.UpdatedAt = time.Now()
	if err := e.store.UpdateCluster(cluster); err != nil {
		return err
	}
	e.emit(action, cluster.ID, "CLUSTER", cluster.Name, cluster.ID, string(status), reason)
	return nil
}

// setNodeStatus persists a node status transition and emits its event
func (e *Engine) setNodeStatus(action *types.Action, node *types.Node,
	status types.NodeStatus, reason string) error {

	node.Status = status
	node.StatusReason = reason
	node.UpdatedAt = time.Now()
	if err := e.store.UpdateNode(node); err != nil {
		return err
	}
	e.emit(action, node.ID, "NODE", node.Name, node.ClusterID, string(status), reason)
	return nil
}

// policyPreOp runs the BEFORE hooks and persists the action data they
// wrote; a veto aborts the body
func (e *Engine) policyPreOp(clusterID string, action *types.Action) error {
	if e.checker == nil {
		return nil
	}
	if err := e.checker.PreOp(clusterID, action); err != nil {
		return err
	}
	if err := e.saveActionState(action); err != nil {
		return err
	}
	if vetoed, reason := policy.Vetoed(action); vetoed {
		return fmt.Errorf("policy check failed: %s", reason)
	}
	return nil
}

// policyPostOp runs the AFTER hooks; post-op vetoes only mark the record,
// the body already ran
func (e *Engine) policyPostOp(clusterID string, action *types.Action) error {
	if e.checker == nil {
		return nil
	}
	if err := e.checker.PostOp(clusterID, action); err != nil {
		return err
	}
	return e.saveActionState(action)
}
