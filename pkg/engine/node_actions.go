package engine

import (
	"fmt"
	"time"

	"github.com/cuemby/corral/pkg/driver"
	"github.com/cuemby/corral/pkg/types"
)

// executeNode runs the outer skeleton for node-targeted kinds: node lock,
// policy hooks when the node belongs to a cluster, body, unlock.
func (e *Engine) executeNode(action *types.Action) error {
	if err := e.checkpoint(action); err != nil {
		return err
	}

	node, err := e.store.GetNode(types.AdminContext(), action.Target)
	if err != nil {
		return err
	}

	if err := e.locks.LockNode(node.ID, action.ID); err != nil {
		return err
	}
	defer e.locks.UnlockNode(node.ID, action.ID)

	if node.ClusterID != "" {
		if err := e.policyPreOp(node.ClusterID, action); err != nil {
			return err
		}
	}

	if err := e.runNodeBody(action, node); err != nil {
		return err
	}

	if node.ClusterID != "" {
		if err := e.policyPostOp(node.ClusterID, action); err != nil {
			return err
		}
	}
	return e.saveActionState(action)
}

func (e *Engine) runNodeBody(action *types.Action, node *types.Node) error {
	switch action.Action {
	case types.ActionNodeCreate:
		return e.nodeCreate(action, node)
	case types.ActionNodeDelete:
		return e.nodeDelete(action, node)
	case types.ActionNodeUpdate:
		return e.nodeUpdate(action, node)
	case types.ActionNodeCheck:
		return e.nodeCheck(action, node)
	case types.ActionNodeRecover:
		return e.nodeRecover(action, node)
	case types.ActionNodeOperation:
		return e.nodeOperation(action, node)
	default:
		return types.InvalidParameter("unsupported action kind %q", action.Action)
	}
}

// nodeDriver resolves the driver for the node's profile
func (e *Engine) nodeDriver(node *types.Node) (driver.ResourceDriver, *types.Profile, error) {
	profile, err := e.store.GetProfile(types.AdminContext(), node.ProfileID)
	if err != nil {
		return nil, nil, err
	}
	d, err := e.drivers.Get(profile.Type)
	if err != nil {
		return nil, nil, err
	}
	return d, profile, nil
}

func (e *Engine) nodeCreate(action *types.Action, node *types.Node) error {
	d, profile, err := e.nodeDriver(node)
	if err != nil {
		return err
	}
	if err := e.nodeCheckpoint(action, node.ID); err != nil {
		return err
	}
	if err := e.setNodeStatus(action, node, types.NodeStatusCreating, "Creation in progress"); err != nil {
		return err
	}

	physicalID, err := d.Create(actionContext(action), node, profile, e.actionTimeout(action))
	if err != nil {
		reason := fmt.Sprintf("Failed to create node: %v", err)
		if serr := e.setNodeStatus(action, node, types.NodeStatusError, reason); serr != nil {
			return serr
		}
		return err
	}

	node.PhysicalID = physicalID
	return e.setNodeStatus(action, node, types.NodeStatusActive, "Creation succeeded")
}

func (e *Engine) nodeDelete(action *types.Action, node *types.Node) error {
	d, _, err := e.nodeDriver(node)
	if err != nil {
		return err
	}
	if err := e.nodeCheckpoint(action, node.ID); err != nil {
		return err
	}
	if err := e.setNodeStatus(action, node, types.NodeStatusDeleting, "Deletion in progress"); err != nil {
		return err
	}

	if node.PhysicalID != "" {
		if err := d.Delete(actionContext(action), node, e.actionTimeout(action)); err != nil {
			reason := fmt.Sprintf("Failed to delete node: %v", err)
			if serr := e.setNodeStatus(action, node, types.NodeStatusError, reason); serr != nil {
				return serr
			}
			return err
		}
	}
	return e.store.SoftDeleteNode(node.ID, time.Now())
}

func (e *Engine) nodeUpdate(action *types.Action, node *types.Node) error {
	newProfileID, _ := action.Inputs["new_profile_id"].(string)
	if newProfileID == "" {
		return types.InvalidParameter("new_profile_id is required")
	}
	if newProfileID == node.ProfileID {
		return nil
	}

	d, _, err := e.nodeDriver(node)
	if err != nil {
		return err
	}
	newProfile, err := e.store.GetProfile(types.AdminContext(), newProfileID)
	if err != nil {
		return err
	}
	if err := e.nodeCheckpoint(action, node.ID); err != nil {
		return err
	}
	if err := e.setNodeStatus(action, node, types.NodeStatusUpdating, "Update in progress"); err != nil {
		return err
	}

	if err := d.Update(actionContext(action), node, newProfile, e.actionTimeout(action)); err != nil {
		reason := fmt.Sprintf("Failed to update node: %v", err)
		if serr := e.setNodeStatus(action, node, types.NodeStatusError, reason); serr != nil {
			return serr
		}
		return err
	}

	node.ProfileID = newProfileID
	return e.setNodeStatus(action, node, types.NodeStatusActive, "Update succeeded")
}

func (e *Engine) nodeCheck(action *types.Action, node *types.Node) error {
	d, _, err := e.nodeDriver(node)
	if err != nil {
		return err
	}
	if err := e.nodeCheckpoint(action, node.ID); err != nil {
		return err
	}

	healthy, err := d.Check(actionContext(action), node)
	if err != nil {
		reason := fmt.Sprintf("Health check error: %v", err)
		if serr := e.setNodeStatus(action, node, types.NodeStatusError, reason); serr != nil {
			return serr
		}
		return err
	}
	if !healthy {
		// An unhealthy node is a finding, not a failed check
		return e.setNodeStatus(action, node, types.NodeStatusError, "Health check failed")
	}
	if node.Status != types.NodeStatusActive {
		return e.setNodeStatus(action, node, types.NodeStatusActive, "Health check passed")
	}
	return nil
}

func (e *Engine) nodeRecover(action *types.Action, node *types.Node) error {
	d, _, err := e.nodeDriver(node)
	if err != nil {
		return err
	}

	op := driver.RecoverRebuild
	if v, ok := action.Inputs["operation"].(string); ok && v != "" {
		op = driver.RecoverOperation(v)
	}
	// A recovery policy may override the operation via action data
	if raw, ok := action.Data["recover"].(map[string]interface{}); ok {
		if v, ok := raw["operation"].(string); ok && v != "" {
			op = driver.RecoverOperation(v)
		}
	}
	switch op {
	case driver.RecoverRebuild, driver.RecoverRecreate, driver.RecoverEvacuate:
	default:
		return types.InvalidParameter("unknown recovery operation %q", op)
	}

	var params map[string]interface{}
	if v, ok := action.Inputs["params"].(map[string]interface{}); ok {
		params = v
	}

	if err := e.nodeCheckpoint(action, node.ID); err != nil {
		return err
	}
	if err := e.setNodeStatus(action, node, types.NodeStatusRecovering, "Recovery in progress"); err != nil {
		return err
	}

	physicalID, err := d.Recover(actionContext(action), node, op, params, e.actionTimeout(action))
	if err != nil {
		reason := fmt.Sprintf("Failed to recover node: %v", err)
		if serr := e.setNodeStatus(action, node, types.NodeStatusError, reason); serr != nil {
			return serr
		}
		return err
	}

	node.PhysicalID = physicalID
	return e.setNodeStatus(action, node, types.NodeStatusActive, "Recovery succeeded")
}

func (e *Engine) nodeOperation(action *types.Action, node *types.Node) error {
	op, _ := action.Inputs["operation"].(string)
	if op == "" {
		return types.InvalidParameter("operation is required")
	}
	var params map[string]interface{}
	if v, ok := action.Inputs["params"].(map[string]interface{}); ok {
		params = v
	}

	d, _, err := e.nodeDriver(node)
	if err != nil {
		return err
	}
	if err := e.nodeCheckpoint(action, node.ID); err != nil {
		return err
	}
	if err := d.Operation(actionContext(action), node, op, params); err != nil {
		reason := fmt.Sprintf("Operation %q failed: %v", op, err)
		if serr := e.setNodeStatus(action, node, types.NodeStatusError, reason); serr != nil {
			return serr
		}
		return err
	}
	return nil
}
