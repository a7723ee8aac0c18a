package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/cuemby/corral/pkg/types"
)

// executeCluster runs the outer skeleton for cluster-targeted kinds:
// cluster lock, policy pre-op, body, policy post-op, unlock.
func (e *Engine) executeCluster(action *types.Action) error {
	if err := e.checkpoint(action); err != nil {
		return err
	}

	ctx := types.AdminContext()
	cluster, err := e.store.GetCluster(ctx, action.Target)
	if err != nil {
		return err
	}

	scope := types.LockExclusive
	switch action.Action {
	case types.ActionClusterCheck, types.ActionClusterRecover, types.ActionClusterOperation:
		scope = types.LockShared
	}
	if err := e.locks.LockCluster(cluster.ID, action.ID, scope); err != nil {
		return err
	}
	defer e.locks.UnlockCluster(cluster.ID, action.ID)

	if err := e.policyPreOp(cluster.ID, action); err != nil {
		return err
	}

	if err := e.runClusterBody(action, cluster); err != nil {
		return err
	}

	if err := e.policyPostOp(cluster.ID, action); err != nil {
		return err
	}
	return e.saveActionState(action)
}

func (e *Engine) runClusterBody(action *types.Action, cluster *types.Cluster) error {
	switch action.Action {
	case types.ActionClusterCreate:
		return e.clusterCreate(action, cluster)
	case types.ActionClusterDelete:
		return e.clusterDelete(action, cluster)
	case types.ActionClusterUpdate:
		return e.clusterUpdate(action, cluster)
	case types.ActionClusterAddNodes:
		return e.clusterAddNodes(action, cluster)
	case types.ActionClusterDelNodes:
		return e.clusterDelNodes(action, cluster)
	case types.ActionClusterResize:
		return e.clusterResize(action, cluster)
	case types.ActionClusterScaleIn:
		return e.clusterScaleIn(action, cluster)
	case types.ActionClusterScaleOut:
		return e.clusterScaleOut(action, cluster)
	case types.ActionClusterReplaceNodes:
		return e.clusterReplaceNodes(action, cluster)
	case types.ActionClusterCheck:
		return e.clusterCheck(action, cluster)
	case types.ActionClusterRecover:
		return e.clusterRecover(action, cluster)
	case types.ActionClusterAttachPolicy:
		return e.clusterAttachPolicy(action, cluster)
	case types.ActionClusterDetachPolicy:
		return e.clusterDetachPolicy(action, cluster)
	case types.ActionClusterUpdatePolicy:
		return e.clusterUpdatePolicy(action, cluster)
	case types.ActionClusterOperation:
		return e.clusterOperation(action, cluster)
	default:
		return types.InvalidParameter("unsupported action kind %q", action.Action)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// createNodes inserts count fresh node rows and one NODE_CREATE child per
// row, returning the child action ids
func (e *Engine) createNodes(action *types.Action, cluster *types.Cluster, count int) ([]string, error) {
	childIDs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		index, err := e.store.ClusterNextIndex(cluster.ID)
		if err != nil {
			return childIDs, err
		}
		now := time.Now()
		node := &types.Node{
			ID:           uuid.New().String(),
			Name:         fmt.Sprintf("%s-node-%d", cluster.Name, index),
			ClusterID:    cluster.ID,
			ProfileID:    cluster.ProfileID,
			Index:        index,
			Status:       types.NodeStatusInit,
			StatusReason: "Initializing",
			User:         cluster.User,
			Project:      cluster.Project,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.CreateNode(node); err != nil {
			return childIDs, err
		}
		child := newChildAction(action, types.ActionNodeCreate, node.ID,
			"node_create_"+shortID(node.ID), nil)
		if err := e.store.CreateAction(child); err != nil {
			return childIDs, err
		}
		childIDs = append(childIDs, child.ID)
	}
	e.notifyWorkers()
	return childIDs, nil
}

// spawnWave creates one child of the given kind per target and waits for
// the whole wave to finish
func (e *Engine) spawnWave(action *types.Action, kind types.ActionKind,
	targets []string, inputs map[string]interface{}) ([]childResult, error) {

	childIDs := make([]string, 0, len(targets))
	for _, target := range targets {
		child := newChildAction(action, kind, target,
			string(kind)+"_"+shortID(target), inputs)
		if err := e.store.CreateAction(child); err != nil {
			return nil, err
		}
		childIDs = append(childIDs, child.ID)
	}
	e.notifyWorkers()
	return e.waitForChildren(action, childIDs)
}

// aggregateFailures folds failed children into one error
func aggregateFailures(results []childResult) error {
	var merr *multierror.Error
	for _, r := range results {
		if r.Status == types.ActionStatusSucceeded {
			continue
		}
		merr = multierror.Append(merr, fmt.Errorf("child %s %s: %s",
			shortID(r.ID), r.Status, r.Reason))
	}
	return merr.ErrorOrNil()
}

func (e *Engine) clusterCreate(action *types.Action, cluster *types.Cluster) error {
	if err := e.setClusterStatus(action, cluster, types.ClusterStatusCreating,
		"Cluster creation in progress"); err != nil {
		return err
	}

	childIDs, err := e.createNodes(action, cluster, cluster.DesiredCapacity)
	if err != nil {
		return err
	}
	results, err := e.waitForChildren(action, childIDs)
	if err != nil {
		return err
	}
	recordChildren(action, results)

	if n := succeeded(results); n < len(results) {
		reason := fmt.Sprintf("Failed to create %d of %d nodes", len(results)-n, len(results))
		if serr := e.setClusterStatus(action, cluster, types.ClusterStatusError, reason); serr != nil {
			return serr
		}
		return aggregateFailures(results)
	}
	return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Cluster creation succeeded")
}

func (e *Engine) clusterDelete(action *types.Action, cluster *types.Cluster) error {
	if err := e.setClusterStatus(action, cluster, types.ClusterStatusDeleting,
		"Cluster deletion in progress"); err != nil {
		return err
	}

	nodes, err := e.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return err
	}
	targets := make([]string, 0, len(nodes))
	for _, node := range nodes {
		targets = append(targets, node.ID)
	}

	results, err := e.spawnWave(action, types.ActionNodeDelete, targets, nil)
	if err != nil {
		return err
	}
	recordChildren(action, results)

	if ferr := aggregateFailures(results); ferr != nil {
		if serr := e.setClusterStatus(action, cluster, types.ClusterStatusError,
			"Failed to delete nodes"); serr != nil {
			return serr
		}
		return ferr
	}

	bindings, err := e.store.ListBindingsByCluster(cluster.ID)
	if err != nil {
		return err
	}
	for _, binding := range bindings {
		if err := e.store.DeleteBinding(binding.ClusterID, binding.PolicyID); err != nil {
			return err
		}
	}
	if err := e.store.DeleteRegistry(cluster.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	ts := time.Now()
	if err := e.store.SoftDeleteCluster(cluster.ID, ts); err != nil {
		return err
	}
	e.emit(action, cluster.ID, "CLUSTER", cluster.Name, cluster.ID, "DELETED", "Cluster deleted")
	return nil
}

func (e *Engine) clusterAddNodes(action *types.Action, cluster *types.Cluster) error {
	ids := stringList(action.Inputs["nodes"])
	if len(ids) == 0 {
		return types.InvalidParameter("no nodes specified")
	}

	clusterProfile, err := e.store.GetProfile(types.AdminContext(), cluster.ProfileID)
	if err != nil {
		return err
	}

	// Validate the whole set before touching any node
	var merr *multierror.Error
	nodes := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		node, err := e.store.GetNode(types.AdminContext(), id)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if !node.Orphan() {
			merr = multierror.Append(merr,
				types.InvalidParameter("node %q already belongs to cluster %q", id, node.ClusterID))
			continue
		}
		if node.Status != types.NodeStatusActive {
			merr = multierror.Append(merr,
				types.InvalidParameter("node %q is not ACTIVE", id))
			continue
		}
		nodeProfile, err := e.store.GetProfile(types.AdminContext(), node.ProfileID)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if nodeProfile.Type != clusterProfile.Type {
			merr = multierror.Append(merr,
				types.InvalidParameter("node %q profile type %q does not match cluster profile type %q",
					id, nodeProfile.Type, clusterProfile.Type))
			continue
		}
		nodes = append(nodes, node)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return err
	}
	if err := checkCapacityBounds(cluster, cluster.DesiredCapacity+len(nodes)); err != nil {
		return err
	}

	for _, node := range nodes {
		if err := e.locks.LockNode(node.ID, action.ID); err != nil {
			return err
		}
	}
	defer func() {
		for _, node := range nodes {
			e.locks.UnlockNode(node.ID, action.ID)
		}
	}()

	ts := time.Now()
	added := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if err := e.clusterCheckpoint(action, cluster.ID); err != nil {
			return err
		}
		if _, err := e.store.NodeMigrate(node.ID, "", cluster.ID, node.Role, ts); err != nil {
			return err
		}
		added = append(added, node.ID)
	}

	cluster.DesiredCapacity += len(added)
	if action.Outputs == nil {
		action.Outputs = make(map[string]interface{})
	}
	action.Outputs["nodes_added"] = added
	return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Nodes added to cluster")
}

func (e *Engine) clusterDelNodes(action *types.Action, cluster *types.Cluster) error {
	ids := stringList(action.Inputs["candidates"])
	plan, err := planFrom(action.Data, "deletion", len(ids))
	if err != nil {
		return err
	}
	if len(plan.Candidates) > 0 {
		ids = plan.Candidates
	}
	if len(ids) == 0 {
		return types.InvalidParameter("no candidates specified")
	}

	for _, id := range ids {
		node, err := e.store.GetNode(types.AdminContext(), id)
		if err != nil {
			return err
		}
		if node.ClusterID != cluster.ID {
			return types.InvalidParameter("node %q is not a member of cluster %q", id, cluster.ID)
		}
	}

	destroy := true
	if v, ok := action.Inputs["destroy_after_deletion"].(bool); ok {
		destroy = v
	}
	if err := checkCapacityBounds(cluster, cluster.DesiredCapacity-len(ids)); err != nil {
		return err
	}

	if !destroy {
		// Leave: detach the nodes without destroying the backing resources
		ts := time.Now()
		for _, id := range ids {
			if err := e.locks.LockNode(id, action.ID); err != nil {
				return err
			}
			_, merr := e.store.NodeMigrate(id, cluster.ID, "", "", ts)
			e.locks.UnlockNode(id, action.ID)
			if merr != nil {
				return merr
			}
		}
		cluster.DesiredCapacity -= len(ids)
		return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Nodes removed from cluster")
	}

	results, err := e.deleteNodesInWaves(action, cluster, ids, plan.BatchSize, plan.PauseTime)
	if err != nil {
		return err
	}
	recordChildren(action, results)

	cluster.DesiredCapacity -= succeeded(results)
	if ferr := aggregateFailures(results); ferr != nil {
		if serr := e.setClusterStatus(action, cluster, types.ClusterStatusWarning,
			"Some nodes could not be deleted"); serr != nil {
			return serr
		}
		return ferr
	}
	return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Nodes deleted from cluster")
}

// deleteNodesInWaves spawns NODE_DELETE children in waves of at most
// batchSize, pausing between waves
func (e *Engine) deleteNodesInWaves(action *types.Action, cluster *types.Cluster,
	ids []string, batchSize, pauseTime int) ([]childResult, error) {

	var all []childResult
	for i, wave := range waveSlices(ids, batchSize) {
		if i > 0 && pauseTime > 0 {
			if err := e.pause(action, pauseTime); err != nil {
				return all, err
			}
		}
		if err := e.clusterCheckpoint(action, cluster.ID); err != nil {
			return all, err
		}
		results, err := e.spawnWave(action, types.ActionNodeDelete, wave, nil)
		if err != nil {
			return all, err
		}
		all = append(all, results...)
	}
	return all, nil
}

func (e *Engine) clusterResize(action *types.Action, cluster *types.Cluster) error {
	req, err := parseResizeRequest(action.Inputs)
	if err != nil {
		return err
	}
	target, effMin, effMax, err := computeResize(cluster, req)
	if err != nil {
		return err
	}

	cluster.MinSize = effMin
	cluster.MaxSize = effMax
	diff := target - cluster.DesiredCapacity
	if diff == 0 {
		return e.setClusterStatus(action, cluster, types.ClusterStatusActive,
			"Cluster resize: capacity unchanged")
	}
	if err := e.store.UpdateCluster(cluster); err != nil {
		return err
	}

	kind := types.ActionClusterScaleOut
	count := diff
	if diff < 0 {
		kind = types.ActionClusterScaleIn
		count = -diff
	}

	// The scale child takes the exclusive cluster lock itself, so release
	// ours before waiting on it
	if _, err := e.locks.UnlockCluster(cluster.ID, action.ID); err != nil {
		return err
	}

	child := newChildAction(action, kind, cluster.ID,
		string(kind)+"_"+shortID(cluster.ID), map[string]interface{}{"count": count})
	if err := e.store.CreateAction(child); err != nil {
		return err
	}
	e.notifyWorkers()

	results, err := e.waitForChildren(action, []string{child.ID})
	if err != nil {
		return err
	}
	recordChildren(action, results)
	return aggregateFailures(results)
}

func (e *Engine) clusterScaleOut(action *types.Action, cluster *types.Cluster) error {
	count, _ := toInt(action.Inputs["count"])
	if count <= 0 {
		count = 1
	}
	plan, err := planFrom(action.Data, "creation", count)
	if err != nil {
		return err
	}
	if err := checkCapacityBounds(cluster, cluster.DesiredCapacity+plan.Count); err != nil {
		return err
	}

	if err := e.setClusterStatus(action, cluster, types.ClusterStatusResizing,
		"Cluster scale-out in progress"); err != nil {
		return err
	}

	var all []childResult
	for i, n := range waveSizes(plan.Count, plan.BatchSize) {
		if i > 0 && plan.PauseTime > 0 {
			if err := e.pause(action, plan.PauseTime); err != nil {
				return err
			}
		}
		if err := e.clusterCheckpoint(action, cluster.ID); err != nil {
			return err
		}
		childIDs, err := e.createNodes(action, cluster, n)
		if err != nil {
			return err
		}
		results, err := e.waitForChildren(action, childIDs)
		if err != nil {
			return err
		}
		all = append(all, results...)
	}
	recordChildren(action, all)

	cluster.DesiredCapacity += succeeded(all)
	if ferr := aggregateFailures(all); ferr != nil {
		status := types.ClusterStatusWarning
		if succeeded(all) == 0 {
			status = types.ClusterStatusError
		}
		if serr := e.setClusterStatus(action, cluster, status,
			"Cluster scale-out partially failed"); serr != nil {
			return serr
		}
		return ferr
	}
	return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Cluster scale-out succeeded")
}

func (e *Engine) clusterScaleIn(action *types.Action, cluster *types.Cluster) error {
	count, _ := toInt(action.Inputs["count"])
	if count <= 0 {
		count = 1
	}
	plan, err := planFrom(action.Data, "deletion", count)
	if err != nil {
		return err
	}

	victims := plan.Candidates
	if len(victims) == 0 {
		victims, err = e.pickVictims(cluster.ID, plan.Count)
		if err != nil {
			return err
		}
	}
	if len(victims) == 0 {
		return e.setClusterStatus(action, cluster, types.ClusterStatusActive,
			"Cluster scale-in: nothing to remove")
	}
	if err := checkCapacityBounds(cluster, cluster.DesiredCapacity-len(victims)); err != nil {
		return err
	}

	if err := e.setClusterStatus(action, cluster, types.ClusterStatusResizing,
		"Cluster scale-in in progress"); err != nil {
		return err
	}

	results, err := e.deleteNodesInWaves(action, cluster, victims, plan.BatchSize, plan.PauseTime)
	if err != nil {
		return err
	}
	recordChildren(action, results)

	cluster.DesiredCapacity -= succeeded(results)
	if ferr := aggregateFailures(results); ferr != nil {
		if serr := e.setClusterStatus(action, cluster, types.ClusterStatusWarning,
			"Cluster scale-in partially failed"); serr != nil {
			return serr
		}
		return ferr
	}
	return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Cluster scale-in succeeded")
}

// pickVictims selects the oldest active nodes, by index ascending; nodes in
// other statuses are only chosen once the active ones run out
func (e *Engine) pickVictims(clusterID string, count int) ([]string, error) {
	nodes, err := e.store.ListNodesByCluster(clusterID)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool {
		ai := nodes[i].Status == types.NodeStatusActive
		aj := nodes[j].Status == types.NodeStatusActive
		if ai != aj {
			return ai
		}
		return nodes[i].Index < nodes[j].Index
	})
	if count > len(nodes) {
		count = len(nodes)
	}
	victims := make([]string, 0, count)
	for _, node := range nodes[:count] {
		victims = append(victims, node.ID)
	}
	return victims, nil
}

func (e *Engine) clusterReplaceNodes(action *types.Action, cluster *types.Cluster) error {
	ids := stringList(action.Inputs["candidates"])
	if len(ids) == 0 {
		return types.InvalidParameter("no candidates specified")
	}
	for _, id := range ids {
		node, err := e.store.GetNode(types.AdminContext(), id)
		if err != nil {
			return err
		}
		if node.ClusterID != cluster.ID {
			return types.InvalidParameter("node %q is not a member of cluster %q", id, cluster.ID)
		}
	}

	if err := e.setClusterStatus(action, cluster, types.ClusterStatusUpdating,
		"Cluster node replacement in progress"); err != nil {
		return err
	}

	// Replacements first, then removals, so capacity never dips below the
	// desired size
	createIDs, err := e.createNodes(action, cluster, len(ids))
	if err != nil {
		return err
	}
	createResults, err := e.waitForChildren(action, createIDs)
	if err != nil {
		return err
	}
	if ferr := aggregateFailures(createResults); ferr != nil {
		if serr := e.setClusterStatus(action, cluster, types.ClusterStatusWarning,
			"Replacement node creation failed"); serr != nil {
			return serr
		}
		return ferr
	}

	deleteResults, err := e.spawnWave(action, types.ActionNodeDelete, ids, nil)
	if err != nil {
		return err
	}
	recordChildren(action, append(createResults, deleteResults...))

	if ferr := aggregateFailures(deleteResults); ferr != nil {
		if serr := e.setClusterStatus(action, cluster, types.ClusterStatusWarning,
			"Old node deletion failed"); serr != nil {
			return serr
		}
		return ferr
	}
	return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Cluster nodes replaced")
}

// updatePlan reads the wave plan the update policy left in action.data
func updatePlan(data map[string]interface{}, fallback []string) ([][]string, int) {
	raw, ok := data["update"].(map[string]interface{})
	if !ok {
		return [][]string{fallback}, 0
	}
	pause, _ := toInt(raw["pause_time"])

	list, ok := raw["plan"].([]interface{})
	if !ok {
		return [][]string{fallback}, pause
	}
	var waves [][]string
	for _, entry := range list {
		wave := stringList(entry)
		if len(wave) > 0 {
			waves = append(waves, wave)
		}
	}
	if len(waves) == 0 {
		waves = [][]string{fallback}
	}
	return waves, pause
}

func (e *Engine) clusterUpdate(action *types.Action, cluster *types.Cluster) error {
	if err := e.setClusterStatus(action, cluster, types.ClusterStatusUpdating,
		"Cluster update in progress"); err != nil {
		return err
	}

	if v, ok := action.Inputs["name"].(string); ok && v != "" {
		cluster.Name = v
	}
	if v, ok := toInt(action.Inputs["timeout"]); ok {
		cluster.Timeout = v
	}
	if md, ok := action.Inputs["metadata"].(map[string]interface{}); ok {
		if cluster.Metadata == nil {
			cluster.Metadata = make(map[string]string)
		}
		for k, v := range md {
			if s, ok := v.(string); ok {
				cluster.Metadata[k] = s
			}
		}
	}

	newProfileID, _ := action.Inputs["new_profile_id"].(string)
	if newProfileID == "" {
		return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Cluster update succeeded")
	}

	oldProfile, err := e.store.GetProfile(types.AdminContext(), cluster.ProfileID)
	if err != nil {
		return err
	}
	newProfile, err := e.store.GetProfile(types.AdminContext(), newProfileID)
	if err != nil {
		return err
	}
	if newProfile.Type != oldProfile.Type {
		return types.InvalidParameter("new profile type %q does not match current type %q",
			newProfile.Type, oldProfile.Type)
	}

	nodes, err := e.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return err
	}
	all := make([]string, 0, len(nodes))
	for _, node := range nodes {
		all = append(all, node.ID)
	}

	waves, pauseTime := updatePlan(action.Data, all)
	inputs := map[string]interface{}{"new_profile_id": newProfileID}

	var results []childResult
	for i, wave := range waves {
		if i > 0 && pauseTime > 0 {
			if err := e.pause(action, pauseTime); err != nil {
				return err
			}
		}
		if err := e.clusterCheckpoint(action, cluster.ID); err != nil {
			return err
		}
		waveResults, err := e.spawnWave(action, types.ActionNodeUpdate, wave, inputs)
		if err != nil {
			return err
		}
		results = append(results, waveResults...)
	}
	recordChildren(action, results)

	if ferr := aggregateFailures(results); ferr != nil {
		if serr := e.setClusterStatus(action, cluster, types.ClusterStatusWarning,
			"Cluster update partially failed"); serr != nil {
			return serr
		}
		return ferr
	}
	cluster.ProfileID = newProfileID
	return e.setClusterStatus(action, cluster, types.ClusterStatusActive, "Cluster update succeeded")
}

func (e *Engine) clusterCheck(action *types.Action, cluster *types.Cluster) error {
	nodes, err := e.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return err
	}
	targets := make([]string, 0, len(nodes))
	for _, node := range nodes {
		targets = append(targets, node.ID)
	}

	results, err := e.spawnWave(action, types.ActionNodeCheck, targets, nil)
	if err != nil {
		return err
	}
	recordChildren(action, results)

	if ferr := aggregateFailures(results); ferr != nil {
		return ferr
	}
	return e.recomputeClusterHealth(action, cluster)
}

func (e *Engine) clusterRecover(action *types.Action, cluster *types.Cluster) error {
	nodes, err := e.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return err
	}
	var targets []string
	for _, node := range nodes {
		if node.Status != types.NodeStatusActive {
			targets = append(targets, node.ID)
		}
	}
	if len(targets) == 0 {
		return e.recomputeClusterHealth(action, cluster)
	}

	var inputs map[string]interface{}
	if op, ok := action.Inputs["operation"].(string); ok && op != "" {
		inputs = map[string]interface{}{"operation": op}
	}

	results, err := e.spawnWave(action, types.ActionNodeRecover, targets, inputs)
	if err != nil {
		return err
	}
	recordChildren(action, results)

	if ferr := aggregateFailures(results); ferr != nil {
		if serr := e.recomputeClusterHealth(action, cluster); serr != nil {
			return serr
		}
		return ferr
	}
	return e.recomputeClusterHealth(action, cluster)
}

// recomputeClusterHealth derives the cluster status from its members:
// every node active means ACTIVE, none means CRITICAL, in between WARNING
func (e *Engine) recomputeClusterHealth(action *types.Action, cluster *types.Cluster) error {
	nodes, err := e.store.ListNodesByCluster(cluster.ID)
	if err != nil {
		return err
	}
	active := 0
	for _, node := range nodes {
		if node.Status == types.NodeStatusActive {
			active++
		}
	}
	switch {
	case len(nodes) == 0 || active == len(nodes):
		return e.setClusterStatus(action, cluster, types.ClusterStatusActive,
			"All nodes active")
	case active == 0:
		return e.setClusterStatus(action, cluster, types.ClusterStatusCritical,
			"No node is active")
	default:
		return e.setClusterStatus(action, cluster, types.ClusterStatusWarning,
			fmt.Sprintf("%d of %d nodes active", active, len(nodes)))
	}
}

func (e *Engine) clusterAttachPolicy(action *types.Action, cluster *types.Cluster) error {
	policyID, _ := action.Inputs["policy_id"].(string)
	if policyID == "" {
		return types.InvalidParameter("policy_id is required")
	}
	row, err := e.store.FindPolicy(actionContext(action), policyID)
	if err != nil {
		return err
	}
	if existing, err := e.store.GetBinding(cluster.ID, row.ID); err == nil && existing != nil {
		return types.InvalidParameter("policy %q is already attached to cluster %q", row.ID, cluster.ID)
	}

	plugin, err := e.checker.Registry().Get(row.Type)
	if err != nil {
		return err
	}

	priority := 50
	if v, ok := toInt(action.Inputs["priority"]); ok {
		priority = v
	}
	enabled := true
	if v, ok := action.Inputs["enabled"].(bool); ok {
		enabled = v
	}

	binding := &types.PolicyBinding{
		ClusterID: cluster.ID,
		PolicyID:  row.ID,
		Priority:  priority,
		Enabled:   enabled,
	}
	if err := e.store.AddBinding(binding); err != nil {
		return err
	}

	ok, data, err := plugin.Attach(actionContext(action), cluster, action)
	if err != nil || !ok {
		if derr := e.store.DeleteBinding(cluster.ID, row.ID); derr != nil {
			e.logger.Error().Err(derr).Msg("failed to roll back binding")
		}
		if err != nil {
			return fmt.Errorf("policy attach failed: %w", err)
		}
		return fmt.Errorf("policy %q refused to attach to cluster %q", row.ID, cluster.ID)
	}
	if len(data) > 0 {
		binding.Data = data
		if err := e.store.UpdateBinding(binding); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) clusterDetachPolicy(action *types.Action, cluster *types.Cluster) error {
	policyID, _ := action.Inputs["policy_id"].(string)
	if policyID == "" {
		return types.InvalidParameter("policy_id is required")
	}
	row, err := e.store.FindPolicy(actionContext(action), policyID)
	if err != nil {
		return err
	}
	if _, err := e.store.GetBinding(cluster.ID, row.ID); err != nil {
		return err
	}

	plugin, err := e.checker.Registry().Get(row.Type)
	if err != nil {
		return err
	}
	ok, err := plugin.Detach(actionContext(action), cluster, action)
	if err != nil {
		return fmt.Errorf("policy detach failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("policy %q refused to detach from cluster %q", row.ID, cluster.ID)
	}
	return e.store.DeleteBinding(cluster.ID, row.ID)
}

func (e *Engine) clusterUpdatePolicy(action *types.Action, cluster *types.Cluster) error {
	policyID, _ := action.Inputs["policy_id"].(string)
	if policyID == "" {
		return types.InvalidParameter("policy_id is required")
	}
	row, err := e.store.FindPolicy(actionContext(action), policyID)
	if err != nil {
		return err
	}
	binding, err := e.store.GetBinding(cluster.ID, row.ID)
	if err != nil {
		return err
	}
	if v, ok := toInt(action.Inputs["priority"]); ok {
		binding.Priority = v
	}
	if v, ok := action.Inputs["enabled"].(bool); ok {
		binding.Enabled = v
	}
	return e.store.UpdateBinding(binding)
}

func (e *Engine) clusterOperation(action *types.Action, cluster *types.Cluster) error {
	op, _ := action.Inputs["operation"].(string)
	if op == "" {
		return types.InvalidParameter("operation is required")
	}

	targets := stringList(action.Inputs["nodes"])
	if len(targets) == 0 {
		nodes, err := e.store.ListNodesByCluster(cluster.ID)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			targets = append(targets, node.ID)
		}
	}

	inputs := map[string]interface{}{"operation": op}
	if params, ok := action.Inputs["params"].(map[string]interface{}); ok {
		inputs["params"] = params
	}

	results, err := e.spawnWave(action, types.ActionNodeOperation, targets, inputs)
	if err != nil {
		return err
	}
	recordChildren(action, results)
	return aggregateFailures(results)
}

// stringList tolerates both []string and the []interface{} a JSON round
// trip produces
func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
