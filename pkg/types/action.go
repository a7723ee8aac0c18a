package types

import (
	"time"
)

// ActionKind names the body an action executes
type ActionKind string

const (
	ActionClusterCreate       ActionKind = "CLUSTER_CREATE"
	ActionClusterDelete       ActionKind = "CLUSTER_DELETE"
	ActionClusterUpdate       ActionKind = "CLUSTER_UPDATE"
	ActionClusterAddNodes     ActionKind = "CLUSTER_ADD_NODES"
	ActionClusterDelNodes     ActionKind = "CLUSTER_DEL_NODES"
	ActionClusterResize       ActionKind = "CLUSTER_RESIZE"
	ActionClusterScaleIn      ActionKind = "CLUSTER_SCALE_IN"
	ActionClusterScaleOut     ActionKind = "CLUSTER_SCALE_OUT"
	ActionClusterReplaceNodes ActionKind = "CLUSTER_REPLACE_NODES"
	ActionClusterCheck        ActionKind = "CLUSTER_CHECK"
	ActionClusterRecover      ActionKind = "CLUSTER_RECOVER"
	ActionClusterAttachPolicy ActionKind = "CLUSTER_ATTACH_POLICY"
	ActionClusterDetachPolicy ActionKind = "CLUSTER_DETACH_POLICY"
	ActionClusterUpdatePolicy ActionKind = "CLUSTER_UPDATE_POLICY"
	ActionClusterOperation    ActionKind = "CLUSTER_OPERATION"
	ActionNodeCreate          ActionKind = "NODE_CREATE"
	ActionNodeDelete          ActionKind = "NODE_DELETE"
	ActionNodeUpdate          ActionKind = "NODE_UPDATE"
	ActionNodeCheck           ActionKind = "NODE_CHECK"
	ActionNodeRecover         ActionKind = "NODE_RECOVER"
	ActionNodeOperation       ActionKind = "NODE_OPERATION"
)

// IsClusterKind reports whether the kind targets a cluster
func (k ActionKind) IsClusterKind() bool {
	switch k {
	case ActionNodeCreate, ActionNodeDelete, ActionNodeUpdate,
		ActionNodeCheck, ActionNodeRecover, ActionNodeOperation:
		return false
	}
	return true
}

// ActionStatus is the state machine position of an action
type ActionStatus string

const (
	ActionStatusInit      ActionStatus = "INIT"
	ActionStatusWaiting   ActionStatus = "WAITING"
	ActionStatusReady     ActionStatus = "READY"
	ActionStatusRunning   ActionStatus = "RUNNING"
	ActionStatusSuspended ActionStatus = "SUSPENDED"
	ActionStatusSucceeded ActionStatus = "SUCCEEDED"
	ActionStatusFailed    ActionStatus = "FAILED"
	ActionStatusCancelled ActionStatus = "CANCELLED"
)

// Terminal reports whether the status is final
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled:
		return true
	}
	return false
}

// ActionControl is an out-of-band signal observed at checkpoints
type ActionControl string

const (
	ControlNone    ActionControl = ""
	ControlCancel  ActionControl = "CANCEL"
	ControlSuspend ActionControl = "SUSPEND"
	ControlResume  ActionControl = "RESUME"
)

// Action is a persisted unit of scheduled work with a dependency DAG.
// Inputs, Outputs and Data are opaque maps and part of the persisted
// contract; upgrading engines must not reinterpret existing rows.
type Action struct {
	ID           string
	Name         string
	Target       string // id of cluster/node/policy
	Action       ActionKind
	Cause        string
	Parent       string // id of the action that spawned this one
	Owner        string // engine id holding it
	User         string
	Project      string
	Interval     int // seconds between recurrences; -1 = one-shot
	StartTime    time.Time
	EndTime      time.Time
	Timeout      int // seconds; 0 = use default_action_timeout
	Status       ActionStatus
	StatusReason string
	Control      ActionControl
	Inputs       map[string]interface{}
	Outputs      map[string]interface{}
	DependsOn    []string
	DependedBy   []string
	Data         map[string]interface{} // scratch shared with policies
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DependsOnAction reports membership in the DependsOn set
func (a *Action) DependsOnAction(id string) bool {
	return contains(a.DependsOn, id)
}

// DependedByAction reports membership in the DependedBy set
func (a *Action) DependedByAction(id string) bool {
	return contains(a.DependedBy, id)
}

// AddDependsOn inserts id into the DependsOn set
func (a *Action) AddDependsOn(id string) {
	if !contains(a.DependsOn, id) {
		a.DependsOn = append(a.DependsOn, id)
	}
}

// AddDependedBy inserts id into the DependedBy set
func (a *Action) AddDependedBy(id string) {
	if !contains(a.DependedBy, id) {
		a.DependedBy = append(a.DependedBy, id)
	}
}

// RemoveDependsOn removes id from the DependsOn set
func (a *Action) RemoveDependsOn(id string) {
	a.DependsOn = remove(a.DependsOn, id)
}

// RemoveDependedBy removes id from the DependedBy set
func (a *Action) RemoveDependedBy(id string) {
	a.DependedBy = remove(a.DependedBy, id)
}

func contains(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

func remove(set []string, id string) []string {
	out := set[:0]
	for _, s := range set {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}
