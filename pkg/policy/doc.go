/*
Package policy defines the decision-module capability attached to clusters
and the checker that runs pre/post hooks around action execution.

Policies communicate with the engine through the action's Data map: a
batching plan, a victim candidate list, placement decisions, or a veto
(data["status"] = "ERROR" with a reason). Binding state (per-cluster data,
last enforcement time) is persisted atomically when a hook returns.
*/
package policy
