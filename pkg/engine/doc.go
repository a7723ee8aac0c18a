/*
Package engine executes actions. Each action runs through the same outer
skeleton: acquire locks, run policy pre-op hooks, execute the kind-specific
body, run post-op hooks, release locks. Cluster bodies fan work out to node
actions as READY children and wait for them; node bodies call the resource
driver for the node's profile.

Control signals (cancel, suspend, resume) are observed at checkpoints
between sub-steps, never mid driver call. Lock-aware checkpoints also
detect stolen locks and fail the holder.
*/
package engine
