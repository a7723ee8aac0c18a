/*
Package lock coordinates cluster-scope and node-scope locks between actions.

Cluster locks are exclusive or shared: an exclusive holder denies everyone
else, shared holders coexist and deny exclusives. Node locks are always
exclusive and coexist with shared cluster locks on the same cluster, which
lets fine-grained per-node operations run under a cluster-wide read-share.

Acquisition retries a configured number of times before failing with
ErrLockContention. Locks held by actions of a dead engine are released by
GCByEngine, which also fails those actions and cascades the failure through
the dependency graph.
*/
package lock
