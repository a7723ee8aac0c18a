/*
Package dag maintains the dependency graph between actions: edge insertion
moves children to WAITING, edge removal promotes a child to READY once its
last dependency is gone, and terminal transitions propagate downstream in
one storage transaction. Failure and cancellation fan out over the
depended_by closure with an explicit work queue.

A child with multiple parents becomes READY only when the last parent
succeeds; a single failed parent aborts the entire downstream closure.
*/
package dag
