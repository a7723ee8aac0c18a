/*
Package storage provides durable state for the Corral core, backed by bbolt.

Every entity lives in its own bucket as a JSON row keyed by id. The four
atomicity rules of the core each map to one bbolt write transaction:

  - lock acquire/release/steal (locks.go)
  - action status changes coupled with dependency edge updates (the Txn
    closure in actions.go, driven by pkg/dag)
  - node soft-deletion within cluster deletion (SoftDeleteCluster)
  - next_index increment with node insertion (ClusterNextIndex, NodeMigrate)

Reads are project-scoped by default; an admin Context bypasses the scoping.
List operations paginate stably over the requested sort keys plus the row
id, with a marker row and optional :asc/:desc suffixes. Short identifiers
resolve by exact id, then unique name, then unique id prefix; ambiguity
fails with ErrMultipleChoices.

All cross-engine coordination happens through this package: the dispatcher's
READY to RUNNING claim and both lock kinds are single-row CAS operations, so
exactly one engine wins any contended transition.
*/
package storage
