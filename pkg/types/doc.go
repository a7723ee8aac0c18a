/*
Package types defines the persisted data model of the Corral core: profiles,
clusters, nodes, policies and their bindings, actions with their dependency
sets, the two lock kinds, engine liveness records, health registry entries
and events, plus the shared error taxonomy and the caller Context.

All cross-references between entities are ids, never pointers; the row
layouts (opaque input/output/data maps, dependency id sets) are part of the
persisted contract.
*/
package types
