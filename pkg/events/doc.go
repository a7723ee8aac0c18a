/*
Package events carries the structured records the core emits at every
status transition. The broker fans events out to in-process subscribers;
the store sink persists them per cluster with an optional bounded backlog.
*/
package events
