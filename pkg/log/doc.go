/*
Package log provides structured logging for all Corral components, built on
zerolog. Components obtain child loggers via WithComponent and attach the
ids they work on (engine, action, cluster, node) as structured fields.
*/
package log
