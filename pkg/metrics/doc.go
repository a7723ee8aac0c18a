/*
Package metrics exposes Prometheus collectors for the engine: action
throughput and failures, lock contention, worker saturation and dead-engine
sweeps. Served on the configured metrics address.
*/
package metrics
