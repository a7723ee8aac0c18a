/*
Package dispatcher runs the per-process worker pool. Coordination between
engine processes happens entirely through the store: workers claim READY
actions with a single-row CAS, liveness is a heartbeat row renewed every
periodic interval, and a sweep loop fails the actions of engines that
stopped renewing.
*/
package dispatcher
