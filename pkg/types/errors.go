package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers classify with errors.Is; messages carry the
// specifics.
var (
	// ErrNotFound: the referenced object does not exist (or is soft-deleted)
	ErrNotFound = errors.New("not found")

	// ErrMultipleChoices: a short id or name matched more than one object
	ErrMultipleChoices = errors.New("multiple choices")

	// ErrInvalidParameter: request validation failed; never retried
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrResourceBusy: deleting a profile/policy still referenced by live objects
	ErrResourceBusy = errors.New("resource busy")

	// ErrLockContention: lock not acquired after configured retries
	ErrLockContention = errors.New("lock contention")

	// ErrDriverTransient: retriable driver failure (connection, 5xx, timeout)
	ErrDriverTransient = errors.New("driver transient failure")

	// ErrDriverFatal: non-retriable driver failure (4xx, validation)
	ErrDriverFatal = errors.New("driver fatal failure")

	// ErrTimeout: a driver wait exceeded the action deadline
	ErrTimeout = errors.New("timeout")

	// ErrActionCancelled: a cancel control was observed at a checkpoint
	ErrActionCancelled = errors.New("action cancelled")

	// ErrLockLost: a held lock was stolen; detected at a lock-aware checkpoint
	ErrLockLost = errors.New("lock lost")
)

// NotFound builds an ErrNotFound for one object
func NotFound(otype, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, otype, id)
}

// MultipleChoices builds an ErrMultipleChoices for an ambiguous identifier
func MultipleChoices(otype, id string) error {
	return fmt.Errorf("%w: %s %q matches more than one object", ErrMultipleChoices, otype, id)
}

// InvalidParameter builds an ErrInvalidParameter with a validation message
func InvalidParameter(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}
