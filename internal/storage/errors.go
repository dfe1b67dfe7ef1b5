package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when a conditional write observes a
	// version other than the one the caller read. Nothing was written.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrCapacityExceeded is returned when a write would push the number of
	// agents occupying the pool past its configured maximum.
	ErrCapacityExceeded = errors.New("storage: capacity exceeded")

	// ErrAgentUnavailable is returned when binding work to an agent that is
	// not assignable or is already at its concurrency limit.
	ErrAgentUnavailable = errors.New("storage: agent unavailable")

	// ErrIllegalTransition is returned when a mutator asks for a status
	// change the state machine does not allow.
	ErrIllegalTransition = errors.New("storage: illegal status transition")

	// ErrImmutableField is returned when a mutator changes a field that is
	// fixed at creation.
	ErrImmutableField = errors.New("storage: immutable field changed")
)
