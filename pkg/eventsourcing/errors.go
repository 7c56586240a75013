package eventsourcing

import "errors"

var (
	// ErrNotFound is returned by Get when an aggregate has no persisted events.
	ErrNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when the first pending version does
	// not follow the last persisted version of the stream.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrDuplicateHandler is returned when a command type is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrNoHandler is returned when no handler is registered for a command type.
	ErrNoHandler = errors.New("no handler registered")

	// ErrSerialization is returned when a message cannot be round-tripped.
	ErrSerialization = errors.New("serialization failed")

	// ErrRehydrationMismatch is returned by LoadFrom when the history has a
	// version gap. It indicates corrupted history and is not recoverable.
	ErrRehydrationMismatch = errors.New("rehydration mismatch: non-contiguous event history")

	// ErrIncompatibleBus is returned at event-store construction when a bus
	// cannot enroll its writes in the caller's transaction.
	ErrIncompatibleBus = errors.New("bus cannot enroll in a transaction")
)
