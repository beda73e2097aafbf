package coordinator

import "errors"

var (
	// ErrNotFound is returned for unknown session or worker IDs
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a session cannot move to the requested status
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrInvariant marks a broken consistency rule between registry, store and queue
	ErrInvariant = errors.New("coordinator invariant violated")

	// ErrNoIdleWorker means every registered worker is busy; the task stays queued
	ErrNoIdleWorker = errors.New("no idle worker")

	// ErrDuplicateSession is returned when a session ID is reused
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrEmptyQuery is returned when a submission carries no query text
	ErrEmptyQuery = errors.New("query is required")

	errDispatchAbandoned = errors.New("dispatch no longer matches assignment")
)
