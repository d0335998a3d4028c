package task

import "errors"

// Structural errors are surfaced to the caller immediately and never retried.
var (
	// ErrDuplicateRegistration is returned when a task type name is already bound.
	ErrDuplicateRegistration = errors.New("task: type already registered")

	// ErrUnknownTaskType is returned when a submitted type has no registered handler.
	ErrUnknownTaskType = errors.New("task: unknown task type")

	// ErrNotFound is returned when a task identifier is unknown.
	ErrNotFound = errors.New("task: not found")

	// ErrInvalidTransition is returned when a requested status change
	// is not permitted from the task's current status.
	ErrInvalidTransition = errors.New("task: invalid status transition")
)

// ErrCancelled marks a run aborted by a cooperative cancellation request.
var ErrCancelled = errors.New("task: cancelled")
