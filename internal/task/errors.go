package task

import (
	"errors"
	"fmt"
)

// Common errors returned by the scheduler core.
var (
	// ErrNotFound is returned when no task exists with the requested id.
	ErrNotFound = errors.New("task not found")

	// ErrNotCompleted is returned when a result is requested for a task
	// that has not reached the completed status.
	ErrNotCompleted = errors.New("task not completed")

	// ErrConflict is returned when an optimistic save or a CAS status
	// transition loses a race. Expected under concurrent dispatchers and
	// swallowed by them; not a failure.
	ErrConflict = errors.New("task version conflict")

	// ErrNotRegistered is returned when no stage chain is registered for a
	// task's type. Surfaced to the submitter at submit time.
	ErrNotRegistered = errors.New("no stage chain registered for task type")

	// ErrDuplicateType is returned when a stage chain is registered twice
	// for the same type tag. Detected eagerly at registration.
	ErrDuplicateType = errors.New("stage chain already registered for task type")

	// ErrUnknownStage is returned when a task's current stage does not
	// exist in its type's chain.
	ErrUnknownStage = errors.New("stage not present in chain")

	// ErrExternalNotFound is returned by CheckStatus when the external
	// system has no record of the submitted job. Treated as transient for
	// a bounded number of polls, then terminal.
	ErrExternalNotFound = errors.New("external task not found")
)

// SubmissionError indicates that a stage rejected its input or the external
// call failed at submit time. Routed to the retry policy.
type SubmissionError struct {
	Stage string
	Err   error
}

// Error implements the error interface for SubmissionError.
func (e *SubmissionError) Error() string {
	return fmt.Sprintf("stage %s submission failed: %v", e.Stage, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ExecutionError indicates that a synchronous stage failed, that an external
// system reported a failed job, or that stage code panicked. Routed to the
// retry policy.
type ExecutionError struct {
	Stage string
	Err   error
}

// Error implements the error interface for ExecutionError.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("stage %s execution failed: %v", e.Stage, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
