// Package service provides the ingress-facing application services for
// submitting, cancelling and querying tasks.
package service

import (
	"errors"
	"fmt"
)

// Common service errors - sentinel errors used across service implementations.
// Callers check them with errors.Is(); the API layer maps them to HTTP
// status codes.
var (
	// ErrCancelNotAllowed indicates a cancellation request hit a task that
	// is already in a terminal state.
	ErrCancelNotAllowed = errors.New("task is already terminal")
)

// TaskServiceError wraps unexpected errors from the task service with the
// operation that failed.
type TaskServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "cancel")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for TaskServiceError.
func (e *TaskServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *TaskServiceError) Unwrap() error {
	return e.Err
}
