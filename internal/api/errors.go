package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/stagehand/internal/service"
	"github.com/phrazzld/stagehand/internal/service/auth"
	"github.com/phrazzld/stagehand/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	// Not found errors
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, task.ErrConflict),
		errors.Is(err, service.ErrCancelNotAllowed),
		errors.Is(err, task.ErrNotCompleted):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, task.ErrNotRegistered):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"

	case errors.Is(err, task.ErrNotFound):
		return "Task not found"

	case errors.Is(err, task.ErrNotRegistered):
		return "Unknown task type"

	case errors.Is(err, service.ErrCancelNotAllowed):
		return "Task has already finished"

	case errors.Is(err, task.ErrNotCompleted):
		return "Task result is not available yet"

	case errors.Is(err, task.ErrConflict):
		return "Task was modified concurrently, try again"

	default:
		return "An unexpected error occurred"
	}
}
