package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/stagehand/internal/task"
)

// Common request/response structures

// SubmitTaskRequest defines the payload for the task submission endpoint.
type SubmitTaskRequest struct {
	// Type is the registered task type tag to execute.
	Type string `json:"type" validate:"required,min=1"`

	// Payload is the opaque task input, passed through to the stage chain.
	Payload json.RawMessage `json:"payload"`

	// Priority orders dispatch; higher runs first. Defaults to zero.
	Priority int `json:"priority"`
}

// SubmitTaskResponse defines the successful response for task submission.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskErrorResponse carries the last recorded failure of a task.
type TaskErrorResponse struct {
	Message string `json:"message"`
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// TaskResponse represents the externally visible task envelope.
type TaskResponse struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Status      string             `json:"status"`
	Stage       string             `json:"stage,omitempty"`
	Priority    int                `json:"priority"`
	Progress    int                `json:"progress"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	NextRetryAt *time.Time         `json:"next_retry_at,omitempty"`
	LastError   *TaskErrorResponse `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
}

// TaskResultResponse carries the accumulated result context of a completed task.
type TaskResultResponse struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result"`
}

// taskToResponse converts a task envelope to its API representation.
func taskToResponse(t *task.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID.String(),
		Type:        t.Type,
		Status:      string(t.Status),
		Stage:       t.Stage,
		Priority:    t.Priority,
		Progress:    t.Progress,
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		NextRetryAt: t.NextRetryAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
	}
	if t.LastError != nil {
		resp.LastError = &TaskErrorResponse{
			Message: t.LastError.Message,
			Stage:   t.LastError.Stage,
			Attempt: t.LastError.Attempt,
		}
	}
	return resp
}
