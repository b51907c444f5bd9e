package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskSubmittedEvent announces that a new task has been persisted in the
// waiting state. The dispatcher subscribes to it so claims happen ahead of
// the next interval tick; the timer remains the fallback, so delivery is
// best-effort and never a correctness requirement.
type TaskSubmittedEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// TaskID is the identifier of the submitted task
	TaskID uuid.UUID `json:"task_id"`

	// Type is the submitted task's type tag
	Type string `json:"type"`

	// Priority is the submitted task's dispatch priority
	Priority int `json:"priority"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskSubmittedEvent creates an event for a freshly persisted task.
func NewTaskSubmittedEvent(taskID uuid.UUID, taskType string, priority int) *TaskSubmittedEvent {
	return &TaskSubmittedEvent{
		ID:        uuid.New(),
		TaskID:    taskID,
		Type:      taskType,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

// EventHandler defines an interface for components that can handle events.
// Version: 1.0
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskSubmittedEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of
// handlers.
// Version: 1.0
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskSubmittedEvent) error
}
