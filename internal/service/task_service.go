package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/stagehand/internal/events"
	"github.com/phrazzld/stagehand/internal/task"
)

// TaskService is the ingress surface for task submission and inspection.
// Version: 1.0
type TaskService interface {
	// Submit validates the task type against the registry, persists a new
	// waiting task, and returns its identifier. An unregistered type is
	// reported to the submitter as task.ErrNotRegistered.
	Submit(ctx context.Context, taskType string, payload json.RawMessage, priority int) (uuid.UUID, error)

	// Cancel cancels a task. Waiting tasks are cancelled immediately;
	// running tasks have cancellation requested and stop at the next
	// stage boundary. Cancelling a terminal task returns
	// ErrCancelNotAllowed.
	Cancel(ctx context.Context, id uuid.UUID) error

	// GetStatus returns a snapshot of the task envelope.
	GetStatus(ctx context.Context, id uuid.UUID) (*task.Task, error)

	// GetResult returns the accumulated result context of a completed
	// task. It returns task.ErrNotCompleted for any non-completed task.
	GetResult(ctx context.Context, id uuid.UUID) (map[string]any, error)
}

type taskService struct {
	store             task.TaskStore
	registry          *task.Registry
	emitter           events.EventEmitter
	defaultMaxRetries int
	logger            *slog.Logger
}

// NewTaskService creates a TaskService backed by the given store and
// registry. Submissions are announced through the emitter; the application
// wiring registers a handler that wakes the dispatcher.
func NewTaskService(
	store task.TaskStore,
	registry *task.Registry,
	emitter events.EventEmitter,
	defaultMaxRetries int,
	logger *slog.Logger,
) (TaskService, error) {
	if store == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if emitter == nil {
		return nil, errors.New("event emitter cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if defaultMaxRetries < 0 {
		return nil, errors.New("default max retries cannot be negative")
	}
	return &taskService{
		store:             store,
		registry:          registry,
		emitter:           emitter,
		defaultMaxRetries: defaultMaxRetries,
		logger:            logger.With(slog.String("component", "task_service")),
	}, nil
}

func (s *taskService) Submit(ctx context.Context, taskType string, payload json.RawMessage, priority int) (uuid.UUID, error) {
	chain, err := s.registry.ChainFor(taskType)
	if err != nil {
		return uuid.Nil, &TaskServiceError{
			Operation: "submit",
			Message:   fmt.Sprintf("task type %q is not registered", taskType),
			Err:       err,
		}
	}

	t := task.New(taskType, payload, priority, chain.First(), s.defaultMaxRetries)
	t.Status = task.StatusWaiting

	if err := s.store.Save(ctx, t); err != nil {
		return uuid.Nil, &TaskServiceError{
			Operation: "submit",
			Message:   "failed to persist task",
			Err:       err,
		}
	}

	s.logger.InfoContext(ctx, "task submitted",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", t.Type),
		slog.Int("priority", t.Priority))

	// The submission event is best effort: it exists to wake the dispatcher
	// ahead of its next tick. The task is already persisted, so the timer
	// fallback picks it up even if emission fails.
	if err := s.emitter.EmitEvent(ctx, events.NewTaskSubmittedEvent(t.ID, t.Type, t.Priority)); err != nil {
		s.logger.WarnContext(ctx, "failed to emit task submitted event",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}

	return t.ID, nil
}

func (s *taskService) Cancel(ctx context.Context, id uuid.UUID) error {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return &TaskServiceError{
			Operation: "cancel",
			Message:   "failed to load task",
			Err:       err,
		}
	}

	if t.Status.Terminal() {
		return &TaskServiceError{
			Operation: "cancel",
			Message:   fmt.Sprintf("task is already %s", t.Status),
			Err:       ErrCancelNotAllowed,
		}
	}

	// A waiting task is not owned by any worker, so cancellation is
	// immediate. The status swap races against the dispatcher claiming
	// the task; losing the race means the task went running and we fall
	// through to the cooperative path.
	if t.Status == task.StatusWaiting || t.Status == task.StatusCreated {
		swapped, err := s.store.CompareAndSwapStatus(ctx, id, t.Status, task.StatusCancelled)
		if err != nil {
			return &TaskServiceError{
				Operation: "cancel",
				Message:   "failed to cancel waiting task",
				Err:       err,
			}
		}
		if swapped {
			s.logger.InfoContext(ctx, "waiting task cancelled",
				slog.String("task_id", id.String()))
			return nil
		}
	}

	// Running (or just claimed): set the cancellation flag. The version
	// bump forces any in-flight save to conflict, so the runner observes
	// the request at its next stage boundary.
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return &TaskServiceError{
			Operation: "cancel",
			Message:   "failed to request cancellation",
			Err:       err,
		}
	}
	s.logger.InfoContext(ctx, "cancellation requested",
		slog.String("task_id", id.String()))
	return nil
}

func (s *taskService) GetStatus(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, &TaskServiceError{
			Operation: "get_status",
			Message:   "failed to load task",
			Err:       err,
		}
	}
	return t, nil
}

func (s *taskService) GetResult(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, &TaskServiceError{
			Operation: "get_result",
			Message:   "failed to load task",
			Err:       err,
		}
	}
	if t.Status != task.StatusCompleted {
		return nil, &TaskServiceError{
			Operation: "get_result",
			Message:   fmt.Sprintf("task is %s, result is only available for completed tasks", t.Status),
			Err:       task.ErrNotCompleted,
		}
	}
	return t.Context, nil
}
