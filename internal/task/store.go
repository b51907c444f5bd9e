package task

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TaskStore defines the interface for the durable task record. It is the
// only cross-process shared mutable resource; all status mutation goes
// through Save's optimistic version check or the compare-and-swap primitive.
// Version: 1.0
type TaskStore interface {
	// Save upserts a task. For existing tasks the stored version must
	// match the in-memory one or ErrConflict is returned; on success the
	// version is bumped.
	Save(ctx context.Context, t *Task) error

	// GetByID returns the task with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)

	// FindWaiting returns up to limit tasks eligible for dispatch:
	// status waiting and next retry time unset or due. Ordered by
	// priority descending, creation time ascending.
	FindWaiting(ctx context.Context, limit int) ([]*Task, error)

	// CompareAndSwapStatus atomically transitions a task from one status
	// to another, reporting whether exactly one row changed. This is the
	// sole admission-control primitive: it is what keeps a task from
	// running twice when dispatcher replicas race on the same store.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)

	// FindRunningWithExternalID returns running tasks awaiting an
	// external system, for the result poller.
	FindRunningWithExternalID(ctx context.Context) ([]*Task, error)

	// FindRunningWithoutExternalID returns running tasks not awaiting an
	// external system. At startup these are crash orphans to recover.
	FindRunningWithoutExternalID(ctx context.Context) ([]*Task, error)

	// UpdateContext replaces the stored stage context. Idempotent.
	UpdateContext(ctx context.Context, id uuid.UUID, taskContext map[string]any) error

	// UpdateProgress sets the advisory progress value. Idempotent.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error

	// UpdateError sets the last-failure detail. Idempotent.
	UpdateError(ctx context.Context, id uuid.UUID, taskErr *TaskError) error

	// UpdateExternalID sets or clears the current stage's external id.
	// Idempotent.
	UpdateExternalID(ctx context.Context, id uuid.UUID, externalID string) error

	// MarkStarted records the dispatch time of a claimed task.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error

	// RequestCancel sets the cooperative cancellation flag on a running
	// task.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// WithTx returns a TaskStore bound to the provided transaction so
	// multiple operations can commit atomically. The transaction is
	// created and managed by the caller.
	WithTx(tx *sql.Tx) TaskStore
}
