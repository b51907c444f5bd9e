// Package postgres implements the persistence collaborators over PostgreSQL
// using the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/stagehand/internal/platform/logger"
	"github.com/phrazzld/stagehand/internal/store"
	"github.com/phrazzld/stagehand/internal/task"
)

// taskColumns is the select list shared by every task query, kept in scan
// order for scanTask.
const taskColumns = `
	id, type, payload, status, stage, priority, progress, context,
	external_task_id, retry_count, max_retries, next_retry_at, last_error,
	cancel_requested, version, created_at, updated_at, started_at, ended_at`

// PostgresTaskStore implements the task.TaskStore interface using PostgreSQL.
// Status transitions rely on conditional UPDATEs: the optimistic version
// check in Save and the status predicate in CompareAndSwapStatus are what
// keep concurrent scheduler replicas from running the same task twice.
type PostgresTaskStore struct {
	db    store.DBTX
	codec task.Codec
}

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:    db,
		codec: task.JSONCodec{},
	}
}

// WithTx returns a store bound to the provided transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) task.TaskStore {
	return &PostgresTaskStore{db: tx, codec: s.codec}
}

// Save upserts a task. New tasks (version zero) are inserted; existing tasks
// are updated only when the stored version still matches, returning
// task.ErrConflict otherwise.
func (s *PostgresTaskStore) Save(ctx context.Context, t *task.Task) error {
	log := logger.FromContext(ctx)

	contextJSON, err := s.codec.Encode(t.Context)
	if err != nil {
		return fmt.Errorf("failed to encode task context: %w", err)
	}
	var errorJSON []byte
	if t.LastError != nil {
		if errorJSON, err = s.codec.Encode(t.LastError); err != nil {
			return fmt.Errorf("failed to encode task error: %w", err)
		}
	}

	now := time.Now().UTC()

	if t.Version == 0 {
		query := `
			INSERT INTO tasks (
				id, type, payload, status, stage, priority, progress, context,
				external_task_id, retry_count, max_retries, next_retry_at, last_error,
				cancel_requested, version, created_at, updated_at, started_at, ended_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16, $17, $18)
		`
		_, err := s.db.ExecContext(ctx, query,
			t.ID, t.Type, []byte(t.Payload), t.Status, t.Stage, t.Priority, t.Progress,
			contextJSON, nullString(t.ExternalTaskID), t.RetryCount, t.MaxRetries,
			nullTime(t.NextRetryAt), errorJSON, t.CancelRequested,
			t.CreatedAt, now, nullTime(t.StartedAt), nullTime(t.EndedAt),
		)
		if err != nil {
			log.Error("failed to insert task",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
			return fmt.Errorf("failed to save task to database: %w", err)
		}
		t.Version = 1
		t.UpdatedAt = now
		return nil
	}

	query := `
		UPDATE tasks
		SET status = $2, stage = $3, progress = $4, context = $5,
			external_task_id = $6, retry_count = $7, next_retry_at = $8,
			last_error = $9, cancel_requested = $10, version = version + 1,
			updated_at = $11, started_at = $12, ended_at = $13
		WHERE id = $1 AND version = $14
	`
	result, err := s.db.ExecContext(ctx, query,
		t.ID, t.Status, t.Stage, t.Progress, contextJSON,
		nullString(t.ExternalTaskID), t.RetryCount, nullTime(t.NextRetryAt),
		errorJSON, t.CancelRequested, now, nullTime(t.StartedAt), nullTime(t.EndedAt),
		t.Version,
	)
	if err != nil {
		log.Error("failed to update task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost optimistic race from a missing row.
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, t.ID).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("failed to check task existence: %w", checkErr)
		}
		if !exists {
			return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
		}
		return fmt.Errorf("%w: task %s", task.ErrConflict, t.ID)
	}

	t.Version++
	t.UpdatedAt = now
	return nil
}

// GetByID returns the task with the given id.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := s.scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// FindWaiting returns up to limit dispatch-eligible tasks ordered by
// priority descending, creation time ascending.
func (s *PostgresTaskStore) FindWaiting(ctx context.Context, limit int) ([]*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
	`
	return s.queryTasks(ctx, query, task.StatusWaiting, time.Now().UTC(), limit)
}

// CompareAndSwapStatus atomically transitions a task between statuses.
// Exactly one concurrent caller observes true; the rest see zero rows
// affected.
func (s *PostgresTaskStore) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to task.Status) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND status = $2
	`
	result, err := s.db.ExecContext(ctx, query, id, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to swap task status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// FindRunningWithExternalID returns running tasks awaiting an external
// system, oldest first.
func (s *PostgresTaskStore) FindRunningWithExternalID(ctx context.Context) ([]*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND external_task_id IS NOT NULL
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query, task.StatusRunning)
}

// FindRunningWithoutExternalID returns running tasks not awaiting an
// external system; at startup these are crash orphans.
func (s *PostgresTaskStore) FindRunningWithoutExternalID(ctx context.Context) ([]*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND external_task_id IS NULL
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query, task.StatusRunning)
}

// UpdateContext replaces the stored stage context.
func (s *PostgresTaskStore) UpdateContext(ctx context.Context, id uuid.UUID, taskContext map[string]any) error {
	contextJSON, err := s.codec.Encode(taskContext)
	if err != nil {
		return fmt.Errorf("failed to encode task context: %w", err)
	}
	return s.partialUpdate(ctx, id, `context = $2`, contextJSON)
}

// UpdateProgress sets the advisory progress value.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return s.partialUpdate(ctx, id, `progress = $2`, progress)
}

// UpdateError sets the last-failure detail.
func (s *PostgresTaskStore) UpdateError(ctx context.Context, id uuid.UUID, taskErr *task.TaskError) error {
	var errorJSON []byte
	if taskErr != nil {
		var err error
		if errorJSON, err = s.codec.Encode(taskErr); err != nil {
			return fmt.Errorf("failed to encode task error: %w", err)
		}
	}
	return s.partialUpdate(ctx, id, `last_error = $2`, errorJSON)
}

// UpdateExternalID sets or clears the current stage's external id.
func (s *PostgresTaskStore) UpdateExternalID(ctx context.Context, id uuid.UUID, externalID string) error {
	return s.partialUpdate(ctx, id, `external_task_id = $2`, nullString(externalID))
}

// MarkStarted records the dispatch time of a claimed task.
func (s *PostgresTaskStore) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.partialUpdate(ctx, id, `started_at = $2`, at.UTC())
}

// RequestCancel sets the cooperative cancellation flag. The version bump
// forces any in-flight optimistic save by the owning worker to conflict and
// re-observe the task.
func (s *PostgresTaskStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks
		SET cancel_requested = TRUE, version = version + 1, updated_at = $2
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return nil
}

// partialUpdate applies one idempotent field update without bumping the
// optimistic version.
func (s *PostgresTaskStore) partialUpdate(ctx context.Context, id uuid.UUID, setClause string, value any) error {
	query := `UPDATE tasks SET ` + setClause + `, updated_at = $3 WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, value, time.Now().UTC())
	if err != nil {
		logger.FromContext(ctx).Error("failed to update task field",
			"task_id", id,
			"error", err)
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return nil
}

// queryTasks runs a multi-row task query and scans the results.
func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	log := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "error", err)
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask hydrates one task from the shared column list.
func (s *PostgresTaskStore) scanTask(row rowScanner) (*task.Task, error) {
	var (
		t              task.Task
		payload        []byte
		contextJSON    []byte
		errorJSON      []byte
		externalTaskID sql.NullString
		nextRetryAt    sql.NullTime
		startedAt      sql.NullTime
		endedAt        sql.NullTime
	)

	err := row.Scan(
		&t.ID, &t.Type, &payload, &t.Status, &t.Stage, &t.Priority, &t.Progress,
		&contextJSON, &externalTaskID, &t.RetryCount, &t.MaxRetries,
		&nextRetryAt, &errorJSON, &t.CancelRequested, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Payload = json.RawMessage(payload)
	t.ExternalTaskID = externalTaskID.String
	if nextRetryAt.Valid {
		nr := nextRetryAt.Time
		t.NextRetryAt = &nr
	}
	if startedAt.Valid {
		st := startedAt.Time
		t.StartedAt = &st
	}
	if endedAt.Valid {
		et := endedAt.Time
		t.EndedAt = &et
	}

	if len(contextJSON) > 0 {
		if err := s.codec.Decode(contextJSON, &t.Context); err != nil {
			return nil, fmt.Errorf("failed to decode task context: %w", err)
		}
	}
	if t.Context == nil {
		t.Context = make(map[string]any)
	}
	if len(errorJSON) > 0 {
		var taskErr task.TaskError
		if err := s.codec.Decode(errorJSON, &taskErr); err != nil {
			return nil, fmt.Errorf("failed to decode task error: %w", err)
		}
		t.LastError = &taskErr
	}

	return &t, nil
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps a nil time pointer to SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
