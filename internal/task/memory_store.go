package task

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTaskStore implements the TaskStore interface in memory. It honors
// the same optimistic-version and CAS semantics as the Postgres store, which
// makes it the fixture for scheduler tests and a drop-in store for
// single-process development runs.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task

	// SaveFn and CASFn, when set, override the default behavior for
	// fault-injection in tests.
	SaveFn func(ctx context.Context, t *Task) error
	CASFn  func(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)

	now func() time.Time
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]*Task),
		now:   time.Now,
	}
}

// Save upserts a task, enforcing the optimistic version check.
func (s *MemoryTaskStore) Save(ctx context.Context, t *Task) error {
	if s.SaveFn != nil {
		return s.SaveFn(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.tasks[t.ID]
	if exists && stored.Version != t.Version {
		return ErrConflict
	}

	c := t.Clone()
	c.Version++
	c.UpdatedAt = s.now().UTC()
	s.tasks[t.ID] = c
	t.Version = c.Version
	t.UpdatedAt = c.UpdatedAt
	return nil
}

// GetByID returns a copy of the task with the given id.
func (s *MemoryTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// FindWaiting returns dispatch-eligible tasks in priority order.
func (s *MemoryTaskStore) FindWaiting(ctx context.Context, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var eligible []*Task
	for _, t := range s.tasks {
		if t.Status != StatusWaiting {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, t.Clone())
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// CompareAndSwapStatus atomically transitions status, reporting whether the
// transition happened.
func (s *MemoryTaskStore) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	if s.CASFn != nil {
		return s.CASFn(ctx, id, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists || t.Status != from {
		return false, nil
	}
	t.Status = to
	t.Version++
	t.UpdatedAt = s.now().UTC()
	return true, nil
}

// FindRunningWithExternalID returns running tasks awaiting an external system.
func (s *MemoryTaskStore) FindRunningWithExternalID(ctx context.Context) ([]*Task, error) {
	return s.findRunning(true)
}

// FindRunningWithoutExternalID returns running tasks not awaiting an external system.
func (s *MemoryTaskStore) FindRunningWithoutExternalID(ctx context.Context) ([]*Task, error) {
	return s.findRunning(false)
}

func (s *MemoryTaskStore) findRunning(withExternal bool) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status != StatusRunning {
			continue
		}
		if (t.ExternalTaskID != "") == withExternal {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateContext replaces the stored stage context.
func (s *MemoryTaskStore) UpdateContext(ctx context.Context, id uuid.UUID, taskContext map[string]any) error {
	return s.update(id, func(t *Task) {
		t.Context = make(map[string]any, len(taskContext))
		for k, v := range taskContext {
			t.Context[k] = v
		}
	})
}

// UpdateProgress sets the advisory progress value.
func (s *MemoryTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return s.update(id, func(t *Task) {
		t.Progress = progress
	})
}

// UpdateError sets the last-failure detail.
func (s *MemoryTaskStore) UpdateError(ctx context.Context, id uuid.UUID, taskErr *TaskError) error {
	return s.update(id, func(t *Task) {
		t.LastError = taskErr
	})
}

// UpdateExternalID sets or clears the current stage's external id.
func (s *MemoryTaskStore) UpdateExternalID(ctx context.Context, id uuid.UUID, externalID string) error {
	return s.update(id, func(t *Task) {
		t.ExternalTaskID = externalID
	})
}

// MarkStarted records the dispatch time of a claimed task.
func (s *MemoryTaskStore) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.update(id, func(t *Task) {
		started := at.UTC()
		t.StartedAt = &started
	})
}

// RequestCancel sets the cooperative cancellation flag. The version bump
// makes any in-flight optimistic save conflict, forcing the owning worker to
// re-observe the task at its next stage boundary.
func (s *MemoryTaskStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrNotFound
	}
	t.CancelRequested = true
	t.Version++
	t.UpdatedAt = s.now().UTC()
	return nil
}

// WithTx implements TaskStore.WithTx; the in-memory store has no
// transactions, so it returns itself.
func (s *MemoryTaskStore) WithTx(tx *sql.Tx) TaskStore {
	return s
}

// update applies a partial, idempotent field update without touching the
// optimistic version.
func (s *MemoryTaskStore) update(id uuid.UUID, apply func(t *Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrNotFound
	}
	apply(t)
	t.UpdatedAt = s.now().UTC()
	return nil
}
