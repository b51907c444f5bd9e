package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/stagehand/internal/platform/postgres"
	"github.com/phrazzld/stagehand/internal/task"
)

// testDBEnvVar names the connection string for integration tests. When the
// variable is unset the tests skip, so the default unit run needs no
// database.
const testDBEnvVar = "STAGEHAND_TEST_DB_URL"

var (
	migrateOnce sync.Once
	migrateErr  error
)

// withTestStore opens the test database, applies migrations once, and runs
// fn against a store bound to a transaction that is rolled back afterwards,
// keeping tests isolated from each other.
func withTestStore(t *testing.T, fn func(ctx context.Context, store task.TaskStore)) {
	t.Helper()

	url := os.Getenv(testDBEnvVar)
	if url == "" {
		t.Skipf("skipping: %s not set", testDBEnvVar)
	}

	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(ctx))

	migrateOnce.Do(func() {
		logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
		migrateErr = postgres.MigrateUp(db, logger)
	})
	require.NoError(t, migrateErr)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	fn(ctx, postgres.NewPostgresTaskStore(tx))
}

func newStoredTask(t *testing.T, ctx context.Context, store task.TaskStore, priority int) *task.Task {
	t.Helper()
	tk := task.New("report", json.RawMessage(`{"source":"ledger"}`), priority, "COLLECT", 3)
	tk.Status = task.StatusWaiting
	require.NoError(t, store.Save(ctx, tk))
	return tk
}

func TestPostgresTaskStore_SaveAndGet(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		tk := newStoredTask(t, ctx, store, 5)
		assert.Equal(t, int64(1), tk.Version)

		got, err := store.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, tk.ID, got.ID)
		assert.Equal(t, "report", got.Type)
		assert.Equal(t, task.StatusWaiting, got.Status)
		assert.Equal(t, "COLLECT", got.Stage)
		assert.Equal(t, 5, got.Priority)
		assert.Equal(t, json.RawMessage(`{"source":"ledger"}`), got.Payload)
		assert.Empty(t, got.ExternalTaskID)
		assert.Nil(t, got.LastError)
	})
}

func TestPostgresTaskStore_GetByIDNotFound(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		_, err := store.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestPostgresTaskStore_SaveConflictOnStaleVersion(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		tk := newStoredTask(t, ctx, store, 0)

		stale := tk.Clone()
		tk.Progress = 50
		require.NoError(t, store.Save(ctx, tk))
		assert.Equal(t, int64(2), tk.Version)

		stale.Progress = 75
		assert.ErrorIs(t, store.Save(ctx, stale), task.ErrConflict)
	})
}

func TestPostgresTaskStore_CompareAndSwapStatus(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		tk := newStoredTask(t, ctx, store, 0)

		swapped, err := store.CompareAndSwapStatus(ctx, tk.ID, task.StatusWaiting, task.StatusRunning)
		require.NoError(t, err)
		assert.True(t, swapped)

		swapped, err = store.CompareAndSwapStatus(ctx, tk.ID, task.StatusWaiting, task.StatusRunning)
		require.NoError(t, err)
		assert.False(t, swapped)

		got, err := store.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, got.Status)
	})
}

func TestPostgresTaskStore_FindWaitingOrderingAndEligibility(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		low := newStoredTask(t, ctx, store, 1)
		high := newStoredTask(t, ctx, store, 9)

		deferred := newStoredTask(t, ctx, store, 9)
		future := time.Now().UTC().Add(time.Hour)
		deferred.NextRetryAt = &future
		require.NoError(t, store.Save(ctx, deferred))

		found, err := store.FindWaiting(ctx, 10)
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, high.ID, found[0].ID)
		assert.Equal(t, low.ID, found[1].ID)
	})
}

func TestPostgresTaskStore_FindRunningPartitionsByExternalID(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		parked := newStoredTask(t, ctx, store, 0)
		orphan := newStoredTask(t, ctx, store, 0)
		for _, id := range []uuid.UUID{parked.ID, orphan.ID} {
			swapped, err := store.CompareAndSwapStatus(ctx, id, task.StatusWaiting, task.StatusRunning)
			require.NoError(t, err)
			require.True(t, swapped)
		}
		require.NoError(t, store.UpdateExternalID(ctx, parked.ID, "job-42"))

		withExternal, err := store.FindRunningWithExternalID(ctx)
		require.NoError(t, err)
		require.Len(t, withExternal, 1)
		assert.Equal(t, parked.ID, withExternal[0].ID)
		assert.Equal(t, "job-42", withExternal[0].ExternalTaskID)

		without, err := store.FindRunningWithoutExternalID(ctx)
		require.NoError(t, err)
		require.Len(t, without, 1)
		assert.Equal(t, orphan.ID, without[0].ID)
	})
}

func TestPostgresTaskStore_PartialUpdatesPreserveVersion(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		tk := newStoredTask(t, ctx, store, 0)

		require.NoError(t, store.UpdateProgress(ctx, tk.ID, 50))
		require.NoError(t, store.UpdateContext(ctx, tk.ID, map[string]any{"rows": float64(128)}))
		require.NoError(t, store.UpdateError(ctx, tk.ID, &task.TaskError{Message: "broker unreachable", Stage: "COLLECT"}))
		started := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, store.MarkStarted(ctx, tk.ID, started))

		got, err := store.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, 50, got.Progress)
		assert.Equal(t, map[string]any{"rows": float64(128)}, got.Context)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "broker unreachable", got.LastError.Message)
		require.NotNil(t, got.StartedAt)
		assert.WithinDuration(t, started, *got.StartedAt, time.Second)
		assert.Equal(t, tk.Version, got.Version)

		// The holder's optimistic save still succeeds after partial updates.
		tk.Progress = 75
		assert.NoError(t, store.Save(ctx, tk))
	})
}

func TestPostgresTaskStore_RequestCancelBumpsVersion(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		tk := newStoredTask(t, ctx, store, 0)

		require.NoError(t, store.RequestCancel(ctx, tk.ID))

		got, err := store.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)
		assert.Greater(t, got.Version, tk.Version)

		// An in-flight save holding the old version must conflict.
		tk.Progress = 10
		assert.ErrorIs(t, store.Save(ctx, tk), task.ErrConflict)

		assert.ErrorIs(t, store.RequestCancel(ctx, uuid.New()), task.ErrNotFound)
	})
}

func TestPostgresTaskStore_ExternalIDRoundTrip(t *testing.T) {
	withTestStore(t, func(ctx context.Context, store task.TaskStore) {
		tk := newStoredTask(t, ctx, store, 0)

		require.NoError(t, store.UpdateExternalID(ctx, tk.ID, "job-7"))
		got, err := store.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, "job-7", got.ExternalTaskID)

		// Clearing maps back to SQL NULL.
		require.NoError(t, store.UpdateExternalID(ctx, tk.ID, ""))
		got, err = store.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ExternalTaskID)
	})
}
