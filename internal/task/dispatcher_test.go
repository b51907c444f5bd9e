package task

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcherFixture(t *testing.T, maxConcurrent, queueSize int) (*Dispatcher, *MemoryTaskStore, *Queue, *InFlightSet) {
	t.Helper()

	store := NewMemoryTaskStore()
	queue := NewQueue(queueSize, testLogger())
	inflight := NewInFlightSet()
	d := NewDispatcher(store, queue, inflight, maxConcurrent, 10*time.Millisecond, testLogger())
	return d, store, queue, inflight
}

func saveWaiting(t *testing.T, store *MemoryTaskStore, taskType string, priority int) *Task {
	t.Helper()

	tk := New(taskType, nil, priority, "COLLECT", 3)
	tk.Status = StatusWaiting
	require.NoError(t, store.Save(context.Background(), tk))
	return tk
}

func drain(queue *Queue) []*Task {
	var out []*Task
	for {
		select {
		case tk := <-queue.GetChannel():
			out = append(out, tk)
		default:
			return out
		}
	}
}

func TestDispatcher_ClaimsInPriorityOrder(t *testing.T) {
	t.Parallel()

	d, store, queue, inflight := newDispatcherFixture(t, 4, 10)

	low := saveWaiting(t, store, "report", 1)
	high := saveWaiting(t, store, "report", 9)
	mid := saveWaiting(t, store, "report", 5)

	d.dispatchCycle(context.Background())

	claimed := drain(queue)
	require.Len(t, claimed, 3)
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, mid.ID, claimed[1].ID)
	assert.Equal(t, low.ID, claimed[2].ID)

	for _, tk := range claimed {
		got, err := store.GetByID(context.Background(), tk.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status)
		assert.NotNil(t, got.StartedAt)
		assert.True(t, inflight.Contains(tk.ID))
	}
}

func TestDispatcher_TiesBreakByCreationTime(t *testing.T) {
	t.Parallel()

	d, store, queue, _ := newDispatcherFixture(t, 4, 10)

	first := New("report", nil, 5, "COLLECT", 3)
	first.Status = StatusWaiting
	first.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Save(context.Background(), first))

	second := saveWaiting(t, store, "report", 5)

	d.dispatchCycle(context.Background())

	claimed := drain(queue)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID, "equal priority falls back to submission order")
	assert.Equal(t, second.ID, claimed[1].ID)
}

func TestDispatcher_RespectsHeadroom(t *testing.T) {
	t.Parallel()

	d, store, queue, inflight := newDispatcherFixture(t, 2, 10)

	for i := 0; i < 5; i++ {
		saveWaiting(t, store, "report", i)
	}

	d.dispatchCycle(context.Background())
	assert.Len(t, drain(queue), 2, "claims are bounded by available headroom")
	assert.Equal(t, 2, inflight.Len())

	// At capacity the next cycle claims nothing at all.
	d.dispatchCycle(context.Background())
	assert.Empty(t, drain(queue))
	assert.Equal(t, 2, inflight.Len())

	// Releasing one slot opens exactly one claim.
	running, err := store.FindRunningWithoutExternalID(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, running)
	inflight.Remove(running[0].ID)

	d.dispatchCycle(context.Background())
	assert.Len(t, drain(queue), 1)
}

func TestDispatcher_SkipsFutureRetries(t *testing.T) {
	t.Parallel()

	d, store, queue, _ := newDispatcherFixture(t, 4, 10)

	tk := saveWaiting(t, store, "report", 5)
	future := time.Now().Add(time.Hour)
	got, err := store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	got.NextRetryAt = &future
	require.NoError(t, store.Save(context.Background(), got))

	d.dispatchCycle(context.Background())
	assert.Empty(t, drain(queue), "a task backing off is not dispatch-eligible")

	// Once the retry time passes it becomes eligible again.
	past := time.Now().Add(-time.Second)
	got, err = store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	got.NextRetryAt = &past
	require.NoError(t, store.Save(context.Background(), got))

	d.dispatchCycle(context.Background())
	assert.Len(t, drain(queue), 1)
}

func TestDispatcher_LostClaimRaceIsSilent(t *testing.T) {
	t.Parallel()

	d, store, queue, inflight := newDispatcherFixture(t, 4, 10)
	tk := saveWaiting(t, store, "report", 5)

	// Another replica wins the CAS between the read and our claim.
	store.CASFn = func(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
		store.CASFn = nil
		swapped, err := store.CompareAndSwapStatus(ctx, id, StatusWaiting, StatusRunning)
		require.NoError(t, err)
		require.True(t, swapped)
		return false, nil
	}

	d.dispatchCycle(context.Background())

	assert.Empty(t, drain(queue), "losing the race claims nothing")
	assert.False(t, inflight.Contains(tk.ID))
}

func TestDispatcher_EnqueueFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	// Zero-capacity queue rejects every handoff.
	d, store, _, inflight := newDispatcherFixture(t, 4, 0)
	tk := saveWaiting(t, store, "report", 5)

	d.dispatchCycle(context.Background())

	got, err := store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "a claim that cannot be handed off is rolled back")
	assert.False(t, inflight.Contains(tk.ID))
}

func TestDispatcher_SkipsTasksAlreadyInFlight(t *testing.T) {
	t.Parallel()

	d, store, queue, inflight := newDispatcherFixture(t, 4, 10)
	tk := saveWaiting(t, store, "report", 5)
	inflight.Add(tk.ID)

	d.dispatchCycle(context.Background())

	assert.Empty(t, drain(queue))
	got, err := store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "a stale read of an owned task is never re-claimed")
}

func TestDispatcher_WakeIsNonBlocking(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newDispatcherFixture(t, 4, 10)

	// Repeated wake-ups coalesce instead of blocking the caller.
	for i := 0; i < 10; i++ {
		d.Wake()
	}
}

func TestDispatcher_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	d, store, queue, _ := newDispatcherFixture(t, 4, 10)
	saveWaiting(t, store, "report", 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// The wake path claims ahead of the first tick.
	d.Wake()
	assert.Eventually(t, func() bool {
		return len(drain(queue)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch loop did not stop on context cancellation")
	}
}
