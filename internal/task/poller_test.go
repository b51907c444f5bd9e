package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollerFixture wires a poller over the runner fixture plus a handoff queue.
type pollerFixture struct {
	*runnerFixture
	queue  *Queue
	poller *ResultPoller
}

func newPollerFixture(t *testing.T, notFoundLimit, queueSize int, chains ...*Chain) *pollerFixture {
	t.Helper()

	rf := newRunnerFixture(t, chains...)
	queue := NewQueue(queueSize, testLogger())
	poller := NewResultPoller(rf.store, rf.registry, rf.runner, queue, 10*time.Millisecond, notFoundLimit, testLogger())
	return &pollerFixture{runnerFixture: rf, queue: queue, poller: poller}
}

// parkedTask creates a running task holding an external id, as left behind by
// an async submit.
func (f *pollerFixture) parkedTask(t *testing.T, taskType, stage, externalID string) *Task {
	t.Helper()

	tk := f.claimedTask(t, taskType, stage)
	require.NoError(t, f.store.UpdateExternalID(context.Background(), tk.ID, externalID))
	return tk
}

func TestResultPoller_CompletesFinalAsyncStage(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{
			stage: "ENCODE",
			next:  StageFinished,
			checkFn: func(ctx context.Context, externalID string) (ExternalStatus, error) {
				return ExternalCompleted, nil
			},
			collectFn: func(ctx context.Context, externalID string) (map[string]any, error) {
				return map[string]any{"artifact": "video.mp4"}, nil
			},
		},
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-42")

	f.poller.pollCycle(context.Background())

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "video.mp4", got.Context["artifact"])
	assert.Empty(t, got.ExternalTaskID, "external id is cleared on stage completion")
	assert.Equal(t, 0, f.inflight.Len())
}

func TestResultPoller_ContinuationReentersWorkerPool(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{
			stage: "ENCODE",
			next:  "PUBLISH",
			checkFn: func(ctx context.Context, externalID string) (ExternalStatus, error) {
				return ExternalCompleted, nil
			},
			collectFn: func(ctx context.Context, externalID string) (map[string]any, error) {
				return map[string]any{"artifact": "video.mp4"}, nil
			},
		},
		SyncStageFunc("PUBLISH", StageFinished, func(ctx context.Context, tk *Task) (map[string]any, error) {
			return nil, nil
		}),
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-42")

	f.poller.pollCycle(context.Background())

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status, "the continuation stays owned by this process")
	assert.Equal(t, "PUBLISH", got.Stage)
	assert.Equal(t, 50, got.Progress)
	assert.True(t, f.inflight.Contains(tk.ID))

	select {
	case queued := <-f.queue.GetChannel():
		assert.Equal(t, tk.ID, queued.ID, "remaining stages go back to the worker pool")
	default:
		t.Fatal("expected the continuation to be enqueued")
	}
}

func TestResultPoller_ContinuationFallsBackToWaitingWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{
			stage: "ENCODE",
			next:  "PUBLISH",
			checkFn: func(ctx context.Context, externalID string) (ExternalStatus, error) {
				return ExternalCompleted, nil
			},
		},
		SyncStageFunc("PUBLISH", StageFinished, func(ctx context.Context, tk *Task) (map[string]any, error) {
			return nil, nil
		}),
	)
	f := newPollerFixture(t, 3, 0, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-42")

	f.poller.pollCycle(context.Background())

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "a rejected continuation is handed back to the dispatcher")
	assert.Equal(t, "PUBLISH", got.Stage, "the advanced stage pointer is preserved")
	assert.False(t, f.inflight.Contains(tk.ID))
}

func TestResultPoller_ExternalRunningIsANoOp(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{stage: "ENCODE", next: StageFinished},
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-42")

	f.poller.pollCycle(context.Background())

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "job-42", got.ExternalTaskID)
}

func TestResultPoller_ExternalErrorRoutesThroughRetryPolicy(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{
			stage: "ENCODE",
			next:  StageFinished,
			checkFn: func(ctx context.Context, externalID string) (ExternalStatus, error) {
				return ExternalError, nil
			},
		},
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-42")

	f.poller.pollCycle(context.Background())

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "an external failure is retryable like a sync failure")
	assert.Equal(t, "ENCODE", got.Stage)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ExternalTaskID)
}

func TestResultPoller_NotFoundIsToleratedUpToTheBound(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{
			stage: "ENCODE",
			next:  StageFinished,
			checkFn: func(ctx context.Context, externalID string) (ExternalStatus, error) {
				return "", ErrExternalNotFound
			},
		},
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-lost")

	// Three consecutive not-found responses are tolerated.
	for i := 0; i < 3; i++ {
		f.poller.pollCycle(context.Background())
		got, err := f.store.GetByID(context.Background(), tk.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status, "check %d should still tolerate not-found", i+1)
	}

	// The fourth declares the job lost.
	f.poller.pollCycle(context.Background())
	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, got.LastError.Message, "not found")
	assert.Equal(t, 0, f.inflight.Len())
}

func TestResultPoller_SuccessfulCheckResetsNotFoundCounter(t *testing.T) {
	t.Parallel()

	var calls int
	chain := mustChain(t, "transcode",
		&fakeAsync{
			stage: "ENCODE",
			next:  StageFinished,
			checkFn: func(ctx context.Context, externalID string) (ExternalStatus, error) {
				calls++
				// Every third check the job is visible again.
				if calls%3 == 0 {
					return ExternalRunning, nil
				}
				return "", ErrExternalNotFound
			},
		},
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-flaky")

	for i := 0; i < 12; i++ {
		f.poller.pollCycle(context.Background())
	}

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status,
		"interleaved successful checks keep the not-found counter below the bound")
}

func TestResultPoller_TransientCheckErrorIsIgnored(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{
			stage: "ENCODE",
			next:  StageFinished,
			checkFn: func(ctx context.Context, externalID string) (ExternalStatus, error) {
				return "", errors.New("connection timeout")
			},
		},
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-42")

	for i := 0; i < 10; i++ {
		f.poller.pollCycle(context.Background())
	}

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status,
		"an ambiguous status check never fails the task")
	assert.Equal(t, 0, got.RetryCount)
}

func TestResultPoller_FinalizesCancelRequestedTasks(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "transcode",
		&fakeAsync{stage: "ENCODE", next: StageFinished},
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "transcode", "ENCODE", "job-42")
	require.NoError(t, f.store.RequestCancel(context.Background(), tk.ID))

	f.poller.pollCycle(context.Background())

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, got.ExternalTaskID)
	assert.Equal(t, 0, f.inflight.Len())
}

func TestResultPoller_SyncStageWithExternalIDFails(t *testing.T) {
	t.Parallel()

	chain := mustChain(t, "report",
		SyncStageFunc("COLLECT", StageFinished, func(ctx context.Context, tk *Task) (map[string]any, error) {
			return nil, nil
		}),
	)
	f := newPollerFixture(t, 3, 10, chain)
	tk := f.parkedTask(t, "report", "COLLECT", "impossible")

	f.poller.pollCycle(context.Background())

	got, err := f.store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, got.LastError.Message, "not asynchronous")
}
