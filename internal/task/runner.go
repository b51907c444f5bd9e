package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// errCancelObserved signals internally that a save lost its race because
// cancellation was requested, and the cancellation has been finalized.
var errCancelObserved = errors.New("cancellation observed during save")

// StageRunner drives one claimed task through its stage state machine. It is
// the Processor behind the worker pool and also lends its merge/advance and
// failure-routing logic to the result poller, so synchronous and
// asynchronous stage completions follow identical transitions.
//
// Between a successful CAS claim and the terminal or waiting write-back,
// exactly one worker holds the task, so no concurrent mutation of its fields
// is possible; the only competing writer is a cancellation request, observed
// through optimistic-save conflicts at stage boundaries.
type StageRunner struct {
	store    TaskStore
	registry *Registry
	retry    RetryPolicy
	inflight *InFlightSet
	logger   *slog.Logger
	now      func() time.Time
}

// NewStageRunner creates a stage runner over the given store and registry.
func NewStageRunner(store TaskStore, registry *Registry, retry RetryPolicy, inflight *InFlightSet, logger *slog.Logger) *StageRunner {
	return &StageRunner{
		store:    store,
		registry: registry,
		retry:    retry,
		inflight: inflight,
		logger:   logger,
		now:      time.Now,
	}
}

// Process drives the task from its current stage. Synchronous stages execute
// back to back on the calling worker; the first asynchronous stage parks the
// task on the external system and returns, leaving collection to the result
// poller. Stage failures route through the retry policy rather than failing
// the task outright.
func (r *StageRunner) Process(ctx context.Context, t *Task) {
	logger := r.logger.With(
		"task_id", t.ID,
		"task_type", t.Type,
	)

	for {
		// Cooperative cancellation checkpoint: re-read the persisted
		// record at each stage boundary.
		fresh, err := r.store.GetByID(ctx, t.ID)
		if err != nil {
			logger.Error("failed to reload task at stage boundary", "error", err)
			r.inflight.Remove(t.ID)
			return
		}
		if fresh.CancelRequested || fresh.Status == StatusCancelled {
			r.FinalizeCancelled(ctx, fresh)
			return
		}
		if fresh.Status != StatusRunning {
			// Another path already moved the task on; nothing to do.
			logger.Debug("task no longer running, releasing", "status", fresh.Status)
			r.inflight.Remove(t.ID)
			return
		}
		t = fresh

		chain, err := r.registry.ChainFor(t.Type)
		if err != nil {
			r.HandleFailure(ctx, t, &ExecutionError{Stage: t.Stage, Err: err})
			return
		}
		exec, err := chain.Executor(t.Stage)
		if err != nil {
			r.HandleFailure(ctx, t, &ExecutionError{Stage: t.Stage, Err: err})
			return
		}

		if exec.Mode() == ModeAsync {
			r.submitAsync(ctx, t, exec.(AsyncExecutor), logger)
			return
		}

		output, err := safeExecute(ctx, exec.(SyncExecutor), t)
		if err != nil {
			r.HandleFailure(ctx, t, &ExecutionError{Stage: t.Stage, Err: err})
			return
		}

		finished, err := r.CompleteStage(ctx, t, output)
		if err != nil || finished {
			return
		}
		// Loop into the next stage on the same worker.
	}
}

// submitAsync hands the current stage to its external system and records the
// external id, leaving the task running for the poller to observe.
func (r *StageRunner) submitAsync(ctx context.Context, t *Task, exec AsyncExecutor, logger *slog.Logger) {
	externalID, err := safeSubmit(ctx, exec, t)
	if err != nil {
		r.HandleFailure(ctx, t, &SubmissionError{Stage: t.Stage, Err: err})
		return
	}

	if err := r.store.UpdateExternalID(ctx, t.ID, externalID); err != nil {
		// Without the recorded id the poller can never collect the
		// result, so treat the submission as failed.
		r.HandleFailure(ctx, t, &SubmissionError{
			Stage: t.Stage,
			Err:   fmt.Errorf("failed to record external id: %w", err),
		})
		return
	}

	logger.Info("stage submitted to external system",
		"stage", t.Stage,
		"external_id", externalID)
}

// CompleteStage merges the stage output into the task context, clears the
// external id, and advances the stage pointer. Reaching the terminal marker
// completes the task and releases it from the in-flight set. Returns true
// when the task finished (completed, or its write-back was absorbed by a
// cancellation).
func (r *StageRunner) CompleteStage(ctx context.Context, t *Task, output map[string]any) (bool, error) {
	chain, err := r.registry.ChainFor(t.Type)
	if err != nil {
		r.HandleFailure(ctx, t, &ExecutionError{Stage: t.Stage, Err: err})
		return true, err
	}
	next, err := chain.Next(t.Stage)
	if err != nil {
		r.HandleFailure(ctx, t, &ExecutionError{Stage: t.Stage, Err: err})
		return true, err
	}
	position, err := chain.Position(t.Stage)
	if err != nil {
		r.HandleFailure(ctx, t, &ExecutionError{Stage: t.Stage, Err: err})
		return true, err
	}

	t.MergeContext(output)
	t.ExternalTaskID = ""

	if next == StageFinished {
		now := r.now().UTC()
		t.Stage = StageFinished
		t.Status = StatusCompleted
		t.Progress = 100
		t.EndedAt = &now

		if err := r.saveTransition(ctx, t); err != nil {
			return true, err
		}
		r.inflight.Remove(t.ID)
		r.logger.Info("task completed",
			"task_id", t.ID,
			"task_type", t.Type)
		return true, nil
	}

	t.Stage = next
	t.Progress = (position + 1) * 100 / chain.Len()

	if err := r.saveTransition(ctx, t); err != nil {
		return true, err
	}
	r.logger.Debug("stage advanced",
		"task_id", t.ID,
		"task_type", t.Type,
		"stage", t.Stage,
		"progress", t.Progress)
	return false, nil
}

// HandleFailure routes a stage failure through the retry policy. Retryable
// failures revert the task to waiting with the stage pointer preserved, so
// the dispatcher re-claims it at the failed stage once the backoff elapses.
// Exhausted retries make the failure terminal.
func (r *StageRunner) HandleFailure(ctx context.Context, t *Task, cause error) {
	decision := r.retry.Decide(t.RetryCount, t.MaxRetries, r.now())

	t.LastError = &TaskError{
		Message: cause.Error(),
		Stage:   t.Stage,
		Attempt: t.RetryCount,
	}
	t.ExternalTaskID = ""

	if decision.Terminal {
		r.failTerminal(ctx, t)
		return
	}

	t.RetryCount = decision.RetryCount
	nextRetry := decision.NextRetryAt
	t.NextRetryAt = &nextRetry
	t.Status = StatusWaiting

	if err := r.saveTransition(ctx, t); err != nil {
		return
	}
	r.inflight.Remove(t.ID)
	r.logger.Warn("task scheduled for retry",
		"task_id", t.ID,
		"task_type", t.Type,
		"stage", t.Stage,
		"retry_count", t.RetryCount,
		"max_retries", t.MaxRetries,
		"next_retry_at", nextRetry,
		"error", cause)
}

// FailTerminal moves a task to the error status without consulting the retry
// policy. Used when polling gives up on a lost external job; LastError must
// already be set by the caller or via cause.
func (r *StageRunner) FailTerminal(ctx context.Context, t *Task, cause error) {
	t.LastError = &TaskError{
		Message: cause.Error(),
		Stage:   t.Stage,
		Attempt: t.RetryCount,
	}
	t.ExternalTaskID = ""
	r.failTerminal(ctx, t)
}

func (r *StageRunner) failTerminal(ctx context.Context, t *Task) {
	now := r.now().UTC()
	t.Status = StatusError
	t.NextRetryAt = nil
	t.EndedAt = &now

	if err := r.saveTransition(ctx, t); err != nil {
		return
	}
	r.inflight.Remove(t.ID)
	r.logger.Error("task failed permanently",
		"task_id", t.ID,
		"task_type", t.Type,
		"stage", t.Stage,
		"retry_count", t.RetryCount,
		"error", t.LastError.Message)
}

// FinalizeCancelled moves a task observed as cancel-requested to the
// cancelled status. Side effects of already-performed stages are left
// intact.
func (r *StageRunner) FinalizeCancelled(ctx context.Context, t *Task) {
	now := r.now().UTC()
	t.Status = StatusCancelled
	t.ExternalTaskID = ""
	t.EndedAt = &now

	if err := r.store.Save(ctx, t); err != nil {
		if errors.Is(err, ErrConflict) {
			// One more attempt against the latest version; the only
			// competing writer at this point is another cancel path.
			if fresh, gerr := r.store.GetByID(ctx, t.ID); gerr == nil && !fresh.Status.Terminal() {
				fresh.Status = StatusCancelled
				fresh.ExternalTaskID = ""
				fresh.EndedAt = &now
				if serr := r.store.Save(ctx, fresh); serr != nil {
					r.logger.Error("failed to finalize cancellation", "task_id", t.ID, "error", serr)
				}
			}
		} else {
			r.logger.Error("failed to finalize cancellation", "task_id", t.ID, "error", err)
		}
	}

	r.inflight.Remove(t.ID)
	r.logger.Info("task cancelled",
		"task_id", t.ID,
		"task_type", t.Type,
		"stage", t.Stage)
}

// saveTransition persists a status/stage transition. A version conflict
// means a cancellation request raced the write; the cancellation wins and is
// finalized here.
func (r *StageRunner) saveTransition(ctx context.Context, t *Task) error {
	err := r.store.Save(ctx, t)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrConflict) {
		fresh, gerr := r.store.GetByID(ctx, t.ID)
		if gerr == nil && (fresh.CancelRequested || fresh.Status == StatusCancelled) {
			r.FinalizeCancelled(ctx, fresh)
			return errCancelObserved
		}
	}

	r.logger.Error("failed to persist task transition",
		"task_id", t.ID,
		"task_type", t.Type,
		"status", t.Status,
		"stage", t.Stage,
		"error", err)
	r.inflight.Remove(t.ID)
	return err
}

// safeExecute runs a synchronous stage, converting panics in stage code into
// errors so they route through the retry policy.
func safeExecute(ctx context.Context, exec SyncExecutor, t *Task) (output map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage panicked: %v", p)
		}
	}()
	return exec.Execute(ctx, t)
}

// safeSubmit submits an asynchronous stage with the same panic conversion.
func safeSubmit(ctx context.Context, exec AsyncExecutor, t *Task) (externalID string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage submit panicked: %v", p)
		}
	}()
	return exec.Submit(ctx, t)
}
