package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResultPoller re-checks running tasks that are waiting on an external
// system. It runs its own single-threaded loop on a fixed interval so
// polling cadence is decoupled from dispatch cadence.
//
// Every check is one bounded call into the external system; a slow or
// unresponsive system delays only that task's next observation, never the
// loop. Consecutive not-found responses are tolerated up to a small bound (a
// transient counter distinct from the task's durable retry count) and then
// treated as a terminal failure so a lost external job is not polled
// forever.
type ResultPoller struct {
	store         TaskStore
	registry      *Registry
	runner        *StageRunner
	queue         QueueWriter
	interval      time.Duration
	notFoundLimit int
	logger        *slog.Logger

	mu       sync.Mutex
	notFound map[uuid.UUID]int
}

// NewResultPoller creates a poller that collects asynchronous stage results
// and hands continuation of the remaining stages back to the worker pool.
func NewResultPoller(store TaskStore, registry *Registry, runner *StageRunner, queue QueueWriter, interval time.Duration, notFoundLimit int, logger *slog.Logger) *ResultPoller {
	return &ResultPoller{
		store:         store,
		registry:      registry,
		runner:        runner,
		queue:         queue,
		interval:      interval,
		notFoundLimit: notFoundLimit,
		logger:        logger.With("component", "result_poller"),
		notFound:      make(map[uuid.UUID]int),
	}
}

// Run executes poll cycles until the context is cancelled.
func (p *ResultPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poll loop started",
		"interval", p.interval,
		"not_found_limit", p.notFoundLimit)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("poll loop stopping")
			return
		case <-ticker.C:
			p.pollCycle(ctx)
		}
	}
}

// pollCycle checks every running task with a recorded external id.
func (p *ResultPoller) pollCycle(ctx context.Context) {
	tasks, err := p.store.FindRunningWithExternalID(ctx)
	if err != nil {
		p.logger.Error("failed to fetch externally-running tasks", "error", err)
		return
	}

	for _, t := range tasks {
		p.pollTask(ctx, t)
	}
}

// pollTask makes one bounded observation of a single task's external job.
func (p *ResultPoller) pollTask(ctx context.Context, t *Task) {
	if t.CancelRequested {
		p.clearNotFound(t.ID)
		p.runner.FinalizeCancelled(ctx, t)
		return
	}

	exec, err := p.asyncExecutorFor(t)
	if err != nil {
		p.clearNotFound(t.ID)
		p.runner.HandleFailure(ctx, t, &ExecutionError{Stage: t.Stage, Err: err})
		return
	}

	status, err := exec.CheckStatus(ctx, t.ExternalTaskID)
	if err != nil {
		if errors.Is(err, ErrExternalNotFound) {
			p.recordNotFound(ctx, t)
			return
		}
		// A failed status check is ambiguous, not a task failure;
		// observe again next cycle.
		p.logger.Warn("status check failed",
			"task_id", t.ID,
			"external_id", t.ExternalTaskID,
			"error", err)
		return
	}
	p.clearNotFound(t.ID)

	switch status {
	case ExternalRunning:
		// No-op this cycle.

	case ExternalCompleted:
		output, err := exec.CollectResult(ctx, t.ExternalTaskID)
		if err != nil {
			p.runner.HandleFailure(ctx, t, &ExecutionError{
				Stage: t.Stage,
				Err:   fmt.Errorf("failed to collect result: %w", err),
			})
			return
		}
		finished, err := p.runner.CompleteStage(ctx, t, output)
		if err != nil || finished {
			return
		}
		// More stages remain; continue execution on a worker. The task
		// is still running and owned by this process.
		if err := p.queue.Enqueue(t); err != nil {
			p.logger.Warn("worker queue rejected stage continuation, deferring to next cycle",
				"task_id", t.ID, "error", err)
			// The task sits at its advanced stage with no external
			// id; startup-style recovery or the next enqueue attempt
			// picks it up. Requeue as waiting so the dispatcher can.
			p.runner.inflight.Remove(t.ID)
			if _, casErr := p.store.CompareAndSwapStatus(ctx, t.ID, StatusRunning, StatusWaiting); casErr != nil {
				p.logger.Error("failed to release task after queue rejection",
					"task_id", t.ID, "error", casErr)
			}
		}

	case ExternalError:
		p.runner.HandleFailure(ctx, t, &ExecutionError{
			Stage: t.Stage,
			Err:   fmt.Errorf("external system reported failure for job %s", t.ExternalTaskID),
		})

	default:
		p.logger.Error("external system returned unknown status",
			"task_id", t.ID,
			"external_id", t.ExternalTaskID,
			"status", status)
	}
}

// recordNotFound bumps the transient not-found counter and fails the task
// once the bound is exceeded.
func (p *ResultPoller) recordNotFound(ctx context.Context, t *Task) {
	p.mu.Lock()
	p.notFound[t.ID]++
	count := p.notFound[t.ID]
	p.mu.Unlock()

	if count <= p.notFoundLimit {
		p.logger.Debug("external job not found, tolerating",
			"task_id", t.ID,
			"external_id", t.ExternalTaskID,
			"consecutive", count,
			"limit", p.notFoundLimit)
		return
	}

	p.clearNotFound(t.ID)
	p.runner.FailTerminal(ctx, t, fmt.Errorf(
		"external job %s not found after %d consecutive checks", t.ExternalTaskID, count))
}

func (p *ResultPoller) clearNotFound(id uuid.UUID) {
	p.mu.Lock()
	delete(p.notFound, id)
	p.mu.Unlock()
}

func (p *ResultPoller) asyncExecutorFor(t *Task) (AsyncExecutor, error) {
	chain, err := p.registry.ChainFor(t.Type)
	if err != nil {
		return nil, err
	}
	exec, err := chain.Executor(t.Stage)
	if err != nil {
		return nil, err
	}
	async, ok := exec.(AsyncExecutor)
	if !ok {
		return nil, fmt.Errorf("stage %q holds an external id but is not asynchronous", t.Stage)
	}
	return async, nil
}
