package task

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Dispatcher converts waiting tasks into running work under the global
// concurrency cap. It runs one single-threaded claim loop on a fixed
// interval, woken early by submission signals, and fans claimed tasks out to
// the worker pool.
//
// Claiming is safe under multiple dispatcher replicas on the same store:
// only the replica whose CAS succeeds proceeds, the others discard the
// candidate silently. Strict priority ordering can starve low-priority tasks
// under sustained high-priority load; that is an accepted property of this
// design, not a defect.
type Dispatcher struct {
	store         TaskStore
	queue         QueueWriter
	inflight      *InFlightSet
	maxConcurrent int
	interval      time.Duration
	wake          chan struct{}
	logger        *slog.Logger
	now           func() time.Time
}

// NewDispatcher creates a dispatcher claiming into the given queue.
func NewDispatcher(store TaskStore, queue QueueWriter, inflight *InFlightSet, maxConcurrent int, interval time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:         store,
		queue:         queue,
		inflight:      inflight,
		maxConcurrent: maxConcurrent,
		interval:      interval,
		wake:          make(chan struct{}, 1),
		logger:        logger.With("component", "dispatcher"),
		now:           time.Now,
	}
}

// Wake nudges the dispatcher to run a claim cycle ahead of its interval.
// Non-blocking; coalesces with an already-pending wake-up. The interval
// timer remains the fallback, so exact cadence is never a correctness
// requirement.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes claim cycles until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatch loop started",
		"interval", d.interval,
		"max_concurrent", d.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("dispatch loop stopping")
			return
		case <-ticker.C:
			d.dispatchCycle(ctx)
		case <-d.wake:
			d.dispatchCycle(ctx)
		}
	}
}

// dispatchCycle claims up to the available headroom of waiting tasks in
// priority order and hands them to the worker pool.
func (d *Dispatcher) dispatchCycle(ctx context.Context) {
	headroom := d.maxConcurrent - d.inflight.Len()
	if headroom <= 0 {
		// Admission control: skip the cycle entirely at capacity.
		d.logger.Debug("at capacity, skipping dispatch cycle",
			"in_flight", d.inflight.Len())
		return
	}

	candidates, err := d.store.FindWaiting(ctx, headroom)
	if err != nil {
		d.logger.Error("failed to fetch waiting tasks", "error", err)
		return
	}

	for _, t := range candidates {
		if d.inflight.Contains(t.ID) {
			// Already claimed by this process; stale read.
			continue
		}

		claimed, err := d.store.CompareAndSwapStatus(ctx, t.ID, StatusWaiting, StatusRunning)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			d.logger.Error("claim attempt failed", "task_id", t.ID, "error", err)
			continue
		}
		if !claimed {
			// Lost the race to another dispatcher; not a failure.
			d.logger.Debug("lost claim race", "task_id", t.ID)
			continue
		}

		d.inflight.Add(t.ID)
		t.Status = StatusRunning

		startedAt := d.now().UTC()
		if err := d.store.MarkStarted(ctx, t.ID, startedAt); err != nil {
			d.logger.Warn("failed to record start time", "task_id", t.ID, "error", err)
		}
		t.StartedAt = &startedAt

		if err := d.queue.Enqueue(t); err != nil {
			// Could not hand off; release the claim so another cycle
			// or replica can pick the task up.
			d.inflight.Remove(t.ID)
			if _, casErr := d.store.CompareAndSwapStatus(ctx, t.ID, StatusRunning, StatusWaiting); casErr != nil {
				d.logger.Error("failed to release claimed task after enqueue failure",
					"task_id", t.ID, "error", casErr)
			}
			d.logger.Warn("worker queue rejected claimed task",
				"task_id", t.ID, "error", err)
			continue
		}

		d.logger.Info("task claimed",
			"task_id", t.ID,
			"task_type", t.Type,
			"stage", t.Stage,
			"priority", t.Priority)
	}
}
