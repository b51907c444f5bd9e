package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	// MaxConcurrent caps the number of tasks executing simultaneously.
	MaxConcurrent int

	// QueueSize is the buffer size of the claim handoff queue.
	QueueSize int

	// DispatchInterval is the cadence of the claim loop.
	DispatchInterval time.Duration

	// PollInterval is the cadence of the external-result loop.
	PollInterval time.Duration

	// NotFoundLimit bounds consecutive not-found poll responses before an
	// external job is declared lost.
	NotFoundLimit int

	// RetryBackoff is the unit of the exponential retry delay.
	RetryBackoff time.Duration

	// DrainTimeout bounds how long Stop waits for workers to finish their
	// current stage before abandoning them.
	DrainTimeout time.Duration
}

// DefaultSchedulerConfig returns a SchedulerConfig with reasonable defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent:    4,
		QueueSize:        100,
		DispatchInterval: time.Second,
		PollInterval:     5 * time.Second,
		NotFoundLimit:    3,
		RetryBackoff:     time.Minute,
		DrainTimeout:     30 * time.Second,
	}
}

// Scheduler owns the dispatch loop, the poll loop and the worker pool, with
// a defined start/shutdown lifecycle: both loops are cooperative goroutines
// holding no resource beyond the in-flight set, and shutdown drains them
// with a bounded timeout before abandonment.
type Scheduler struct {
	store      TaskStore
	registry   *Registry
	config     SchedulerConfig
	queue      *Queue
	inflight   *InFlightSet
	runner     *StageRunner
	dispatcher *Dispatcher
	poller     *ResultPoller
	pool       *WorkerPool
	logger     *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewScheduler wires the scheduler components over the given store and
// stage chain registry.
func NewScheduler(store TaskStore, registry *Registry, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultSchedulerConfig().MaxConcurrent
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultSchedulerConfig().QueueSize
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = DefaultSchedulerConfig().DispatchInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultSchedulerConfig().PollInterval
	}
	if config.NotFoundLimit <= 0 {
		config.NotFoundLimit = DefaultSchedulerConfig().NotFoundLimit
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultSchedulerConfig().DrainTimeout
	}

	inflight := NewInFlightSet()
	queue := NewQueue(config.QueueSize, logger)
	runner := NewStageRunner(store, registry, RetryPolicy{Backoff: config.RetryBackoff}, inflight, logger)

	return &Scheduler{
		store:      store,
		registry:   registry,
		config:     config,
		queue:      queue,
		inflight:   inflight,
		runner:     runner,
		dispatcher: NewDispatcher(store, queue, inflight, config.MaxConcurrent, config.DispatchInterval, logger),
		poller:     NewResultPoller(store, registry, runner, queue, config.PollInterval, config.NotFoundLimit, logger),
		pool:       NewWorkerPool(queue, runner, config.MaxConcurrent, logger),
		logger:     logger.With("component", "scheduler"),
	}
}

// Start recovers orphaned tasks and launches the worker pool and both loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.recoverOrphans(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to recover orphaned tasks: %w", err)
	}

	s.pool.Start(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.poller.Run(ctx)
	}()

	s.started = true
	s.logger.Info("scheduler started",
		"max_concurrent", s.config.MaxConcurrent,
		"dispatch_interval", s.config.DispatchInterval,
		"poll_interval", s.config.PollInterval)
	return nil
}

// Notify wakes the dispatcher after a task submission so fresh work is
// claimed ahead of the next interval tick.
func (s *Scheduler) Notify() {
	s.dispatcher.Wake()
}

// InFlight returns the number of tasks currently claimed by this process.
func (s *Scheduler) InFlight() int {
	return s.inflight.Len()
}

// Stop signals both loops and the workers, then waits up to the drain
// timeout for in-progress stages to finish. Workers still running after the
// timeout are abandoned; their tasks are re-adopted by startup recovery or
// another replica's CAS.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler drained cleanly")
	case <-time.After(s.config.DrainTimeout):
		s.logger.Warn("drain timeout exceeded, abandoning in-flight workers",
			"drain_timeout", s.config.DrainTimeout,
			"in_flight", s.inflight.Len())
	}
}

// recoverOrphans resets running tasks with no external id back to waiting.
// These are crash leftovers from a previous process: no worker holds them
// and no external system will ever complete them. Tasks parked on an
// external system are deliberately left alone for the poller.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	orphans, err := s.store.FindRunningWithoutExternalID(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	s.logger.Info("recovering orphaned running tasks", "count", len(orphans))
	for _, t := range orphans {
		requeued, err := s.store.CompareAndSwapStatus(ctx, t.ID, StatusRunning, StatusWaiting)
		if err != nil {
			s.logger.Error("failed to reset orphaned task",
				"task_id", t.ID, "error", err)
			continue
		}
		if requeued {
			s.logger.Info("orphaned task reset to waiting",
				"task_id", t.ID,
				"task_type", t.Type,
				"stage", t.Stage)
		}
	}
	return nil
}
