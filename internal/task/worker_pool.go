package task

import (
	"context"
	"log/slog"
	"sync"
)

// Processor executes the stage logic for one claimed task. Implemented by
// the StageRunner.
// Version: 1.0
type Processor interface {
	// Process drives the task from its current stage until it parks on an
	// external system, re-enters the waiting state, or reaches a terminal
	// status.
	Process(ctx context.Context, t *Task)
}

// WorkerPool manages the bounded set of worker goroutines that execute stage
// logic for claimed tasks. Its size is the global concurrency cap; the
// in-flight worker count never exceeds it regardless of dispatch burst size.
type WorkerPool struct {
	// taskQueue provides read access to the tasks to be processed
	taskQueue QueueReader

	// processor runs the stage state machine for each task
	processor Processor

	// workerCount is the number of concurrent workers to start
	workerCount int

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// logger for structured logging
	logger *slog.Logger
}

// NewWorkerPool creates a worker pool of the given size. Sizes below one are
// coerced to one.
func NewWorkerPool(taskQueue QueueReader, processor Processor, workerCount int, logger *slog.Logger) *WorkerPool {
	if workerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", workerCount,
			"default_count", 1)
		workerCount = 1
	}

	return &WorkerPool{
		taskQueue:   taskQueue,
		processor:   processor,
		workerCount: workerCount,
		logger:      logger,
	}
}

// Start launches the worker goroutines. Workers exit when the context is
// cancelled or the queue channel is closed.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "worker_count", p.workerCount)
}

// Wait blocks until all workers have exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// worker consumes tasks from the queue and processes them
func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return

		case t, ok := <-p.taskQueue.GetChannel():
			if !ok {
				p.logger.Debug("task channel closed, stopping worker", "worker_id", id)
				return
			}
			p.processor.Process(ctx, t)
		}
	}
}
