package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Common errors returned by the Queue
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// QueueReader provides read-only access to the task channel, allowing
// workers to consume tasks without the ability to enqueue.
// Version: 1.0
type QueueReader interface {
	// GetChannel returns a read-only channel for consuming tasks
	GetChannel() <-chan *Task
}

// QueueWriter provides write access to the task queue, allowing the
// dispatcher and poller to hand claimed tasks to the worker pool.
// Version: 1.0
type QueueWriter interface {
	// Enqueue adds a task to the queue for processing.
	// Returns an error if the queue is full or closed.
	Enqueue(t *Task) error

	// Close closes the task queue, preventing further task submission
	Close()
}

// Queue is a buffered task queue satisfying both QueueReader and
// QueueWriter. It carries only tasks this process has already claimed via
// CAS; it is a handoff buffer, not an admission mechanism.
type Queue struct {
	tasks  chan *Task
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewQueue creates a new task queue with the specified buffer size
func NewQueue(size int, logger *slog.Logger) *Queue {
	return &Queue{
		tasks:  make(chan *Task, size),
		logger: logger,
	}
}

// Enqueue adds a task to the queue for processing
// Returns an error if the queue is full or closed
func (q *Queue) Enqueue(t *Task) error {
	// The mutex is held across the send so Close cannot close the channel
	// between the closed check and the send. The send never blocks here;
	// a full buffer falls through to the default case.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- t:
		q.logger.Debug("task enqueued",
			"task_id", t.ID,
			"task_type", t.Type,
			"stage", t.Stage,
			"queue_len", len(q.tasks),
			"queue_cap", cap(q.tasks))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.tasks))
	}
}

// Close closes the task queue, preventing further task submission
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
		q.logger.Info("task queue closed")
	}
}

// GetChannel returns a read-only channel for consuming tasks
func (q *Queue) GetChannel() <-chan *Task {
	return q.tasks
}
