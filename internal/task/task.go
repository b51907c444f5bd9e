package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current lifecycle state of a task
type Status string

// Possible task status values
const (
	StatusCreated   Status = "created"
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state from which the
// scheduler never moves a task automatically.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// StageFinished is the terminal stage marker. A task reaches StatusCompleted
// only after its stage equals this marker.
const StageFinished = "FINISHED"

// TaskError captures the last failure of a task: the message of the
// triggering error plus the stage and attempt it occurred on.
type TaskError struct {
	// Message is the error text, captured verbatim.
	Message string `json:"message"`

	// Stage is the stage the task was executing when it failed.
	Stage string `json:"stage,omitempty"`

	// Attempt is the retry count at the time of failure.
	Attempt int `json:"attempt,omitempty"`
}

// Task is the envelope for a unit of staged background work.
//
// The scheduler drives a task through the ordered stage chain registered for
// its Type. All status mutation after creation is owned by the dispatcher,
// stage runner and result poller; ingress code only creates tasks and
// requests cancellation.
type Task struct {
	// ID is the unique identifier, assigned at creation, immutable.
	ID uuid.UUID

	// Type selects which stage chain applies.
	Type string

	// Payload is the opaque serialized input, immutable after creation.
	Payload json.RawMessage

	// Status is the current lifecycle state.
	Status Status

	// Stage is the current position in the stage chain. Only meaningful
	// while the task is waiting or running; it advances monotonically and
	// never regresses, including across retries.
	Stage string

	// Priority orders dispatch; higher values are claimed first.
	Priority int

	// Progress is advisory, 0-100.
	Progress int

	// Context accumulates the outputs of completed stages. Merges are
	// additive with last-write-wins per key; the map is never reset.
	Context map[string]any

	// ExternalTaskID identifies work submitted to an external system for
	// the current stage. Set only while the task is running an
	// asynchronous stage; cleared once the stage's result is collected.
	ExternalTaskID string

	// RetryCount and MaxRetries bound automatic recovery.
	RetryCount int
	MaxRetries int

	// NextRetryAt, when set, defers re-dispatch until the given time.
	NextRetryAt *time.Time

	// LastError holds the most recent failure detail. Set on every routed
	// failure; authoritative once Status is StatusError.
	LastError *TaskError

	// CancelRequested marks a running task for cooperative cancellation.
	// Observed at stage boundaries and poll cycles, never forced.
	CancelRequested bool

	// Version is the optimistic-concurrency token checked by Save.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// New creates a task positioned at the first stage of its chain. The task
// starts in the created status; the ingress service moves it to waiting when
// it persists it for dispatch.
func New(taskType string, payload json.RawMessage, priority int, firstStage string, maxRetries int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         uuid.New(),
		Type:       taskType,
		Payload:    payload,
		Status:     StatusCreated,
		Stage:      firstStage,
		Priority:   priority,
		Context:    make(map[string]any),
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MergeContext merges a stage's output into the task context. Existing keys
// are overwritten; keys from earlier stages are otherwise preserved.
func (t *Task) MergeContext(output map[string]any) {
	if t.Context == nil {
		t.Context = make(map[string]any, len(output))
	}
	for k, v := range output {
		t.Context[k] = v
	}
}

// Clone returns a deep-enough copy of the task for handing across goroutine
// boundaries: the context map is copied and pointer fields are duplicated.
func (t *Task) Clone() *Task {
	c := *t
	if t.Context != nil {
		c.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	if t.NextRetryAt != nil {
		nr := *t.NextRetryAt
		c.NextRetryAt = &nr
	}
	if t.LastError != nil {
		le := *t.LastError
		c.LastError = &le
	}
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.EndedAt != nil {
		et := *t.EndedAt
		c.EndedAt = &et
	}
	return &c
}
