package task

import (
	"context"
	"encoding/json"
)

// ExecutionMode selects the discipline a stage is driven with.
type ExecutionMode string

// Possible execution modes
const (
	// ModeSync stages execute and produce their output in one call; the
	// worker blocks for the stage's duration only.
	ModeSync ExecutionMode = "sync"

	// ModeAsync stages submit work to an external system and return an
	// external id; status and result collection are deferred to the
	// result poller.
	ModeAsync ExecutionMode = "async"
)

// ExternalStatus is the observed state of a job submitted to an external
// system for an asynchronous stage.
type ExternalStatus string

// Possible external job states
const (
	ExternalRunning   ExternalStatus = "RUNNING"
	ExternalCompleted ExternalStatus = "COMPLETED"
	ExternalError     ExternalStatus = "ERROR"
)

// StageExecutor is the capability provider for one named stage of a chain.
// Concrete executors additionally implement SyncExecutor or AsyncExecutor
// according to their Mode.
// Version: 1.0
type StageExecutor interface {
	// Stage returns the stage name this executor serves.
	Stage() string

	// Mode returns the execution discipline for this stage.
	Mode() ExecutionMode

	// NextStage returns the name of the following stage in the chain, or
	// StageFinished if this is the last one.
	NextStage() string
}

// SyncExecutor executes a stage inline and returns its output.
// Version: 1.0
type SyncExecutor interface {
	StageExecutor

	// Execute performs the stage's work and returns the keyed output to
	// merge into the task context.
	Execute(ctx context.Context, t *Task) (map[string]any, error)
}

// AsyncExecutor delegates a stage to an external system.
// Version: 1.0
type AsyncExecutor interface {
	StageExecutor

	// Submit hands the stage's work to the external system and returns
	// its external id. Failures here are submission errors.
	Submit(ctx context.Context, t *Task) (string, error)

	// CheckStatus reports the external job's current state. A single
	// bounded call, never blocking until completion. Returns
	// ErrExternalNotFound if the external system has no record of the id.
	CheckStatus(ctx context.Context, externalID string) (ExternalStatus, error)

	// CollectResult fetches the keyed output of a completed external job.
	// Called exactly once per stage, only after ExternalCompleted has
	// been observed.
	CollectResult(ctx context.Context, externalID string) (map[string]any, error)
}

// Handler is the single-stage alternative to a full stage chain: a task type
// whose whole work is one synchronous call.
// Version: 1.0
type Handler interface {
	// Supports reports whether this handler serves the given task type.
	Supports(taskType string) bool

	// Execute performs the work and returns the keyed output that becomes
	// the task's result context.
	Execute(ctx context.Context, payload json.RawMessage) (map[string]any, error)
}

// handlerStage adapts a Handler into a one-stage synchronous chain.
type handlerStage struct {
	name    string
	handler Handler
}

// HandlerStageName is the stage name given to chains built from a Handler.
const HandlerStageName = "EXECUTE"

func (s *handlerStage) Stage() string       { return s.name }
func (s *handlerStage) Mode() ExecutionMode { return ModeSync }
func (s *handlerStage) NextStage() string   { return StageFinished }

func (s *handlerStage) Execute(ctx context.Context, t *Task) (map[string]any, error) {
	return s.handler.Execute(ctx, t.Payload)
}

// SyncStageFunc builds a SyncExecutor from a plain function. Useful for
// small inline stages and for tests.
func SyncStageFunc(stage, next string, fn func(ctx context.Context, t *Task) (map[string]any, error)) SyncExecutor {
	return &funcStage{stage: stage, next: next, fn: fn}
}

type funcStage struct {
	stage string
	next  string
	fn    func(ctx context.Context, t *Task) (map[string]any, error)
}

func (s *funcStage) Stage() string       { return s.stage }
func (s *funcStage) Mode() ExecutionMode { return ModeSync }
func (s *funcStage) NextStage() string   { return s.next }

func (s *funcStage) Execute(ctx context.Context, t *Task) (map[string]any, error) {
	return s.fn(ctx, t)
}
