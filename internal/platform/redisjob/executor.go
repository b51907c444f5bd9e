// Package redisjob implements an asynchronous stage executor that delegates
// stage work to external workers over Redis. Submission pushes a job onto a
// Redis list consumed by the worker fleet; workers report status and results
// on a per-job hash that the scheduler's result poller observes.
package redisjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/stagehand/internal/task"
)

// Job hash field names and status values shared with the worker fleet.
const (
	fieldStatus      = "status"
	fieldPayload     = "payload"
	fieldResult      = "result"
	fieldSubmittedAt = "submitted_at"

	statusPending = "pending"
	statusRunning = "running"
	statusDone    = "done"
	statusFailed  = "failed"
)

// jobSubmission is the envelope pushed to the worker fleet.
type jobSubmission struct {
	JobID   string         `json:"job_id"`
	TaskID  string         `json:"task_id"`
	Type    string         `json:"type"`
	Stage   string         `json:"stage"`
	Payload []byte         `json:"payload,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Executor is an AsyncExecutor bridging one stage to a Redis-fed worker
// fleet. Each submitted job lives in a hash under its own key; the hash
// carries a TTL so jobs from dead workers do not accumulate, which is also
// why the poller's bounded not-found tolerance matters.
type Executor struct {
	rdb    redis.UniversalClient
	codec  task.Codec
	stage  string
	next   string
	queue  string
	jobTTL time.Duration
	logger *slog.Logger
}

// NewExecutor creates a Redis-bridged executor for the named stage. queue is
// the list the worker fleet consumes; next is the stage that follows in the
// chain (task.StageFinished for the last stage).
func NewExecutor(rdb redis.UniversalClient, stage, next, queue string, jobTTL time.Duration, logger *slog.Logger) *Executor {
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	return &Executor{
		rdb:    rdb,
		codec:  task.JSONCodec{},
		stage:  stage,
		next:   next,
		queue:  queue,
		jobTTL: jobTTL,
		logger: logger.With("component", "redisjob", "stage", stage),
	}
}

// Stage returns the stage name this executor serves.
func (e *Executor) Stage() string { return e.stage }

// Mode returns ModeAsync; result collection is deferred to the poller.
func (e *Executor) Mode() task.ExecutionMode { return task.ModeAsync }

// NextStage returns the stage following this one in the chain.
func (e *Executor) NextStage() string { return e.next }

// Submit writes the job hash and pushes the job id onto the worker queue in
// one pipeline, returning the job id as the external task id.
func (e *Executor) Submit(ctx context.Context, t *task.Task) (string, error) {
	jobID := uuid.NewString()

	body, err := e.codec.Encode(jobSubmission{
		JobID:   jobID,
		TaskID:  t.ID.String(),
		Type:    t.Type,
		Stage:   e.stage,
		Payload: t.Payload,
		Context: t.Context,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode job submission: %w", err)
	}

	key := e.jobKey(jobID)
	pipe := e.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		fieldStatus, statusPending,
		fieldPayload, body,
		fieldSubmittedAt, time.Now().UTC().UnixMilli(),
	)
	pipe.Expire(ctx, key, e.jobTTL)
	pipe.LPush(ctx, e.queueKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to submit job to redis: %w", err)
	}

	e.logger.Debug("job submitted",
		"job_id", jobID,
		"task_id", t.ID,
		"queue", e.queue)
	return jobID, nil
}

// CheckStatus reads the job hash's status field. A missing hash maps to
// task.ErrExternalNotFound so the poller's transient tolerance applies.
func (e *Executor) CheckStatus(ctx context.Context, externalID string) (task.ExternalStatus, error) {
	status, err := e.rdb.HGet(ctx, e.jobKey(externalID), fieldStatus).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: job %s", task.ErrExternalNotFound, externalID)
		}
		return "", fmt.Errorf("failed to check job status: %w", err)
	}

	switch status {
	case statusPending, statusRunning:
		return task.ExternalRunning, nil
	case statusDone:
		return task.ExternalCompleted, nil
	case statusFailed:
		return task.ExternalError, nil
	default:
		return "", fmt.Errorf("job %s has unknown status %q", externalID, status)
	}
}

// CollectResult reads and decodes the completed job's result, then deletes
// the job hash; results are collected exactly once.
func (e *Executor) CollectResult(ctx context.Context, externalID string) (map[string]any, error) {
	key := e.jobKey(externalID)

	raw, err := e.rdb.HGet(ctx, key, fieldResult).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: job %s result", task.ErrExternalNotFound, externalID)
		}
		return nil, fmt.Errorf("failed to fetch job result: %w", err)
	}

	var output map[string]any
	if err := e.codec.Decode([]byte(raw), &output); err != nil {
		return nil, fmt.Errorf("failed to decode job result: %w", err)
	}

	if err := e.rdb.Del(ctx, key).Err(); err != nil {
		// The result is already in hand; an undeleted hash only costs
		// its TTL's worth of memory.
		e.logger.Warn("failed to delete collected job", "job_id", externalID, "error", err)
	}

	return output, nil
}

// ErrorDetail reads the failure message a worker recorded for a failed job,
// if any.
func (e *Executor) ErrorDetail(ctx context.Context, externalID string) string {
	detail, err := e.rdb.HGet(ctx, e.jobKey(externalID), "error").Result()
	if err != nil {
		return ""
	}
	return detail
}

func (e *Executor) jobKey(jobID string) string {
	return "stagehand:job:" + jobID
}

func (e *Executor) queueKey() string {
	return "stagehand:queue:" + e.queue
}
