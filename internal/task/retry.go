package task

import "time"

// RetryPolicy is the pure decision function for failure recovery: given the
// current retry count and the task's bound, it decides whether the task is
// terminal or when it becomes eligible for re-dispatch.
//
// Both a failed synchronous stage and a failed asynchronous poll funnel
// through the same policy, re-entering the waiting state with the stage
// pointer preserved so retries resume at the failed stage.
type RetryPolicy struct {
	// Backoff is the unit of the exponential delay. The n-th retry is
	// deferred by 2^n units. Defaults to one minute when zero.
	Backoff time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: time.Minute}
}

// RetryDecision is the outcome of routing a failure through the policy.
type RetryDecision struct {
	// Terminal is true when retries are exhausted and the task must move
	// to the error status with no retry time set.
	Terminal bool

	// RetryCount is the incremented count to persist on a retryable
	// failure.
	RetryCount int

	// NextRetryAt is when the task becomes eligible for re-dispatch.
	NextRetryAt time.Time
}

// Decide computes the recovery decision for a failure observed at the given
// time.
func (p RetryPolicy) Decide(retryCount, maxRetries int, now time.Time) RetryDecision {
	if retryCount >= maxRetries {
		return RetryDecision{Terminal: true}
	}

	unit := p.Backoff
	if unit <= 0 {
		unit = time.Minute
	}

	next := retryCount + 1
	delay := unit * time.Duration(int64(1)<<uint(next))
	return RetryDecision{
		RetryCount:  next,
		NextRetryAt: now.Add(delay),
	}
}
