package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Decide(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := RetryPolicy{Backoff: time.Minute}

	t.Run("delay doubles with each retry", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			retryCount int
			wantDelay  time.Duration
		}{
			{0, 2 * time.Minute},
			{1, 4 * time.Minute},
			{2, 8 * time.Minute},
			{3, 16 * time.Minute},
		}

		for _, tc := range testCases {
			d := policy.Decide(tc.retryCount, 10, now)
			assert.False(t, d.Terminal)
			assert.Equal(t, tc.retryCount+1, d.RetryCount)
			assert.Equal(t, now.Add(tc.wantDelay), d.NextRetryAt,
				"retry %d should be deferred by %s", tc.retryCount+1, tc.wantDelay)
		}
	})

	t.Run("terminal when retries are exhausted", func(t *testing.T) {
		t.Parallel()

		d := policy.Decide(3, 3, now)
		assert.True(t, d.Terminal)
	})

	t.Run("zero max retries is terminal on first failure", func(t *testing.T) {
		t.Parallel()

		d := policy.Decide(0, 0, now)
		assert.True(t, d.Terminal)
	})

	t.Run("zero backoff falls back to one minute units", func(t *testing.T) {
		t.Parallel()

		d := RetryPolicy{}.Decide(0, 3, now)
		assert.Equal(t, now.Add(2*time.Minute), d.NextRetryAt)
	})
}
