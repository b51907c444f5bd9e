package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	t.Parallel()

	t.Run("enqueue and consume", func(t *testing.T) {
		t.Parallel()
		q := NewQueue(2, testLogger())

		tk := New("report", nil, 0, "COLLECT", 3)
		require.NoError(t, q.Enqueue(tk))

		got := <-q.GetChannel()
		assert.Equal(t, tk.ID, got.ID)
	})

	t.Run("full queue rejects instead of blocking", func(t *testing.T) {
		t.Parallel()
		q := NewQueue(1, testLogger())

		require.NoError(t, q.Enqueue(New("report", nil, 0, "A", 3)))
		err := q.Enqueue(New("report", nil, 0, "A", 3))
		assert.ErrorIs(t, err, ErrQueueFull)
	})

	t.Run("closed queue rejects", func(t *testing.T) {
		t.Parallel()
		q := NewQueue(1, testLogger())
		q.Close()

		err := q.Enqueue(New("report", nil, 0, "A", 3))
		assert.ErrorIs(t, err, ErrQueueClosed)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		t.Parallel()
		q := NewQueue(1, testLogger())
		q.Close()
		q.Close()
	})

	t.Run("close racing enqueue never panics", func(t *testing.T) {
		t.Parallel()

		for i := 0; i < 200; i++ {
			q := NewQueue(1, testLogger())
			done := make(chan struct{})

			go func() {
				defer close(done)
				for {
					err := q.Enqueue(New("report", nil, 0, "A", 3))
					if errors.Is(err, ErrQueueClosed) {
						return
					}
					// Keep the buffer from filling so sends stay possible.
					select {
					case <-q.GetChannel():
					default:
					}
				}
			}()

			q.Close()
			<-done
		}
	})
}

func TestInFlightSet(t *testing.T) {
	t.Parallel()

	s := NewInFlightSet()
	tk := New("report", nil, 0, "A", 3)

	assert.True(t, s.Add(tk.ID))
	assert.False(t, s.Add(tk.ID), "double add reports the duplicate")
	assert.True(t, s.Contains(tk.ID))
	assert.Equal(t, 1, s.Len())

	s.Remove(tk.ID)
	assert.False(t, s.Contains(tk.ID))
	assert.Equal(t, 0, s.Len())
}
