package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopStage(stage, next string) SyncExecutor {
	return SyncStageFunc(stage, next, func(ctx context.Context, t *Task) (map[string]any, error) {
		return nil, nil
	})
}

func TestNewChain(t *testing.T) {
	t.Parallel()

	t.Run("valid chain", func(t *testing.T) {
		t.Parallel()

		chain, err := NewChain("report",
			noopStage("COLLECT", "RENDER"),
			noopStage("RENDER", StageFinished))
		require.NoError(t, err)

		assert.Equal(t, "report", chain.Type())
		assert.Equal(t, "COLLECT", chain.First())
		assert.Equal(t, 2, chain.Len())

		next, err := chain.Next("COLLECT")
		require.NoError(t, err)
		assert.Equal(t, "RENDER", next)

		next, err = chain.Next("RENDER")
		require.NoError(t, err)
		assert.Equal(t, StageFinished, next)

		pos, err := chain.Position("RENDER")
		require.NoError(t, err)
		assert.Equal(t, 1, pos)
	})

	t.Run("rejects empty chain", func(t *testing.T) {
		t.Parallel()
		_, err := NewChain("report")
		assert.Error(t, err)
	})

	t.Run("rejects missing task type", func(t *testing.T) {
		t.Parallel()
		_, err := NewChain("", noopStage("A", StageFinished))
		assert.Error(t, err)
	})

	t.Run("rejects duplicate stage names", func(t *testing.T) {
		t.Parallel()
		_, err := NewChain("report",
			noopStage("A", "A"),
			noopStage("A", StageFinished))
		assert.Error(t, err)
	})

	t.Run("rejects linkage that disagrees with declaration order", func(t *testing.T) {
		t.Parallel()
		_, err := NewChain("report",
			noopStage("A", "C"),
			noopStage("B", StageFinished))
		assert.Error(t, err)
	})

	t.Run("rejects a non-terminal last stage", func(t *testing.T) {
		t.Parallel()
		_, err := NewChain("report", noopStage("A", "B"))
		assert.Error(t, err)
	})

	t.Run("rejects the reserved terminal marker as a stage name", func(t *testing.T) {
		t.Parallel()
		_, err := NewChain("report", noopStage(StageFinished, StageFinished))
		assert.Error(t, err)
	})

	t.Run("unknown stage lookups", func(t *testing.T) {
		t.Parallel()
		chain, err := NewChain("report", noopStage("A", StageFinished))
		require.NoError(t, err)

		_, err = chain.Executor("NOPE")
		assert.ErrorIs(t, err, ErrUnknownStage)
		_, err = chain.Next("NOPE")
		assert.ErrorIs(t, err, ErrUnknownStage)
	})
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("register and look up", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		chain, err := NewChain("report", noopStage("A", StageFinished))
		require.NoError(t, err)
		require.NoError(t, r.Register(chain))

		got, err := r.ChainFor("report")
		require.NoError(t, err)
		assert.Equal(t, chain, got)
		assert.Equal(t, []string{"report"}, r.Types())
	})

	t.Run("duplicate registration is detected eagerly", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		chain, err := NewChain("report", noopStage("A", StageFinished))
		require.NoError(t, err)
		require.NoError(t, r.Register(chain))

		err = r.Register(chain)
		assert.ErrorIs(t, err, ErrDuplicateType)
	})

	t.Run("unregistered type", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		_, err := r.ChainFor("missing")
		assert.ErrorIs(t, err, ErrNotRegistered)
	})
}

// echoHandler is a single-call Handler used to test the handler adapter.
type echoHandler struct{}

func (echoHandler) Supports(taskType string) bool { return taskType == "echo" }

func (echoHandler) Execute(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
	return map[string]any{"echo": string(payload)}, nil
}

func TestRegistry_RegisterHandler(t *testing.T) {
	t.Parallel()

	t.Run("wraps a handler into a one-stage chain", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.NoError(t, r.RegisterHandler("echo", echoHandler{}))

		chain, err := r.ChainFor("echo")
		require.NoError(t, err)
		assert.Equal(t, HandlerStageName, chain.First())
		assert.Equal(t, 1, chain.Len())

		exec, err := chain.Executor(HandlerStageName)
		require.NoError(t, err)
		assert.Equal(t, ModeSync, exec.Mode())

		out, err := exec.(SyncExecutor).Execute(context.Background(), &Task{Payload: json.RawMessage(`"hi"`)})
		require.NoError(t, err)
		assert.Equal(t, `"hi"`, out["echo"])
	})

	t.Run("rejects a handler that does not support the type", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		assert.Error(t, r.RegisterHandler("other", echoHandler{}))
	})
}
