package task

import (
	"fmt"
	"sync"
)

// Chain is the ordered stage sequence registered for one task type. The
// declaration order is canonical: each executor's NextStage must name the
// following executor's stage, and the last must name StageFinished.
type Chain struct {
	taskType string
	stages   []StageExecutor
	index    map[string]int
}

// NewChain builds and validates a stage chain for the given task type.
func NewChain(taskType string, stages ...StageExecutor) (*Chain, error) {
	if taskType == "" {
		return nil, fmt.Errorf("chain requires a task type")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("chain for type %q requires at least one stage", taskType)
	}

	index := make(map[string]int, len(stages))
	for i, s := range stages {
		name := s.Stage()
		if name == "" || name == StageFinished {
			return nil, fmt.Errorf("chain for type %q: invalid stage name %q", taskType, name)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("chain for type %q: duplicate stage %q", taskType, name)
		}
		index[name] = i

		want := StageFinished
		if i < len(stages)-1 {
			want = stages[i+1].Stage()
		}
		if got := s.NextStage(); got != want {
			return nil, fmt.Errorf(
				"chain for type %q: stage %q advances to %q, chain order expects %q",
				taskType, name, got, want)
		}

		switch s.Mode() {
		case ModeSync:
			if _, ok := s.(SyncExecutor); !ok {
				return nil, fmt.Errorf("chain for type %q: stage %q declares sync mode without SyncExecutor", taskType, name)
			}
		case ModeAsync:
			if _, ok := s.(AsyncExecutor); !ok {
				return nil, fmt.Errorf("chain for type %q: stage %q declares async mode without AsyncExecutor", taskType, name)
			}
		default:
			return nil, fmt.Errorf("chain for type %q: stage %q has unknown mode %q", taskType, name, s.Mode())
		}
	}

	return &Chain{taskType: taskType, stages: stages, index: index}, nil
}

// Type returns the task type this chain serves.
func (c *Chain) Type() string {
	return c.taskType
}

// First returns the name of the chain's first stage.
func (c *Chain) First() string {
	return c.stages[0].Stage()
}

// Len returns the number of stages in the chain.
func (c *Chain) Len() int {
	return len(c.stages)
}

// Executor returns the executor for the named stage.
func (c *Chain) Executor(stage string) (StageExecutor, error) {
	i, ok := c.index[stage]
	if !ok {
		return nil, fmt.Errorf("%w: type %q stage %q", ErrUnknownStage, c.taskType, stage)
	}
	return c.stages[i], nil
}

// Next returns the stage following the named one, or StageFinished when the
// named stage is the last.
func (c *Chain) Next(stage string) (string, error) {
	i, ok := c.index[stage]
	if !ok {
		return "", fmt.Errorf("%w: type %q stage %q", ErrUnknownStage, c.taskType, stage)
	}
	if i == len(c.stages)-1 {
		return StageFinished, nil
	}
	return c.stages[i+1].Stage(), nil
}

// Position returns the zero-based index of the named stage, for progress
// reporting.
func (c *Chain) Position(stage string) (int, error) {
	i, ok := c.index[stage]
	if !ok {
		return 0, fmt.Errorf("%w: type %q stage %q", ErrUnknownStage, c.taskType, stage)
	}
	return i, nil
}

// Registry maps task type tags to their stage chains. Chains are registered
// at startup; duplicate registration for the same tag is a configuration
// error detected eagerly.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]*Chain
}

// NewRegistry creates an empty stage chain registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string]*Chain)}
}

// Register adds a chain to the registry.
func (r *Registry) Register(chain *Chain) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chains[chain.taskType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateType, chain.taskType)
	}
	r.chains[chain.taskType] = chain
	return nil
}

// RegisterHandler wraps a single-stage Handler into a one-stage synchronous
// chain and registers it under the given task type.
func (r *Registry) RegisterHandler(taskType string, h Handler) error {
	if !h.Supports(taskType) {
		return fmt.Errorf("handler does not support task type %q", taskType)
	}
	chain, err := NewChain(taskType, &handlerStage{name: HandlerStageName, handler: h})
	if err != nil {
		return err
	}
	return r.Register(chain)
}

// ChainFor returns the chain registered for the given task type.
func (r *Registry) ChainFor(taskType string) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain, ok := r.chains[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, taskType)
	}
	return chain, nil
}

// Types returns the registered task type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.chains))
	for t := range r.chains {
		types = append(types, t)
	}
	return types
}
