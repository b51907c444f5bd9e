package task

import (
	"sync"

	"github.com/google/uuid"
)

// InFlightSet is the process-local record of tasks currently claimed by this
// process's workers. It provides same-process dedup and a checkpoint for
// cooperative cancellation; cross-replica safety comes from the store's CAS,
// not from this set.
type InFlightSet struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]struct{}
}

// NewInFlightSet creates an empty in-flight set.
func NewInFlightSet() *InFlightSet {
	return &InFlightSet{tasks: make(map[uuid.UUID]struct{})}
}

// Add records a task as claimed, reporting false if it was already present.
func (s *InFlightSet) Add(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		return false
	}
	s.tasks[id] = struct{}{}
	return true
}

// Remove clears a task from the set.
func (s *InFlightSet) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Contains reports whether the task is currently claimed by this process.
func (s *InFlightSet) Contains(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.tasks[id]
	return exists
}

// Len returns the number of claimed tasks.
func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
