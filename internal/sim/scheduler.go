package sim

import (
	"context"
	"fmt"
	"sync"
)

// Scheduler simulates the task scheduler.
type Scheduler struct {
	mu          sync.Mutex
	excluded    []int
	terminated  []int
	failExclude map[int]bool
	runnable    map[int]bool
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		failExclude: make(map[int]bool),
		runnable:    make(map[int]bool),
	}
}

// Spawn marks pid runnable.
func (s *Scheduler) Spawn(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runnable[pid] = true
}

// FailExclude makes Exclude fail for pid.
func (s *Scheduler) FailExclude(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failExclude[pid] = true
}

// Exclude marks pid non-runnable.
func (s *Scheduler) Exclude(ctx context.Context, pid int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failExclude[pid] {
		return fmt.Errorf("sim: task %d cannot be excluded", pid)
	}
	s.excluded = append(s.excluded, pid)
	s.runnable[pid] = false
	return nil
}

// Terminate removes pid.
func (s *Scheduler) Terminate(_ context.Context, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminated = append(s.terminated, pid)
	delete(s.runnable, pid)
	return nil
}

// Runnable reports whether pid may be scheduled.
func (s *Scheduler) Runnable(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnable[pid]
}

// Excluded returns the pids excluded so far, in order.
func (s *Scheduler) Excluded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.excluded...)
}

// Terminated returns the pids terminated so far, in order.
func (s *Scheduler) Terminated() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.terminated...)
}
