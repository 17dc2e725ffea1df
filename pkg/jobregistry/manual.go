package jobregistry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ManualSubstrate is a Substrate that only runs tasks when told to. It is used
// by tests and by callers that drive ticks from their own loop.
type ManualSubstrate struct {
	mu    sync.Mutex
	tasks map[string]manualTask
}

type manualTask struct {
	interval time.Duration
	run      func()
}

func NewManualSubstrate() *ManualSubstrate {
	return &ManualSubstrate{tasks: make(map[string]manualTask)}
}

func (s *ManualSubstrate) Every(name string, interval time.Duration, run func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %q already scheduled", name)
	}
	s.tasks[name] = manualTask{interval: interval, run: run}
	return nil
}

func (s *ManualSubstrate) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

// Fire runs the task for name once, synchronously. It reports whether the
// task was scheduled.
func (s *ManualSubstrate) Fire(name string) bool {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	task.run()
	return true
}

// FireAll runs every scheduled task once, in name order, and returns how many
// ran. Tasks removed by an earlier run in the same pass are skipped.
func (s *ManualSubstrate) FireAll() int {
	n := 0
	for _, name := range s.Names() {
		if s.Fire(name) {
			n++
		}
	}
	return n
}

// Names returns the scheduled task names, sorted.
func (s *ManualSubstrate) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interval returns the interval name was scheduled with.
func (s *ManualSubstrate) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[name]
	return task.interval, ok
}
