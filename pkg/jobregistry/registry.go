// Package jobregistry tracks the jobs currently being polled: a keyed table
// of recurring tasks plus the on-disk snapshot used to resume them.
package jobregistry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyActive is returned by Admit when the key already has a task.
	ErrAlreadyActive = errors.New("job already active")

	// ErrRegistryClosed is returned by Admit after Close.
	ErrRegistryClosed = errors.New("job registry closed")
)

// Substrate runs named functions on a fixed interval.
type Substrate interface {
	Every(name string, interval time.Duration, run func()) error
	Remove(name string)
}

// Registry is a keyed table of recurring tasks. It does not interpret what a
// task does; at most one task exists per key.
type Registry struct {
	substrate Substrate
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	tasks  map[string]time.Time
	closed bool
}

// NewRegistry creates a registry that schedules every task at interval.
func NewRegistry(substrate Substrate, interval time.Duration, logger *zap.Logger) (*Registry, error) {
	if substrate == nil {
		return nil, fmt.Errorf("substrate is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		substrate: substrate,
		interval:  interval,
		logger:    logger,
		tasks:     make(map[string]time.Time),
	}, nil
}

// Interval returns the tick interval applied to every task.
func (r *Registry) Interval() time.Duration {
	return r.interval
}

// Admit schedules run under key.
func (r *Registry) Admit(key string, run func()) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("task key is required")
	}
	if run == nil {
		return fmt.Errorf("task function is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.tasks[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, key)
	}
	if err := r.substrate.Every(key, r.interval, run); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	r.tasks[key] = time.Now().UTC()

	r.logger.Debug("Task admitted", zap.String("job_id", key), zap.Duration("interval", r.interval))
	return nil
}

// Cancel removes the task for key. It reports whether this call removed it;
// unknown or already cancelled keys return false.
//
// An in-flight run of the task is not interrupted.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[key]; !ok {
		return false
	}
	delete(r.tasks, key)
	// Removal happens under the lock so a re-admit of the same key cannot be
	// removed by this call.
	r.substrate.Remove(key)

	r.logger.Debug("Task cancelled", zap.String("job_id", key))
	return true
}

// Active reports whether key has a scheduled task.
func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// AdmittedAt returns when key was admitted.
func (r *Registry) AdmittedAt(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return t, ok
}

// Keys returns the active keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Close cancels every task and rejects further admissions.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for key := range r.tasks {
		r.substrate.Remove(key)
	}
	r.logger.Debug("Registry closed", zap.Int("cancelled", len(r.tasks)))
	clear(r.tasks)
}
