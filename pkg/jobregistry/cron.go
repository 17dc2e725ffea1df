package jobregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronSubstrate is a Substrate backed by robfig/cron.
//
// Runs of one task never overlap: a tick that fires while the previous one is
// still running is skipped. Different tasks run concurrently. Intervals below
// one second are rounded up to one second.
type CronSubstrate struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronSubstrate creates a stopped substrate. Call Start to begin firing.
func NewCronSubstrate(logger *zap.Logger) *CronSubstrate {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := cronLogger{logger: logger.Named("cron").Sugar()}
	return &CronSubstrate{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

func (s *CronSubstrate) Start() {
	s.cron.Start()
}

// Stop stops firing new ticks. The returned context is done once in-flight
// ticks have returned.
func (s *CronSubstrate) Stop() context.Context {
	return s.cron.Stop()
}

// Every schedules run under name.
func (s *CronSubstrate) Every(name string, interval time.Duration, run func()) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("task %q already scheduled", name)
	}
	s.entries[name] = s.cron.Schedule(cron.Every(interval), cron.FuncJob(run))
	return nil
}

// Remove unschedules name. Unknown names are ignored.
func (s *CronSubstrate) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return
	}
	delete(s.entries, name)
	s.cron.Remove(id)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
