// Package watcher admits batch jobs for polling and keeps their active-job
// snapshots on disk while they run.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/jobregistry"
	"github.com/3leaps/batchwatch/pkg/poller"
	"github.com/3leaps/batchwatch/pkg/provider"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("watcher closed")

// Config wires a Service.
type Config struct {
	Factory   provider.Factory
	Publisher poller.Publisher
	Registry  *jobregistry.Registry

	// Store persists active jobs for Resume. Nil disables persistence.
	Store *jobregistry.Store

	// RequestTimeout bounds each provider status check.
	RequestTimeout time.Duration

	// OnFinish, if set, is called once per job that stops polling on its own
	// (complete, failed or abandoned). It is not called for Cancel or Close.
	OnFinish func(h batch.JobHandle, outcome poller.Outcome)

	Logger *zap.Logger
	Now    func() time.Time
}

// JobInfo describes an active job. It never carries the credential.
type JobInfo struct {
	JobID         string              `json:"job_id"`
	Kind          batch.OperationKind `json:"operation_kind"`
	Path          string              `json:"path,omitempty"`
	CorrelationID string              `json:"correlation_id"`
	AdmittedAt    time.Time           `json:"admitted_at"`
	LastPolledAt  *time.Time          `json:"last_polled_at,omitempty"`
	Polls         int                 `json:"polls"`
}

type activeJob struct {
	poller *poller.Poller
	record *jobregistry.JobRecord
}

// Service admits jobs, ticks their pollers through the registry and removes
// them when they finish or are cancelled.
type Service struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*activeJob
	changed chan struct{}
	closed  bool
}

// New validates cfg and returns a running Service.
func New(cfg Config) (*Service, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("job registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		logger:  logger,
		now:     now,
		ctx:     ctx,
		stop:    stop,
		jobs:    make(map[string]*activeJob),
		changed: make(chan struct{}),
	}, nil
}

// Submit starts polling h. A missing correlation id is generated. It returns
// the handle as admitted.
func (s *Service) Submit(ctx context.Context, h batch.JobHandle) (batch.JobHandle, error) {
	if h.CorrelationID == "" {
		h.CorrelationID = uuid.NewString()
	}
	return h, s.admit(ctx, jobregistry.NewRecord(h, s.now()))
}

func (s *Service) admit(_ context.Context, record *jobregistry.JobRecord) error {
	h := record.Handle()
	if err := h.Validate(); err != nil {
		return err
	}

	var p *poller.Poller
	p, err := poller.New(poller.Config{
		Handle:         h,
		Factory:        s.cfg.Factory,
		Publisher:      s.cfg.Publisher,
		Cancel:         func(o poller.Outcome) { s.finish(h, p, o) },
		RequestTimeout: s.cfg.RequestTimeout,
		Logger:         s.logger,
		Now:            s.now,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.cfg.Registry.Admit(h.OperationID, func() { s.tick(h.OperationID, p) }); err != nil {
		return err
	}
	s.jobs[h.OperationID] = &activeJob{poller: p, record: record}
	s.persistLocked(record)

	s.logger.Info("Job admitted",
		zap.String("job_id", h.OperationID),
		zap.String("operation_kind", h.Kind.String()),
		zap.String("correlation_id", h.CorrelationID))
	return nil
}

func (s *Service) tick(jobID string, p *poller.Poller) {
	outcome := p.Tick(s.ctx)
	if outcome.Terminal() || outcome == poller.OutcomeDone {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.poller != p {
		return
	}
	at := s.now().UTC()
	job.record.LastPolledAt = &at
	job.record.Polls++
	s.persistLocked(job.record)
}

// finish runs inside the poller's terminal tick, before its event is
// published. A tick that outlived an external Cancel must not touch a job
// resubmitted under the same id, so only the owning poller removes it.
func (s *Service) finish(h batch.JobHandle, p *poller.Poller, outcome poller.Outcome) {
	s.mu.Lock()
	job, ok := s.jobs[h.OperationID]
	if !ok || job.poller != p {
		s.mu.Unlock()
		s.logger.Debug("Stale tick finished",
			zap.String("job_id", h.OperationID),
			zap.String("correlation_id", h.CorrelationID))
		return
	}
	s.cfg.Registry.Cancel(h.OperationID)
	s.removeLocked(h.OperationID)
	s.mu.Unlock()

	s.logger.Debug("Job finished",
		zap.String("job_id", h.OperationID),
		zap.String("state", string(State(outcome))))

	if s.cfg.OnFinish != nil {
		s.cfg.OnFinish(h, outcome)
	}
}

// Cancel stops polling jobID. It reports whether the job was active; a tick
// already in flight is not interrupted.
func (s *Service) Cancel(jobID string) bool {
	removed := s.cfg.Registry.Cancel(jobID)
	if s.remove(jobID) {
		removed = true
	}
	if removed {
		s.logger.Info("Job cancelled", zap.String("job_id", jobID), zap.String("state", string(jobregistry.JobStateCancelled)))
	}
	return removed
}

func (s *Service) remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(jobID)
}

func (s *Service) removeLocked(jobID string) bool {
	if _, ok := s.jobs[jobID]; !ok {
		return false
	}
	delete(s.jobs, jobID)
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Delete(jobID); err != nil {
			s.logger.Warn("Failed to delete job record", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	close(s.changed)
	s.changed = make(chan struct{})
	return true
}

// persistLocked writes record. Persistence failures are logged; polling
// continues without resume support for the job.
func (s *Service) persistLocked(record *jobregistry.JobRecord) {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.Write(record); err != nil {
		s.logger.Warn("Failed to persist job record", zap.String("job_id", record.JobID), zap.Error(err))
	}
}

// Get returns the active job jobID.
func (s *Service) Get(jobID string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return JobInfo{}, false
	}
	return info(job.record), true
}

// Active returns the active jobs, oldest first.
func (s *Service) Active() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, info(job.record))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AdmittedAt.Equal(out[j].AdmittedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].AdmittedAt.Before(out[j].AdmittedAt)
	})
	return out
}

func info(r *jobregistry.JobRecord) JobInfo {
	ji := JobInfo{
		JobID:         r.JobID,
		Kind:          r.Kind,
		Path:          r.Path,
		CorrelationID: r.CorrelationID,
		AdmittedAt:    r.CreatedAt,
		Polls:         r.Polls,
	}
	if r.LastPolledAt != nil {
		t := *r.LastPolledAt
		ji.LastPolledAt = &t
	}
	return ji
}

// Len returns the number of active jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Wait blocks until no job is active or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Resume re-admits the jobs persisted in the store. Unreadable or invalid
// records are deleted. It returns how many jobs were admitted.
func (s *Service) Resume(ctx context.Context) (int, error) {
	if s.cfg.Store == nil {
		return 0, nil
	}
	records, err := s.cfg.Store.List()
	if err != nil {
		return 0, fmt.Errorf("list persisted jobs: %w", err)
	}

	n := 0
	for i := range records {
		record := &records[i]
		record.State = jobregistry.JobStateRunning

		err := s.admit(ctx, record)
		switch {
		case err == nil:
			n++
		case errors.Is(err, jobregistry.ErrAlreadyActive):
		case errors.Is(err, ErrClosed), errors.Is(err, jobregistry.ErrRegistryClosed):
			return n, err
		default:
			s.logger.Warn("Dropping persisted job", zap.String("job_id", record.JobID), zap.Error(err))
			if derr := s.cfg.Store.Delete(record.JobID); derr != nil {
				s.logger.Warn("Failed to delete job record", zap.String("job_id", record.JobID), zap.Error(derr))
			}
		}
	}

	if n > 0 {
		s.logger.Info("Resumed persisted jobs", zap.Int("count", n))
	}
	return n, nil
}

// CheckHealth reports ErrClosed once the service is closed.
func (s *Service) CheckHealth(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every job and rejects further submissions. In-flight ticks are
// interrupted and persisted records are kept for Resume.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clear(s.jobs)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.stop()
	s.cfg.Registry.Close()
}

// State maps a poller outcome to the job state it leaves the job in.
func State(o poller.Outcome) jobregistry.JobState {
	switch o {
	case poller.OutcomeComplete:
		return jobregistry.JobStateComplete
	case poller.OutcomeFailed:
		return jobregistry.JobStateFailed
	case poller.OutcomeAbandoned:
		return jobregistry.JobStateAbandoned
	default:
		return jobregistry.JobStateRunning
	}
}
