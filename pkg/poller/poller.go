// Package poller checks one batch job per tick and turns each status into
// events.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/events"
	"github.com/3leaps/batchwatch/pkg/provider"
)

// Publisher delivers events. *events.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Config wires a Poller to its collaborators.
type Config struct {
	Handle    batch.JobHandle
	Factory   provider.Factory
	Publisher Publisher

	// Cancel asks the scheduler to stop ticking this job. It is called once,
	// before any terminal event is published, with the outcome that ended
	// the job.
	Cancel func(Outcome)

	// RequestTimeout bounds each status check. A check that runs out of time
	// is retried on the next tick rather than ending the job. Zero means no
	// bound beyond the tick context.
	RequestTimeout time.Duration

	Logger *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Poller polls one job. Ticks are serialized; once a tick ends the job no
// later tick calls the provider or publishes.
type Poller struct {
	handle    batch.JobHandle
	factory   provider.Factory
	publisher Publisher
	cancel    func(Outcome)
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	done  bool
	ticks int
}

// New validates cfg and returns a Poller.
func New(cfg Config) (*Poller, error) {
	if err := cfg.Handle.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job handle: %w", err)
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cancel := cfg.Cancel
	if cancel == nil {
		cancel = func(Outcome) {}
	}

	h := cfg.Handle
	return &Poller{
		handle:    h,
		factory:   cfg.Factory,
		publisher: cfg.Publisher,
		cancel:    cancel,
		timeout:   cfg.RequestTimeout,
		logger: logger.With(
			zap.String("job_id", h.OperationID),
			zap.String("operation_kind", h.Kind.String()),
			zap.String("correlation_id", h.CorrelationID),
		),
		now: now,
	}, nil
}

// Handle returns the job the poller is bound to.
func (p *Poller) Handle() batch.JobHandle {
	return p.handle
}

// Done reports whether the poller has finished.
func (p *Poller) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Ticks returns how many ticks reached the provider.
func (p *Poller) Ticks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// Run adapts Tick to a scheduler task.
func (p *Poller) Run(ctx context.Context) func() {
	return func() { p.Tick(ctx) }
}

// Tick performs one status check.
func (p *Poller) Tick(ctx context.Context) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return OutcomeDone
	}
	p.ticks++

	status, timedOut, err := p.check(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			p.logger.Debug("Status check interrupted", zap.Error(err))
			return OutcomeIgnored
		}
		if timedOut {
			// A slow provider stalls the job; the next tick asks again.
			p.logger.Warn("Status check timed out, will retry",
				zap.Duration("request_timeout", p.timeout),
				zap.Error(err))
			return OutcomeIgnored
		}
		return p.abandon("status check failed", err)
	}

	decision, err := batch.Classify(*status, p.handle.Kind)
	if err != nil {
		return p.abandon("malformed job status", err)
	}

	switch d := decision.(type) {
	case batch.Progress:
		p.publish(ctx, events.Running(p.handle, p.now()))
		return OutcomeProgress

	case batch.Complete:
		p.finish(OutcomeComplete)
		p.logger.Info("Job complete", zap.Int("entries", len(d.Entries)))
		p.publish(ctx, events.Completed(p.handle, d.Entries, p.now()))
		return OutcomeComplete

	case batch.Failed:
		p.finish(OutcomeFailed)
		if d.ItemLevel {
			p.logger.Warn("Job items failed",
				zap.Int("entries", len(d.Entries)),
				zap.Strings("reasons", batch.FailureReasons(d.Entries)))
		} else {
			p.logger.Warn("Job failed")
		}
		p.publish(ctx, events.FailedEvent(p.handle, d.ItemLevel, p.now()))
		return OutcomeFailed

	default:
		p.logger.Warn("Unrecognized job status", zap.String("status", status.Tag))
		return OutcomeIgnored
	}
}

// check calls the provider. timedOut reports that the per-call deadline
// expired while the tick context was still live.
func (p *Poller) check(ctx context.Context) (status *batch.RawJobStatus, timedOut bool, err error) {
	client, err := p.factory(ctx, p.handle.Credential)
	if err != nil {
		return nil, false, fmt.Errorf("create provider client: %w", err)
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	status, err = client.CheckBatch(callCtx, p.handle.Kind, p.handle.OperationID)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, true, err
	}
	return status, false, err
}

// abandon stops polling without publishing. Subscribers see no terminal
// event for the job.
func (p *Poller) abandon(msg string, err error) Outcome {
	p.finish(OutcomeAbandoned)
	p.logger.Error(msg+", abandoning job",
		zap.String("code", provider.Code(err)),
		zap.Error(err))
	return OutcomeAbandoned
}

func (p *Poller) finish(o Outcome) {
	p.done = true
	p.cancel(o)
}

func (p *Poller) publish(ctx context.Context, ev events.Event) {
	// Delivery must not be cut short by a cancelled tick context.
	if err := p.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Error("Publish failed", zap.String("topic", string(ev.Topic)), zap.Error(err))
	}
}
