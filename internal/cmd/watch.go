package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchwatch/internal/config"
	"github.com/3leaps/batchwatch/internal/observability"
	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/events"
	"github.com/3leaps/batchwatch/pkg/jobregistry"
	"github.com/3leaps/batchwatch/pkg/manifest"
	"github.com/3leaps/batchwatch/pkg/output"
	"github.com/3leaps/batchwatch/pkg/poller"
	"github.com/3leaps/batchwatch/pkg/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll batch jobs until they finish",
	Long: `Poll one or more batch jobs until each completes, fails or can no longer
be polled, writing JSON Lines records to stdout (or --output).

Jobs come from a manifest (--file) or from flags for a single job. The access
token is read from --token-env (default DROPBOX_TOKEN) unless --token is set.

Exit status is 0 when every job completed, 1 when any job failed and
non-zero foundry codes for abandoned jobs, timeouts and interrupts.

Example:
  batchwatch watch --kind copy --job-id dbjid:AAD2bG...
  batchwatch watch --file jobs.yaml --output events.jsonl
  batchwatch watch --file jobs.yaml --quiet --timeout 10m`,
	RunE: runWatch,
}

var (
	watchFile          string
	watchJobID         string
	watchKind          string
	watchToken         string
	watchTokenEnv      string
	watchPath          string
	watchCorrelationID string
	watchInterval      string
	watchTimeout       string
	watchOutput        string
	watchQuiet         bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchFile, "file", "f", "", "Path to watch manifest (YAML or JSON)")
	watchCmd.Flags().StringVar(&watchJobID, "job-id", "", "Async job id to watch")
	watchCmd.Flags().StringVar(&watchKind, "kind", "", "Operation kind: copy, move or delete")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Access token (prefer --token-env)")
	watchCmd.Flags().StringVar(&watchTokenEnv, "token-env", "DROPBOX_TOKEN", "Environment variable holding the access token")
	watchCmd.Flags().StringVar(&watchPath, "path", "", "Path the batch was issued for (informational)")
	watchCmd.Flags().StringVar(&watchCorrelationID, "correlation-id", "", "Correlation id echoed in events (generated if empty)")
	watchCmd.Flags().StringVar(&watchInterval, "interval", "", "Poll interval (overrides the manifest)")
	watchCmd.Flags().StringVar(&watchTimeout, "timeout", "", "Give up after this long (overrides the manifest)")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "", "Write records to this file instead of stdout")
	watchCmd.Flags().BoolVarP(&watchQuiet, "quiet", "q", false, "Suppress batch_work_running records")

	watchCmd.MarkFlagsMutuallyExclusive("file", "job-id")
	watchCmd.MarkFlagsRequiredTogether("job-id", "kind")
}

// watchManifest builds the manifest from --file or the single-job flags.
func watchManifest() (*manifest.Manifest, error) {
	var m *manifest.Manifest
	switch {
	case watchFile != "":
		loaded, err := manifest.Load(watchFile)
		if err != nil {
			return nil, err
		}
		m = loaded
	case watchJobID != "":
		spec := manifest.JobSpec{
			OperationID:   watchJobID,
			OperationKind: watchKind,
			Path:          watchPath,
			CorrelationID: watchCorrelationID,
		}
		if watchToken != "" {
			spec.Credential = watchToken
		} else {
			spec.CredentialEnv = watchTokenEnv
		}
		m = &manifest.Manifest{Version: manifest.DefaultVersion, Jobs: []manifest.JobSpec{spec}}
		m.ApplyDefaults()
	default:
		return nil, errors.New("either --file or --job-id and --kind is required")
	}

	if watchInterval != "" {
		m.Poll.Interval = watchInterval
	}
	if watchTimeout != "" {
		m.Poll.Timeout = watchTimeout
	}
	return m, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := watchManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	out, cleanup, err := openWatchOutput(watchOutput)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := watchJobs(ctx, m, cfg, out, watchQuiet, observability.CLILogger)
	if err != nil {
		return err
	}
	return res.exitErr()
}

func openWatchOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// watchResult tallies how each watched job ended.
type watchResult struct {
	mu sync.Mutex
	output.SummaryRecord
	rejected    int
	interrupted bool
	timedOut    bool
}

func (r *watchResult) finish(o poller.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch o {
	case poller.OutcomeComplete:
		r.Complete++
	case poller.OutcomeFailed:
		r.Failed++
	case poller.OutcomeAbandoned:
		r.Abandoned++
	}
}

func (r *watchResult) exitErr() error {
	switch {
	case r.interrupted:
		return exitError(foundry.ExitSignalInt, "Watch interrupted", fmt.Errorf("%d jobs still running", r.Pending))
	case r.timedOut:
		return exitError(foundry.ExitExternalServiceUnavailable, "Watch timed out", fmt.Errorf("%d jobs still running", r.Pending))
	case r.rejected > 0:
		return exitError(foundry.ExitInvalidArgument, "Jobs rejected", fmt.Errorf("%d jobs could not be watched", r.rejected))
	case r.Abandoned > 0:
		return exitError(foundry.ExitExternalServiceUnavailable, "Jobs abandoned", fmt.Errorf("%d jobs could not be polled", r.Abandoned))
	case r.Failed > 0:
		return exitError(exitFailure, "Jobs failed", fmt.Errorf("%d of %d jobs failed", r.Failed, r.Jobs))
	}
	return nil
}

// watchJobs polls every job of m until all have finished or ctx ends, and
// writes job, event, error and summary records to out.
func watchJobs(ctx context.Context, m *manifest.Manifest, cfg *config.Config, out io.Writer, quiet bool, logger *zap.Logger) (*watchResult, error) {
	start := time.Now()

	handles, err := m.Handles(nil)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid job", err)
	}
	interval, err := m.Poll.IntervalDuration()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid poll interval", err)
	}
	timeout, err := m.Poll.TimeoutDuration()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid poll timeout", err)
	}

	factory, err := newProviderFactory(cfg.Provider)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid provider configuration", err)
	}

	w := output.NewJSONLWriter(out, cfg.Provider.Type)
	defer func() { _ = w.Close() }()

	bus := events.NewBus(logger)
	onWriteErr := func(err error) { logger.Warn("Failed to write event record", zap.Error(err)) }
	for _, topic := range events.Topics() {
		if quiet && topic == events.TopicRunning {
			continue
		}
		if _, err := bus.Subscribe(topic, w.EventHandler(onWriteErr)); err != nil {
			return nil, err
		}
	}

	res := &watchResult{}
	substrate := jobregistry.NewCronSubstrate(logger)
	registry, err := jobregistry.NewRegistry(substrate, interval, logger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid poll interval", err)
	}

	svc, err := watcher.New(watcher.Config{
		Factory:        factory,
		Publisher:      bus,
		Registry:       registry,
		RequestTimeout: cfg.Poll.RequestTimeout,
		Logger:         logger,
		OnFinish: func(h batch.JobHandle, o poller.Outcome) {
			res.finish(o)
			if o != poller.OutcomeAbandoned {
				return
			}
			err := w.WriteError(context.Background(), h.OperationID, &output.ErrorRecord{
				Code:    output.ErrCodeAbandoned,
				Message: "status could not be obtained; polling stopped",
				Details: map[string]string{"operation_kind": h.Kind.String(), "correlation_id": h.CorrelationID},
			})
			if err != nil {
				onWriteErr(err)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	substrate.Start()

	for _, h := range handles {
		admitted, err := svc.Submit(ctx, h)
		if err != nil {
			res.rejected++
			logger.Warn("Job rejected", zap.String("job_id", h.OperationID), zap.Error(err))
			if werr := w.WriteError(ctx, h.OperationID, &output.ErrorRecord{
				Code:    output.ErrCodeRejected,
				Message: err.Error(),
			}); werr != nil {
				onWriteErr(werr)
			}
			continue
		}
		res.Jobs++
		if err := w.WriteJob(ctx, admitted.OperationID, &output.JobRecord{
			OperationKind: admitted.Kind,
			Path:          admitted.Path,
			CorrelationID: admitted.CorrelationID,
		}); err != nil {
			onWriteErr(err)
		}
	}

	logger.Info("Watching jobs",
		zap.Int("jobs", res.Jobs),
		zap.Duration("interval", registry.Interval()),
		zap.Duration("timeout", timeout))

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	waitErr := svc.Wait(waitCtx)

	res.Pending = svc.Len()
	svc.Close()
	<-substrate.Stop().Done()

	switch {
	case waitErr == nil:
	case ctx.Err() != nil:
		res.interrupted = true
	case errors.Is(waitErr, context.DeadlineExceeded):
		res.timedOut = true
	}

	res.Duration = time.Since(start)
	res.DurationHuman = res.Duration.Round(time.Millisecond).String()
	// The summary is written after the run context may have ended.
	if err := w.WriteSummary(context.WithoutCancel(ctx), &res.SummaryRecord); err != nil {
		onWriteErr(err)
	}

	logger.Info("Watch finished",
		zap.Int("complete", res.Complete),
		zap.Int("failed", res.Failed),
		zap.Int("abandoned", res.Abandoned),
		zap.Int("pending", res.Pending))

	return res, nil
}
