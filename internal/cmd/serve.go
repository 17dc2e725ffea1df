package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/batchwatch/internal/config"
	"github.com/3leaps/batchwatch/internal/observability"
	"github.com/3leaps/batchwatch/internal/server"
	"github.com/3leaps/batchwatch/internal/server/handlers"
	"github.com/3leaps/batchwatch/internal/server/stream"
	"github.com/3leaps/batchwatch/pkg/events"
	"github.com/3leaps/batchwatch/pkg/jobregistry"
	"github.com/3leaps/batchwatch/pkg/provider"
	"github.com/3leaps/batchwatch/pkg/provider/dropbox"
	"github.com/3leaps/batchwatch/pkg/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job watcher service",
	Long: `Run batchwatch as a long-lived service.

Jobs are submitted with POST /v1/jobs and polled until they finish. Events
are streamed on /v1/events (websocket); filter with ?topic=, ?job_id=,
?correlation_id= and ?path= (glob).

Active jobs are persisted under poll.state_dir and resumed on the next start
unless --no-resume is given.

Example:
  batchwatch serve
  batchwatch serve --port 9000 --interval 2s
  BATCHWATCH_STATE_DIR=/var/lib/batchwatch batchwatch serve`,
	RunE: runServe,
}

var (
	serveHost     string
	servePort     int
	serveStateDir string
	serveInterval string
	serveNoResume bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveStateDir, "state-dir", "", "Directory for active job snapshots (overrides poll.state_dir)")
	serveCmd.Flags().StringVar(&serveInterval, "interval", "", "Poll interval (overrides poll.interval)")
	serveCmd.Flags().BoolVar(&serveNoResume, "no-resume", false, "Do not resume persisted jobs")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	poll := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = servePort
	}
	if cmd.Flags().Changed("state-dir") {
		poll["state_dir"] = serveStateDir
	}
	if cmd.Flags().Changed("interval") {
		poll["interval"] = serveInterval
	}
	if serveNoResume {
		poll["resume"] = false
	}
	return map[string]any{"server": srv, "poll": poll}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Context(), serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	svc, err := newService(cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to build service", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to listen", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.run(ctx, ln); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// service is the assembled serve process.
type service struct {
	cfg    *config.Config
	logger *zap.Logger

	bus     *events.Bus
	cron    *jobregistry.CronSubstrate
	store   *jobregistry.Store
	watcher *watcher.Service
	hub     *stream.Hub
	server  *server.Server
}

func newProviderFactory(cfg config.ProviderConfig) (provider.Factory, error) {
	switch provider.ProviderType(cfg.Type) {
	case provider.ProviderDropbox:
		return dropbox.NewFactory(dropbox.Config{
			BaseURL:           cfg.BaseURL,
			ClientID:          cfg.ClientID,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Type)
	}
}

func newService(cfg *config.Config, logger *zap.Logger) (*service, error) {
	factory, err := newProviderFactory(cfg.Provider)
	if err != nil {
		return nil, err
	}

	s := &service{
		cfg:    cfg,
		logger: logger,
		bus:    events.NewBus(logger.Named("events")),
		cron:   jobregistry.NewCronSubstrate(logger.Named("cron")),
	}
	if cfg.Poll.StateDir != "" {
		s.store = jobregistry.NewStore(cfg.Poll.StateDir)
	}

	registry, err := jobregistry.NewRegistry(s.cron, cfg.Poll.Interval, logger.Named("registry"))
	if err != nil {
		return nil, err
	}

	s.watcher, err = watcher.New(watcher.Config{
		Factory:        factory,
		Publisher:      s.bus,
		Registry:       registry,
		Store:          s.store,
		RequestTimeout: cfg.Poll.RequestTimeout,
		Logger:         logger.Named("watcher"),
	})
	if err != nil {
		return nil, err
	}

	s.hub, err = stream.NewHub(stream.Config{
		Bus:            s.bus,
		AllowedOrigins: cfg.Events.AllowedOrigins,
		WriteTimeout:   cfg.Events.WriteTimeout,
		Buffer:         cfg.Events.Buffer,
		Logger:         logger.Named("stream"),
	})
	if err != nil {
		return nil, err
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("watcher", s.watcher)
	if s.store != nil {
		health.RegisterChecker("state_dir", stateDirChecker{dir: s.store.RootDir()})
	}

	s.server = server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithJobs(s.watcher),
		server.WithEventStream(s.hub),
	)
	return s, nil
}

// run serves on ln until ctx is done, then shuts down within
// server.shutdown_timeout.
func (s *service) run(ctx context.Context, ln net.Listener) error {
	s.cron.Start()

	if s.cfg.Poll.Resume {
		n, err := s.watcher.Resume(ctx)
		if err != nil {
			s.logger.Warn("Failed to resume persisted jobs", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Resumed jobs", zap.Int("count", n))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *service) shutdown() error {
	s.logger.Info("Shutting down", zap.Int("active_jobs", s.watcher.Len()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.hub.Close()
	err := s.server.Shutdown(ctx)
	s.watcher.Close()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for in-flight polls")
	}
	return err
}

// stateDirChecker fails when the state directory path is unusable. A missing
// directory is fine; it is created on the first write.
type stateDirChecker struct {
	dir string
}

func (c stateDirChecker) CheckHealth(context.Context) error {
	info, err := os.Stat(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("state dir %s is not a directory", c.dir)
	}
	return nil
}
