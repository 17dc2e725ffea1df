package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchwatch/internal/config"
	"github.com/3leaps/batchwatch/internal/observability"
	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/provider"
)

var (
	doctorTokenEnv string
	doctorProbe    bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration and environment.

With --probe the access token from --token-env is checked against the
provider by polling a job id that cannot exist: an unknown-job answer means
the token is accepted.

Examples:
  batchwatch doctor
  batchwatch doctor --probe --token-env DROPBOX_TOKEN`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorProbe, "probe", false, "Check the access token against the provider")
	doctorCmd.Flags().StringVar(&doctorTokenEnv, "token-env", "DROPBOX_TOKEN", "Environment variable holding the access token")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	log := observability.CLILogger
	log.Info("=== batchwatch doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 4
	if doctorProbe {
		totalChecks = 5
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Configuration
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ provider=%s interval=%s", checkNum, totalChecks, cfg.Provider.Type, cfg.Poll.Interval),
		zap.String("provider", cfg.Provider.Type),
		zap.Duration("interval", cfg.Poll.Interval))
	checkNum++

	// Check 3: State directory
	if cfg.Poll.StateDir == "" {
		log.Warn(fmt.Sprintf("[%d/%d] Checking state directory... ⚠️  disabled (jobs will not survive a restart)", checkNum, totalChecks))
	} else if err := (stateDirChecker{dir: cfg.Poll.StateDir}).CheckHealth(cmd.Context()); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking state directory... ❌ %s", checkNum, totalChecks, cfg.Poll.StateDir),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking state directory... ✅ %s", checkNum, totalChecks, cfg.Poll.StateDir),
			zap.String("state_dir", cfg.Poll.StateDir))
	}
	checkNum++

	// Check 4: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProbe {
		allChecks = runProviderProbe(cmd.Context(), cfg, checkNum, totalChecks) && allChecks
	}

	log.Info("")
	if !allChecks {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		log.Info("")
		log.Info("=== End Diagnostics ===")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", nil)
	}
	log.Info("✅ All checks passed!")
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

func runProviderProbe(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("Provider Checks:")

	token := os.Getenv(doctorTokenEnv)
	if token == "" {
		log.Error(fmt.Sprintf("[%d/%d] Checking access token... ❌ %s is not set", checkNum, totalChecks, doctorTokenEnv))
		return false
	}

	factory, err := newProviderFactory(cfg.Provider)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking access token... ❌ provider config", checkNum, totalChecks), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Poll.RequestTimeout)
	defer cancel()

	verdict, err := probeCredential(ctx, factory, token)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking access token... ❌ %s", checkNum, totalChecks, verdict),
			zap.String("token", maskToken(token)),
			zap.Error(err))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking access token... ✅ %s", checkNum, totalChecks, verdict),
		zap.String("token", maskToken(token)))
	return true
}

// probeJobID is never issued by the provider.
const probeJobID = "batchwatch-doctor-probe"

// probeCredential polls a job id that cannot exist. An unknown-job answer
// proves the provider accepted the token.
func probeCredential(ctx context.Context, factory provider.Factory, token string) (string, error) {
	checker, err := factory(ctx, token)
	if err != nil {
		return "rejected", err
	}

	start := time.Now()
	_, err = checker.CheckBatch(ctx, batch.KindCopy, probeJobID)
	elapsed := time.Since(start).Round(time.Millisecond)
	switch {
	case err == nil, provider.IsJobNotFound(err):
		return fmt.Sprintf("accepted (%s)", elapsed), nil
	case provider.IsInvalidCredentials(err):
		return "invalid or expired token", err
	case provider.IsAccessDenied(err):
		return "token lacks files scope", err
	case provider.IsThrottled(err):
		return fmt.Sprintf("throttled, token accepted (%s)", elapsed), nil
	default:
		return "provider unreachable", err
	}
}

// maskToken masks all but the last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
