// Package cmd implements the batchwatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchwatch/internal/config"
	"github.com/3leaps/batchwatch/internal/observability"
	"github.com/3leaps/batchwatch/internal/server/handlers"
)

// exitFailure is the exit code for runs where a watched job failed.
const exitFailure = 1

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "batchwatch",
	Short: "Watch asynchronous batch jobs until they finish",
	Long: `batchwatch polls asynchronous copy, move and delete batch jobs on Dropbox
and publishes one event per status change: batch_work_running while a job is
in progress, then exactly one batch_work_complete or batch_work_failed.

Run it as a service (serve) that accepts jobs over HTTP and streams events
over a websocket, or watch a fixed set of jobs from the command line (watch)
and read the events as JSON Lines.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger("batchwatch", verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./batchwatch.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// SetVersionInfo records build information for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	observability.CLILogger.Error("Command failed", zap.Error(err))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)`)

// ExitCode extracts the code recorded by exitError. Other errors map to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if m := exitCodePattern.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	return exitFailure
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
