// Package commands implements the bollard CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bollardhq/bollard/pkg/telemetry"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitInvalid   = 2
	exitCancelled = 130
)

var (
	// Global flags
	inventoryPath string
	dbPath        string
	logLevel      string
	logFormat     string
	jsonOutput    bool
)

// exitError carries an explicit process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return exitFailure
	}
	return exitOK
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bollard",
		Short: "Bollard - Deployment Orchestration Engine",
		Long: `Bollard turns a declarative deployment spec and a host inventory into an
ordered, minimal set of operations and executes them over SSH.

A run:
  - Compiles the spec into a per-host task graph
  - Probes hosts and prunes operations whose desired state already holds
  - Executes the remainder with bounded concurrency, one operation per host
    at a time, retrying transient failures with exponential backoff
  - Persists every outcome and delivers a summary notification`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "inventory.yaml", "inventory file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "bollard.db", "run store database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newReportCommand())

	return rootCmd
}

// newLogger builds the root logger from the global flags.
func newLogger() (zerolog.Logger, error) {
	return telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  logLevel,
		Format: logFormat,
		Output: "stderr",
	})
}
