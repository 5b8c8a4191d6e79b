package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bollardhq/bollard/pkg/engine"
	"github.com/bollardhq/bollard/pkg/notify"
	"github.com/bollardhq/bollard/pkg/stores"
	"github.com/bollardhq/bollard/pkg/telemetry"
	"github.com/bollardhq/bollard/pkg/transports/ssh"
)

func newRunCommand() *cobra.Command {
	var (
		workers        int
		reconcile      string
		notifyURL      string
		metricsAddr    string
		traceExporter  string
		autoApprove    bool
		sshPort        int
		strictHostKeys bool
		knownHosts     string
	)

	cmd := &cobra.Command{
		Use:   "run <spec-file>",
		Short: "Execute a deployment spec",
		Long: `Execute a deployment spec against the inventory.

The run probes each target host once, skips operations whose desired state
already holds, and executes the rest in dependency order. Interrupting the
run (Ctrl-C) stops dispatch; operations already executing finish and are
recorded.

Exit codes: 0 success, 1 failure, 2 invalid input, 130 cancelled.`,
		Example: `  # Run a spec
  bollard run deploy.yaml --inventory hosts.yaml

  # Bound concurrency and post a summary webhook
  bollard run deploy.yaml -i hosts.yaml --workers 4 --notify https://hooks.example.com/deploy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log, err := newLogger()
			if err != nil {
				return err
			}

			policy := engine.ReconcilePolicy(reconcile)
			if policy != engine.ReconcileAllKeys && policy != engine.ReconcileSubset {
				return exitWith(exitInvalid, fmt.Errorf("invalid reconcile policy %q", reconcile))
			}

			s, inv, graph, err := loadInputs(args[0])
			if err != nil {
				return err
			}

			if destructive := destructiveOperations(graph); len(destructive) > 0 && !autoApprove {
				if !confirmDestructive(cmd, destructive) {
					return exitWith(exitCancelled, fmt.Errorf("aborted: destructive operations not approved"))
				}
			}

			store, err := stores.Open(ctx, stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer store.Close()

			metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:   true,
				Namespace: "bollard",
				Addr:      metricsAddr,
			})
			if metricsAddr != "" {
				shutdown := serveMetrics(metricsAddr, metrics, log)
				defer shutdown()
			}

			tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
				Enabled:       traceExporter != "",
				Exporter:      traceExporter,
				SamplingRate:  1.0,
				ExportTimeout: 10 * time.Second,
			}, "bollard", cmd.Root().Version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = tracer.Shutdown(shutdownCtx)
			}()

			transport := ssh.New(ssh.Config{
				Port:                  sshPort,
				StrictHostKeyChecking: strictHostKeys,
				KnownHostsPath:        knownHosts,
			}, log)
			defer transport.Close()

			var notifier engine.Notifier
			if notifyURL != "" {
				notifier = notify.NewWebhook(notifyURL, nil, log)
			}

			sink := telemetry.NewSink(metrics, store, log)
			eng := engine.New(transport, store, notifier, sink, log, engine.Options{
				MaxWorkers: workers,
				Reconcile:  policy,
			})

			report, err := eng.Run(ctx, s.Name, graph, inv)
			if err != nil {
				return err
			}

			if err := printReport(cmd, report); err != nil {
				return err
			}

			switch report.Status {
			case engine.RunStatusSucceeded:
				return nil
			case engine.RunStatusCancelled:
				return exitWith(exitCancelled, fmt.Errorf("run %s cancelled", report.RunID))
			default:
				return exitWith(exitFailure, fmt.Errorf("run %s failed: %d operations failed, %d blocked",
					report.RunID, report.Summary.Failed, report.Summary.Blocked))
			}
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "max concurrent operations (0 = one per host)")
	cmd.Flags().StringVar(&reconcile, "reconcile", "all-keys", "state matching policy (all-keys, subset)")
	cmd.Flags().StringVar(&notifyURL, "notify", "", "webhook URL for the run summary")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().StringVar(&traceExporter, "trace", "", "trace exporter (stdout, none)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip confirmation for destructive operations")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 22, "default SSH port")
	cmd.Flags().BoolVar(&strictHostKeys, "strict-host-keys", false, "verify SSH host keys against known_hosts")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "known_hosts path (default ~/.ssh/known_hosts)")

	return cmd
}

// confirmDestructive lists stop/teardown operations and asks for approval.
func confirmDestructive(cmd *cobra.Command, ids []string) bool {
	fmt.Fprintln(cmd.OutOrStdout(), "The following operations stop or remove remote state:")
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", id)
	}
	fmt.Fprint(cmd.OutOrStdout(), "Proceed? (yes/no): ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return false
	}
	return strings.TrimSpace(scanner.Text()) == "yes"
}

// serveMetrics exposes /metrics for the duration of the run. The returned
// function shuts the server down.
func serveMetrics(addr string, metrics *telemetry.Metrics, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

// printReport renders the run report to stdout.
func printReport(cmd *cobra.Command, report *engine.RunReport) error {
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tHOST\tOUTCOME\tATTEMPTS\tDURATION")
	for _, res := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			res.OperationID, res.Host, res.Outcome, res.Attempts, res.Duration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRun %s: %s in %s (%d succeeded, %d satisfied, %d failed, %d blocked, %d cancelled)\n",
		report.RunID, report.Status, report.Duration.Round(time.Millisecond),
		report.Summary.Succeeded, report.Summary.Satisfied,
		report.Summary.Failed, report.Summary.Blocked, report.Summary.Cancelled)
	return nil
}
