package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bollardhq/bollard/pkg/engine"
	"github.com/bollardhq/bollard/pkg/transports/ssh"
)

// planEntry is one row of plan output.
type planEntry struct {
	OperationID string            `json:"operation_id"`
	Host        string            `json:"host"`
	Action      engine.ActionKind `json:"action"`
	Decision    string            `json:"decision"`
	Reason      string            `json:"reason,omitempty"`
}

func newPlanCommand() *cobra.Command {
	var (
		watch          bool
		sshPort        int
		strictHostKeys bool
		knownHosts     string
	)

	cmd := &cobra.Command{
		Use:   "plan <spec-file>",
		Short: "Show what a run would execute",
		Long: `Probe the inventory and show, without executing anything, which operations
a run would execute and which would be skipped as already satisfied.
Unreachable hosts are reported; their operations would execute.`,
		Example: `  # Show the execution plan
  bollard plan deploy.yaml --inventory hosts.yaml

  # Re-plan whenever the spec or inventory changes
  bollard plan deploy.yaml -i hosts.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log, err := newLogger()
			if err != nil {
				return err
			}

			transport := ssh.New(ssh.Config{
				Port:                  sshPort,
				StrictHostKeyChecking: strictHostKeys,
				KnownHostsPath:        knownHosts,
			}, log)
			defer transport.Close()

			if err := planOnce(ctx, cmd, transport, args[0], log); err != nil && !watch {
				return err
			}
			if !watch {
				return nil
			}
			return watchAndReplan(ctx, cmd, transport, args[0], log)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-plan whenever the spec or inventory changes")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 22, "default SSH port")
	cmd.Flags().BoolVar(&strictHostKeys, "strict-host-keys", false, "verify SSH host keys against known_hosts")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "known_hosts path (default ~/.ssh/known_hosts)")

	return cmd
}

// planOnce loads inputs, runs the reconciliation pass, and prints the plan.
func planOnce(ctx context.Context, cmd *cobra.Command, transport engine.Transport, specPath string, log zerolog.Logger) error {
	_, inv, graph, err := loadInputs(specPath)
	if err != nil {
		return err
	}

	eng := engine.New(transport, engine.NopStore(), nil, nil, log, engine.Options{})
	plan, err := eng.Plan(ctx, graph, inv)
	if err != nil {
		return err
	}

	entries := make([]planEntry, 0, graph.Len())
	execute := 0
	for _, opID := range graph.Order() {
		op, _ := graph.Get(opID)
		entry := planEntry{
			OperationID: opID,
			Host:        op.Host,
			Action:      op.Action,
			Decision:    "execute",
		}
		if _, ok := plan.Satisfied[opID]; ok {
			entry.Decision = "skip"
			entry.Reason = "desired state already satisfied"
		} else if probeErr, unreachable := plan.Unreachable[op.Host]; unreachable {
			entry.Reason = fmt.Sprintf("host unreachable: %v", probeErr)
		}
		if entry.Decision == "execute" {
			execute++
		}
		entries = append(entries, entry)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tHOST\tACTION\tDECISION\tREASON")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			entry.OperationID, entry.Host, entry.Action, entry.Decision, entry.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nPlan: %d to execute, %d already satisfied, %d hosts unreachable\n",
		execute, len(plan.Satisfied), len(plan.Unreachable))
	return nil
}

// watchAndReplan re-runs the plan whenever the spec or inventory file changes,
// until the context is cancelled.
func watchAndReplan(ctx context.Context, cmd *cobra.Command, transport engine.Transport, specPath string, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent directories: editors replace files on save, which
	// drops watches registered on the files themselves.
	dirs := map[string]bool{
		filepath.Dir(specPath):      true,
		filepath.Dir(inventoryPath): true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	watched := map[string]bool{
		filepath.Clean(specPath):      true,
		filepath.Clean(inventoryPath): true,
	}

	log.Info().Str("spec", specPath).Str("inventory", inventoryPath).Msg("watching for changes")

	// Debounce bursts of events from a single save.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")

		case <-pending:
			pending = nil
			fmt.Fprintln(cmd.OutOrStdout())
			if err := planOnce(ctx, cmd, transport, specPath, log); err != nil {
				// Invalid intermediate states are expected while editing.
				log.Warn().Err(err).Msg("plan failed, waiting for next change")
			}
		}
	}
}
