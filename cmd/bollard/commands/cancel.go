package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bollardhq/bollard/pkg/stores"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a running run",
		Long: `Record a cancellation request for an active run. The executing process
observes it at its next dispatch boundary: no new operations start, in-flight
operations finish and are recorded, everything undispatched is marked
skipped_cancelled.`,
		Example: `  bollard cancel 4f7c2b1a-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			store, err := stores.Open(ctx, stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer store.Close()

			switch err := store.RequestCancel(ctx, runID); {
			case errors.Is(err, stores.ErrNotFound):
				return exitWith(exitInvalid, fmt.Errorf("run %s not found", runID))
			case errors.Is(err, stores.ErrRunNotActive):
				return exitWith(exitInvalid, fmt.Errorf("run %s already completed", runID))
			case err != nil:
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for run %s\n", runID)
			return nil
		},
	}
	return cmd
}
