package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bollardhq/bollard/pkg/stores"
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "report <run-id>",
		Short:   "Show the full report of a recorded run",
		Example: `  bollard report 4f7c2b1a-... --json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			store, err := stores.Open(ctx, stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer store.Close()

			report, err := store.GetRun(ctx, runID)
			if errors.Is(err, stores.ErrNotFound) {
				return exitWith(exitInvalid, fmt.Errorf("run %s not found", runID))
			}
			if err != nil {
				return err
			}

			return printReport(cmd, report)
		},
	}
	return cmd
}
