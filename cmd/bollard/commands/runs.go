package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bollardhq/bollard/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "runs",
		Short:   "List recorded runs",
		Example: `  bollard runs --limit 10`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := stores.Open(ctx, stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSPEC\tSTATUS\tSTARTED\tDURATION\tOK\tFAILED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					run.RunID, run.SpecName, run.Status,
					run.StartedAt.Local().Format(time.RFC3339),
					run.Duration.Round(time.Millisecond),
					run.Summary.Succeeded+run.Summary.Satisfied,
					run.Summary.Failed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}
