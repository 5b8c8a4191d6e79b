package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec-file>",
		Short: "Validate a spec and inventory without touching any host",
		Long: `Validate the spec schema, the inventory, and the compiled task graph
(dependency references, cycles). Nothing is probed or executed.`,
		Example: `  bollard validate deploy.yaml --inventory hosts.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, inv, graph, err := loadInputs(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Spec %q is valid: %d roles, %d hosts, %d operations\n",
				s.Name, len(s.Roles), inv.Len(), graph.Len())
			return nil
		},
	}
	return cmd
}
