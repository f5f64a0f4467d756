package main

import (
	"errors"
	"fmt"

	"github.com/aretw0/stepgraph/internal/cli"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [graph...]",
	Short: "Check graphs for consistency",
	Long: `Checks that every edge and entry point names a registered node and
reports nodes that cannot be reached from the entry point.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := cli.LoadRegistry(cfg)
		if err != nil {
			return err
		}
		ids := args
		if len(ids) == 0 {
			ids = reg.IDs()
		}

		out := cmd.OutOrStdout()
		var errs []error
		for _, id := range ids {
			g, err := reg.Get(id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := g.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("graph %s: %w", id, err))
				continue
			}
			for _, node := range g.Unreachable() {
				fmt.Fprintf(out, "warning: graph %s: node %q is unreachable\n", id, node)
			}
			fmt.Fprintf(out, "Graph %s is valid! ✅\n", id)
		}
		if len(errs) > 0 {
			return fmt.Errorf("validation failed: %w", errors.Join(errs...))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
