package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aretw0/stepgraph/internal/cli"
	"github.com/aretw0/stepgraph/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored runs",
	Long:  `List and inspect runs kept by the configured store (store.driver).`,
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.NewApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		ids, err := app.Service.Runs(cmd.Context())
		if err != nil {
			return fmt.Errorf("error listing runs: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No runs found.")
			return nil
		}
		for _, id := range ids {
			run, err := app.Service.Status(cmd.Context(), id)
			if err != nil {
				fmt.Fprintf(out, "%s\t(unreadable: %v)\n", id, err)
				continue
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%d steps\n", run.ID, run.GraphID, run.Status, len(run.History))
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")

		app, err := cli.NewApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		run, err := app.Service.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonMode {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}
		report := tui.RunReport(run)
		if rendered, err := tui.NewRenderer(os.Stdout)(report); err == nil {
			report = rendered
		}
		fmt.Fprint(out, report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsLsCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsShowCmd.Flags().Bool("json", false, "Print the run record as JSON")
}
