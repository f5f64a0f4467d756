package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/stepgraph/internal/cli"
	"github.com/aretw0/stepgraph/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <graph>",
	Short: "Run a graph and wait for the result",
	Long: `Submits one run of a registered graph, prints each completed step and
renders the final record. Exits non-zero when the run fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		jsonMode, _ := cmd.Flags().GetBool("json")
		quiet, _ := cmd.Flags().GetBool("quiet")
		if cmd.Flags().Changed("pacing") {
			cfg.Engine.Pacing, _ = cmd.Flags().GetDuration("pacing")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []cli.AppOption
		if !jsonMode && !quiet {
			opts = append(opts, cli.WithHooks(cli.StepPrinter(cmd.ErrOrStderr())))
		}
		app, err := cli.NewApp(ctx, cfg, logger, opts...)
		if err != nil {
			return err
		}
		defer app.Close()

		runOpts := cli.RunOptions{GraphID: args[0], State: state, JSON: jsonMode}
		if !jsonMode {
			runOpts.Render = tui.NewRenderer(os.Stdout)
		}
		err = cli.Execute(ctx, app, runOpts, cmd.OutOrStdout())
		_ = app.Service.Wait(ctx)
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("state", "s", "", "Initial state as a JSON object")
	runCmd.Flags().Bool("json", false, "Print the final run record as JSON")
	runCmd.Flags().BoolP("quiet", "q", false, "Do not print steps as they complete")
	runCmd.Flags().Duration("pacing", 0, "Pause between steps (overrides engine.pacing)")
}
