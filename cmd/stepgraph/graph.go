package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/stepgraph/internal/cli"
	"github.com/aretw0/stepgraph/internal/presentation/graph"
	"github.com/aretw0/stepgraph/internal/presentation/tui"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph <graph>",
	Short: "Export the graph visualization",
	Long: `Outputs a Mermaid diagram (graph TD) of a registered graph. With --run
the nodes visited by that run are highlighted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run")
		render, _ := cmd.Flags().GetBool("render")

		reg, err := cli.LoadRegistry(cfg)
		if err != nil {
			return err
		}
		g, err := reg.Get(args[0])
		if err != nil {
			return err
		}

		var overlay *graph.GraphOverlay
		if runID != "" {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := cli.NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			run, err := app.Service.Status(ctx, runID)
			if err != nil {
				return err
			}
			overlay = graph.OverlayFromRun(run)
		}

		output := graph.GenerateMermaid(g, overlay)
		if render {
			if rendered, err := tui.NewRenderer(os.Stdout)("```mermaid\n" + output + "```\n"); err == nil {
				output = rendered
			}
		}
		fmt.Fprint(cmd.OutOrStdout(), output)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("run", "", "Highlight the path taken by this run")
	graphCmd.Flags().Bool("render", false, "Render the diagram source for the terminal")
}
