package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/stepgraph/internal/config"
	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stepgraph",
	Short: "stepgraph runs state graphs of Go steps",
	Long: `stepgraph executes workflow graphs whose nodes transform a shared state.
Runs execute in the background; their progress is persisted and streamed live.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().String("graphs", "", "File of process graphs to register (overrides process.file)")
}

// loadConfig resolves defaults, the config file, STEPGRAPH_* variables and
// finally the command line flags.
func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	c, err := config.Load(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		c.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		c.Log.Format, _ = cmd.Flags().GetString("log-format")
	}
	if cmd.Flags().Changed("graphs") {
		c.Process.File, _ = cmd.Flags().GetString("graphs")
	}

	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	cfg = c
	logger = logging.New(level, c.Log.Format)
	slog.SetDefault(logger)
	return nil
}
