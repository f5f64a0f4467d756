package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/stepgraph/internal/cli"
	"github.com/aretw0/stepgraph/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes the registered graphs as MCP tools and resources so AI agents can
start runs and inspect them.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		addr, _ := cmd.Flags().GetString("addr")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := cli.NewApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		srv := mcp.NewServer(app.Service)
		switch transport {
		case "stdio":
			// Logs go to stderr; stdout carries JSON-RPC.
			logger.Info("starting MCP server (stdio)")
			err = srv.ServeStdio(ctx)
		case "sse":
			logger.Info("starting MCP server (SSE)", "address", addr)
			err = srv.ServeSSE(ctx, addr)
		default:
			return fmt.Errorf("unknown transport %q, supported: stdio, sse", transport)
		}
		_ = app.Service.Wait(ctx)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("MCP server execution failed: %w", err)
		}
		logger.Info("MCP server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().String("addr", ":8081", "Address to listen on (only for SSE)")
}
