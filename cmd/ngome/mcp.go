package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/gateway/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	Long: `Expose the sandbox engine as an MCP (Model Context Protocol) server
over stdio. MCP clients get tools for writing, reading and listing
sandbox files, executing commands, and syncing or restoring snapshots.

Logs go to stderr; stdout is reserved for the MCP protocol.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout carries the protocol, so everything else goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	path := goutils.Env("NGOME_CONFIG", mcpConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return mcpserver.NewServer(sc.Engine, logger).ServeStdio()
}
