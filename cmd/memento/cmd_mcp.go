package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/memento-project/memento/internal/bundle"
	mementomcp "github.com/memento-project/memento/internal/mcp"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server over stdio",
		Long: `Starts an MCP JSON-RPC 2.0 server that reads from stdin and writes to stdout.
All diagnostic logs go to stderr so that stdout remains exclusively MCP protocol traffic.

Tools exposed:
  remember  — store a memory in the short-term tier
  recall    — retrieve memories by similarity
  forget    — delete a memory by ID
  count     — entry counts per tier`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()

			env, err := loadEnv(logger, false)
			if err != nil {
				return err
			}

			dbs, err := bundle.New(cmd.Context(), cfg, env, logger)
			if err != nil {
				return fmt.Errorf("mcp: building storage: %w", err)
			}
			defer func() { _ = dbs.Close() }()

			srv := mementomcp.NewServer(dbs, logger)

			// Use a standard log.Logger pointing at stderr for the mcp-go error logger.
			errLogger := log.New(os.Stderr, "mcp: ", log.LstdFlags)

			logger.Info("mcp: memento MCP server starting", "transport", "stdio")

			return mcpserver.ServeStdio(
				srv.MCPServer(),
				mcpserver.WithErrorLogger(errLogger),
			)
		},
	}
}
