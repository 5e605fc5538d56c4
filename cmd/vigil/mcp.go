// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve Vigil's tools and operations over MCP on stdio",
		Long: "Run a Model Context Protocol server on stdin and stdout so MCP clients can call the " +
			"observability tools and the ask, analyze and predict operations. Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := wireFromFlags(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			srv, err := app.NewMCPServer()
			if err != nil {
				return err
			}
			return srv.ServeStdio(ctx)
		},
	}
}
