// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Vigil HTTP API",
		Long:  "Load configuration, wire every subsystem, and serve the REST and streaming API until interrupted.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "override listen address (host:port)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		viper.Set("server.listen", listen)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := wireFromFlags(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	srv, err := app.NewServer()
	if err != nil {
		return vigilerr.Wrapf(err, vigilerr.CodeCLISetupFailure, "creating server")
	}
	defer func() { _ = srv.Close() }()

	if _, err := fmt.Fprintf(cmd.OutOrStdout(), "Vigil %s listening on %s\n", version, app.Config.Server.Listen); err != nil {
		return err
	}
	slog.Info("serving", "listen", app.Config.Server.Listen, "default_model", app.Providers.DefaultRef())

	return srv.Start(ctx)
}
