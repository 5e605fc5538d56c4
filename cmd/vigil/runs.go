// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect archived ask, analyze and predict runs",
	}
	cmd.PersistentFlags().StringP("output", "o", formatText, "output format: text, json or yaml")

	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runRunsList,
	}
	cmd.Flags().String("operation", "", "only runs of this operation (chatops.ask, rca.analyze, predict.run)")
	cmd.Flags().String("session", "", "only runs of this session")
	cmd.Flags().Int("limit", 20, "maximum number of runs")
	cmd.Flags().Int("offset", 0, "runs to skip")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run with its request, result and tool trace",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
		return err
	}
	opts := store.ListOpts{}
	opts.Operation, _ = cmd.Flags().GetString("operation")
	opts.SessionID, _ = cmd.Flags().GetString("session")
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	opts.Offset, _ = cmd.Flags().GetInt("offset")
	if opts.Limit < 0 || opts.Offset < 0 {
		return vigilerr.New(vigilerr.CodeCLIInputInvalid, "--limit and --offset must not be negative")
	}

	rs, err := openRunsFromFlags()
	if err != nil {
		return err
	}
	defer func() { _ = rs.Close() }()

	runs, err := rs.ListRuns(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return render(cmd.OutOrStdout(), format, runs, func(w io.Writer) error { return writeRunTable(w, runs) })
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
		return err
	}

	rs, err := openRunsFromFlags()
	if err != nil {
		return err
	}
	defer func() { _ = rs.Close() }()

	run, err := rs.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), format, run, func(w io.Writer) error { return writeRun(w, run) })
}

// openRunsFromFlags opens only the run archive; listing runs needs no
// providers or backends.
func openRunsFromFlags() (store.RunStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "none" {
		return nil, vigilerr.New(vigilerr.CodeCLIInputInvalid, "runs are not archived: storage.backend is none")
	}
	return openRunStore(cfg, resolveDataDir(cfg))
}
