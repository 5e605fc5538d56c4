// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ops"
)

// addOpFlags registers the flags shared by the in-process operation commands.
func addOpFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", formatText, "output format: text, json or yaml")
	cmd.Flags().BoolP("watch", "w", false, "show live progress while the agent runs")
	cmd.Flags().String("session", "", "session ID to continue a conversation")
}

func addTimeRangeFlags(cmd *cobra.Command, defaultLast int) {
	cmd.Flags().Int("last", defaultLast, "window of the last N minutes, ending now")
	cmd.Flags().String("start", "", "window start, RFC 3339 or zone-less ISO 8601 (overrides --last)")
	cmd.Flags().String("end", "", "window end, RFC 3339 or zone-less ISO 8601")
}

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask an operational question about production services",
		Long:  "Run the chat-ops agent in-process: it queries Loki and Prometheus and answers with the LogQL it used.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
	addOpFlags(cmd)
	addTimeRangeFlags(cmd, 0)
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <description>",
		Short: "Run a root-cause analysis of an incident",
		Long: "Run the RCA agent in-process over the incident window. With --ensemble, several models " +
			"analyze the same evidence and the most representative answer is kept.",
		Args: cobra.MinimumNArgs(1),
		RunE: runAnalyze,
	}
	addOpFlags(cmd)
	addTimeRangeFlags(cmd, 60)
	cmd.Flags().String("model", "", "provider/model to run, or the ensemble fallback")
	cmd.Flags().StringSlice("ensemble", nil, "provider/model refs to run and reconcile")
	return cmd
}

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict <service>",
		Short: "Estimate the short-term failure risk of a service",
		Args:  cobra.ExactArgs(1),
		RunE:  runPredict,
	}
	addOpFlags(cmd)
	cmd.Flags().Int("lookback-hours", 24, "history to consider")
	cmd.Flags().String("model", "", "provider/model to run")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	session, _ := cmd.Flags().GetString("session")
	req := ops.AskRequest{Question: strings.Join(args, " "), SessionID: session}
	if tr := timeRange(cmd); tr != (ops.TimeRange{}) {
		req.TimeRange = &tr
	}
	return runOperation(cmd, "ask", writeAnswer,
		func(ctx context.Context, app *App) (*ops.Answer, error) {
			return app.Ops.Ask(ctx, req)
		},
		func(ctx context.Context, app *App) (<-chan agent.Event, error) {
			return app.Ops.AskStream(ctx, req)
		},
	)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	session, _ := cmd.Flags().GetString("session")
	model, _ := cmd.Flags().GetString("model")
	members, _ := cmd.Flags().GetStringSlice("ensemble")
	req := ops.AnalyzeRequest{
		Description: strings.Join(args, " "),
		TimeRange:   timeRange(cmd),
		SessionID:   session,
		Model:       model,
		Ensemble:    members,
	}
	return runOperation(cmd, "analyze", writeAnalysis,
		func(ctx context.Context, app *App) (*ops.Analysis, error) {
			return app.Ops.Analyze(ctx, req)
		},
		func(ctx context.Context, app *App) (<-chan agent.Event, error) {
			return app.Ops.AnalyzeStream(ctx, req)
		},
	)
}

func runPredict(cmd *cobra.Command, args []string) error {
	session, _ := cmd.Flags().GetString("session")
	model, _ := cmd.Flags().GetString("model")
	hours, _ := cmd.Flags().GetInt("lookback-hours")
	req := ops.PredictRequest{ServiceName: args[0], LookbackHours: hours, SessionID: session, Model: model}
	return runOperation(cmd, "predict "+args[0], writePrediction,
		func(ctx context.Context, app *App) (*ops.Prediction, error) {
			return app.Ops.Predict(ctx, req)
		},
		func(ctx context.Context, app *App) (<-chan agent.Event, error) {
			return app.Ops.PredictStream(ctx, req)
		},
	)
}

func timeRange(cmd *cobra.Command) ops.TimeRange {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	last, _ := cmd.Flags().GetInt("last")
	if start != "" || end != "" {
		return ops.TimeRange{Start: start, End: end}
	}
	return ops.TimeRange{LastMinutes: last}
}

// runOperation wires the app and runs one operation, either directly or as
// a stream behind the progress view, then renders the result.
func runOperation[T any](
	cmd *cobra.Command,
	title string,
	text func(io.Writer, *T) error,
	run func(context.Context, *App) (*T, error),
	stream func(context.Context, *App) (<-chan agent.Event, error),
) error {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
		return err
	}
	watching, _ := cmd.Flags().GetBool("watch")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := wireFromFlags(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	var result *T
	if watching {
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events, err := stream(streamCtx, app)
		if err != nil {
			return err
		}
		data, err := watch(streamCtx, cancel, cmd.ErrOrStderr(), title, events)
		if err != nil {
			return err
		}
		if result, err = decodeFinal[T](data); err != nil {
			return err
		}
	} else {
		if result, err = run(ctx, app); err != nil {
			return err
		}
	}

	return render(cmd.OutOrStdout(), format, result, func(w io.Writer) error { return text(w, result) })
}

// wireFromFlags loads the config the root command prepared and wires the app.
func wireFromFlags(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return Wire(ctx, cfg, resolveDataDir(cfg))
}
