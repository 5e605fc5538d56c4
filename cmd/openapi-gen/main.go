// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/server"
	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec creates a server with all routes registered and extracts the
// OpenAPI spec that huma generates from the Go type annotations.
func generateSpec() ([]byte, error) {
	// No-op stubs register every route for schema discovery. Handlers are
	// never invoked during spec generation.
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, server.Services{
		Ops:  stubOps{},
		Runs: stubRuns{},
	})
	if err != nil {
		return nil, vigilerr.Errorf(vigilerr.CodeCLISetupFailure, "creating server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

// No-op service stubs for spec generation. Methods are never called.

type stubOps struct{}

func (stubOps) Ask(context.Context, ops.AskRequest) (*ops.Answer, error) { return nil, nil }
func (stubOps) AskStream(context.Context, ops.AskRequest) (<-chan agent.Event, error) {
	return nil, nil
}

func (stubOps) Analyze(context.Context, ops.AnalyzeRequest) (*ops.Analysis, error) {
	return nil, nil
}

func (stubOps) AnalyzeStream(context.Context, ops.AnalyzeRequest) (<-chan agent.Event, error) {
	return nil, nil
}

func (stubOps) Predict(context.Context, ops.PredictRequest) (*ops.Prediction, error) {
	return nil, nil
}

func (stubOps) PredictStream(context.Context, ops.PredictRequest) (<-chan agent.Event, error) {
	return nil, nil
}

type stubRuns struct{}

func (stubRuns) GetRun(context.Context, string) (*store.Run, error) { return nil, nil }
func (stubRuns) ListRuns(context.Context, store.ListOpts) ([]*store.Run, error) {
	return nil, nil
}
