// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package server

import (
	"context"
	"log/slog"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Operations runs the diagnostic use cases. *ops.Service satisfies it.
type Operations interface {
	Ask(ctx context.Context, req ops.AskRequest) (*ops.Answer, error)
	AskStream(ctx context.Context, req ops.AskRequest) (<-chan agent.Event, error)
	Analyze(ctx context.Context, req ops.AnalyzeRequest) (*ops.Analysis, error)
	AnalyzeStream(ctx context.Context, req ops.AnalyzeRequest) (<-chan agent.Event, error)
	Predict(ctx context.Context, req ops.PredictRequest) (*ops.Prediction, error)
	PredictStream(ctx context.Context, req ops.PredictRequest) (<-chan agent.Event, error)
}

// RunReader reads the run archive.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, opts store.ListOpts) ([]*store.Run, error)
}

// ProviderStatuses reports model provider health. *provider.Registry
// satisfies it.
type ProviderStatuses interface {
	Statuses(ctx context.Context) map[string]provider.Status
}

// Pinger is an observability backend that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend names a probed backend. A nil Pinger means it is not configured.
type Backend struct {
	Name   string
	Pinger Pinger
}

// Services holds the dependencies the HTTP routes call into.
type Services struct {
	Ops       Operations
	Runs      RunReader
	Providers ProviderStatuses
	Backends  []Backend
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (s Services) validate() error {
	if s.Ops == nil {
		return vigilerr.New(vigilerr.CodeServerConfigInvalid, "operations service is required")
	}
	if s.Runs == nil {
		return vigilerr.New(vigilerr.CodeServerConfigInvalid, "run store is required")
	}
	return nil
}

var (
	_ Operations       = (*ops.Service)(nil)
	_ RunReader        = (store.RunStore)(nil)
	_ ProviderStatuses = (*provider.Registry)(nil)
)
