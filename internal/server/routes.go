// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/sigil-dev/vigil/pkg/health"
)

const (
	pingTimeout  = 3 * time.Second
	maxListLimit = 500
)

// AskInput is the request of the ask endpoint.
type AskInput struct {
	Body ops.AskRequest
}

// AskOutput is the response of the ask endpoint.
type AskOutput struct {
	Body *ops.Answer
}

// AnalyzeInput is the request of the analyze endpoint.
type AnalyzeInput struct {
	Body ops.AnalyzeRequest
}

// AnalyzeOutput is the response of the analyze endpoint.
type AnalyzeOutput struct {
	Body *ops.Analysis
}

// PredictInput is the request of the predict endpoint.
type PredictInput struct {
	Body ops.PredictRequest
}

// PredictOutput is the response of the predict endpoint.
type PredictOutput struct {
	Body *ops.Prediction
}

// ListRunsInput filters the run archive.
type ListRunsInput struct {
	Operation string `query:"operation" enum:"chatops.ask,rca.analyze,predict.run" doc:"Only runs of this operation"`
	SessionID string `query:"session_id" doc:"Only runs of this session"`
	Limit     int    `query:"limit" minimum:"0" maximum:"500" doc:"Page size, default 50"`
	Offset    int    `query:"offset" minimum:"0" doc:"Runs to skip"`
}

// ListRunsOutput is a page of run summaries, newest first.
type ListRunsOutput struct {
	Body struct {
		Runs []*store.Run `json:"runs"`
	}
}

// GetRunInput selects one archived run.
type GetRunInput struct {
	ID string `path:"id" doc:"Run ID"`
}

// GetRunOutput is an archived run with its request, result and trace.
type GetRunOutput struct {
	Body *store.Run
}

// StatusBody reports the health of every dependency.
type StatusBody struct {
	Status    string                     `json:"status" enum:"ok,degraded" doc:"degraded when no provider or a configured backend is unreachable"`
	Version   string                     `json:"version"`
	Providers map[string]provider.Status `json:"providers"`
	Backends  []health.BackendStatus     `json:"backends"`
}

// StatusOutput wraps the status response.
type StatusOutput struct {
	Body StatusBody
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "chatops-ask",
		Method:      http.MethodPost,
		Path:        "/api/v1/chatops/ask",
		Summary:     "Answer an operational question",
		Tags:        []string{"chatops"},
	}, func(ctx context.Context, in *AskInput) (*AskOutput, error) {
		ans, err := s.svc.Ops.Ask(ctx, in.Body)
		if err != nil {
			return nil, s.apiError(ctx, "ask", err)
		}
		return &AskOutput{Body: ans}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "rca-analyze",
		Method:      http.MethodPost,
		Path:        "/api/v1/rca/analyze",
		Summary:     "Analyze the root cause of an incident",
		Tags:        []string{"rca"},
	}, func(ctx context.Context, in *AnalyzeInput) (*AnalyzeOutput, error) {
		a, err := s.svc.Ops.Analyze(ctx, in.Body)
		if err != nil {
			return nil, s.apiError(ctx, "analyze", err)
		}
		return &AnalyzeOutput{Body: a}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "predict-run",
		Method:      http.MethodPost,
		Path:        "/api/v1/predict/run",
		Summary:     "Estimate the failure risk of a service",
		Tags:        []string{"predict"},
	}, func(ctx context.Context, in *PredictInput) (*PredictOutput, error) {
		p, err := s.svc.Ops.Predict(ctx, in.Body)
		if err != nil {
			return nil, s.apiError(ctx, "predict", err)
		}
		return &PredictOutput{Body: p}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs",
		Summary:     "List archived runs",
		Tags:        []string{"runs"},
	}, s.handleListRuns)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs/{id}",
		Summary:     "Get an archived run",
		Tags:        []string{"runs"},
	}, func(ctx context.Context, in *GetRunInput) (*GetRunOutput, error) {
		run, err := s.svc.Runs.GetRun(ctx, in.ID)
		if err != nil {
			return nil, s.apiError(ctx, "get run", err)
		}
		return &GetRunOutput{Body: run}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Provider and backend health",
		Tags:        []string{"system"},
	}, s.handleStatus)
}

func (s *Server) handleListRuns(ctx context.Context, in *ListRunsInput) (*ListRunsOutput, error) {
	runs, err := s.svc.Runs.ListRuns(ctx, store.ListOpts{
		Operation: in.Operation,
		SessionID: in.SessionID,
		Limit:     min(in.Limit, maxListLimit),
		Offset:    in.Offset,
	})
	if err != nil {
		return nil, s.apiError(ctx, "list runs", err)
	}
	out := &ListRunsOutput{}
	out.Body.Runs = runs
	if out.Body.Runs == nil {
		out.Body.Runs = []*store.Run{}
	}
	return out, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	body := StatusBody{
		Status:    "ok",
		Version:   s.cfg.Version,
		Providers: map[string]provider.Status{},
		Backends:  s.probeBackends(ctx),
	}
	if s.svc.Providers != nil {
		body.Providers = s.svc.Providers.Statuses(ctx)
	}

	anyProvider := false
	for _, st := range body.Providers {
		anyProvider = anyProvider || st.Available
	}
	if !anyProvider {
		body.Status = "degraded"
	}
	for _, b := range body.Backends {
		if b.Configured && !b.Reachable {
			body.Status = "degraded"
		}
	}
	return &StatusOutput{Body: body}, nil
}

// probeBackends pings every configured backend concurrently.
func (s *Server) probeBackends(ctx context.Context) []health.BackendStatus {
	out := make([]health.BackendStatus, len(s.svc.Backends))
	var wg sync.WaitGroup
	for i, b := range s.svc.Backends {
		out[i] = health.BackendStatus{Name: b.Name, Configured: b.Pinger != nil}
		if b.Pinger == nil {
			out[i].Message = "not configured"
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if err := b.Pinger.Ping(pctx); err != nil {
				out[i].Message = err.Error()
				return
			}
			out[i].Reachable = true
		}()
	}
	wg.Wait()
	return out
}

// RunErrorModel is the problem document of a failed run. It names the
// archived run and carries the tool calls made before the failure.
type RunErrorModel struct {
	huma.ErrorModel
	RunID string                 `json:"run_id"`
	Trace []agent.ToolInvocation `json:"trace"`
}

// apiError converts a coded error into a huma status error. Internal
// failures are logged and reported without detail.
func (s *Server) apiError(ctx context.Context, op string, err error) error {
	status := vigilerr.HTTPStatus(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, op+" failed", slog.Any("error", err))
		detail = op + " failed"
	} else {
		s.logger.WarnContext(ctx, op+" rejected",
			slog.Int("status", status),
			slog.String("code", string(vigilerr.CodeOf(err))),
			slog.Any("error", err),
		)
	}

	var run *ops.RunError
	if !errors.As(err, &run) {
		return huma.NewError(status, detail)
	}
	return &RunErrorModel{
		ErrorModel: huma.ErrorModel{Title: http.StatusText(status), Status: status, Detail: detail},
		RunID:      run.RunID,
		Trace:      run.Trace,
	}
}
