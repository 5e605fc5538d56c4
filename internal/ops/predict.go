// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/risk"
	"github.com/sigil-dev/vigil/internal/toolbox"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	MaxServiceNameLen  = 200
	MaxLikelyFailures  = 6
	extractCountWindow = 48
	defaultExplanation = "rough risk estimate based on historical error-log density and trend"
)

// PredictRequest asks for the failure risk of one service.
type PredictRequest struct {
	ServiceName   string `json:"service_name" minLength:"1" maxLength:"200" doc:"Service to assess"`
	LookbackHours int    `json:"lookback_hours,omitempty" minimum:"0" maximum:"720" doc:"History to consider, default 24"`
	SessionID     string `json:"session_id,omitempty" maxLength:"200"`
	Model         string `json:"model,omitempty" doc:"provider/model to run"`
}

// Prediction is a service's failure-risk estimate.
type Prediction struct {
	RunID          string                 `json:"run_id,omitempty"`
	ServiceName    string                 `json:"service_name"`
	RiskScore      float64                `json:"risk_score"`
	RiskLevel      risk.Level             `json:"risk_level" enum:"low,medium,high"`
	LikelyFailures []string               `json:"likely_failures"`
	Explanation    string                 `json:"explanation"`
	Trace          []agent.ToolInvocation `json:"trace"`
}

// prediction is the model's JSON answer. Every field is optional.
type prediction struct {
	RiskScore      *score   `json:"risk_score"`
	RiskLevel      string   `json:"risk_level"`
	LikelyFailures []string `json:"likely_failures"`
	Explanation    string   `json:"explanation"`
}

// score accepts a JSON number or a numeric string.
type score float64

func (s *score) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return vigilerr.Errorf(vigilerr.CodeOpsOutputInvalid, "risk_score is not a number: %s", raw)
	}
	*s = score(v)
	return nil
}

// parsePrediction reads the prediction JSON out of model output.
func parsePrediction(text string) (prediction, bool) {
	raw, ok := provider.ExtractJSON(text)
	if !ok {
		return prediction{}, false
	}
	var p prediction
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return prediction{}, false
	}
	return p, true
}

// featureTap records the first successful predict_collect_features result of
// a run. The tool output is read before trace truncation.
type featureTap struct {
	mu       sync.Mutex
	features *toolbox.Features
}

func (f *featureTap) wrap(t agent.Tool) agent.Tool {
	invoke := t.Invoke
	t.Invoke = func(ctx context.Context, input string) (string, error) {
		out, err := invoke(ctx, input)
		if err == nil {
			var feats toolbox.Features
			if json.Unmarshal([]byte(out), &feats) == nil {
				f.mu.Lock()
				if f.features == nil {
					f.features = &feats
				}
				f.mu.Unlock()
			}
		}
		return out, err
	}
	return t
}

func (f *featureTap) get() *toolbox.Features {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.features
}

type predictPlan struct {
	req PredictRequest
}

func (s *Service) planPredict(req PredictRequest) (predictPlan, error) {
	req.ServiceName = strings.TrimSpace(req.ServiceName)
	if req.ServiceName == "" {
		return predictPlan{}, vigilerr.New(vigilerr.CodeOpsRequestInvalid, "service_name must not be empty")
	}
	if utf8.RuneCountInString(req.ServiceName) > MaxServiceNameLen {
		return predictPlan{}, vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid,
			"service_name exceeds %d characters", MaxServiceNameLen)
	}
	switch {
	case req.LookbackHours == 0:
		req.LookbackHours = toolbox.DefaultLookbackHours
	case req.LookbackHours < 1 || req.LookbackHours > toolbox.MaxLookbackHours:
		return predictPlan{}, vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid,
			"lookback_hours must be between 1 and %d", toolbox.MaxLookbackHours)
	}
	if err := checkSessionID(req.SessionID); err != nil {
		return predictPlan{}, err
	}
	return predictPlan{req: req}, nil
}

// Predict estimates the failure risk of a service.
func (s *Service) Predict(ctx context.Context, req PredictRequest) (*Prediction, error) {
	plan, err := s.planPredict(req)
	if err != nil {
		return nil, err
	}
	return s.predict(ctx, plan, req.SessionID, nil)
}

// PredictStream is Predict with progress events.
func (s *Service) PredictStream(ctx context.Context, req PredictRequest) (<-chan agent.Event, error) {
	plan, err := s.planPredict(req)
	if err != nil {
		return nil, err
	}
	sid := streamSessionID(req.SessionID)
	start := map[string]any{"service_name": plan.req.ServiceName, "lookback_hours": plan.req.LookbackHours}
	return s.stream(ctx, sid, start, func(ctx context.Context, sink agent.ProgressSink) (any, error) {
		return s.predict(ctx, plan, sid, sink)
	}), nil
}

func (s *Service) predict(parent context.Context, plan predictPlan, sessionID string, sink agent.ProgressSink) (out *Prediction, err error) {
	started := s.now()
	ctx, cancel := s.bounded(parent)
	defer cancel()

	req := plan.req
	rec := runRecord{id: newRunID(), op: OpPredict, sessionID: req.SessionID, request: req, started: started}
	defer func() {
		err = s.failed(parent, ctx, OpPredict, &rec, err)
		if out != nil {
			rec.result = out
		}
		s.archive(parent, rec)
	}()

	p, model, err := s.route(ctx, req.Model, false)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "predict start",
		slog.String("service", req.ServiceName),
		slog.Int("lookback_hours", req.LookbackHours),
	)

	tap := &featureTap{}
	tools := s.cfg.Toolbox.Predict()
	for i, t := range tools {
		if t.Name == toolbox.PredictFeaturesName {
			tools[i] = tap.wrap(t)
		}
	}

	now := s.now().UTC()
	window := toolbox.Window{Start: now.Add(-time.Duration(req.LookbackHours) * time.Hour), End: now}
	res, err := s.runLoop(ctx, p, model, job{
		op:        OpPredict,
		system:    predictSystemPrompt,
		task:      predictTask(req.ServiceName, req.LookbackHours),
		tools:     tools,
		window:    &window,
		session:   s.session(req.SessionID),
		sessionID: sessionID,
		sink:      sink,
	})
	rec.res = res
	if err != nil {
		return nil, err
	}

	parsed, ok := parsePrediction(res.Output)
	features := tap.get()
	if !ok || parsed.RiskScore == nil {
		if features == nil {
			features, err = s.collectFeatures(ctx, req)
			if err != nil {
				return nil, err
			}
		}
		if !ok {
			parsed, err = s.extractPrediction(ctx, p, model, req, features)
			if err != nil {
				return nil, err
			}
		}
	}

	out = s.finishPrediction(req.ServiceName, parsed, features)
	out.RunID = rec.id
	out.Trace = traceOf(res)
	s.logger.InfoContext(ctx, "predict end",
		slog.String("service", req.ServiceName),
		slog.Float64("risk_score", out.RiskScore),
		slog.String("risk_level", string(out.RiskLevel)),
	)
	return out, nil
}

// collectFeatures gathers features directly when the model never asked for
// them. Only cancellation fails it.
func (s *Service) collectFeatures(ctx context.Context, req PredictRequest) (*toolbox.Features, error) {
	f, err := s.cfg.Toolbox.CollectFeatures(ctx, req.ServiceName, req.LookbackHours)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// extractPrediction asks the model for the prediction JSON directly from the
// features. A failed extraction leaves the numeric fallback to fill in.
func (s *Service) extractPrediction(ctx context.Context, p provider.Provider, model string, req PredictRequest, f *toolbox.Features) (prediction, error) {
	counts := f.Counts[max(0, len(f.Counts)-extractCountWindow):]
	var out prediction
	err := provider.GenerateStructured(ctx, p, provider.ChatRequest{
		Model:        model,
		SystemPrompt: extractSystemPrompt,
		Messages: []provider.Message{{
			Role:    provider.MessageRoleUser,
			Content: extractTask(req.ServiceName, req.LookbackHours, counts, f.Logs),
		}},
		Options: provider.ChatOptions{Temperature: s.cfg.Agent.Temperature, MaxTokens: s.cfg.Agent.MaxTokens},
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return prediction{}, ctx.Err()
		}
		s.logger.WarnContext(ctx, "prediction extraction failed", slog.String("service", req.ServiceName), slog.Any("error", err))
		return prediction{}, nil
	}
	return out, nil
}

// finishPrediction fills gaps in the model's answer: a missing score comes
// from the counts, a missing or unknown level from the score.
func (s *Service) finishPrediction(service string, p prediction, f *toolbox.Features) *Prediction {
	var sc float64
	if p.RiskScore != nil {
		sc = float64(*p.RiskScore)
	} else {
		var counts []float64
		if f != nil {
			counts = f.Counts
		}
		sc = risk.FromCounts(counts)
	}
	sc = risk.Round3(risk.Clamp(sc))

	level := risk.Level(strings.ToLower(strings.TrimSpace(p.RiskLevel)))
	switch level {
	case risk.LevelLow, risk.LevelMedium, risk.LevelHigh:
	default:
		level = risk.LevelOf(sc)
	}

	failures := make([]string, 0, MaxLikelyFailures)
	for _, lf := range p.LikelyFailures {
		if lf = strings.TrimSpace(lf); lf != "" && len(failures) < MaxLikelyFailures {
			failures = append(failures, lf)
		}
	}

	explanation := strings.TrimSpace(p.Explanation)
	if explanation == "" {
		explanation = defaultExplanation
	}
	return &Prediction{
		ServiceName:    service,
		RiskScore:      sc,
		RiskLevel:      level,
		LikelyFailures: failures,
		Explanation:    explanation,
	}
}
