// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ensemble"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/toolbox"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	MaxDescriptionLen = 4000
	MaxRootCauses     = 10
	emptyOutput       = "model output empty"
)

// AnalyzeRequest describes an incident to analyze.
type AnalyzeRequest struct {
	Description string    `json:"description" minLength:"1" maxLength:"4000" doc:"What went wrong"`
	TimeRange   TimeRange `json:"time_range" doc:"Incident window"`
	SessionID   string    `json:"session_id,omitempty" maxLength:"200"`
	// Model overrides the default model of a single run and is the fallback
	// of an ensemble.
	Model string `json:"model,omitempty" doc:"provider/model to run, or the ensemble fallback"`
	// Ensemble overrides the configured ensemble members.
	Ensemble []string `json:"ensemble,omitempty" doc:"provider/model refs to run and reconcile"`
}

// RootCause is one ranked hypothesis.
type RootCause struct {
	Rank          int      `json:"rank" minimum:"1" maximum:"10"`
	Service       string   `json:"service,omitempty"`
	Probability   *float64 `json:"probability,omitempty" minimum:"0" maximum:"1"`
	Description   string   `json:"description"`
	KeyIndicators []string `json:"key_indicators"`
	KeyLogs       []string `json:"key_logs"`
}

// Analysis is a root-cause analysis. Model and EnsembleScores are set when
// the result was chosen from several backends.
type Analysis struct {
	RunID            string                 `json:"run_id,omitempty"`
	Summary          string                 `json:"summary"`
	RankedRootCauses []RootCause            `json:"ranked_root_causes"`
	NextActions      []string               `json:"next_actions"`
	Model            string                 `json:"model,omitempty"`
	EnsembleScores   map[string]float64     `json:"ensemble_scores,omitempty"`
	Trace            []agent.ToolInvocation `json:"trace"`
}

// Profile is what the ensemble compares.
func (a Analysis) Profile() ensemble.Profile {
	p := ensemble.Profile{Summary: a.Summary, Actions: a.NextActions}
	for _, rc := range a.RankedRootCauses {
		p.Findings = append(p.Findings, ensemble.Finding{Service: rc.Service, Description: rc.Description})
	}
	return p
}

// ParseAnalysis reads the analysis JSON out of model output. It reports
// false when no object is found or it violates the schema.
func ParseAnalysis(text string) (Analysis, bool) {
	raw, ok := provider.ExtractJSON(text)
	if !ok {
		return Analysis{}, false
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Analysis{}, false
	}
	if strings.TrimSpace(a.Summary) == "" || len(a.RankedRootCauses) > MaxRootCauses {
		return Analysis{}, false
	}
	for i := range a.RankedRootCauses {
		rc := &a.RankedRootCauses[i]
		if rc.Rank < 1 || rc.Rank > MaxRootCauses || strings.TrimSpace(rc.Description) == "" {
			return Analysis{}, false
		}
		if rc.Probability != nil && (*rc.Probability < 0 || *rc.Probability > 1) {
			return Analysis{}, false
		}
		rc.KeyIndicators = orEmpty(rc.KeyIndicators)
		rc.KeyLogs = orEmpty(rc.KeyLogs)
	}
	// Bookkeeping fields only come from the service.
	a.RunID, a.Model, a.EnsembleScores, a.Trace = "", "", nil, nil
	a.RankedRootCauses = orEmptyCauses(a.RankedRootCauses)
	a.NextActions = orEmpty(a.NextActions)
	return a, true
}

// analysisOf converts a run into an Analysis, keeping the raw text as the
// summary when it does not parse.
func analysisOf(res *agent.Result) Analysis {
	a, ok := ParseAnalysis(res.Output)
	if !ok {
		summary := strings.TrimSpace(res.Output)
		if summary == "" {
			summary = emptyOutput
		}
		a = Analysis{Summary: summary, RankedRootCauses: []RootCause{}, NextActions: []string{}}
	}
	a.Trace = traceOf(res)
	return a
}

type analyzePlan struct {
	req      AnalyzeRequest
	window   toolbox.Window
	backends []string
}

func (s *Service) planAnalyze(req AnalyzeRequest) (analyzePlan, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return analyzePlan{}, vigilerr.New(vigilerr.CodeOpsRequestInvalid, "description must not be empty")
	}
	if utf8.RuneCountInString(req.Description) > MaxDescriptionLen {
		return analyzePlan{}, vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid,
			"description exceeds %d characters", MaxDescriptionLen)
	}
	if err := checkSessionID(req.SessionID); err != nil {
		return analyzePlan{}, err
	}
	w, err := s.resolve(req.TimeRange, 0)
	if err != nil {
		return analyzePlan{}, err
	}

	backends := req.Ensemble
	if len(backends) == 0 {
		backends = s.cfg.Ensemble
	}
	return analyzePlan{req: req, window: w, backends: uniqueRefs(backends)}, nil
}

// ensembleMode reports whether the plan runs several backends.
func (p analyzePlan) ensembleMode() bool { return len(p.backends) >= 2 }

// Analyze runs root-cause analysis, on several backends when an ensemble is
// requested or configured.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	plan, err := s.planAnalyze(req)
	if err != nil {
		return nil, err
	}
	return s.analyze(ctx, plan, req.SessionID, nil)
}

// AnalyzeStream is Analyze with progress events.
func (s *Service) AnalyzeStream(ctx context.Context, req AnalyzeRequest) (<-chan agent.Event, error) {
	plan, err := s.planAnalyze(req)
	if err != nil {
		return nil, err
	}
	sid := streamSessionID(req.SessionID)
	start := map[string]any{"start": s.display(plan.window.Start), "end": s.display(plan.window.End)}
	if plan.ensembleMode() {
		start["ensemble"] = plan.backends
	}
	return s.stream(ctx, sid, start, func(ctx context.Context, sink agent.ProgressSink) (any, error) {
		return s.analyze(ctx, plan, sid, sink)
	}), nil
}

func (s *Service) analyze(parent context.Context, plan analyzePlan, sessionID string, sink agent.ProgressSink) (out *Analysis, err error) {
	started := s.now()
	ctx, cancel := s.bounded(parent)
	defer cancel()

	rec := runRecord{id: newRunID(), op: OpAnalyze, sessionID: plan.req.SessionID, request: plan.req, started: started}
	defer func() {
		err = s.failed(parent, ctx, OpAnalyze, &rec, err)
		if out != nil {
			rec.result = out
		}
		s.archive(parent, rec)
	}()

	s.logger.InfoContext(ctx, "analyze start",
		slog.String("session_id", plan.req.SessionID),
		slog.Int("description_len", len(plan.req.Description)),
		slog.Time("start", plan.window.Start),
		slog.Time("end", plan.window.End),
		slog.Int("ensemble", len(plan.backends)),
	)

	j := job{
		op:     OpAnalyze,
		system: analyzeSystemPrompt,
		task: analyzeTask(plan.req.Description, s.display(plan.window.Start), s.display(plan.window.End),
			s.zoneName()),
		tools:     s.cfg.Toolbox.RCA(),
		window:    &plan.window,
		session:   s.session(plan.req.SessionID),
		sessionID: sessionID,
		sink:      sink,
	}

	if plan.ensembleMode() {
		out, rec.res, err = s.analyzeEnsemble(ctx, plan, j)
		if err != nil {
			return nil, err
		}
		rec.model = out.Model
	} else {
		ref := plan.req.Model
		if ref == "" && len(plan.backends) == 1 {
			ref = plan.backends[0]
		}
		p, model, err := s.route(ctx, ref, false)
		if err != nil {
			return nil, err
		}
		res, err := s.runLoop(ctx, p, model, j)
		rec.res = res
		if err != nil {
			return nil, err
		}
		a := analysisOf(res)
		out = &a
	}
	out.RunID = rec.id

	s.logger.InfoContext(ctx, "analyze end",
		slog.Int("summary_len", len(out.Summary)),
		slog.Int("root_causes", len(out.RankedRootCauses)),
		slog.Int("next_actions", len(out.NextActions)),
		slog.Int("trace_steps", len(out.Trace)),
		slog.String("model", out.Model),
	)
	return out, nil
}

// member is one ensemble backend's analysis.
type member struct {
	Analysis
	res *agent.Result
}

func (s *Service) analyzeEnsemble(ctx context.Context, plan analyzePlan, j job) (*Analysis, *agent.Result, error) {
	fallback := plan.req.Model
	if fallback == "" {
		fallback = s.cfg.Providers.DefaultRef()
	}
	sel := ensemble.NewSelector[*member](ensemble.Config{
		Default:      fallback,
		Probe:        s.probe,
		ProbeTimeout: s.cfg.ProbeTimeout,
		Policy:       s.cfg.Policy,
		Metrics:      s.cfg.Metrics,
		Logger:       s.logger,
	})

	session := j.session
	selection, err := sel.Select(ctx, plan.backends, func(ctx context.Context, backend string) (*member, error) {
		mj := j
		// Members read the shared history; the chosen answer is recorded once.
		mj.keepSession = true
		if j.sink != nil {
			mj.sink = taggedSink{sink: j.sink, backend: backend}
		}
		p, model, err := s.route(ctx, backend, true)
		if err != nil {
			return nil, err
		}
		res, err := s.runLoop(ctx, p, model, mj)
		if err != nil {
			return nil, err
		}
		return &member{Analysis: analysisOf(res), res: res}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	chosen := selection.Result.Analysis
	chosen.Model = selection.Backend
	chosen.EnsembleScores = selection.Scores
	res := selection.Result.res
	if session != nil && res.StopReason == agent.StopFinal {
		session.AppendExchange(j.task, res.Output)
	}
	return &chosen, res, nil
}

// probe reports whether a model ref resolves to an available provider.
func (s *Service) probe(ctx context.Context, ref string) bool {
	p, _, err := s.cfg.Providers.Resolve(ref)
	return err == nil && p.Available(ctx)
}

func uniqueRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyCauses(v []RootCause) []RootCause {
	if v == nil {
		return []RootCause{}
	}
	return v
}

var _ ensemble.Candidate = (*member)(nil)
