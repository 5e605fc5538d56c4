// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package ops

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/toolbox"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	MaxQuestionLen  = 2000
	MaxSessionIDLen = 200
	// maxServiceHints caps the service names listed in a question prompt.
	maxServiceHints = 50
)

// AskRequest is a free-form operational question.
type AskRequest struct {
	Question  string     `json:"question" minLength:"1" maxLength:"2000" doc:"Question about the production system"`
	TimeRange *TimeRange `json:"time_range,omitempty" doc:"Window the question is about; defaults to the last 30 minutes"`
	SessionID string     `json:"session_id,omitempty" maxLength:"200" doc:"Conversation to continue"`
}

// Answer is the reply to an AskRequest. Start and End are shown in the
// display zone.
type Answer struct {
	RunID     string                 `json:"run_id,omitempty"`
	Answer    string                 `json:"answer"`
	UsedLogQL string                 `json:"used_logql,omitempty"`
	Start     string                 `json:"start"`
	End       string                 `json:"end"`
	Trace     []agent.ToolInvocation `json:"trace"`
}

type askPlan struct {
	req    AskRequest
	window toolbox.Window
}

func (s *Service) planAsk(req AskRequest) (askPlan, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return askPlan{}, vigilerr.New(vigilerr.CodeOpsRequestInvalid, "question must not be empty")
	}
	if utf8.RuneCountInString(req.Question) > MaxQuestionLen {
		return askPlan{}, vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid, "question exceeds %d characters", MaxQuestionLen)
	}
	if err := checkSessionID(req.SessionID); err != nil {
		return askPlan{}, err
	}
	var tr TimeRange
	if req.TimeRange != nil {
		tr = *req.TimeRange
	}
	w, err := s.resolve(tr, DefaultAskWindow)
	if err != nil {
		return askPlan{}, err
	}
	return askPlan{req: req, window: w}, nil
}

// Ask answers a question with the chat-ops toolset.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	plan, err := s.planAsk(req)
	if err != nil {
		return nil, err
	}
	return s.ask(ctx, plan, req.SessionID, nil)
}

// AskStream validates req and runs it in the background, reporting progress
// on the returned channel.
func (s *Service) AskStream(ctx context.Context, req AskRequest) (<-chan agent.Event, error) {
	plan, err := s.planAsk(req)
	if err != nil {
		return nil, err
	}
	sid := streamSessionID(req.SessionID)
	start := map[string]any{"start": s.display(plan.window.Start), "end": s.display(plan.window.End)}
	return s.stream(ctx, sid, start, func(ctx context.Context, sink agent.ProgressSink) (any, error) {
		return s.ask(ctx, plan, sid, sink)
	}), nil
}

func (s *Service) ask(parent context.Context, plan askPlan, sessionID string, sink agent.ProgressSink) (ans *Answer, err error) {
	started := s.now()
	ctx, cancel := s.bounded(parent)
	defer cancel()

	rec := runRecord{id: newRunID(), op: OpAsk, sessionID: plan.req.SessionID, request: plan.req, started: started}
	defer func() {
		err = s.failed(parent, ctx, OpAsk, &rec, err)
		if ans != nil {
			rec.result = ans
		}
		s.archive(parent, rec)
	}()

	p, model, err := s.route(ctx, "", false)
	if err != nil {
		return nil, err
	}
	hint := s.serviceHint(ctx, plan.window)
	s.logger.InfoContext(ctx, "ask start",
		slog.String("session_id", plan.req.SessionID),
		slog.Int("question_len", len(plan.req.Question)),
		slog.Time("start", plan.window.Start),
		slog.Time("end", plan.window.End),
	)

	res, err := s.runLoop(ctx, p, model, job{
		op:     OpAsk,
		system: askSystemPrompt,
		task: askTask(plan.req.Question, s.display(plan.window.Start), s.display(plan.window.End),
			s.zoneName(), hint),
		tools:     s.cfg.Toolbox.ChatOps(),
		window:    &plan.window,
		session:   s.session(plan.req.SessionID),
		sessionID: sessionID,
		sink:      sink,
	})
	rec.res = res
	if err != nil {
		return nil, err
	}

	ans = &Answer{
		RunID:     rec.id,
		Answer:    res.Output,
		UsedLogQL: usedLogQL(res.Trace),
		Start:     s.display(plan.window.Start),
		End:       s.display(plan.window.End),
		Trace:     traceOf(res),
	}
	s.logger.InfoContext(ctx, "ask end",
		slog.String("stop_reason", string(res.StopReason)),
		slog.Int("answer_len", len(ans.Answer)),
		slog.Int("trace_steps", len(ans.Trace)),
	)
	return ans, nil
}

// serviceHint lists the service label values seen in w, or "unknown".
func (s *Service) serviceHint(ctx context.Context, w toolbox.Window) string {
	if s.cfg.Labels == nil {
		return "unknown"
	}
	values, err := s.cfg.Labels.LabelValues(ctx, s.cfg.ServiceLabel, w.Start, w.End)
	if err != nil {
		s.logger.WarnContext(ctx, "listing services failed", slog.String("label", s.cfg.ServiceLabel), slog.Any("error", err))
		return "unknown"
	}
	if len(values) == 0 {
		return "unknown"
	}
	return strings.Join(values[:min(len(values), maxServiceHints)], ", ")
}

// usedLogQL is the query of the last log query in trace.
func usedLogQL(trace []agent.ToolInvocation) string {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].Tool != toolbox.LokiLinesName {
			continue
		}
		if q := toolbox.LokiQueryOf(trace[i].Input); q != "" {
			return q
		}
	}
	return ""
}

func checkSessionID(id string) error {
	if utf8.RuneCountInString(id) > MaxSessionIDLen {
		return vigilerr.Errorf(vigilerr.CodeOpsRequestInvalid, "session_id exceeds %d characters", MaxSessionIDLen)
	}
	return nil
}
