// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package agent runs the bounded think/act/observe loop that drives a model
// through read-only diagnostic tools.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sigil-dev/vigil/internal/memory"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/tracing"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	// DefaultMaxIterations caps model calls per run.
	DefaultMaxIterations = 50
	// DefaultMaxTime caps the wall-clock time of a run.
	DefaultMaxTime = 600 * time.Second
)

// StoppedText is the output of a run cut short by a limit.
const StoppedText = "Agent stopped due to iteration limit or time limit."

// maxParseFailures is how many unparsable replies in a row end a run.
const maxParseFailures = 2

// StopReason says why a run ended.
type StopReason string

const (
	StopFinal         StopReason = "final"
	StopMaxIterations StopReason = "max_iterations"
	StopDeadline      StopReason = "deadline"
	StopParseFailure  StopReason = "parse_failure"
)

// LoopConfig holds dependencies for the Loop.
type LoopConfig struct {
	Provider   provider.Provider
	Model      string
	Dispatcher *Dispatcher

	MaxIterations int
	MaxTime       time.Duration
	Temperature   *float32
	MaxTokens     int
	// NativeTools also sends tool definitions to the provider so models with
	// function calling can answer with structured calls.
	NativeTools bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Loop drives one model through the tool registry of its dispatcher. A Loop
// holds no per-run state and may serve concurrent runs.
type Loop struct {
	provider      provider.Provider
	model         string
	dispatcher    *Dispatcher
	maxIterations int
	maxTime       time.Duration
	temperature   *float32
	maxTokens     int
	nativeTools   bool
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// NewLoop creates a Loop with the given dependencies.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, vigilerr.New(vigilerr.CodeAgentLoopInvalidInput, "Provider is required")
	}
	if cfg.Dispatcher == nil {
		return nil, vigilerr.New(vigilerr.CodeAgentLoopInvalidInput, "Dispatcher is required")
	}

	l := &Loop{
		provider:      cfg.Provider,
		model:         cfg.Model,
		dispatcher:    cfg.Dispatcher,
		maxIterations: cfg.MaxIterations,
		maxTime:       cfg.MaxTime,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		nativeTools:   cfg.NativeTools,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Clock,
	}
	if l.maxIterations <= 0 {
		l.maxIterations = DefaultMaxIterations
	}
	if l.maxTime <= 0 {
		l.maxTime = DefaultMaxTime
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// ModelRef returns the "provider/model" reference the loop calls.
func (l *Loop) ModelRef() string {
	return l.provider.Name() + "/" + l.model
}

// RunInput is one task for the loop.
type RunInput struct {
	Task         string
	SystemPrompt string
	// Session supplies prior turns and receives the exchange when the run
	// ends with a final answer. Nil runs without memory.
	Session *memory.Session
	// KeepSession reads history from Session without appending to it.
	KeepSession bool
	// SessionID stamps progress events; it defaults to the session's ID.
	SessionID string
	Sink      ProgressSink
	// Operation labels metrics and logs.
	Operation string
}

// Result is the outcome of a run. Trace is in call order.
type Result struct {
	Output     string           `json:"output"`
	StopReason StopReason       `json:"stop_reason"`
	Iterations int              `json:"iterations"`
	Trace      []ToolInvocation `json:"trace"`
	Usage      provider.Usage   `json:"usage"`
	Model      string           `json:"model"`
	// LastText is the last raw model reply.
	LastText  string        `json:"-"`
	Warnings  []string      `json:"warnings,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Run executes the loop until a final answer, a limit, or a second
// unparsable reply in a row. Limits are reported through Result.StopReason;
// an error means the model call failed or ctx was cancelled, and the partial
// result is returned alongside it.
func (l *Loop) Run(ctx context.Context, in RunInput) (res *Result, err error) {
	if strings.TrimSpace(in.Task) == "" {
		return nil, vigilerr.New(vigilerr.CodeAgentLoopInvalidInput, "task must not be empty")
	}

	sessionID := in.SessionID
	if sessionID == "" && in.Session != nil {
		sessionID = in.Session.ID()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	op := in.Operation
	if op == "" {
		op = "run"
	}
	logger := l.logger.With(slog.String("session_id", sessionID), slog.String("operation", op))

	ctx, span := tracing.Start(ctx, "agent.run",
		attribute.String("operation", op),
		attribute.String("model", l.ModelRef()),
	)
	defer func() { tracing.End(span, err) }()

	runCtx, cancel := context.WithTimeout(ctx, l.maxTime)
	defer cancel()

	res = &Result{Model: l.ModelRef(), StartedAt: l.now().UTC()}
	defer func() {
		res.Elapsed = l.now().Sub(res.StartedAt)
		span.SetAttributes(
			attribute.String("stop_reason", string(res.StopReason)),
			attribute.Int("iterations", res.Iterations),
		)
		if err == nil {
			l.metrics.RecordRun(op, string(res.StopReason), res.Iterations)
		} else {
			l.metrics.RecordRun(op, "error", res.Iterations)
		}
	}()

	r := &run{
		loop:     l,
		in:       in,
		res:      res,
		logger:   logger,
		progress: newProgress(in.Sink, sessionID, l.now),
		system:   systemPrompt(in.SystemPrompt, l.dispatcher.Registry()),
	}
	if in.Session != nil {
		r.history = in.Session.History()
	}

	if err := r.execute(ctx, runCtx); err != nil {
		r.progress.emit(EventError, map[string]any{
			"error_type":    string(vigilerr.CodeOf(err)),
			"error_message": err.Error(),
		})
		logger.ErrorContext(ctx, "agent run failed", slog.Int("iterations", res.Iterations), slog.Any("error", err))
		return res, err
	}

	if res.StopReason == StopFinal && in.Session != nil && !in.KeepSession {
		in.Session.AppendExchange(in.Task, res.Output)
	}
	logger.InfoContext(ctx, "agent run finished",
		slog.String("stop_reason", string(res.StopReason)),
		slog.Int("iterations", res.Iterations),
		slog.Int("tool_calls", len(res.Trace)),
	)
	return res, nil
}

// run is the mutable state of one Run call.
type run struct {
	loop     *Loop
	in       RunInput
	res      *Result
	logger   *slog.Logger
	progress *progress
	system   string
	history  []memory.Turn

	steps       []step
	parseErrors int
	noted       bool
}

func (r *run) execute(ctx, runCtx context.Context) error {
	l := r.loop
	for {
		// Limits are checked before every model call.
		if runCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.stop(StopDeadline, StoppedText)
			return nil
		}
		if r.res.Iterations >= l.maxIterations {
			r.stop(StopMaxIterations, StoppedText)
			return nil
		}
		r.res.Iterations++

		// THINK
		resp, err := r.think(runCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case runCtx.Err() != nil:
				r.stop(StopDeadline, StoppedText)
				return nil
			default:
				return vigilerr.Wrapf(err, vigilerr.CodeAgentLoopFailure, "model call %d", r.res.Iterations)
			}
		}

		// PARSE
		parsed := parseResponse(resp)
		switch parsed.Kind {
		case ParseFinal:
			r.stop(StopFinal, parsed.Answer)
			return nil

		case ParseError:
			r.parseErrors++
			if r.parseErrors >= maxParseFailures {
				r.logger.WarnContext(ctx, "model output unparsable, giving up", slog.String("reason", parsed.Reason))
				r.stop(StopParseFailure, resp.Text)
				return nil
			}
			observation := "Invalid format: " + parsed.Reason
			r.warn(ctx, "model output unparsable: "+parsed.Reason)
			r.steps = append(r.steps, step{log: parsed.Log, observation: observation})
			continue
		}
		r.parseErrors = 0

		// ACT and OBSERVE
		r.act(runCtx, parsed)
	}
}

func (r *run) think(ctx context.Context) (provider.Response, error) {
	l := r.loop
	r.progress.nextStep(StageThinking)
	r.progress.emit(EventLLMStart, map[string]any{
		"model":     l.ModelRef(),
		"iteration": r.res.Iterations,
	})

	req := provider.ChatRequest{
		Model:        l.model,
		SystemPrompt: r.system,
		Messages:     buildMessages(r.history, r.in.Task, r.steps),
		Options: provider.ChatOptions{
			Temperature:   l.temperature,
			MaxTokens:     l.maxTokens,
			StopSequences: []string{StopSequence},
		},
	}
	if l.nativeTools {
		req.Tools = l.dispatcher.Registry().Definitions()
	}

	started := time.Now()
	resp, err := provider.Stream(ctx, l.provider, req, func(token string) {
		r.progress.emit(EventLLMToken, map[string]any{"token": token})
	})
	l.metrics.RecordLLMCall(l.provider.Name(), time.Since(started), err)
	r.res.Usage.Add(&resp.Usage)
	if err != nil {
		return resp, err
	}

	r.res.LastText = resp.Text
	r.progress.emit(EventLLMEnd, map[string]any{"response": resp.Text})
	return resp, nil
}

// parseResponse prefers a native tool call over the reply text.
func parseResponse(resp provider.Response) ParseResult {
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		thought := cleanThought(resp.Text)
		log := strings.TrimSpace(resp.Text + "\nAction: " + tc.Name + "\nAction Input: " + tc.Arguments)
		return ParseResult{Kind: ParseAction, Tool: tc.Name, Input: tc.Arguments, Thought: thought, Log: log}
	}
	return Parse(resp.Text)
}

func (r *run) act(ctx context.Context, parsed ParseResult) {
	p := r.progress
	if parsed.Thought != "" {
		p.nextStep(StagePlanning)
		p.emit(EventAgentThought, map[string]any{"thought": parsed.Thought})
	}
	p.setStage(StageExecuting)
	p.emit(EventAgentAction, map[string]any{
		"tool":       parsed.Tool,
		"tool_input": parsed.Input,
		"log":        parsed.Log,
	})

	if parsed.Tool == NoteToolName {
		r.noted = true
		p.setStage(StagePlanning)
		p.emit(EventTraceNote, map[string]any{"note": noteText(parsed.Input)})
	} else {
		if !r.noted {
			r.warn(ctx, "tool "+parsed.Tool+" called without a preceding "+NoteToolName)
		}
		p.nextStep(StageExecuting)
		p.emit(EventToolStart, map[string]any{"tool": parsed.Tool, "tool_input": parsed.Input})
	}

	d := r.loop.dispatcher.Dispatch(ctx, parsed.Tool, parsed.Input)

	p.setStage(StageObserving)
	p.emit(EventToolEnd, map[string]any{"observation": d.Observation})
	p.emit(EventAgentObservation, map[string]any{"observation": d.Observation})

	r.res.Trace = append(r.res.Trace, newInvocation(len(r.res.Trace), parsed.Tool, parsed.Input,
		d.Observation, parsed.Log, d.StartedAt, d.Duration, d.Err))
	r.steps = append(r.steps, step{log: parsed.Log, observation: d.Observation})
}

func (r *run) warn(ctx context.Context, msg string) {
	r.res.Warnings = append(r.res.Warnings, msg)
	r.logger.WarnContext(ctx, msg, slog.Int("iteration", r.res.Iterations))
	r.progress.emit(EventWarning, map[string]any{"message": msg})
}

func (r *run) stop(reason StopReason, output string) {
	r.res.StopReason = reason
	r.res.Output = output
}

// IsStopped reports whether the run ended on a limit rather than an answer.
func (r *Result) IsStopped() bool {
	return r.StopReason == StopMaxIterations || r.StopReason == StopDeadline
}
