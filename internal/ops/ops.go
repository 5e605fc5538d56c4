// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package ops implements the diagnostic use cases on top of the agent loop:
// chat-ops questions, root-cause analysis and failure-risk prediction.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ensemble"
	"github.com/sigil-dev/vigil/internal/memory"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/store"
	"github.com/sigil-dev/vigil/internal/toolbox"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Operation names label runs, metrics and archived records.
const (
	OpAsk     = "chatops.ask"
	OpAnalyze = "rca.analyze"
	OpPredict = "predict.run"
)

const (
	// timeoutGrace is added to the request timeout to bound a whole
	// operation, so the loop's own deadline normally fires first.
	timeoutGrace   = 60 * time.Second
	archiveTimeout = 5 * time.Second
)

// LabelLister lists the values of a log label. The Loki client satisfies it.
type LabelLister interface {
	LabelValues(ctx context.Context, label string, start, end time.Time) ([]string, error)
}

// AgentSettings are the loop limits applied to every run.
type AgentSettings struct {
	MaxIterations int
	MaxTime       time.Duration
	ToolTimeout   time.Duration
	Temperature   *float32
	MaxTokens     int
	NativeTools   bool
}

// Config wires a Service.
type Config struct {
	Providers *provider.Registry
	Toolbox   *toolbox.Toolbox
	// Labels feeds the service hint of chat-ops questions. Optional.
	Labels       LabelLister
	ServiceLabel string
	// Memory is optional; without it session IDs are ignored.
	Memory *memory.Store
	// Runs archives finished runs. Optional.
	Runs  store.RunStore
	Agent AgentSettings
	// RequestTimeout is the configured upper bound of one request. The
	// operation deadline is RequestTimeout plus a grace period unless
	// Timeout is set.
	RequestTimeout time.Duration
	Timeout        time.Duration
	// Location is the zone prompts show times in and zone-less request
	// times are read in. Defaults to UTC.
	Location *time.Location
	// Ensemble lists the model refs analysis runs against by default.
	Ensemble     []string
	Policy       ensemble.Policy
	ProbeTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Service runs the operations. It is safe for concurrent use.
type Service struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	loc    *time.Location
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Providers == nil {
		return nil, vigilerr.New(vigilerr.CodeOpsRequestInvalid, "Providers is required")
	}
	if cfg.Toolbox == nil {
		return nil, vigilerr.New(vigilerr.CodeOpsRequestInvalid, "Toolbox is required")
	}
	if cfg.ServiceLabel == "" {
		cfg.ServiceLabel = "app"
	}
	s := &Service{cfg: cfg, logger: cfg.Logger, now: cfg.Clock, loc: cfg.Location}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s, nil
}

// Timeout is the deadline of one operation.
func (s *Service) Timeout() time.Duration {
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	base := s.cfg.RequestTimeout
	if base <= 0 {
		base = agent.DefaultMaxTime
	}
	return base + timeoutGrace
}

// bounded derives the operation context from parent.
func (s *Service) bounded(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.Timeout())
}

// opError reports a failure caused by the operation deadline as ops.timeout.
// Cancellation by the caller passes through unchanged.
func (s *Service) opError(parent, ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return vigilerr.Errorf(vigilerr.CodeOpsTimeout, "%s timed out after %s", op, s.Timeout())
	}
	return err
}

func (s *Service) session(id string) *memory.Session {
	if s.cfg.Memory == nil {
		return nil
	}
	return s.cfg.Memory.Get(id)
}

// job is one agent run.
type job struct {
	op          string
	system      string
	task        string
	tools       []agent.Tool
	window      *toolbox.Window
	session     *memory.Session
	keepSession bool
	sessionID   string
	sink        agent.ProgressSink
}

// route resolves a model ref. Strict refs never fail over, so an ensemble
// member always runs the model it names.
func (s *Service) route(ctx context.Context, ref string, strict bool) (provider.Provider, string, error) {
	if strict {
		return s.cfg.Providers.Resolve(ref)
	}
	return s.cfg.Providers.Route(ctx, ref)
}

func (s *Service) runLoop(ctx context.Context, p provider.Provider, model string, j job) (*agent.Result, error) {
	reg, err := agent.NewRegistry(j.tools...)
	if err != nil {
		return nil, err
	}
	d, err := agent.NewDispatcher(agent.DispatcherConfig{
		Registry: reg,
		Timeout:  s.cfg.Agent.ToolTimeout,
		Metrics:  s.cfg.Metrics,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	loop, err := agent.NewLoop(agent.LoopConfig{
		Provider:      p,
		Model:         model,
		Dispatcher:    d,
		MaxIterations: s.cfg.Agent.MaxIterations,
		MaxTime:       s.cfg.Agent.MaxTime,
		Temperature:   s.cfg.Agent.Temperature,
		MaxTokens:     s.cfg.Agent.MaxTokens,
		NativeTools:   s.cfg.Agent.NativeTools,
		Metrics:       s.cfg.Metrics,
		Logger:        s.logger,
		Clock:         s.now,
	})
	if err != nil {
		return nil, err
	}

	if j.window != nil {
		ctx = toolbox.WithWindow(ctx, *j.window)
	}
	return loop.Run(ctx, agent.RunInput{
		Task:         j.task,
		SystemPrompt: j.system,
		Session:      j.session,
		KeepSession:  j.keepSession,
		SessionID:    j.sessionID,
		Sink:         j.sink,
		Operation:    j.op,
	})
}

// RunError is a failed run. Trace holds the tool calls made before the
// failure, so a caller can still see what was gathered.
type RunError struct {
	RunID string
	Trace []agent.ToolInvocation
	Err   error
}

func (e *RunError) Error() string { return e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }

// failed finishes a run that returned err.
func (s *Service) failed(parent, ctx context.Context, op string, rec *runRecord, err error) error {
	err = s.opError(parent, ctx, op, err)
	if err == nil {
		return nil
	}
	rec.err = err
	return &RunError{RunID: rec.id, Trace: traceOf(rec.res), Err: vigilerr.With(err, vigilerr.FieldRunID(rec.id))}
}

// runRecord is what gets archived for one operation.
type runRecord struct {
	id        string
	op        string
	sessionID string
	model     string
	request   any
	result    any
	res       *agent.Result
	err       error
	started   time.Time
}

// archive stores rec without blocking the caller on cancellation. Failures
// are logged and otherwise ignored.
func (s *Service) archive(ctx context.Context, rec runRecord) {
	if s.cfg.Runs == nil {
		return
	}
	run := &store.Run{
		ID:        rec.id,
		Operation: rec.op,
		SessionID: rec.sessionID,
		Model:     rec.model,
		Status:    store.RunStatusOK,
		CreatedAt: rec.started.UTC(),
		Duration:  s.now().Sub(rec.started),
		Request:   marshalRaw(rec.request),
	}
	if rec.res != nil {
		run.StopReason = string(rec.res.StopReason)
		run.Iterations = rec.res.Iterations
		if run.Model == "" {
			run.Model = rec.res.Model
		}
		if len(rec.res.Trace) > 0 {
			run.Trace = marshalRaw(rec.res.Trace)
		}
	}
	if rec.err != nil {
		run.Status = store.RunStatusError
		run.Error = rec.err.Error()
	} else {
		run.Result = marshalRaw(rec.result)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := s.cfg.Runs.SaveRun(ctx, run); err != nil {
		s.logger.WarnContext(ctx, "archiving run failed",
			slog.String("run_id", rec.id),
			slog.String("operation", rec.op),
			slog.Any("error", err),
		)
	}
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func newRunID() string { return uuid.NewString() }

func traceOf(res *agent.Result) []agent.ToolInvocation {
	if res == nil || res.Trace == nil {
		return []agent.ToolInvocation{}
	}
	return res.Trace
}
