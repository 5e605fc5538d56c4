// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/tracing"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// DefaultToolTimeout bounds a single tool call.
const DefaultToolTimeout = 60 * time.Second

// InvokeFunc runs a tool on its raw input and returns the observation text.
type InvokeFunc func(ctx context.Context, input string) (string, error)

// Tool is a named read-only capability the model can call.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON schema object describing Input.
	InputSchema map[string]any
	Invoke      InvokeFunc
}

// Definition returns the tool in the form providers send to models.
func (t Tool) Definition() provider.ToolDefinition {
	return provider.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns a registry holding tools, in order.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Invoke == nil {
		return vigilerr.New(vigilerr.CodeAgentLoopInvalidInput, "tool requires a name and an invoke function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return vigilerr.New(vigilerr.CodeAgentToolDuplicate, "tool already registered: "+t.Name,
			vigilerr.FieldTool(t.Name))
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *Registry) Definitions() []provider.ToolDefinition {
	tools := r.Tools()
	defs := make([]provider.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Catalog renders one "name: description" line per tool.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for i, t := range r.Tools() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Description)
	}
	return b.String()
}

// DispatcherConfig holds dependencies for Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Dispatcher runs tool calls with a timeout and turns every failure into an
// observation the model can read.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher returns a Dispatcher. A non-positive timeout falls back to
// DefaultToolTimeout.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, vigilerr.New(vigilerr.CodeAgentLoopInvalidInput, "Registry is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: cfg.Registry, timeout: timeout, metrics: cfg.Metrics, logger: logger}, nil
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatched is the outcome of one tool call. Observation is always set;
// Err is the underlying failure, if any.
type Dispatched struct {
	Observation string
	Err         error
	StartedAt   time.Time
	Duration    time.Duration
}

// Dispatch runs the named tool. Only cancellation of ctx itself escapes as
// an error; tool failures, timeouts and unknown names become observations.
func (d *Dispatcher) Dispatch(ctx context.Context, name, input string) (out Dispatched) {
	out.StartedAt = time.Now()

	tool, ok := d.registry.Get(name)
	if !ok {
		out.Err = vigilerr.New(vigilerr.CodeAgentToolNotFound, "unknown tool: "+name, vigilerr.FieldTool(name))
		out.Observation = fmt.Sprintf("%s is not a valid tool, try one of [%s].",
			name, strings.Join(d.registry.Names(), ", "))
		d.metrics.RecordToolCall(name, 0, out.Err)
		return out
	}

	ctx, span := tracing.Start(ctx, "agent.tool",
		attribute.String("tool", name),
		attribute.Int("input_bytes", len(input)),
	)
	defer func() { tracing.End(span, out.Err) }()

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	text, err := invoke(execCtx, tool, input)
	out.Duration = time.Since(out.StartedAt)

	switch {
	case err == nil:
		out.Observation = text
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		out.Err = vigilerr.Wrapf(err, vigilerr.CodeAgentToolTimeout, "tool %q timed out after %s", name, d.timeout)
		out.Observation = "error: " + out.Err.Error()
	default:
		out.Err = vigilerr.With(vigilerr.Wrapf(err, vigilerr.CodeAgentToolFailure, "tool %q failed", name),
			vigilerr.FieldTool(name))
		out.Observation = "error: " + err.Error()
		var oe *ObservationError
		if errors.As(err, &oe) {
			out.Observation = oe.Observation
		}
	}

	d.metrics.RecordToolCall(name, out.Duration, out.Err)
	if out.Err != nil {
		d.logger.WarnContext(ctx, "tool call failed",
			slog.String("tool", name),
			slog.Duration("duration", out.Duration),
			slog.Any("error", out.Err),
		)
	} else {
		d.logger.DebugContext(ctx, "tool call finished",
			slog.String("tool", name),
			slog.Duration("duration", out.Duration),
			slog.Int("observation_bytes", len(out.Observation)),
		)
	}
	return out
}

// ObservationError lets a tool fail with a prepared observation, typically a
// JSON error object, instead of the generic "error: ..." text.
type ObservationError struct {
	Observation string
	Err         error
}

func (e *ObservationError) Error() string { return e.Err.Error() }
func (e *ObservationError) Unwrap() error { return e.Err }

// invoke runs the tool, converting a panic into an error.
func invoke(ctx context.Context, t Tool, input string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return t.Invoke(ctx, input)
}
