// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package toolbox binds the read-only observability backends to agent tools.
//
// Every tool takes a JSON object input and answers with a JSON object. Bad
// input and backend failures come back as {"error": ..., "message": ...}
// observations so the model can correct itself; they never fail a run.
package toolbox

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/backend"
	"github.com/sigil-dev/vigil/internal/backend/jaeger"
	"github.com/sigil-dev/vigil/internal/backend/loki"
	"github.com/sigil-dev/vigil/internal/backend/prometheus"
	"github.com/sigil-dev/vigil/internal/evidence"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/redact"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Tool names.
const (
	CollectEvidenceName   = "rca_collect_evidence"
	LokiLinesName         = "loki_query_range_lines"
	PrometheusRangeName   = "prometheus_query_range"
	JaegerTracesName      = "jaeger_query_traces"
	PredictFeaturesName   = "predict_collect_features"
	defaultLokiLimit      = loki.DefaultLimit
	maxLokiLimit          = 5000
	maxPrometheusSeries   = 20
	defaultPrometheusStep = "60s"
)

// LogBackend is the Loki surface the toolbox uses.
type LogBackend = evidence.LogBackend

// MetricBackend is the Prometheus surface the toolbox uses.
type MetricBackend interface {
	QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) (prometheus.RangeResult, error)
}

// TraceBackend is the Jaeger surface the toolbox uses.
type TraceBackend interface {
	Query(ctx context.Context, service string, start, end time.Time, limit int) ([]jaeger.TraceSummary, error)
}

// QueryCache memoizes successful Prometheus and Jaeger observations.
// *backend.TTLCache[string] satisfies it.
type QueryCache interface {
	Get(key string) (string, bool)
	Put(key, observation string)
}

// Config wires the toolbox. A nil backend makes its tools answer with a
// "<backend>_not_configured" observation. Leave fields unset rather than
// assigning typed nil pointers.
type Config struct {
	Collector *evidence.Collector
	Logs      LogBackend
	Metrics   MetricBackend
	Traces    TraceBackend
	// Redactor masks credentials in every observation. Nil disables masking.
	Redactor  *redact.Redactor
	Telemetry *metrics.Metrics
	// Retries bounds attempts per Prometheus or Jaeger call. Zero selects
	// backend.DefaultAttempts.
	Retries int
	// Cache is consulted before Prometheus and Jaeger. Nil disables it.
	Cache  QueryCache
	Logger *slog.Logger
	Clock  func() time.Time
}

// Toolbox builds tools over the configured backends.
type Toolbox struct {
	collector *evidence.Collector
	logs      LogBackend
	metrics   MetricBackend
	traces    TraceBackend
	redactor  *redact.Redactor
	telemetry *metrics.Metrics
	retries   int
	cache     QueryCache
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) *Toolbox {
	b := &Toolbox{
		collector: cfg.Collector,
		logs:      cfg.Logs,
		metrics:   cfg.Metrics,
		traces:    cfg.Traces,
		redactor:  cfg.Redactor,
		telemetry: cfg.Telemetry,
		retries:   cfg.Retries,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.retries <= 0 {
		b.retries = backend.DefaultAttempts
	}
	return b
}

// ChatOps returns the tools for question answering.
func (b *Toolbox) ChatOps() []agent.Tool {
	return b.guard(agent.NoteTool(), b.LokiQueryRangeLines(), b.PrometheusQueryRange())
}

// RCA returns the tools for root-cause analysis.
func (b *Toolbox) RCA() []agent.Tool {
	return b.guard(agent.NoteTool(), b.CollectEvidence(), b.PrometheusQueryRange(), b.JaegerQueryTraces())
}

// Predict returns the tools for risk prediction.
func (b *Toolbox) Predict() []agent.Tool {
	return b.guard(agent.NoteTool(), b.PrometheusQueryRange(), b.PredictCollectFeatures())
}

// All returns every tool once.
func (b *Toolbox) All() []agent.Tool {
	return b.guard(
		agent.NoteTool(),
		b.CollectEvidence(),
		b.LokiQueryRangeLines(),
		b.PrometheusQueryRange(),
		b.JaegerQueryTraces(),
		b.PredictCollectFeatures(),
	)
}

// guard routes each tool's observation through the redactor.
func (b *Toolbox) guard(tools ...agent.Tool) []agent.Tool {
	if b.redactor == nil {
		return tools
	}
	for i := range tools {
		name, invoke := tools[i].Name, tools[i].Invoke
		tools[i].Invoke = func(ctx context.Context, input string) (string, error) {
			out, err := invoke(ctx, input)
			return b.mask(ctx, name, out), err
		}
	}
	return tools
}

// mask redacts credentials in text produced by tool.
func (b *Toolbox) mask(ctx context.Context, tool, text string) string {
	masked, rules := b.redactor.Redact(text)
	if len(rules) == 0 {
		return text
	}
	for _, r := range rules {
		b.telemetry.RecordRedaction(r)
	}
	b.logger.DebugContext(ctx, "masked credentials in observation",
		slog.String("tool", tool), slog.Int("matches", len(rules)))
	return masked
}

// call runs fn against the named backend with retries.
func (b *Toolbox) call(ctx context.Context, name string, fn func(context.Context) error) error {
	return backend.Retry(ctx, b.retries, fn, func(attempt int, err error) {
		b.telemetry.RecordBackendRequest(name, err)
		if err != nil {
			b.logger.DebugContext(ctx, "backend request failed", "backend", name, "attempt", attempt, "error", err)
		}
	})
}

func (b *Toolbox) cached(key string) (string, bool) {
	if b.cache == nil {
		return "", false
	}
	return b.cache.Get(key)
}

func (b *Toolbox) remember(key, observation string) string {
	if b.cache != nil {
		b.cache.Put(key, observation)
	}
	return observation
}

func cacheKey(parts ...string) string { return strings.Join(parts, "\x1f") }

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func notConfigured(name string) error {
	err := vigilerr.New(vigilerr.CodeBackendNotConfigured, name+" is not configured", vigilerr.FieldBackend(name))
	return failure(name+"_not_configured", err, nil)
}

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func strList(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

// CollectEvidence returns rca_collect_evidence.
func (b *Toolbox) CollectEvidence() agent.Tool {
	return agent.Tool{
		Name: CollectEvidenceName,
		Description: "Collect deduplicated error and exception log samples from Loki across services as RCA evidence. " +
			"service_patterns focuses on service names (for example [\"user\", \"auth\"]); text_patterns adds " +
			"content keywords (for example [\"login\", \"401\"]). Read-only.",
		InputSchema: schema(nil, map[string]any{
			"start_iso":             str("window start, RFC 3339"),
			"end_iso":               str("window end, RFC 3339"),
			"max_services":          integer("services to search, 1-100"),
			"per_service_log_limit": integer("lines per query, 1-200"),
			"max_total_lines":       integer("total lines returned, 1-200"),
			"service_patterns":      strList("substrings of service names to search first"),
			"text_patterns":         strList("extra keywords to search for"),
		}),
		Invoke: b.collectEvidence,
	}
}

type evidenceInput struct {
	Start           string      `json:"start_iso"`
	StartAlt        string      `json:"start"`
	End             string      `json:"end_iso"`
	EndAlt          string      `json:"end"`
	MaxServices     flexInt     `json:"max_services"`
	PerServiceLimit flexInt     `json:"per_service_log_limit"`
	MaxTotalLines   flexInt     `json:"max_total_lines"`
	ServicePatterns flexStrings `json:"service_patterns"`
	TextPatterns    flexStrings `json:"text_patterns"`
}

func (b *Toolbox) collectEvidence(ctx context.Context, input string) (string, error) {
	if b.collector == nil {
		return "", notConfigured("loki")
	}
	var in evidenceInput
	decodeInput(input, &in)

	startRaw, endRaw := firstNonEmpty(in.Start, in.StartAlt), firstNonEmpty(in.End, in.EndAlt)
	start, end, err := resolveWindow(ctx, startRaw, endRaw, b.now())
	if err != nil {
		return "", windowFailure(err, map[string]any{"start_raw": startRaw, "end_raw": endRaw})
	}

	res, err := b.collector.Collect(ctx, evidence.Query{
		Start:           start,
		End:             end,
		ServicePatterns: in.ServicePatterns,
		TextPatterns:    in.TextPatterns,
		MaxServices:     int(in.MaxServices),
		PerServiceLimit: int(in.PerServiceLimit),
		MaxTotalLines:   int(in.MaxTotalLines),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", failure("evidence_failed", err, nil)
	}
	return encode(res), nil
}

// LokiQueryRangeLines returns loki_query_range_lines.
func (b *Toolbox) LokiQueryRangeLines() agent.Tool {
	return agent.Tool{
		Name:        LokiLinesName,
		Description: "Run a LogQL query over a time range and return matching log lines with labels. Read-only.",
		InputSchema: schema([]string{"query"}, map[string]any{
			"query":     str("LogQL query, for example {app=\"api\"} |= \"error\""),
			"start_iso": str("window start, RFC 3339"),
			"end_iso":   str("window end, RFC 3339"),
			"limit":     integer("maximum lines, default 200"),
			"direction": str("backward (newest first, default) or forward"),
		}),
		Invoke: b.lokiQueryRangeLines,
	}
}

type lokiInput struct {
	Query     string  `json:"query"`
	LogQL     string  `json:"logql"`
	Start     string  `json:"start_iso"`
	StartAlt  string  `json:"start"`
	End       string  `json:"end_iso"`
	EndAlt    string  `json:"end"`
	Limit     flexInt `json:"limit"`
	Direction string  `json:"direction"`
}

// LokiQueryOf returns the LogQL a loki_query_range_lines input asked for.
func LokiQueryOf(input string) string {
	var in lokiInput
	if !decodeInput(input, &in) {
		return input
	}
	return firstNonEmpty(in.Query, in.LogQL)
}

func (b *Toolbox) lokiQueryRangeLines(ctx context.Context, input string) (string, error) {
	if b.logs == nil {
		return "", notConfigured("loki")
	}
	var in lokiInput
	if !decodeInput(input, &in) {
		in.Query = input
	}
	query := firstNonEmpty(in.Query, in.LogQL)
	if query == "" {
		return "", failure("invalid_query", vigilerr.New(vigilerr.CodeBackendRequestInvalid, "query must not be empty"), nil)
	}

	startRaw, endRaw := firstNonEmpty(in.Start, in.StartAlt), firstNonEmpty(in.End, in.EndAlt)
	start, end, err := resolveWindow(ctx, startRaw, endRaw, b.now())
	if err != nil {
		return "", windowFailure(err, map[string]any{"logql": query, "start_raw": startRaw, "end_raw": endRaw})
	}

	limit := int(in.Limit)
	if limit <= 0 {
		limit = defaultLokiLimit
	}
	limit = min(limit, maxLokiLimit)
	direction := loki.Backward
	if in.Direction != "" && loki.Direction(strings.ToLower(strings.TrimSpace(in.Direction))) == loki.Forward {
		direction = loki.Forward
	}

	entries, err := b.logs.QueryRange(ctx, loki.RangeQuery{
		Query: query, Start: start, End: end, Limit: limit, Direction: direction,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", failure("loki_request_failed", err, map[string]any{"logql": query})
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.String())
	}

	return encode(map[string]any{
		"logql":      query,
		"start":      iso(start),
		"end":        iso(end),
		"limit":      limit,
		"direction":  direction,
		"line_count": len(lines),
		"lines":      lines,
	}), nil
}

// PrometheusQueryRange returns prometheus_query_range.
func (b *Toolbox) PrometheusQueryRange() agent.Tool {
	return agent.Tool{
		Name: PrometheusRangeName,
		Description: "Run a PromQL range query and return the time series, for service health, error rate, " +
			"latency and resource analysis. Read-only.",
		InputSchema: schema([]string{"promql"}, map[string]any{
			"promql":    str("PromQL expression"),
			"start_iso": str("window start, RFC 3339"),
			"end_iso":   str("window end, RFC 3339"),
			"step":      str("resolution such as 30s or 5m, default 60s"),
		}),
		Invoke: b.prometheusQueryRange,
	}
}

type promInput struct {
	PromQL   string `json:"promql"`
	Query    string `json:"query"`
	Start    string `json:"start_iso"`
	StartAlt string `json:"start"`
	End      string `json:"end_iso"`
	EndAlt   string `json:"end"`
	Step     string `json:"step"`
}

// parseStep accepts Go durations and bare seconds.
func parseStep(raw string) (time.Duration, error) {
	if raw == "" {
		raw = defaultPrometheusStep
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

func (b *Toolbox) prometheusQueryRange(ctx context.Context, input string) (string, error) {
	if b.metrics == nil {
		return "", notConfigured("prometheus")
	}
	var in promInput
	if !decodeInput(input, &in) {
		in.PromQL = input
	}
	promql := firstNonEmpty(in.PromQL, in.Query)
	if promql == "" {
		return "", failure("invalid_promql", vigilerr.New(vigilerr.CodeBackendRequestInvalid, "promql must not be empty"), nil)
	}

	startRaw, endRaw := firstNonEmpty(in.Start, in.StartAlt), firstNonEmpty(in.End, in.EndAlt)
	start, end, err := resolveWindow(ctx, startRaw, endRaw, b.now())
	if err != nil {
		return "", windowFailure(err, map[string]any{"promql": promql, "start_raw": startRaw, "end_raw": endRaw})
	}
	stepRaw := firstNonEmpty(in.Step, defaultPrometheusStep)
	step, err := parseStep(stepRaw)
	if err != nil || step <= 0 {
		if err == nil {
			err = vigilerr.New(vigilerr.CodeBackendRequestInvalid, "step must be positive")
		}
		return "", failure("invalid_step", err, map[string]any{"step": stepRaw})
	}

	key := cacheKey("prometheus", promql, stamp(start), stamp(end), step.String())
	if obs, ok := b.cached(key); ok {
		return obs, nil
	}
	var res prometheus.RangeResult
	err = b.call(ctx, "prometheus", func(ctx context.Context) error {
		var qerr error
		res, qerr = b.metrics.QueryRange(ctx, promql, start, end, step)
		return qerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", failure("prometheus_request_failed", err, map[string]any{
			"promql": promql, "start": iso(start), "end": iso(end), "step": stepRaw,
		})
	}

	out := map[string]any{
		"promql":      promql,
		"start":       iso(start),
		"end":         iso(end),
		"step":        stepRaw,
		"result_type": res.ResultType,
		"series":      res.Series,
	}
	if len(res.Series) > maxPrometheusSeries {
		out["series"] = res.Series[:maxPrometheusSeries]
		out["series_omitted"] = len(res.Series) - maxPrometheusSeries
	}
	if len(res.Warnings) > 0 {
		out["warnings"] = res.Warnings
	}
	return b.remember(key, encode(out)), nil
}

// JaegerQueryTraces returns jaeger_query_traces.
func (b *Toolbox) JaegerQueryTraces() agent.Tool {
	return agent.Tool{
		Name:        JaegerTracesName,
		Description: "Fetch representative traces for a service from Jaeger in a time range to support root-cause analysis. Read-only.",
		InputSchema: schema([]string{"service"}, map[string]any{
			"service":   str("service name as reported to Jaeger"),
			"start_iso": str("window start, RFC 3339"),
			"end_iso":   str("window end, RFC 3339"),
			"limit":     integer("traces to return, 1-100, default 10"),
		}),
		Invoke: b.jaegerQueryTraces,
	}
}

type jaegerInput struct {
	Service  string  `json:"service"`
	Start    string  `json:"start_iso"`
	StartAlt string  `json:"start"`
	End      string  `json:"end_iso"`
	EndAlt   string  `json:"end"`
	Limit    flexInt `json:"limit"`
}

func (b *Toolbox) jaegerQueryTraces(ctx context.Context, input string) (string, error) {
	if b.traces == nil {
		return "", notConfigured("jaeger")
	}
	var in jaegerInput
	if !decodeInput(input, &in) {
		in.Service = input
	}
	service := firstNonEmpty(in.Service)
	if service == "" {
		return "", failure("invalid_service", vigilerr.New(vigilerr.CodeBackendRequestInvalid, "service must not be empty"), nil)
	}

	startRaw, endRaw := firstNonEmpty(in.Start, in.StartAlt), firstNonEmpty(in.End, in.EndAlt)
	start, end, err := resolveWindow(ctx, startRaw, endRaw, b.now())
	if err != nil {
		return "", windowFailure(err, map[string]any{"service": service, "start_raw": startRaw, "end_raw": endRaw})
	}
	limit := int(in.Limit)
	if limit <= 0 {
		limit = jaeger.DefaultLimit
	}
	limit = min(limit, jaeger.MaxLimit)

	key := cacheKey("jaeger", service, stamp(start), stamp(end), strconv.Itoa(limit))
	if obs, ok := b.cached(key); ok {
		return obs, nil
	}
	var traces []jaeger.TraceSummary
	err = b.call(ctx, "jaeger", func(ctx context.Context) error {
		var qerr error
		traces, qerr = b.traces.Query(ctx, service, start, end, limit)
		return qerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", failure("jaeger_request_failed", err, map[string]any{"service": service})
	}
	return b.remember(key, encode(map[string]any{
		"service":     service,
		"start":       iso(start),
		"end":         iso(end),
		"limit":       limit,
		"trace_count": len(traces),
		"traces":      traces,
		"jaeger_api":  map[string]string{"path": "/api/traces"},
	})), nil
}
