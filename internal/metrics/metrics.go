// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package metrics exposes Prometheus collectors for agent runs, tool calls,
// model calls, evidence caching and HTTP traffic.
//
// Every recording method is safe on a nil *Metrics so components can take
// metrics as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

const (
	labelTool      = "tool"
	labelStatus    = "status"
	labelProvider  = "provider"
	labelOperation = "operation"
	labelReason    = "reason"
	labelResult    = "result"
	labelBackend   = "backend"
	labelModel     = "model"
	labelRoute     = "route"
	labelCode      = "code"
	labelRule      = "rule"
)

var latencyBuckets = prometheus.ExponentialBuckets(0.005, 2, 15) // 5ms to ~80s

// Metrics holds every Vigil collector, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls       *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec
	llmCalls        *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	runIterations   *prometheus.HistogramVec
	evidenceCache   *prometheus.CounterVec
	backendRequests *prometheus.CounterVec
	ensemblePicks   *prometheus.CounterVec
	redactions      *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	activeSessions  prometheus.GaugeFunc
}

// New creates a Metrics with its own registry, including the Go runtime and
// process collectors. sessions, when non-nil, reports the live session count.
func New(sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{labelTool, labelStatus}),
		toolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   latencyBuckets,
		}, []string{labelTool}),
		llmCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model calls by provider and outcome.",
		}, []string{labelProvider, labelStatus}),
		llmLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Model call latency, full stream.",
			Buckets:   latencyBuckets,
		}, []string{labelProvider}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent runs by operation and stop reason.",
		}, []string{labelOperation, labelReason}),
		runIterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_iterations",
			Help:      "Think/act/observe iterations per run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}, []string{labelOperation}),
		evidenceCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_cache_lookups_total",
			Help:      "Evidence cache lookups by result.",
		}, []string{labelResult}),
		backendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Observability backend requests by backend and outcome, retries included.",
		}, []string{labelBackend, labelStatus}),
		ensemblePicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ensemble_selections_total",
			Help:      "Ensemble consensus winners by model.",
		}, []string{labelModel}),
		redactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redactions_total",
			Help:      "Credentials masked in tool observations by rule.",
		}, []string{labelRule}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{labelRoute, labelCode}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   latencyBuckets,
		}, []string{labelRoute}),
	}

	if sessions != nil {
		m.activeSessions = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live conversation sessions.",
		}, func() float64 { return float64(sessions()) })
	}

	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status(err)).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordLLMCall records one streamed model call.
func (m *Metrics) RecordLLMCall(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, status(err)).Inc()
	m.llmLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordRun records a finished agent run.
func (m *Metrics) RecordRun(operation, reason string, iterations int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(operation, reason).Inc()
	m.runIterations.WithLabelValues(operation).Observe(float64(iterations))
}

// RecordCacheLookup records an evidence cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.evidenceCache.WithLabelValues(result).Inc()
}

// RecordBackendRequest records one backend attempt.
func (m *Metrics) RecordBackendRequest(backend string, err error) {
	if m == nil {
		return
	}
	m.backendRequests.WithLabelValues(backend, status(err)).Inc()
}

// RecordEnsembleSelection records which model won a consensus round.
func (m *Metrics) RecordEnsembleSelection(model string) {
	if m == nil {
		return
	}
	m.ensemblePicks.WithLabelValues(model).Inc()
}

// RecordRedaction records one masked credential.
func (m *Metrics) RecordRedaction(rule string) {
	if m == nil {
		return
	}
	m.redactions.WithLabelValues(rule).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
	m.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}
