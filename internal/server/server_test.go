// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/risk"
	"github.com/sigil-dev/vigil/internal/server"
	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// fakeOps records requests and replays canned results.
type fakeOps struct {
	mu sync.Mutex

	askReq     ops.AskRequest
	analyzeReq ops.AnalyzeRequest
	predictReq ops.PredictRequest

	answer     *ops.Answer
	analysis   *ops.Analysis
	prediction *ops.Prediction
	events     []agent.Event
	err        error
}

func (f *fakeOps) Ask(_ context.Context, req ops.AskRequest) (*ops.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.askReq = req
	return f.answer, f.err
}

func (f *fakeOps) AskStream(_ context.Context, req ops.AskRequest) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.askReq = req
	f.mu.Unlock()
	return f.stream()
}

func (f *fakeOps) Analyze(_ context.Context, req ops.AnalyzeRequest) (*ops.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeReq = req
	return f.analysis, f.err
}

func (f *fakeOps) AnalyzeStream(_ context.Context, req ops.AnalyzeRequest) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.analyzeReq = req
	f.mu.Unlock()
	return f.stream()
}

func (f *fakeOps) Predict(_ context.Context, req ops.PredictRequest) (*ops.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictReq = req
	return f.prediction, f.err
}

func (f *fakeOps) PredictStream(_ context.Context, req ops.PredictRequest) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.predictReq = req
	f.mu.Unlock()
	return f.stream()
}

func (f *fakeOps) stream() (<-chan agent.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan agent.Event, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

type fakeStatuses map[string]provider.Status

func (f fakeStatuses) Statuses(context.Context) map[string]provider.Status { return f }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harness struct {
	srv  *server.Server
	ops  *fakeOps
	runs *store.MemoryRunStore
}

func newHarness(t *testing.T, mutate func(*server.Config, *server.Services)) *harness {
	t.Helper()
	h := &harness{ops: &fakeOps{}, runs: store.NewMemoryRunStore(0)}
	cfg := server.Config{ListenAddr: "127.0.0.1:0", Version: "1.2.3"}
	svc := server.Services{Ops: h.ops, Runs: h.runs, Metrics: metrics.New(nil)}
	if mutate != nil {
		mutate(&cfg, &svc)
	}
	srv, err := server.New(cfg, svc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	h.srv = srv
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_Validation(t *testing.T) {
	good := server.Services{Ops: &fakeOps{}, Runs: store.NewMemoryRunStore(0)}

	tests := []struct {
		name string
		cfg  server.Config
		svc  server.Services
	}{
		{name: "missing listen address", cfg: server.Config{}, svc: good},
		{name: "missing operations", cfg: server.Config{ListenAddr: ":0"}, svc: server.Services{Runs: good.Runs}},
		{name: "missing runs", cfg: server.Config{ListenAddr: ":0"}, svc: server.Services{Ops: good.Ops}},
		{
			name: "bad rate limit",
			cfg:  server.Config{ListenAddr: ":0", RateLimit: server.RateLimitConfig{RequestsPerSecond: 1}},
			svc:  good,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.New(tt.cfg, tt.svc)
			require.Error(t, err)
			assert.True(t, vigilerr.HasCode(err, vigilerr.CodeServerConfigInvalid))
		})
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[server.HealthBody](t, w)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestAsk(t *testing.T) {
	h := newHarness(t, nil)
	h.ops.answer = &ops.Answer{
		RunID:     "r1",
		Answer:    "api had 12 errors",
		UsedLogQL: `{app="api"} |= "error"`,
		Start:     "2026-03-01T11:30:00Z",
		End:       "2026-03-01T12:00:00Z",
		Trace:     []agent.ToolInvocation{},
	}

	w := h.do(t, http.MethodPost, "/api/v1/chatops/ask",
		`{"question":"how many errors?","time_range":{"last_minutes":30},"session_id":"s1"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ans := decode[ops.Answer](t, w)
	assert.Equal(t, "api had 12 errors", ans.Answer)
	assert.Equal(t, `{app="api"} |= "error"`, ans.UsedLogQL)

	assert.Equal(t, "how many errors?", h.ops.askReq.Question)
	assert.Equal(t, "s1", h.ops.askReq.SessionID)
	require.NotNil(t, h.ops.askReq.TimeRange)
	assert.Equal(t, 30, h.ops.askReq.TimeRange.LastMinutes)
}

func TestAsk_SchemaValidation(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/v1/chatops/ask", `{"question":""}`)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestOperationErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{
			name:       "invalid request",
			err:        vigilerr.New(vigilerr.CodeOpsRequestInvalid, "end must be after start"),
			wantStatus: http.StatusBadRequest,
			wantDetail: "end must be after start",
		},
		{
			name:       "timeout",
			err:        vigilerr.New(vigilerr.CodeOpsTimeout, "chatops.ask timed out after 1m0s"),
			wantStatus: http.StatusGatewayTimeout,
			wantDetail: "timed out",
		},
		{
			name:       "no provider",
			err:        vigilerr.New(vigilerr.CodeProviderAllUnavailable, "all providers unavailable"),
			wantStatus: http.StatusServiceUnavailable,
			wantDetail: "all providers unavailable",
		},
		{
			name:       "upstream",
			err:        vigilerr.New(vigilerr.CodeProviderUpstreamFailure, "model endpoint said no"),
			wantStatus: http.StatusBadGateway,
			wantDetail: "model endpoint said no",
		},
		{
			name:       "internal hides detail",
			err:        errors.New("secret stack detail"),
			wantStatus: http.StatusInternalServerError,
			wantDetail: "ask failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.ops.err = tt.err

			w := h.do(t, http.MethodPost, "/api/v1/chatops/ask", `{"question":"why?"}`)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantDetail)
			assert.NotContains(t, w.Body.String(), "secret stack detail")
		})
	}
}

func TestOperationErrors_CarryRunAndTrace(t *testing.T) {
	h := newHarness(t, nil)
	h.ops.err = &ops.RunError{
		RunID: "run-1",
		Trace: []agent.ToolInvocation{{Index: 0, Tool: "trace_note", Input: "{}", Observation: "ok"}},
		Err:   vigilerr.New(vigilerr.CodeProviderUpstreamFailure, "model endpoint said no"),
	}

	w := h.do(t, http.MethodPost, "/api/v1/rca/analyze",
		`{"description":"checkout 500s","time_range":{"start":"2026-03-01T11:00:00Z","end":"2026-03-01T12:00:00Z"}}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[struct {
		Status int                    `json:"status"`
		Detail string                 `json:"detail"`
		RunID  string                 `json:"run_id"`
		Trace  []agent.ToolInvocation `json:"trace"`
	}](t, w)
	assert.Equal(t, http.StatusBadGateway, body.Status)
	assert.Equal(t, "model endpoint said no", body.Detail)
	assert.Equal(t, "run-1", body.RunID)
	require.Len(t, body.Trace, 1)
	assert.Equal(t, "trace_note", body.Trace[0].Tool)
}

func TestOperationErrors_InternalRunErrorHidesDetail(t *testing.T) {
	h := newHarness(t, nil)
	h.ops.err = &ops.RunError{RunID: "run-2", Trace: []agent.ToolInvocation{}, Err: errors.New("secret stack detail")}

	w := h.do(t, http.MethodPost, "/api/v1/chatops/ask", `{"question":"why?"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "secret stack detail")
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ask failed", body["detail"])
	assert.Equal(t, "run-2", body["run_id"])
	assert.NotContains(t, body, "$schema")
}

func TestAnalyze(t *testing.T) {
	h := newHarness(t, nil)
	p := 0.8
	h.ops.analysis = &ops.Analysis{
		RunID:   "r2",
		Summary: "db connection pool exhausted",
		RankedRootCauses: []ops.RootCause{{
			Rank: 1, Service: "db", Probability: &p, Description: "pool exhausted",
			KeyIndicators: []string{}, KeyLogs: []string{"too many connections"},
		}},
		NextActions:    []string{"raise pool size"},
		Model:          "a/m",
		EnsembleScores: map[string]float64{"a/m": 0.9, "b/m": 0.7},
		Trace:          []agent.ToolInvocation{},
	}

	w := h.do(t, http.MethodPost, "/api/v1/rca/analyze",
		`{"description":"checkout 500s","time_range":{"start":"2026-03-01T11:00:00Z","end":"2026-03-01T12:00:00Z"},"ensemble":["a/m","b/m"]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a := decode[ops.Analysis](t, w)
	assert.Equal(t, "db connection pool exhausted", a.Summary)
	require.Len(t, a.RankedRootCauses, 1)
	assert.Equal(t, "db", a.RankedRootCauses[0].Service)
	assert.Equal(t, "a/m", a.Model)
	assert.InDelta(t, 0.9, a.EnsembleScores["a/m"], 1e-9)

	assert.Equal(t, "checkout 500s", h.ops.analyzeReq.Description)
	assert.Equal(t, []string{"a/m", "b/m"}, h.ops.analyzeReq.Ensemble)
	assert.Equal(t, "2026-03-01T11:00:00Z", h.ops.analyzeReq.TimeRange.Start)
}

func TestPredict(t *testing.T) {
	h := newHarness(t, nil)
	h.ops.prediction = &ops.Prediction{
		RunID:          "r3",
		ServiceName:    "api",
		RiskScore:      0.42,
		RiskLevel:      risk.LevelMedium,
		LikelyFailures: []string{"timeouts"},
		Explanation:    "rising errors",
		Trace:          []agent.ToolInvocation{},
	}

	w := h.do(t, http.MethodPost, "/api/v1/predict/run", `{"service_name":"api","lookback_hours":12}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decode[ops.Prediction](t, w)
	assert.InDelta(t, 0.42, p.RiskScore, 1e-9)
	assert.Equal(t, risk.LevelMedium, p.RiskLevel)
	assert.Equal(t, 12, h.ops.predictReq.LookbackHours)
}

func TestRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, r := range []*store.Run{
		{ID: "a", Operation: ops.OpAsk, SessionID: "s1", Status: store.RunStatusOK, CreatedAt: base},
		{ID: "b", Operation: ops.OpAnalyze, Status: store.RunStatusOK, CreatedAt: base.Add(time.Minute),
			Trace: json.RawMessage(`[{"tool":"trace_note"}]`)},
		{ID: "c", Operation: ops.OpAsk, Status: store.RunStatusError, Error: "boom", CreatedAt: base.Add(2 * time.Minute)},
	} {
		require.NoError(t, h.runs.SaveRun(ctx, r), "run %d", i)
	}

	t.Run("list newest first", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/v1/runs", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode[struct {
			Runs []store.Run `json:"runs"`
		}](t, w)
		ids := make([]string, 0, len(body.Runs))
		for _, r := range body.Runs {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"c", "b", "a"}, ids)
	})

	t.Run("filter and page", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/v1/runs?operation=chatops.ask&limit=1&offset=1", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode[struct {
			Runs []store.Run `json:"runs"`
		}](t, w)
		require.Len(t, body.Runs, 1)
		assert.Equal(t, "a", body.Runs[0].ID)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/v1/runs?session_id=nobody", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"runs":[]}`, strings.TrimSpace(w.Body.String()))
	})

	t.Run("get with trace", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/v1/runs/b", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		run := decode[store.Run](t, w)
		assert.Equal(t, ops.OpAnalyze, run.Operation)
		assert.JSONEq(t, `[{"tool":"trace_note"}]`, string(run.Trace))
	})

	t.Run("get missing", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/v1/runs/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStatus(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newHarness(t, func(_ *server.Config, svc *server.Services) {
			svc.Providers = fakeStatuses{"openai": {Provider: "openai", Available: true}}
			svc.Backends = []server.Backend{{Name: "loki", Pinger: pinger{}}}
		})

		w := h.do(t, http.MethodGet, "/api/v1/status", "")

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode[server.StatusBody](t, w)
		assert.Equal(t, "ok", body.Status)
		assert.True(t, body.Providers["openai"].Available)
		require.Len(t, body.Backends, 1)
		assert.True(t, body.Backends[0].Reachable)
	})

	t.Run("degraded backend", func(t *testing.T) {
		h := newHarness(t, func(_ *server.Config, svc *server.Services) {
			svc.Providers = fakeStatuses{"openai": {Provider: "openai", Available: true}}
			svc.Backends = []server.Backend{
				{Name: "loki", Pinger: pinger{}},
				{Name: "prometheus", Pinger: pinger{err: errors.New("connection refused")}},
				{Name: "jaeger"},
			}
		})

		w := h.do(t, http.MethodGet, "/api/v1/status", "")

		require.Equal(t, http.StatusOK, w.Code)
		body := decode[server.StatusBody](t, w)
		assert.Equal(t, "degraded", body.Status)
		require.Len(t, body.Backends, 3)
		assert.Equal(t, "prometheus", body.Backends[1].Name)
		assert.False(t, body.Backends[1].Reachable)
		assert.Contains(t, body.Backends[1].Message, "connection refused")
		assert.False(t, body.Backends[2].Configured)
	})

	t.Run("no provider", func(t *testing.T) {
		h := newHarness(t, nil)

		w := h.do(t, http.MethodGet, "/api/v1/status", "")

		body := decode[server.StatusBody](t, w)
		assert.Equal(t, "degraded", body.Status)
	})
}

func streamEvents() []agent.Event {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []agent.Event{
		{Type: agent.EventStart, Timestamp: ts, SessionID: "s1", Data: map[string]any{"start": "a", "end": "b"}},
		{Type: agent.EventToolStart, Timestamp: ts, SessionID: "s1", Data: map[string]any{"tool": "trace_note"}},
		{Type: agent.EventFinal, Timestamp: ts, SessionID: "s1", Data: map[string]any{"answer": "done"}},
		{Type: agent.EventEnd, Timestamp: ts, SessionID: "s1"},
	}
}

func TestStream_NDJSON(t *testing.T) {
	for _, path := range []string{
		"/api/v1/chatops/ask/stream",
		"/api/v1/rca/analyze/stream",
		"/api/v1/predict/run/stream",
	} {
		t.Run(path, func(t *testing.T) {
			h := newHarness(t, nil)
			h.ops.events = streamEvents()

			w := h.do(t, http.MethodPost, path, `{"question":"q","description":"d","service_name":"api"}`)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

			var types []string
			sc := bufio.NewScanner(w.Body)
			for sc.Scan() {
				var ev map[string]any
				require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), sc.Text())
				assert.Equal(t, "s1", ev["session_id"])
				types = append(types, ev["event"].(string))
			}
			assert.Equal(t, []string{"start", "tool_start", "final", "end"}, types)
		})
	}
}

func TestStream_SSE(t *testing.T) {
	h := newHarness(t, nil)
	h.ops.events = streamEvents()

	w := h.do(t, http.MethodPost, "/api/v1/chatops/ask/stream", `{"question":"q"}`, "Accept", "text/event-stream")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: start\ndata: {"), body)
	assert.Contains(t, body, "event: final\ndata: ")
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.Equal(t, 4, strings.Count(body, "\n\n"))
	assert.Equal(t, "q", h.ops.askReq.Question)
}

func TestStream_Errors(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		h := newHarness(t, nil)

		w := h.do(t, http.MethodPost, "/api/v1/chatops/ask/stream", `{"question":`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	})

	t.Run("rejected before streaming", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ops.err = vigilerr.New(vigilerr.CodeOpsRequestInvalid, "question must not be empty")

		w := h.do(t, http.MethodPost, "/api/v1/chatops/ask/stream", `{"question":""}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var problem struct {
			Status int    `json:"status"`
			Detail string `json:"detail"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
		assert.Equal(t, http.StatusBadRequest, problem.Status)
		assert.Equal(t, "question must not be empty", problem.Detail)
	})
}

func TestOpenAPI_DocumentsStreams(t *testing.T) {
	h := newHarness(t, nil)

	paths := h.srv.API().OpenAPI().Paths
	for _, p := range []string{
		"/api/v1/chatops/ask", "/api/v1/chatops/ask/stream",
		"/api/v1/rca/analyze", "/api/v1/rca/analyze/stream",
		"/api/v1/predict/run", "/api/v1/predict/run/stream",
		"/api/v1/runs", "/api/v1/runs/{id}", "/api/v1/status", "/health",
	} {
		assert.Contains(t, paths, p)
	}
	require.NotNil(t, paths["/api/v1/chatops/ask/stream"].Post)
	assert.Equal(t, "chatops-ask-stream", paths["/api/v1/chatops/ask/stream"].Post.OperationID)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/health", "")
	h.do(t, http.MethodGet, "/api/v1/runs/missing", "")

	w := h.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `vigil_http_requests_total{code="200",route="/health"} 1`)
	assert.Contains(t, body, `vigil_http_requests_total{code="404",route="/api/v1/runs/{id}"} 1`)
}

func TestStart_GracefulShutdown(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Start(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
