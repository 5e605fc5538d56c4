// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.RecordToolCall("trace_note", time.Millisecond, nil)
		m.RecordLLMCall("openai", time.Second, errors.New("boom"))
		m.RecordRun("analyze", "final", 3)
		m.RecordCacheLookup(true)
		m.RecordBackendRequest("loki", nil)
		m.RecordEnsembleSelection("openai/gpt-4.1")
		m.RecordRedaction("bearer_token")
		m.RecordHTTPRequest("/health", "200", time.Millisecond)
	})
	assert.Nil(t, m.Registry())
}

func TestRecordAndExpose(t *testing.T) {
	m := metrics.New(func() int { return 4 })

	m.RecordToolCall("rca_collect_evidence", 20*time.Millisecond, nil)
	m.RecordToolCall("rca_collect_evidence", 20*time.Millisecond, errors.New("loki down"))
	m.RecordRun("analyze", "final", 5)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)
	m.RecordRedaction("aws_access_key")

	count, err := testutil.GatherAndCount(m.Registry(), "vigil_tool_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
# HELP vigil_evidence_cache_lookups_total Evidence cache lookups by result.
# TYPE vigil_evidence_cache_lookups_total counter
vigil_evidence_cache_lookups_total{result="hit"} 2
vigil_evidence_cache_lookups_total{result="miss"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vigil_evidence_cache_lookups_total"))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `vigil_agent_runs_total{operation="analyze",reason="final"} 1`)
	assert.Contains(t, string(body), "vigil_sessions_active 4")
	assert.Contains(t, string(body), `vigil_redactions_total{rule="aws_access_key"} 1`)
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.New(nil)
		metrics.New(nil)
	})
}
