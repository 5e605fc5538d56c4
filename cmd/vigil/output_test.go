// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/risk"
	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

func TestCheckFormat(t *testing.T) {
	for _, f := range []string{formatText, formatJSON, formatYAML} {
		assert.NoError(t, checkFormat(f))
	}
	err := checkFormat("xml")
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeCLIInputInvalid))
}

func TestRender_JSON(t *testing.T) {
	var buf bytes.Buffer
	ans := &ops.Answer{RunID: "r1", Answer: "all good", Start: "a", End: "b"}
	require.NoError(t, render(&buf, formatJSON, ans, nil))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "all good", got["answer"])
	assert.Equal(t, "r1", got["run_id"])
}

func TestRender_YAMLKeepsFieldOrderAndBlockStyle(t *testing.T) {
	var buf bytes.Buffer
	p := &ops.Prediction{
		RunID:          "r2",
		ServiceName:    "checkout",
		RiskScore:      0.7,
		RiskLevel:      risk.LevelHigh,
		LikelyFailures: []string{"db pool exhaustion", "oom"},
	}
	require.NoError(t, render(&buf, formatYAML, p, nil))

	out := buf.String()
	assert.NotContains(t, out, "{")
	assert.NotContains(t, out, "[db")
	assert.Contains(t, out, "service_name: checkout")
	assert.Contains(t, out, "- db pool exhaustion")
	assert.Less(t, strings.Index(out, "run_id"), strings.Index(out, "service_name"))
	assert.Less(t, strings.Index(out, "service_name"), strings.Index(out, "risk_score"))
	assert.NotContains(t, out, `"service_name"`)
	assert.NotContains(t, out, `"checkout"`)
}

func TestRender_YAMLQuotesAmbiguousStrings(t *testing.T) {
	var buf bytes.Buffer
	a := &ops.Answer{RunID: "123", Answer: "true", Start: "2026-03-01T11:00:00Z"}
	require.NoError(t, render(&buf, formatYAML, a, nil))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "123", got["run_id"])
	assert.Equal(t, "true", got["answer"])
	assert.Equal(t, "2026-03-01T11:00:00Z", got["start"])
}

func TestRender_Text(t *testing.T) {
	var buf bytes.Buffer
	called := false
	require.NoError(t, render(&buf, formatText, nil, func(w io.Writer) error {
		called = true
		_, err := io.WriteString(w, "hello")
		return err
	}))
	assert.True(t, called)
	assert.Equal(t, "hello", buf.String())
}

func TestWriteAnswer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeAnswer(&buf, &ops.Answer{
		RunID:     "run-1",
		Answer:    "api returned 2 errors",
		UsedLogQL: `{app="api"} |= "error"`,
		Start:     "2026-10-14 10:00:00",
		End:       "2026-10-14 10:30:00",
		Trace:     []agent.ToolInvocation{{Index: 1, Tool: "loki_query"}},
	}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "api returned 2 errors\n"))
	assert.Contains(t, out, `{app="api"} |= "error"`)
	assert.Contains(t, out, "loki_query")
	assert.Contains(t, out, "run-1")
}

func TestWriteAnalysis(t *testing.T) {
	p := 0.8
	var buf bytes.Buffer
	require.NoError(t, writeAnalysis(&buf, &ops.Analysis{
		RunID:   "run-2",
		Summary: "connection pool exhausted",
		RankedRootCauses: []ops.RootCause{{
			Rank:          1,
			Service:       "payments",
			Probability:   &p,
			Description:   "db pool too small",
			KeyIndicators: []string{"p99 latency"},
			KeyLogs:       []string{"timeout acquiring connection"},
		}},
		NextActions:    []string{"raise pool size"},
		Model:          "openai/gpt-4.1",
		EnsembleScores: map[string]float64{"b/m": 0.5, "a/m": 0.75},
	}))

	out := buf.String()
	assert.Contains(t, out, "connection pool exhausted")
	assert.Contains(t, out, "1. db pool too small")
	assert.Contains(t, out, "[payments]")
	assert.Contains(t, out, "p=0.80")
	assert.Contains(t, out, "timeout acquiring connection")
	assert.Contains(t, out, "- raise pool size")
	assert.Contains(t, out, "a/m=0.750 b/m=0.500")
}

func TestWritePrediction(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePrediction(&buf, &ops.Prediction{
		ServiceName:    "checkout",
		RiskScore:      0.42,
		RiskLevel:      risk.LevelMedium,
		LikelyFailures: []string{"disk full"},
		Explanation:    "disk usage trending up",
	}))

	out := buf.String()
	assert.Contains(t, out, "checkout")
	assert.Contains(t, out, "MEDIUM")
	assert.Contains(t, out, "0.42")
	assert.Contains(t, out, "- disk full")
}

func TestWriteRunTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRunTable(&buf, nil))
	assert.Equal(t, "No runs archived.\n", buf.String())

	buf.Reset()
	require.NoError(t, writeRunTable(&buf, []*store.Run{{
		ID:         "run-1",
		Operation:  ops.OpAsk,
		Status:     store.RunStatusOK,
		Model:      "test/model",
		Iterations: 2,
		Duration:   1500 * time.Millisecond,
		CreatedAt:  time.Now(),
	}}))
	out := buf.String()
	assert.Contains(t, out, "OPERATION")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, ops.OpAsk)
	assert.Contains(t, out, "1.5s")
}

func TestWriteRun(t *testing.T) {
	trace, err := json.Marshal([]agent.ToolInvocation{{Index: 1, Tool: "loki_query", Duration: time.Second, Error: "boom"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeRun(&buf, &store.Run{
		ID:        "run-9",
		Operation: ops.OpAnalyze,
		Status:    store.RunStatusError,
		Error:     "provider down",
		Request:   json.RawMessage(`{"description":"outage"}`),
		Trace:     trace,
		CreatedAt: time.Now(),
	}))

	out := buf.String()
	assert.Contains(t, out, "run-9")
	assert.Contains(t, out, "provider down")
	assert.Contains(t, out, `"description": "outage"`)
	assert.Contains(t, out, "loki_query")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "Result")
}

func TestIndentJSON(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", indentJSON(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "not json", indentJSON(json.RawMessage("not json")))
}
