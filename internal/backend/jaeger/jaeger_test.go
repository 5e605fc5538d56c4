// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package jaeger_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sigil-dev/vigil/internal/backend"
	"github.com/sigil-dev/vigil/internal/backend/jaeger"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tracesBody = `{"data":[
  {"traceID":"abc123","spans":[
    {"spanID":"s2","operationName":"SELECT orders","startTime":1772359200100000,"duration":400000,"processID":"p2",
     "references":[{"refType":"CHILD_OF"}],"tags":[{"key":"otel.status_code","value":"ERROR"}]},
    {"spanID":"s1","operationName":"POST /checkout","startTime":1772359200000000,"duration":600000,"processID":"p1","tags":[]}
  ],"processes":{"p1":{"serviceName":"checkout"},"p2":{"serviceName":"orders-db"}}},
  {"traceID":"def456","spans":[
    {"spanID":"t1","operationName":"GET /health","startTime":1772359201000000,"duration":1000,"processID":"p1",
     "tags":[{"key":"error","value":false}]}
  ],"processes":{"p1":{"serviceName":"checkout"}}}
]}`

func TestQuery(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/traces", r.URL.Path)
		assert.Equal(t, "checkout", r.URL.Query().Get("service"))
		assert.Equal(t, "1772359200000000", r.URL.Query().Get("start"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(tracesBody))
	}))
	defer srv.Close()

	c, err := jaeger.New(backend.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	traces, err := c.Query(context.Background(), " checkout ", start, start.Add(15*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, traces, 2)

	assert.Equal(t, "abc123", traces[0].TraceID)
	assert.Equal(t, "POST /checkout", traces[0].Operation)
	assert.Equal(t, int64(600000), traces[0].DurationMicros)
	assert.True(t, traces[0].HasError)
	assert.Equal(t, 2, traces[0].SpanCount)
	assert.Equal(t, []string{"checkout", "orders-db"}, traces[0].Services)

	assert.False(t, traces[1].HasError)
	assert.Equal(t, "GET /health", traces[1].Operation)
}

func TestQueryClampsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c, err := jaeger.New(backend.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	now := time.Now()
	traces, err := c.Query(context.Background(), "checkout", now.Add(-time.Hour), now, 5000)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestQueryValidation(t *testing.T) {
	c, err := jaeger.New(backend.Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	now := time.Now()

	_, err = c.Query(context.Background(), "", now.Add(-time.Hour), now, 10)
	assert.True(t, vigilerr.IsInvalidInput(err))

	_, err = c.Query(context.Background(), "checkout", now, now.Add(-time.Hour), 10)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeEvidenceInvalidRange))
}

func TestNewNotConfigured(t *testing.T) {
	_, err := jaeger.New(backend.Options{})
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeBackendNotConfigured))
}
