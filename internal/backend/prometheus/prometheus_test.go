// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package prometheus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sigil-dev/vigil/internal/backend/prometheus"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.HandlerFunc) *prometheus.Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := prometheus.New(prometheus.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestQueryRange(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query_range", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, `sum(rate(http_requests_total{code=~"5.."}[5m])) by (service)`, r.Form.Get("query"))
		assert.Equal(t, "60", r.Form.Get("step"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"service":"payments"},"values":[[1772359200,"0.5"],[1772359260,"1.25"]]},
			{"metric":{"service":"checkout"},"values":[[1772359200,"0"]]}
		]}}`))
	})

	res, err := c.QueryRange(context.Background(),
		`sum(rate(http_requests_total{code=~"5.."}[5m])) by (service)`,
		start, start.Add(5*time.Minute), 0)
	require.NoError(t, err)

	assert.Equal(t, "matrix", res.ResultType)
	require.Len(t, res.Series, 2)

	bySvc := map[string]prometheus.Series{}
	for _, s := range res.Series {
		bySvc[s.Metric["service"]] = s
	}
	require.Len(t, bySvc["payments"].Values, 2)
	assert.Equal(t, start.Add(time.Minute), bySvc["payments"].Values[1].Time)
	assert.InDelta(t, 1.25, bySvc["payments"].Values[1].Value, 1e-9)
}

func TestQueryRangeRejectsBadInput(t *testing.T) {
	c := newClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})
	now := time.Now()

	_, err := c.QueryRange(context.Background(), " ", now, now.Add(time.Minute), time.Minute)
	assert.True(t, vigilerr.IsInvalidInput(err))

	_, err = c.QueryRange(context.Background(), "up", now, now.Add(-time.Minute), time.Minute)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeEvidenceInvalidRange))
}

func TestQueryRangeUpstreamError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	})
	now := time.Now()

	_, err := c.QueryRange(context.Background(), "sum(", now, now.Add(time.Minute), time.Minute)
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeBackendPrometheusFailure))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := prometheus.New(prometheus.Options{})
	require.Error(t, err)
	assert.True(t, vigilerr.IsUnavailable(err))
}
