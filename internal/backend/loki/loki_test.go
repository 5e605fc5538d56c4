// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package loki_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sigil-dev/vigil/internal/backend"
	"github.com/sigil-dev/vigil/internal/backend/loki"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.HandlerFunc) *loki.Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := loki.New(loki.Options{Options: backend.Options{BaseURL: srv.URL}, TenantID: "ops"})
	require.NoError(t, err)
	return c
}

func TestQueryRange(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		assert.Equal(t, "ops", r.Header.Get("X-Scope-OrgID"))
		q := r.URL.Query()
		assert.Equal(t, `{app="login"} |= "401"`, q.Get("query"))
		assert.Equal(t, "1772359200000000000", q.Get("start"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "backward", q.Get("direction"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[
			{"stream":{"pod":"login-1","app":"login"},"values":[["1772359260000000000","POST /login 401"],["1772359200000000000","GET /health 200"]]}
		]}}`))
	})

	entries, err := c.QueryRange(context.Background(), loki.RangeQuery{
		Query: `{app="login"} |= "401"`,
		Start: start,
		End:   end,
		Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "POST /login 401", entries[0].Line)
	assert.Equal(t, start.Add(time.Minute), entries[0].Timestamp)
	assert.Equal(t, "2026-03-01T10:01:00Z [app=login,pod=login-1] POST /login 401", entries[0].String())
}

func TestQueryRangeRejectsBadInput(t *testing.T) {
	c := newClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})
	now := time.Now()

	_, err := c.QueryRange(context.Background(), loki.RangeQuery{Query: "", Start: now, End: now.Add(time.Minute)})
	assert.True(t, vigilerr.IsInvalidInput(err))

	_, err = c.QueryRange(context.Background(), loki.RangeQuery{Query: `{app="a"}`, Start: now, End: now})
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeEvidenceInvalidRange))
}

func TestQueryRangeRejectsMatrix(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[]}}`))
	})
	now := time.Now()

	_, err := c.QueryRange(context.Background(), loki.RangeQuery{Query: `rate({app="a"}[1m])`, Start: now, End: now.Add(time.Minute)})
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeBackendResponseInvalid))
}

func TestLabelValues(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/label/app/values", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("start"))
		_, _ = w.Write([]byte(`{"status":"success","data":["checkout","login","payments"]}`))
	})

	values, err := c.LabelValues(context.Background(), "app", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout", "login", "payments"}, values)
}

func TestLabelValuesUpstreamFailure(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.LabelValues(context.Background(), "app", time.Time{}, time.Time{})
	require.Error(t, err)
	assert.True(t, vigilerr.IsUpstreamFailure(err))
}

func TestPing(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ready", r.URL.Path)
		_, _ = w.Write([]byte("ready"))
	})
	require.NoError(t, c.Ping(context.Background()))
}
