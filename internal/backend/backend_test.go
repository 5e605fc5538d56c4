// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package backend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sigil-dev/vigil/internal/backend"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := backend.NewHTTPClient("loki", vigilerr.CodeBackendLokiFailure, backend.Options{})
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeBackendNotConfigured))
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/things", r.URL.Path)
		assert.Equal(t, "a b", r.URL.Query().Get("q"))
		assert.Equal(t, "ops", r.Header.Get("X-Scope-OrgID"))
		_, _ = w.Write([]byte(`{"status":"success","count":3}`))
	}))
	defer srv.Close()

	c, err := backend.NewHTTPClient("loki", vigilerr.CodeBackendLokiFailure, backend.Options{
		BaseURL:   srv.URL + "/",
		RateLimit: 100,
		Headers:   map[string]string{"X-Scope-OrgID": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, srv.URL, c.BaseURL())

	var out struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/api/things", url.Values{"q": {"a b"}}, &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, 3, out.Count)
}

func TestGetJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "parse error at line 1", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := backend.NewHTTPClient("jaeger", vigilerr.CodeBackendJaegerFailure, backend.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.GetJSON(context.Background(), "/api/traces", nil, nil)
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeBackendJaegerFailure))
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "parse error")
}

func TestGetJSONInvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c, err := backend.NewHTTPClient("loki", vigilerr.CodeBackendLokiFailure, backend.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	var out map[string]any
	err = c.GetJSON(context.Background(), "/x", nil, &out)
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeBackendResponseInvalid))
}
