// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/vigil/internal/config"
	"github.com/sigil-dev/vigil/internal/evidence"
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/provider/providertest"
	"github.com/sigil-dev/vigil/internal/redact"
	"github.com/sigil-dev/vigil/internal/store"
	"github.com/sigil-dev/vigil/internal/toolbox"
)

// useScriptedProvider replaces the factory for name with one building
// scripted providers that reply with texts. It returns the API keys the
// factory was called with.
func useScriptedProvider(t *testing.T, name string, texts ...string) *[]string {
	t.Helper()
	var (
		mu   sync.Mutex
		keys []string
	)
	orig, had := builtinProviderFactories[name]
	builtinProviderFactories[name] = func(pc config.ProviderConfig) (provider.Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, pc.APIKey)
		return providertest.New(name, texts...), nil
	}
	t.Cleanup(func() {
		if had {
			builtinProviderFactories[name] = orig
		} else {
			delete(builtinProviderFactories, name)
		}
	})
	return &keys
}

// testConfig builds a validated config from the defaults plus overrides.
func testConfig(t *testing.T, lokiURL string, overrides map[string]any) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("loki.base_url", lokiURL)
	v.Set("prometheus.base_url", "")
	v.Set("storage.backend", "none")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestWire(t *testing.T) {
	useScriptedProvider(t, "test", "Final Answer: ok")
	cfg := testConfig(t, fakeLoki(t).URL, map[string]any{
		"providers":      map[string]any{"test": map[string]any{"api_key": "k"}},
		"models.default": "test/model",
	})

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	assert.NotNil(t, app.Providers)
	assert.NotNil(t, app.Logs)
	assert.NotNil(t, app.Metrics)
	assert.NotNil(t, app.Toolbox)
	assert.NotNil(t, app.Memory)
	assert.NotNil(t, app.Runs)
	assert.NotNil(t, app.Ops)
	assert.Equal(t, "test/model", app.Providers.DefaultRef())
}

func TestWire_BackendList(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, map[string]any{
		"jaeger.base_url": "http://jaeger.invalid:16686",
	})

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	require.Len(t, app.Backends, 3)
	assert.Equal(t, "loki", app.Backends[0].Name)
	assert.NotNil(t, app.Backends[0].Pinger)
	assert.Equal(t, "prometheus", app.Backends[1].Name)
	assert.Nil(t, app.Backends[1].Pinger, "prometheus without base_url is not configured")
	assert.Equal(t, "jaeger", app.Backends[2].Name)
	assert.NotNil(t, app.Backends[2].Pinger)
}

func TestWire_MissingDefaultProviderIsNotFatal(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, nil)

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	assert.Empty(t, app.Providers.DefaultRef())
	assert.Empty(t, app.Providers.Names())
}

func TestWire_SkipsUnusableProviders(t *testing.T) {
	useScriptedProvider(t, "openai")
	useScriptedProvider(t, "anthropic")
	ollamaKeys := useScriptedProvider(t, "ollama")

	cfg := testConfig(t, fakeLoki(t).URL, nil)
	cfg.Providers = map[string]config.ProviderConfig{
		"openai":    {APIKey: ""},
		"anthropic": {APIKey: "keyring://vigil/missing"},
		"ollama":    {Endpoint: "http://localhost:11434"},
		"mystery":   {APIKey: "k"},
	}

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	assert.Equal(t, []string{"ollama"}, app.Providers.Names())
	assert.Equal(t, []string{""}, *ollamaKeys, "ollama registers without a key")
}

func TestWire_SQLiteRunStore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, fakeLoki(t).URL, map[string]any{
		"storage.backend": "sqlite",
		"storage.path":    dir,
	})

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	runs, err := app.Runs.ListRuns(context.Background(), store.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.FileExists(t, filepath.Join(dir, "runs.db"))
}

func lokiLines(t *testing.T, app *App) string {
	t.Helper()
	for _, tl := range app.Toolbox.ChatOps() {
		if tl.Name == toolbox.LokiLinesName {
			out, err := tl.Invoke(context.Background(), `{app="checkout"}`)
			require.NoError(t, err)
			return out
		}
	}
	t.Fatal("chatops tools lack " + toolbox.LokiLinesName)
	return ""
}

func TestWire_RedactsObservations(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, nil)
	require.True(t, cfg.Redaction.Enabled)

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	out := lokiLines(t, app)
	assert.NotContains(t, out, "hunter2hunter2")
	assert.Contains(t, out, redact.Placeholder)
}

func TestWire_RedactionDisabled(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, map[string]any{"redaction.enabled": false})

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	assert.Contains(t, lokiLines(t, app), "hunter2hunter2")
}

func TestApp_NewServer(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, map[string]any{"server.listen": "127.0.0.1:0"})

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	srv, err := app.NewServer()
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "loki")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, strings.TrimSpace(w.Body.String()), "null")
}

func TestApp_NewServer_WriteTimeoutCoversOperations(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, map[string]any{
		"server.listen":         "127.0.0.1:0",
		"server.write_timeout":  "1s",
		"agent.request_timeout": "10m",
	})

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	srv, err := app.NewServer()
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Start and immediately cancel; it should shut down cleanly.
	assert.NoError(t, srv.Start(ctx))
}

func TestApp_NewMCPServer(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, nil)

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	srv, err := app.NewMCPServer()
	require.NoError(t, err)
	assert.NotNil(t, srv)
}

func TestApp_Close(t *testing.T) {
	cfg := testConfig(t, fakeLoki(t).URL, nil)

	app, err := Wire(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, app.Close())
}

func TestNewEvidenceCache(t *testing.T) {
	cache := newEvidenceCache(config.EvidenceConfig{})
	assert.IsType(t, evidence.NopCache{}, cache)

	cache = newEvidenceCache(config.EvidenceConfig{CacheTTL: time.Minute, CacheMaxEntries: 4})
	assert.IsType(t, &evidence.TTLCache{}, cache)
}
