// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/sigil-dev/vigil/internal/backend"
	"github.com/sigil-dev/vigil/internal/backend/jaeger"
	"github.com/sigil-dev/vigil/internal/backend/loki"
	"github.com/sigil-dev/vigil/internal/backend/prometheus"
	"github.com/sigil-dev/vigil/internal/config"
	"github.com/sigil-dev/vigil/internal/ensemble"
	"github.com/sigil-dev/vigil/internal/evidence"
	"github.com/sigil-dev/vigil/internal/mcpserver"
	"github.com/sigil-dev/vigil/internal/memory"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/provider"
	anthropicprov "github.com/sigil-dev/vigil/internal/provider/anthropic"
	arkprov "github.com/sigil-dev/vigil/internal/provider/ark"
	googleprov "github.com/sigil-dev/vigil/internal/provider/google"
	ollamaprov "github.com/sigil-dev/vigil/internal/provider/ollama"
	openaiprov "github.com/sigil-dev/vigil/internal/provider/openai"
	"github.com/sigil-dev/vigil/internal/redact"
	"github.com/sigil-dev/vigil/internal/secrets"
	"github.com/sigil-dev/vigil/internal/server"
	"github.com/sigil-dev/vigil/internal/store"
	_ "github.com/sigil-dev/vigil/internal/store/sqlite" // register sqlite backend
	"github.com/sigil-dev/vigil/internal/toolbox"
	"github.com/sigil-dev/vigil/internal/tracing"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// writeMargin keeps the HTTP write deadline past the operation deadline so
// a timed-out operation can still report its error.
const writeMargin = 30 * time.Second

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Config    *config.Config
	Providers *provider.Registry
	Logs      *loki.Client
	Metrics   *metrics.Metrics
	Toolbox   *toolbox.Toolbox
	Memory    *memory.Store
	Runs      store.RunStore
	Ops       *ops.Service
	// Backends lists every observability backend, configured or not.
	Backends []server.Backend

	stopTracing tracing.ShutdownFunc
}

// Wire creates all subsystems and wires them together. dataDir is the root
// directory for persistent state.
func Wire(ctx context.Context, cfg *config.Config, dataDir string) (*App, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, vigilerr.Errorf(vigilerr.CodeCLISetupFailure, "creating data directory: %w", err)
	}
	logger := slog.Default()
	app := &App{Config: cfg}

	// 1. Provider registry: built-in providers, default model, failover.
	app.Providers = provider.NewRegistry()
	registerBuiltinProviders(cfg, app.Providers)
	if err := app.Providers.SetDefault(cfg.Models.Default); err != nil {
		if !vigilerr.HasCode(err, vigilerr.CodeProviderNotFound) {
			_ = app.Close()
			return nil, vigilerr.Wrapf(err, vigilerr.CodeCLISetupFailure, "setting default model %s", cfg.Models.Default)
		}
		logger.Warn("default model provider is not available; operations will fail until it is configured",
			"model", cfg.Models.Default)
	}
	if len(cfg.Models.Failover) > 0 {
		if err := app.Providers.SetFailover(cfg.Models.Failover); err != nil {
			logger.Warn("ignoring failover chain", "error", err)
		}
	}

	// 2. Observability backends. Loki is required; the others are optional.
	backends, err := newBackends(cfg)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Logs = backends.logs
	app.Backends = backends.list()

	// 3. Session memory and metrics. The session gauge reads the store.
	app.Memory = memory.NewStore(cfg.Memory.TTL, memory.WithLogger(logger))
	app.Metrics = metrics.New(app.Memory.Len)

	// 4. Evidence collector and toolbox.
	collector := evidence.NewCollector(backends.logs, evidence.Config{
		ServiceLabel:    cfg.Loki.ServiceLabel,
		MaxServices:     cfg.Evidence.MaxServices,
		PerServiceLimit: cfg.Loki.MaxLinesPerService,
		MaxTotalLines:   cfg.Loki.MaxTotalLines,
		Retries:         cfg.Evidence.Retries,
	},
		evidence.WithCache(newEvidenceCache(cfg.Evidence)),
		evidence.WithLogger(logger),
		evidence.WithMetrics(app.Metrics),
	)
	tbCfg := toolbox.Config{
		Collector: collector,
		Logs:      backends.logs,
		Telemetry: app.Metrics,
		Retries:   cfg.Evidence.Retries,
		Logger:    logger,
	}
	if cfg.Evidence.CacheTTL > 0 {
		tbCfg.Cache = backend.NewTTLCache[string](cfg.Evidence.CacheTTL, cfg.Evidence.CacheMaxEntries)
	}
	if cfg.Redaction.Enabled {
		tbCfg.Redactor, err = redact.New(cfg.Redaction.Patterns...)
		if err != nil {
			_ = app.Close()
			return nil, vigilerr.Wrap(err, vigilerr.CodeCLISetupFailure, "building redactor")
		}
	}
	if backends.metrics != nil {
		tbCfg.Metrics = backends.metrics
	}
	if backends.traces != nil {
		tbCfg.Traces = backends.traces
	}
	app.Toolbox = toolbox.New(tbCfg)

	// 5. Run archive.
	app.Runs, err = openRunStore(cfg, dataDir)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	// 6. Tracing.
	app.stopTracing, err = tracing.Init(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "vigil",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
	})
	if err != nil {
		_ = app.Close()
		return nil, vigilerr.Errorf(vigilerr.CodeCLISetupFailure, "initializing tracing: %w", err)
	}

	// 7. Operations.
	temperature := cfg.Models.Temperature
	app.Ops, err = ops.New(ops.Config{
		Providers:    app.Providers,
		Toolbox:      app.Toolbox,
		Labels:       backends.logs,
		ServiceLabel: cfg.Loki.ServiceLabel,
		Memory:       app.Memory,
		Runs:         app.Runs,
		Agent: ops.AgentSettings{
			MaxIterations: cfg.Agent.MaxIterations,
			MaxTime:       cfg.Agent.MaxExecutionTime,
			ToolTimeout:   cfg.Agent.ToolTimeout,
			Temperature:   &temperature,
			MaxTokens:     cfg.Models.MaxTokens,
		},
		RequestTimeout: cfg.Agent.RequestTimeout,
		Location:       cfg.Location(),
		Ensemble:       cfg.Models.Ensemble,
		Policy: ensemble.Policy{
			Summary:  cfg.Ensemble.Weights.Summary,
			Findings: cfg.Ensemble.Weights.Findings,
			Actions:  cfg.Ensemble.Weights.Actions,
		},
		ProbeTimeout: cfg.Ensemble.ProbeTimeout,
		Metrics:      app.Metrics,
		Logger:       logger,
	})
	if err != nil {
		_ = app.Close()
		return nil, vigilerr.Wrapf(err, vigilerr.CodeCLISetupFailure, "creating operations service")
	}

	logger.Debug("wired vigil",
		"data_dir", dataDir,
		"providers", app.Providers.Names(),
		"default_model", app.Providers.DefaultRef(),
		"storage", cfg.Storage.Backend,
	)
	return app, nil
}

// NewServer builds the HTTP API over the app.
func (a *App) NewServer() (*server.Server, error) {
	cfg := a.Config.Server
	writeTimeout := cfg.WriteTimeout
	if floor := a.Ops.Timeout() + writeMargin; writeTimeout < floor {
		writeTimeout = floor
	}
	return server.New(server.Config{
		ListenAddr:   cfg.Listen,
		CORSOrigins:  cfg.CORSOrigins,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: writeTimeout,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Version: version,
	}, server.Services{
		Ops:       a.Ops,
		Runs:      a.Runs,
		Providers: a.Providers,
		Backends:  a.Backends,
		Metrics:   a.Metrics,
		Logger:    slog.Default(),
	})
}

// NewMCPServer builds the MCP server over the app.
func (a *App) NewMCPServer() (*mcpserver.Server, error) {
	return mcpserver.New(mcpserver.Config{
		Name:    "vigil",
		Version: version,
		Tools:   a.Toolbox.All(),
		Ops:     a.Ops,
		Runs:    a.Runs,
		Metrics: a.Metrics,
		Logger:  slog.Default(),
	})
}

// Close releases all resources held by the app.
func (a *App) Close() error {
	var errs []error
	if a.stopTracing != nil {
		if err := a.stopTracing(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	type closer interface{ Close() error }
	closers := []closer{a.Providers, a.Runs}
	if a.Memory != nil {
		closers = append(closers, a.Memory)
	}
	for _, c := range closers {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// providerFactory builds a provider.Provider from a ProviderConfig.
type providerFactory func(config.ProviderConfig) (provider.Provider, error)

// builtinProviderFactories maps provider names to their constructors.
// Declared as a variable so tests can inject scripted providers.
var builtinProviderFactories = map[string]providerFactory{
	"openai": func(pc config.ProviderConfig) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"anthropic": func(pc config.ProviderConfig) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"google": func(pc config.ProviderConfig) (provider.Provider, error) {
		return googleprov.New(googleprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"ark": func(pc config.ProviderConfig) (provider.Provider, error) {
		return arkprov.New(arkprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"ollama": func(pc config.ProviderConfig) (provider.Provider, error) {
		return ollamaprov.New(ollamaprov.Config{BaseURL: pc.Endpoint})
	},
}

// keylessProviders run without an API key.
var keylessProviders = map[string]bool{"ollama": true}

// registerBuiltinProviders iterates configured providers and registers
// matching built-in implementations. Unknown names, missing keys and keys
// still holding a keyring reference are logged and skipped.
func registerBuiltinProviders(cfg *config.Config, reg *provider.Registry) {
	for name, pc := range cfg.Providers {
		factory, ok := builtinProviderFactories[name]
		if !ok {
			slog.Warn("unknown provider in config, skipping", "provider", name)
			continue
		}
		if !keylessProviders[name] {
			if pc.APIKey == "" {
				slog.Warn("skipping provider with empty API key", "provider", name)
				continue
			}
			if secrets.IsRef(pc.APIKey) {
				slog.Warn("skipping provider with unresolved keyring reference", "provider", name, "ref", pc.APIKey)
				continue
			}
		}
		p, err := factory(pc)
		if err != nil {
			slog.Warn("failed to create provider", "provider", name, "error", err)
			continue
		}
		reg.Register(name, p)
		slog.Info("registered provider", "provider", name)
	}
}

type backendSet struct {
	logs    *loki.Client
	metrics *prometheus.Client
	traces  *jaeger.Client
}

func newBackends(cfg *config.Config) (backendSet, error) {
	var set backendSet
	var err error

	set.logs, err = loki.New(loki.Options{
		Options:  backendOptions(cfg.Loki.BackendConfig),
		TenantID: cfg.Loki.TenantID,
	})
	if err != nil {
		return set, vigilerr.Wrapf(err, vigilerr.CodeCLISetupFailure, "creating loki client")
	}

	if cfg.Prometheus.BaseURL != "" {
		set.metrics, err = prometheus.New(prometheus.Options{
			BaseURL:   cfg.Prometheus.BaseURL,
			Timeout:   cfg.Prometheus.Timeout,
			RateLimit: cfg.Prometheus.RateLimit,
		})
		if err != nil {
			return set, vigilerr.Wrapf(err, vigilerr.CodeCLISetupFailure, "creating prometheus client")
		}
	}

	if cfg.Jaeger.BaseURL != "" {
		set.traces, err = jaeger.New(backendOptions(cfg.Jaeger))
		if err != nil {
			return set, vigilerr.Wrapf(err, vigilerr.CodeCLISetupFailure, "creating jaeger client")
		}
	}
	return set, nil
}

// list reports the backends for status and doctor checks. A nil Pinger
// marks a backend that is not configured.
func (s backendSet) list() []server.Backend {
	out := []server.Backend{{Name: "loki", Pinger: s.logs}, {Name: "prometheus"}, {Name: "jaeger"}}
	if s.metrics != nil {
		out[1].Pinger = s.metrics
	}
	if s.traces != nil {
		out[2].Pinger = s.traces
	}
	return out
}

func backendOptions(bc config.BackendConfig) backend.Options {
	return backend.Options{BaseURL: bc.BaseURL, Timeout: bc.Timeout, RateLimit: bc.RateLimit}
}

func newEvidenceCache(ec config.EvidenceConfig) evidence.Cache {
	if ec.CacheTTL == 0 {
		return evidence.NopCache{}
	}
	return evidence.NewTTLCache(ec.CacheTTL, ec.CacheMaxEntries)
}

// openRunStore opens the configured run archive. "none" keeps runs in
// memory for the life of the process.
func openRunStore(cfg *config.Config, dataDir string) (store.RunStore, error) {
	if cfg.Storage.Backend == "none" {
		return store.NewMemoryRunStore(0), nil
	}
	path := cfg.Storage.Path
	if path == "" {
		path = dataDir
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, vigilerr.Errorf(vigilerr.CodeCLISetupFailure, "creating storage directory: %w", err)
	}
	rs, err := store.NewRunStore(store.StorageConfig{Backend: cfg.Storage.Backend, Path: path})
	if err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeCLISetupFailure, "opening run store")
	}
	return rs, nil
}
