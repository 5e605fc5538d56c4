// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package config

import (
	"errors"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (VIGIL_LOKI_BASE_URL, ...).
const EnvPrefix = "VIGIL"

// Config is the top-level Vigil configuration.
type Config struct {
	DataDir    string                    `mapstructure:"data_dir"`
	Verbose    bool                      `mapstructure:"verbose"`
	Server     ServerConfig              `mapstructure:"server"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Models     ModelsConfig              `mapstructure:"models"`
	Agent      AgentConfig               `mapstructure:"agent"`
	Memory     MemoryConfig              `mapstructure:"memory"`
	Loki       LokiConfig                `mapstructure:"loki"`
	Prometheus BackendConfig             `mapstructure:"prometheus"`
	Jaeger     BackendConfig             `mapstructure:"jaeger"`
	Evidence   EvidenceConfig            `mapstructure:"evidence"`
	Ensemble   EnsembleConfig            `mapstructure:"ensemble"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Redaction  RedactionConfig           `mapstructure:"redaction"`
	Tracing    TracingConfig             `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen       string          `mapstructure:"listen"`
	CORSOrigins  []string        `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `mapstructure:"write_timeout"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig sets the per-IP request budget. Zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProviderConfig holds credentials and endpoint for an LLM provider.
// APIKey may be a keyring://service/key reference.
type ProviderConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// ModelsConfig controls model selection.
type ModelsConfig struct {
	Default     string   `mapstructure:"default"`
	Failover    []string `mapstructure:"failover"`
	Ensemble    []string `mapstructure:"ensemble"`
	Temperature float32  `mapstructure:"temperature"`
	MaxTokens   int      `mapstructure:"max_tokens"`
}

// AgentConfig bounds every tool-invocation loop run.
type AgentConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations"`
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UTCOffsetHours   int           `mapstructure:"utc_offset_hours"`
}

// MemoryConfig controls the session memory store.
type MemoryConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// BackendConfig is the common shape of an HTTP observability backend.
type BackendConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

// LokiConfig extends BackendConfig with tenant and collection limits.
type LokiConfig struct {
	BackendConfig      `mapstructure:",squash"`
	TenantID           string `mapstructure:"tenant_id"`
	ServiceLabel       string `mapstructure:"service_label"`
	MaxLinesPerService int    `mapstructure:"max_lines_per_service"`
	MaxTotalLines      int    `mapstructure:"max_total_lines"`
}

// EvidenceConfig controls the evidence collector and its cache.
type EvidenceConfig struct {
	MaxServices     int           `mapstructure:"max_services"`
	Retries         int           `mapstructure:"retries"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries int           `mapstructure:"cache_max_entries"`
}

// EnsembleConfig controls multi-backend consensus.
type EnsembleConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Weights      WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig is the similarity policy of the ensemble selector.
type WeightsConfig struct {
	Summary  float64 `mapstructure:"summary"`
	Findings float64 `mapstructure:"findings"`
	Actions  float64 `mapstructure:"actions"`
}

// StorageConfig selects the run archive backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// RedactionConfig controls credential masking in tool observations.
// Patterns are extra regular expressions on top of the built-in rules.
type RedactionConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Patterns []string `mapstructure:"patterns"`
}

// TracingConfig toggles OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Environment string `mapstructure:"environment"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.rate_limit.requests_per_second", 2.0)
	v.SetDefault("server.rate_limit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("models.default", "openai/gpt-4.1")
	v.SetDefault("models.temperature", 0.1)
	v.SetDefault("models.max_tokens", 4096)

	v.SetDefault("agent.max_iterations", 50)
	v.SetDefault("agent.max_execution_time", "600s")
	v.SetDefault("agent.tool_timeout", "60s")
	v.SetDefault("agent.request_timeout", "600s")
	v.SetDefault("agent.utc_offset_hours", 0)

	v.SetDefault("memory.ttl", "1h")

	v.SetDefault("loki.base_url", "http://localhost:3100")
	v.SetDefault("loki.timeout", "30s")
	v.SetDefault("loki.rate_limit", 20.0)
	v.SetDefault("loki.service_label", "app")
	v.SetDefault("loki.max_lines_per_service", 200)
	v.SetDefault("loki.max_total_lines", 200)

	v.SetDefault("prometheus.base_url", "http://localhost:9090")
	v.SetDefault("prometheus.timeout", "30s")
	v.SetDefault("prometheus.rate_limit", 20.0)

	v.SetDefault("jaeger.base_url", "")
	v.SetDefault("jaeger.timeout", "30s")
	v.SetDefault("jaeger.rate_limit", 10.0)

	v.SetDefault("evidence.max_services", 50)
	v.SetDefault("evidence.retries", 3)
	v.SetDefault("evidence.cache_ttl", "5m")
	v.SetDefault("evidence.cache_max_entries", 256)

	v.SetDefault("ensemble.probe_timeout", "3s")
	v.SetDefault("ensemble.weights.summary", 0.6)
	v.SetDefault("ensemble.weights.findings", 0.25)
	v.SetDefault("ensemble.weights.actions", 0.15)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "")

	v.SetDefault("redaction.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.environment", "development")
}

// SetupEnv binds VIGIL_* environment variables onto v.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults only when path
// is empty) with VIGIL_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, vigilerr.Errorf(vigilerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, vigilerr.Errorf(vigilerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, vigilerr.Errorf(vigilerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Location returns the fixed zone that prompts render timestamps in.
func (c *Config) Location() *time.Location {
	if c.Agent.UTCOffsetHours == 0 {
		return time.UTC
	}
	name := "UTC" + strconv.FormatInt(int64(c.Agent.UTCOffsetHours), 10)
	if c.Agent.UTCOffsetHours > 0 {
		name = "UTC+" + strconv.Itoa(c.Agent.UTCOffsetHours)
	}
	return time.FixedZone(name, c.Agent.UTCOffsetHours*3600)
}

// Validate checks the configuration for logical errors. It collects every
// problem rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateBackends()...)
	errs = append(errs, c.validateEnsemble()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateRedaction()...)

	return errs
}

func invalid(format string, args ...any) error {
	return vigilerr.Errorf(vigilerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		return append(errs, invalid("server.listen must not be empty"))
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, invalid("server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err))
	} else if port, err := strconv.Atoi(portStr); err != nil || port < 0 || port > 65535 {
		// Port 0 binds an ephemeral port.
		errs = append(errs, invalid("server.listen port must be between 0 and 65535, got %q", portStr))
	}

	if c.Server.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, invalid("server.rate_limit.requests_per_second must not be negative, got %g", c.Server.RateLimit.RequestsPerSecond))
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		errs = append(errs, invalid("server.rate_limit.burst must be positive when a rate is set, got %d", c.Server.RateLimit.Burst))
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, invalid("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, invalid("logging.format must be one of [text, json], got %q", c.Logging.Format))
	}

	return errs
}

func (c *Config) validateModels() []error {
	var errs []error

	check := func(field, ref string) {
		if !strings.Contains(ref, "/") {
			errs = append(errs, invalid("%s must be in \"provider/model\" format, got %q", field, ref))
			return
		}
		// A nil providers map means no providers section was configured,
		// which is valid on a fresh install.
		if c.Providers == nil {
			return
		}
		name := ProviderFromModel(ref)
		if _, ok := c.Providers[name]; !ok {
			errs = append(errs, invalid("%s %q references provider %q which is not configured", field, ref, name))
		}
	}

	if c.Models.Default == "" {
		errs = append(errs, invalid("models.default must not be empty"))
	} else {
		check("models.default", c.Models.Default)
	}

	for i, ref := range c.Models.Failover {
		check("models.failover["+strconv.Itoa(i)+"]", ref)
	}
	for i, ref := range c.Models.Ensemble {
		check("models.ensemble["+strconv.Itoa(i)+"]", ref)
	}

	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		errs = append(errs, invalid("models.temperature must be between 0 and 2, got %g", c.Models.Temperature))
	}
	if c.Models.MaxTokens <= 0 {
		errs = append(errs, invalid("models.max_tokens must be greater than 0, got %d", c.Models.MaxTokens))
	}

	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error

	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, invalid("agent.max_iterations must be greater than 0, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxExecutionTime <= 0 {
		errs = append(errs, invalid("agent.max_execution_time must be positive, got %s", c.Agent.MaxExecutionTime))
	}
	if c.Agent.ToolTimeout <= 0 {
		errs = append(errs, invalid("agent.tool_timeout must be positive, got %s", c.Agent.ToolTimeout))
	}
	if c.Agent.RequestTimeout <= 0 {
		errs = append(errs, invalid("agent.request_timeout must be positive, got %s", c.Agent.RequestTimeout))
	}
	if c.Agent.UTCOffsetHours < -12 || c.Agent.UTCOffsetHours > 14 {
		errs = append(errs, invalid("agent.utc_offset_hours must be between -12 and 14, got %d", c.Agent.UTCOffsetHours))
	}
	if c.Memory.TTL <= 0 {
		errs = append(errs, invalid("memory.ttl must be positive, got %s", c.Memory.TTL))
	}

	return errs
}

func (c *Config) validateBackends() []error {
	var errs []error

	checkURL := func(field, raw string, required bool) {
		if raw == "" {
			if required {
				errs = append(errs, invalid("%s must not be empty", field))
			}
			return
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, invalid("%s must be an absolute URL, got %q", field, raw))
		}
	}

	checkURL("loki.base_url", c.Loki.BaseURL, true)
	checkURL("prometheus.base_url", c.Prometheus.BaseURL, false)
	checkURL("jaeger.base_url", c.Jaeger.BaseURL, false)

	if c.Loki.ServiceLabel == "" {
		errs = append(errs, invalid("loki.service_label must not be empty"))
	}
	if c.Loki.MaxLinesPerService <= 0 {
		errs = append(errs, invalid("loki.max_lines_per_service must be greater than 0, got %d", c.Loki.MaxLinesPerService))
	}
	if c.Loki.MaxTotalLines <= 0 {
		errs = append(errs, invalid("loki.max_total_lines must be greater than 0, got %d", c.Loki.MaxTotalLines))
	}
	if c.Evidence.MaxServices < 1 || c.Evidence.MaxServices > 100 {
		errs = append(errs, invalid("evidence.max_services must be between 1 and 100, got %d", c.Evidence.MaxServices))
	}
	if c.Evidence.Retries < 1 {
		errs = append(errs, invalid("evidence.retries must be at least 1, got %d", c.Evidence.Retries))
	}
	if c.Evidence.CacheTTL < 0 {
		errs = append(errs, invalid("evidence.cache_ttl must not be negative, got %s", c.Evidence.CacheTTL))
	}

	return errs
}

func (c *Config) validateEnsemble() []error {
	var errs []error

	w := c.Ensemble.Weights
	if w.Summary < 0 || w.Findings < 0 || w.Actions < 0 {
		errs = append(errs, invalid("ensemble.weights must not be negative, got %+v", w))
	} else if w.Summary+w.Findings+w.Actions == 0 {
		errs = append(errs, invalid("ensemble.weights must not all be zero"))
	}
	if c.Ensemble.ProbeTimeout <= 0 {
		errs = append(errs, invalid("ensemble.probe_timeout must be positive, got %s", c.Ensemble.ProbeTimeout))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	switch c.Storage.Backend {
	case "sqlite", "none":
		return nil
	default:
		return []error{invalid("storage.backend must be one of [sqlite, none], got %q", c.Storage.Backend)}
	}
}

func (c *Config) validateRedaction() []error {
	var errs []error

	for i, expr := range c.Redaction.Patterns {
		if expr == "" {
			errs = append(errs, invalid("redaction.patterns[%d] must not be empty", i))
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, invalid("redaction.patterns[%d] is not a valid regular expression: %w", i, err))
		}
	}

	return errs
}

// ProviderFromModel extracts the provider prefix from a "provider/model" string.
func ProviderFromModel(model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return model[:idx]
	}
	return model
}
