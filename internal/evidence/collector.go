// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package evidence gathers deduplicated error log lines from Loki across a
// prioritized set of services.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/vigil/internal/backend"
	"github.com/sigil-dev/vigil/internal/backend/loki"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/tracing"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/cases"
)

// ErrorSignature is the default case-insensitive error filter applied to
// every selected service.
const ErrorSignature = `(?i)(error|exception|traceback|panic|fatal|timeout|` +
	`unauthorized|forbidden|denied|permission denied|` +
	`authentication failed|login failed|invalid password|` +
	`4\d\d|5\d\d|` +
	`connection refused|connection reset)`

// Limits on caller-supplied caps.
const (
	DefaultMaxServices = 50
	MaxServicesLimit   = 100
	DefaultLineLimit   = 200
	DefaultWindow      = 15 * time.Minute
	DefaultRetries     = backend.DefaultAttempts
)

// QueryRangePath is reported back so the model can cite where evidence came from.
const QueryRangePath = "/loki/api/v1/query_range"

// LogBackend is the subset of the Loki client the collector needs.
type LogBackend interface {
	QueryRange(ctx context.Context, q loki.RangeQuery) ([]loki.Entry, error)
	LabelValues(ctx context.Context, label string, start, end time.Time) ([]string, error)
}

// Query describes one collection. Zero caps select configured defaults;
// a zero window selects the last 15 minutes.
type Query struct {
	Start           time.Time
	End             time.Time
	ServicePatterns []string
	TextPatterns    []string
	MaxServices     int
	PerServiceLimit int
	MaxTotalLines   int
}

// APIRef names the backend endpoint evidence came from.
type APIRef struct {
	Path string `json:"path"`
}

// Result is the collected evidence.
type Result struct {
	Services      []string `json:"services"`
	EvidenceLines []string `json:"evidence_lines"`
	LokiAPI       APIRef   `json:"loki_api"`
	Degraded      []string `json:"degraded,omitempty"`
}

func (r Result) clone() Result {
	r.Services = append([]string(nil), r.Services...)
	r.EvidenceLines = append([]string(nil), r.EvidenceLines...)
	r.Degraded = append([]string(nil), r.Degraded...)
	return r
}

// Config bounds collection. Per-service and total line limits are ceilings
// callers cannot exceed.
type Config struct {
	ServiceLabel    string
	MaxServices     int
	PerServiceLimit int
	MaxTotalLines   int
	Retries         int
}

func (c Config) withDefaults() Config {
	if c.ServiceLabel == "" {
		c.ServiceLabel = "app"
	}
	if c.MaxServices <= 0 {
		c.MaxServices = DefaultMaxServices
	}
	c.MaxServices = min(c.MaxServices, MaxServicesLimit)
	if c.PerServiceLimit <= 0 {
		c.PerServiceLimit = DefaultLineLimit
	}
	if c.MaxTotalLines <= 0 {
		c.MaxTotalLines = DefaultLineLimit
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	return c
}

// Collector fans error queries out across services.
type Collector struct {
	backend LogBackend
	cfg     Config
	cache   Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithCache sets the result cache. The default is NopCache.
func WithCache(c Cache) Option {
	return func(col *Collector) {
		if c != nil {
			col.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(col *Collector) {
		if l != nil {
			col.logger = l
		}
	}
}

// WithMetrics records cache and backend outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(col *Collector) { col.metrics = m }
}

// WithClock replaces time.Now for window defaults.
func WithClock(now func() time.Time) Option {
	return func(col *Collector) {
		if now != nil {
			col.now = now
		}
	}
}

// NewCollector returns a Collector over logs.
func NewCollector(logs LogBackend, cfg Config, opts ...Option) *Collector {
	c := &Collector{
		backend: logs,
		cfg:     cfg.withDefaults(),
		cache:   NopCache{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServiceLabel returns the Loki label that identifies services.
func (c *Collector) ServiceLabel() string { return c.cfg.ServiceLabel }

// Selector returns the stream selector for one service.
func (c *Collector) Selector(service string) string {
	return "{" + c.cfg.ServiceLabel + "=" + strconv.Quote(service) + "}"
}

// ErrorQuery returns the error-signature LogQL query for one service.
func (c *Collector) ErrorQuery(service string) string {
	return c.Selector(service) + " |~ " + strconv.Quote(ErrorSignature)
}

// resolved is a Query after defaults and clamping.
type resolved struct {
	start, end      time.Time
	servicePatterns []string
	textPatterns    []string
	maxServices     int
	perService      int
	maxTotal        int
}

func (c *Collector) resolve(q Query) (resolved, error) {
	r := resolved{start: q.Start.UTC(), end: q.End.UTC()}
	if q.End.IsZero() {
		r.end = c.now().UTC()
	}
	if q.Start.IsZero() {
		r.start = r.end.Add(-DefaultWindow)
	}
	if !r.end.After(r.start) {
		return resolved{}, vigilerr.Errorf(vigilerr.CodeEvidenceInvalidRange,
			"end (%s) must be after start (%s)", r.end.Format(time.RFC3339), r.start.Format(time.RFC3339))
	}

	r.maxServices = clamp(q.MaxServices, c.cfg.MaxServices, MaxServicesLimit)
	r.perService = clamp(q.PerServiceLimit, c.cfg.PerServiceLimit, c.cfg.PerServiceLimit)
	r.maxTotal = clamp(q.MaxTotalLines, c.cfg.MaxTotalLines, c.cfg.MaxTotalLines)
	r.servicePatterns = nonEmpty(q.ServicePatterns)
	r.textPatterns = nonEmpty(q.TextPatterns)
	return r, nil
}

// Collect runs the collection described by q. Backend failures degrade the
// result and are reported in Result.Degraded; only an invalid window is an
// error.
func (c *Collector) Collect(ctx context.Context, q Query) (res Result, err error) {
	r, err := c.resolve(q)
	if err != nil {
		return Result{}, err
	}

	key := cacheKey(r)
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.RecordCacheLookup(true)
		c.logger.Info("evidence cache hit", "start", r.start, "end", r.end)
		return cached, nil
	}
	c.metrics.RecordCacheLookup(false)

	ctx, span := tracing.Start(ctx, "evidence.collect",
		attribute.String("evidence.start", r.start.Format(time.RFC3339)),
		attribute.String("evidence.end", r.end.Format(time.RFC3339)),
		attribute.Int("evidence.max_total_lines", r.maxTotal),
	)
	defer func() { tracing.End(span, err) }()

	t0 := time.Now()
	res = Result{LokiAPI: APIRef{Path: QueryRangePath}}

	var all []string
	err = c.retry(ctx, func(ctx context.Context) error {
		var lerr error
		all, lerr = c.backend.LabelValues(ctx, c.cfg.ServiceLabel, r.start, r.end)
		return lerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.logger.Warn("listing services failed after retries", "label", c.cfg.ServiceLabel, "attempts", c.cfg.Retries, "error", err)
		res.Degraded = append(res.Degraded, fmt.Sprintf("label_values %s failed after %d attempts: %v", c.cfg.ServiceLabel, c.cfg.Retries, err))
		all = nil
		err = nil
	}

	res.Services = prioritizeServices(all, r.servicePatterns, r.maxServices)

	seen := make(map[string]struct{})
	full := func() bool { return len(res.EvidenceLines) >= r.maxTotal }

	for _, svc := range res.Services {
		if full() {
			break
		}
		selector := c.Selector(svc)
		queries := make([]string, 0, 1+len(r.textPatterns))
		queries = append(queries, c.ErrorQuery(svc))
		for _, p := range r.textPatterns {
			queries = append(queries, selector+" |= "+strconv.Quote(p))
		}

		for _, logql := range queries {
			if full() {
				break
			}
			var entries []loki.Entry
			qerr := c.retry(ctx, func(ctx context.Context) error {
				var e error
				entries, e = c.backend.QueryRange(ctx, loki.RangeQuery{
					Query:     logql,
					Start:     r.start,
					End:       r.end,
					Limit:     r.perService,
					Direction: loki.Backward,
				})
				return e
			})
			if qerr != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				c.logger.Warn("evidence query failed after retries", "service", svc, "query", logql, "error", qerr)
				res.Degraded = append(res.Degraded, fmt.Sprintf("query for service %s failed: %v", svc, qerr))
				continue
			}

			if len(entries) > r.perService {
				entries = entries[:r.perService]
			}
			for _, e := range entries {
				line := e.String()
				if _, dup := seen[line]; dup {
					continue
				}
				seen[line] = struct{}{}
				res.EvidenceLines = append(res.EvidenceLines, line)
				if full() {
					break
				}
			}
		}
	}

	if len(res.EvidenceLines) == 0 {
		res.EvidenceLines = []string{fmt.Sprintf(
			"no matching log lines found in the requested window (searched %d services)", len(res.Services))}
	}

	span.SetAttributes(
		attribute.Int("evidence.services", len(res.Services)),
		attribute.Int("evidence.lines", len(res.EvidenceLines)),
	)
	c.logger.Info("evidence collected",
		"services", len(res.Services),
		"lines", len(res.EvidenceLines),
		"degraded", len(res.Degraded),
		"duration", time.Since(t0),
	)

	// A degraded result reflects a backend outage, not the window.
	if len(res.Degraded) == 0 {
		c.cache.Put(key, res)
	}
	return res.clone(), nil
}

// retry runs fn up to cfg.Retries times back to back, stopping early when
// ctx is done.
func (c *Collector) retry(ctx context.Context, fn func(context.Context) error) error {
	return backend.Retry(ctx, c.cfg.Retries, fn, func(attempt int, err error) {
		c.metrics.RecordBackendRequest("loki", err)
		if err != nil {
			c.logger.Debug("loki request failed", "attempt", attempt, "error", err)
		}
	})
}

// prioritizeServices moves services matching any pattern (case-insensitive
// substring) to the front, keeping relative order within both groups, then
// truncates to limit.
func prioritizeServices(all, patterns []string, limit int) []string {
	if len(all) == 0 {
		return []string{}
	}

	fold := cases.Fold()

	folded := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			folded = append(folded, fold.String(p))
		}
	}

	out := make([]string, 0, len(all))
	if len(folded) == 0 {
		out = append(out, all...)
	} else {
		var rest []string
		for _, svc := range all {
			name := fold.String(svc)
			matched := false
			for _, p := range folded {
				if strings.Contains(name, p) {
					matched = true
					break
				}
			}
			if matched {
				out = append(out, svc)
			} else {
				rest = append(rest, svc)
			}
		}
		out = append(out, rest...)
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cacheKey(r resolved) string {
	sp := append([]string(nil), r.servicePatterns...)
	tp := append([]string(nil), r.textPatterns...)
	sort.Strings(sp)
	sort.Strings(tp)

	return strings.Join([]string{
		r.start.Format(time.RFC3339Nano),
		r.end.Format(time.RFC3339Nano),
		strconv.Itoa(r.maxServices),
		strconv.Itoa(r.perService),
		strconv.Itoa(r.maxTotal),
		strings.Join(sp, "\x1f"),
		strings.Join(tp, "\x1f"),
	}, "\x1e")
}

func clamp(v, def, hi int) int {
	if v <= 0 {
		v = def
	}
	return max(1, min(v, hi))
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
