// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package ensemble runs one task against several model backends and picks the
// result the others agree with most.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/tracing"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// DefaultProbeTimeout bounds one availability probe.
const DefaultProbeTimeout = 3 * time.Second

// ProbeFunc reports whether backend can take a run right now.
type ProbeFunc func(ctx context.Context, backend string) bool

// RunFunc runs the task against one backend.
type RunFunc[T Candidate] func(ctx context.Context, backend string) (T, error)

// Config holds the selector's collaborators.
type Config struct {
	// Default is the backend used when every candidate fails.
	Default      string
	Probe        ProbeFunc
	ProbeTimeout time.Duration
	Policy       Policy
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Selector reconciles results from several backends.
type Selector[T Candidate] struct {
	cfg    Config
	logger *slog.Logger
}

func NewSelector[T Candidate](cfg Config) *Selector[T] {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	cfg.Policy = cfg.Policy.orDefault()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector[T]{cfg: cfg, logger: logger}
}

// Outcome is one backend's run.
type Outcome[T Candidate] struct {
	Backend string
	Result  T
	Err     error
}

// Selection is the chosen result. Scores holds every successful backend's
// average similarity to the others and is empty unless two or more succeeded.
type Selection[T Candidate] struct {
	Backend  string
	Result   T
	Scores   map[string]float64
	Outcomes []Outcome[T]
	Fallback bool
}

// Select probes backends, runs the task on the available ones concurrently
// and returns the consensus result. When none succeed it runs once more on
// the default backend and returns that result or its error.
func (s *Selector[T]) Select(ctx context.Context, backends []string, run RunFunc[T]) (sel Selection[T], err error) {
	backends = unique(backends)
	if len(backends) == 0 {
		return sel, vigilerr.New(vigilerr.CodeEnsembleNoBackends, "ensemble needs at least one backend")
	}

	ctx, span := tracing.Start(ctx, "ensemble.select", attribute.Int("ensemble.backends", len(backends)))
	defer func() { tracing.End(span, err) }()

	targets := s.probe(ctx, backends)
	if len(targets) == 0 {
		s.logger.WarnContext(ctx, "no backend reported available, trying all", "backends", backends)
		targets = backends
	}

	sel.Outcomes = fanOut(ctx, targets, run)

	var ok []Outcome[T]
	for _, o := range sel.Outcomes {
		if o.Err != nil {
			s.logger.WarnContext(ctx, "ensemble run failed", "backend", o.Backend, "error", o.Err)
			continue
		}
		ok = append(ok, o)
	}

	switch len(ok) {
	case 0:
		return s.fallback(ctx, sel, run)
	case 1:
		sel.Backend, sel.Result = ok[0].Backend, ok[0].Result
		s.logger.InfoContext(ctx, "ensemble selected only successful backend", "backend", sel.Backend)
	default:
		sel.Scores = s.score(ok)
		best := 0
		for i, o := range ok {
			if sel.Scores[o.Backend] > sel.Scores[ok[best].Backend] {
				best = i
			}
		}
		sel.Backend, sel.Result = ok[best].Backend, ok[best].Result
		s.logger.InfoContext(ctx, "ensemble selected backend",
			"backend", sel.Backend,
			"score", fmt.Sprintf("%.3f", sel.Scores[sel.Backend]),
			"scored", len(ok),
		)
	}
	span.SetAttributes(attribute.String("ensemble.selected", sel.Backend))
	s.cfg.Metrics.RecordEnsembleSelection(sel.Backend)
	return sel, nil
}

func (s *Selector[T]) fallback(ctx context.Context, sel Selection[T], run RunFunc[T]) (Selection[T], error) {
	s.logger.ErrorContext(ctx, "all ensemble backends failed, running default", "default", s.cfg.Default)
	if s.cfg.Default == "" {
		return sel, vigilerr.New(vigilerr.CodeEnsembleAllFailed, "all ensemble backends failed and no default is configured")
	}

	out := runOne(ctx, s.cfg.Default, run)
	sel.Outcomes = append(sel.Outcomes, out)
	if out.Err != nil {
		s.logger.ErrorContext(ctx, "ensemble default backend failed", "backend", s.cfg.Default, "error", out.Err)
		return sel, vigilerr.Wrapf(out.Err, vigilerr.CodeEnsembleAllFailed, "ensemble default %s", s.cfg.Default)
	}
	sel.Backend, sel.Result, sel.Fallback = out.Backend, out.Result, true
	s.cfg.Metrics.RecordEnsembleSelection(sel.Backend)
	return sel, nil
}

// probe checks every backend in parallel and keeps the available ones in
// their original order.
func (s *Selector[T]) probe(ctx context.Context, backends []string) []string {
	if s.cfg.Probe == nil {
		return backends
	}
	up := make([]bool, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
			defer cancel()
			up[i] = s.cfg.Probe(pctx, b)
		}()
	}
	wg.Wait()

	var out []string
	for i, b := range backends {
		if up[i] {
			out = append(out, b)
		}
	}
	return out
}

// score averages each backend's similarity against every other one.
func (s *Selector[T]) score(ok []Outcome[T]) map[string]float64 {
	profiles := make([]Profile, len(ok))
	for i, o := range ok {
		profiles[i] = o.Result.Profile()
	}
	scores := make(map[string]float64, len(ok))
	for i, o := range ok {
		var total float64
		for j := range ok {
			if i != j {
				total += s.cfg.Policy.Similarity(profiles[i], profiles[j])
			}
		}
		scores[o.Backend] = total / float64(len(ok)-1)
	}
	return scores
}

// fanOut runs every backend concurrently and waits for all of them.
func fanOut[T Candidate](ctx context.Context, backends []string, run RunFunc[T]) []Outcome[T] {
	out := make([]Outcome[T], len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = runOne(ctx, b, run)
		}()
	}
	wg.Wait()
	return out
}

func runOne[T Candidate](ctx context.Context, backend string, run RunFunc[T]) (out Outcome[T]) {
	out.Backend = backend
	defer func() {
		if r := recover(); r != nil {
			out.Err = vigilerr.Errorf(vigilerr.CodeAgentLoopFailure, "backend %s panicked: %v", backend, r)
		}
	}()
	out.Result, out.Err = run(ctx, backend)
	return out
}

func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, b := range in {
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
