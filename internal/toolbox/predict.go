// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package toolbox

import (
	"context"
	"strconv"
	"time"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/backend/loki"
	"github.com/sigil-dev/vigil/internal/evidence"
	"github.com/sigil-dev/vigil/internal/risk"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	DefaultLookbackHours = 24
	MaxLookbackHours     = 720
	featureLineLimit     = 5000
	featureLogSamples    = 120
)

// Features are the error counts and log samples risk prediction works from.
type Features struct {
	ServiceName   string          `json:"service_name"`
	LookbackHours int             `json:"lookback_hours"`
	Counts        []float64       `json:"counts"`
	Logs          []string        `json:"logs"`
	LogQL         string          `json:"logql"`
	LokiAPI       evidence.APIRef `json:"loki_api"`
	Degraded      string          `json:"degraded,omitempty"`
}

// PredictCollectFeatures returns predict_collect_features.
func (b *Toolbox) PredictCollectFeatures() agent.Tool {
	return agent.Tool{
		Name: PredictFeaturesName,
		Description: "Collect error counts in 5-minute buckets and recent error log samples for one service over a " +
			"lookback window, as input for failure-risk prediction. Read-only.",
		InputSchema: schema([]string{"service_name"}, map[string]any{
			"service_name":   str("service to analyze"),
			"lookback_hours": integer("hours to look back, 1-720, default 24"),
		}),
		Invoke: func(ctx context.Context, input string) (string, error) {
			var in featuresInput
			if !decodeInput(input, &in) {
				in.ServiceName = input
			}
			if firstNonEmpty(in.ServiceName) == "" {
				return "", failure("invalid_service", vigilerr.New(vigilerr.CodeBackendRequestInvalid, "service_name must not be empty"), nil)
			}
			f, err := b.CollectFeatures(ctx, in.ServiceName, int(in.LookbackHours))
			if err != nil {
				return "", err
			}
			return encode(f), nil
		},
	}
}

type featuresInput struct {
	ServiceName   string  `json:"service_name"`
	LookbackHours flexInt `json:"lookback_hours"`
}

// ClampLookback applies the default and the 1-720 hour bounds.
func ClampLookback(hours int) int {
	if hours <= 0 {
		hours = DefaultLookbackHours
	}
	return min(max(hours, 1), MaxLookbackHours)
}

// CollectFeatures queries the service's error lines over the lookback window.
// A Loki failure yields empty counts and logs rather than an error, so
// prediction can still fall back to a default score. Only cancellation of ctx
// is returned.
func (b *Toolbox) CollectFeatures(ctx context.Context, service string, lookbackHours int) (Features, error) {
	service = firstNonEmpty(service)
	hours := ClampLookback(lookbackHours)
	lookback := time.Duration(hours) * time.Hour
	end := b.now().UTC()
	start := end.Add(-lookback)

	f := Features{
		ServiceName:   service,
		LookbackHours: hours,
		Counts:        []float64{},
		Logs:          []string{},
		LogQL:         b.errorQuery(service),
		LokiAPI:       evidence.APIRef{Path: evidence.QueryRangePath},
	}
	if b.logs == nil {
		f.Degraded = "loki is not configured"
		return f, nil
	}

	entries, err := b.logs.QueryRange(ctx, loki.RangeQuery{
		Query:     f.LogQL,
		Start:     start,
		End:       end,
		Limit:     featureLineLimit,
		Direction: loki.Backward,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Features{}, ctx.Err()
		}
		b.logger.WarnContext(ctx, "feature collection failed", "service", service, "error", err)
		f.Degraded = err.Error()
		return f, nil
	}

	stamps := make([]time.Time, len(entries))
	for i, e := range entries {
		stamps[i] = e.Timestamp
	}
	f.Counts = risk.Bucketize(stamps, start, lookback)
	for _, e := range entries[:min(len(entries), featureLogSamples)] {
		f.Logs = append(f.Logs, b.mask(ctx, PredictFeaturesName, e.String()))
	}
	return f, nil
}

func (b *Toolbox) errorQuery(service string) string {
	if b.collector != nil {
		return b.collector.ErrorQuery(service)
	}
	return "{app=" + strconv.Quote(service) + "} |~ " + strconv.Quote(evidence.ErrorSignature)
}
