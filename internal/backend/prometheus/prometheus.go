// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package prometheus runs read-only PromQL range queries through the
// client_golang HTTP API.
package prometheus

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"golang.org/x/time/rate"
)

// DefaultStep is the range query resolution when the caller passes zero.
const DefaultStep = 60 * time.Second

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	// RoundTripper overrides the transport, mainly for tests.
	RoundTripper http.RoundTripper
}

// Client wraps the Prometheus v1 API.
type Client struct {
	base    string
	api     v1.API
	limiter *rate.Limiter
}

// New returns a Prometheus client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, vigilerr.New(vigilerr.CodeBackendNotConfigured, "prometheus base url is not configured",
			vigilerr.FieldBackend("prometheus"))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := &http.Client{Timeout: timeout, Transport: opts.RoundTripper}

	client, err := api.NewClient(api.Config{Address: base, Client: hc})
	if err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeBackendRequestInvalid, "prometheus: creating client")
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, int(opts.RateLimit)))
	}

	return &Client{base: base, api: v1.NewAPI(client), limiter: limiter}, nil
}

// BaseURL returns the configured Prometheus address.
func (c *Client) BaseURL() string { return c.base }

// Point is one sample.
type Point struct {
	Time  time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Series is one labelled time series.
type Series struct {
	Metric map[string]string `json:"metric"`
	Values []Point           `json:"values"`
}

// RangeResult is the flattened response of a range query.
type RangeResult struct {
	ResultType string   `json:"result_type"`
	Series     []Series `json:"series"`
	Warnings   []string `json:"warnings,omitempty"`
}

// QueryRange evaluates expr over [start, end] at the given step.
func (c *Client) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) (RangeResult, error) {
	if strings.TrimSpace(expr) == "" {
		return RangeResult{}, vigilerr.New(vigilerr.CodeBackendRequestInvalid, "prometheus: promql must not be empty")
	}
	if !end.After(start) {
		return RangeResult{}, vigilerr.New(vigilerr.CodeEvidenceInvalidRange, "prometheus: end must be after start")
	}
	if step <= 0 {
		step = DefaultStep
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return RangeResult{}, vigilerr.Wrapf(err, vigilerr.CodeBackendPrometheusFailure, "prometheus rate limit wait")
		}
	}

	value, warnings, err := c.api.QueryRange(ctx, expr, v1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return RangeResult{}, vigilerr.Wrap(err, vigilerr.CodeBackendPrometheusFailure, "prometheus: query_range",
			vigilerr.FieldBackend("prometheus"))
	}

	out := RangeResult{ResultType: value.Type().String(), Warnings: warnings}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return RangeResult{}, vigilerr.Errorf(vigilerr.CodeBackendResponseInvalid,
			"prometheus: expected matrix result, got %s", value.Type())
	}

	for _, stream := range matrix {
		s := Series{
			Metric: convertMetric(stream.Metric),
			Values: make([]Point, 0, len(stream.Values)),
		}
		for _, sample := range stream.Values {
			s.Values = append(s.Values, Point{Time: sample.Timestamp.Time().UTC(), Value: float64(sample.Value)})
		}
		out.Series = append(out.Series, s)
	}

	sort.SliceStable(out.Series, func(i, j int) bool {
		return model.LabelsToSignature(out.Series[i].Metric) < model.LabelsToSignature(out.Series[j].Metric)
	})
	return out, nil
}

// Ping asks Prometheus for its build info.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Buildinfo(ctx); err != nil {
		return vigilerr.Wrap(err, vigilerr.CodeBackendPrometheusFailure, "prometheus: buildinfo",
			vigilerr.FieldBackend("prometheus"))
	}
	return nil
}

func convertMetric(m model.Metric) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[string(k)] = string(v)
	}
	return out
}
