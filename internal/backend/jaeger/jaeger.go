// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package jaeger queries trace summaries from the Jaeger query HTTP API.
package jaeger

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/vigil/internal/backend"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	// DefaultLimit is the trace count when the caller passes zero.
	DefaultLimit = 10
	// MaxLimit caps a single query.
	MaxLimit = 100
)

// Client talks to one Jaeger query service.
type Client struct {
	http *backend.HTTPClient
}

// New returns a Jaeger client.
func New(opts backend.Options) (*Client, error) {
	hc, err := backend.NewHTTPClient("jaeger", vigilerr.CodeBackendJaegerFailure, opts)
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

// BaseURL returns the configured Jaeger address.
func (c *Client) BaseURL() string { return c.http.BaseURL() }

// TraceSummary condenses one trace for the model.
type TraceSummary struct {
	TraceID        string   `json:"trace_id"`
	Operation      string   `json:"operation"`
	DurationMicros int64    `json:"duration_us"`
	HasError       bool     `json:"has_error"`
	SpanCount      int      `json:"span_count"`
	Services       []string `json:"services"`
}

type tag struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type span struct {
	SpanID        string `json:"spanID"`
	OperationName string `json:"operationName"`
	StartTime     int64  `json:"startTime"`
	Duration      int64  `json:"duration"`
	ProcessID     string `json:"processID"`
	Tags          []tag  `json:"tags"`
	References    []struct {
		RefType string `json:"refType"`
	} `json:"references"`
}

type process struct {
	ServiceName string `json:"serviceName"`
}

type tracesResponse struct {
	Data []struct {
		TraceID   string             `json:"traceID"`
		Spans     []span             `json:"spans"`
		Processes map[string]process `json:"processes"`
	} `json:"data"`
}

// Query returns up to limit trace summaries for service in [start, end].
func (c *Client) Query(ctx context.Context, service string, start, end time.Time, limit int) ([]TraceSummary, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, vigilerr.New(vigilerr.CodeBackendRequestInvalid, "jaeger: service must not be empty")
	}
	if !end.After(start) {
		return nil, vigilerr.New(vigilerr.CodeEvidenceInvalidRange, "jaeger: end must be after start")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	params := url.Values{
		"service": {service},
		"start":   {strconv.FormatInt(start.UnixMicro(), 10)},
		"end":     {strconv.FormatInt(end.UnixMicro(), 10)},
		"limit":   {strconv.Itoa(limit)},
	}

	var resp tracesResponse
	if err := c.http.GetJSON(ctx, "/api/traces", params, &resp); err != nil {
		return nil, err
	}

	out := make([]TraceSummary, 0, len(resp.Data))
	for _, tr := range resp.Data {
		sum := TraceSummary{TraceID: tr.TraceID, SpanCount: len(tr.Spans)}

		services := map[string]struct{}{}
		var first, last int64
		for i, sp := range tr.Spans {
			if p, ok := tr.Processes[sp.ProcessID]; ok && p.ServiceName != "" {
				services[p.ServiceName] = struct{}{}
			}
			if spanHasError(sp) {
				sum.HasError = true
			}
			if i == 0 || sp.StartTime < first {
				first = sp.StartTime
			}
			if endAt := sp.StartTime + sp.Duration; endAt > last {
				last = endAt
			}
		}
		if len(tr.Spans) > 0 {
			root := rootSpan(tr.Spans)
			sum.Operation = root.OperationName
			sum.DurationMicros = last - first
		}

		sum.Services = make([]string, 0, len(services))
		for s := range services {
			sum.Services = append(sum.Services, s)
		}
		sort.Strings(sum.Services)
		out = append(out, sum)
	}
	return out, nil
}

// Ping lists services, the lightest query the API offers.
func (c *Client) Ping(ctx context.Context) error {
	return c.http.GetJSON(ctx, "/api/services", nil, nil)
}

func rootSpan(spans []span) span {
	for _, sp := range spans {
		if len(sp.References) == 0 {
			return sp
		}
	}
	return spans[0]
}

func spanHasError(sp span) bool {
	for _, t := range sp.Tags {
		if t.Key != "error" && t.Key != "otel.status_code" {
			continue
		}
		switch strings.ToLower(fmt.Sprint(t.Value)) {
		case "true", "error":
			return true
		}
	}
	return false
}
