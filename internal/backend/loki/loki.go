// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package loki is a read-only client for the Loki HTTP API.
package loki

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/vigil/internal/backend"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Direction orders range query results.
type Direction string

const (
	Backward Direction = "backward"
	Forward  Direction = "forward"
)

// DefaultLimit is used when a range query does not set one.
const DefaultLimit = 200

// Options configures a Client.
type Options struct {
	backend.Options
	// TenantID is sent as X-Scope-OrgID when set.
	TenantID string
}

// Client talks to one Loki instance.
type Client struct {
	http *backend.HTTPClient
}

// New returns a Loki client.
func New(opts Options) (*Client, error) {
	if opts.TenantID != "" {
		headers := make(map[string]string, len(opts.Headers)+1)
		for k, v := range opts.Headers {
			headers[k] = v
		}
		headers["X-Scope-OrgID"] = opts.TenantID
		opts.Headers = headers
	}

	hc, err := backend.NewHTTPClient("loki", vigilerr.CodeBackendLokiFailure, opts.Options)
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

// BaseURL returns the configured Loki address.
func (c *Client) BaseURL() string { return c.http.BaseURL() }

// RangeQuery is a LogQL query over a time window.
type RangeQuery struct {
	Query     string
	Start     time.Time
	End       time.Time
	Limit     int
	Direction Direction
}

// Entry is one log line with the labels of the stream it belongs to.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels"`
	Line      string            `json:"line"`
}

// String renders the entry as "<ts> [k=v,...] <line>" with labels sorted by
// key. Identical log lines from the same stream render identically.
func (e Entry) String() string {
	keys := make([]string, 0, len(e.Labels))
	for k := range e.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + e.Labels[k]
	}

	var b strings.Builder
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(strings.Join(pairs, ","))
	b.WriteString("] ")
	b.WriteString(e.Line)
	return b.String()
}

type queryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// QueryRange runs a log range query and returns the entries in the order
// Loki returned them. Metric queries are rejected.
func (c *Client) QueryRange(ctx context.Context, q RangeQuery) ([]Entry, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, vigilerr.New(vigilerr.CodeBackendRequestInvalid, "loki: query must not be empty")
	}
	if !q.End.After(q.Start) {
		return nil, vigilerr.New(vigilerr.CodeEvidenceInvalidRange, "loki: end must be after start")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	dir := q.Direction
	if dir == "" {
		dir = Backward
	}

	params := url.Values{
		"query":     {q.Query},
		"start":     {strconv.FormatInt(q.Start.UnixNano(), 10)},
		"end":       {strconv.FormatInt(q.End.UnixNano(), 10)},
		"limit":     {strconv.Itoa(limit)},
		"direction": {string(dir)},
	}

	var resp queryRangeResponse
	if err := c.http.GetJSON(ctx, "/loki/api/v1/query_range", params, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ResultType != "" && resp.Data.ResultType != "streams" {
		return nil, vigilerr.Errorf(vigilerr.CodeBackendResponseInvalid,
			"loki: expected streams result, got %q", resp.Data.ResultType)
	}

	var entries []Entry
	for _, stream := range resp.Data.Result {
		for _, v := range stream.Values {
			ns, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				return nil, vigilerr.Wrapf(err, vigilerr.CodeBackendResponseInvalid, "loki: timestamp %q", v[0])
			}
			entries = append(entries, Entry{
				Timestamp: time.Unix(0, ns).UTC(),
				Labels:    stream.Stream,
				Line:      v[1],
			})
		}
	}
	return entries, nil
}

type labelValuesResponse struct {
	Status string   `json:"status"`
	Data   []string `json:"data"`
}

// LabelValues lists the values of label. A zero start or end leaves that
// bound to Loki's default lookback.
func (c *Client) LabelValues(ctx context.Context, label string, start, end time.Time) ([]string, error) {
	if label == "" {
		return nil, vigilerr.New(vigilerr.CodeBackendRequestInvalid, "loki: label must not be empty")
	}

	params := url.Values{}
	if !start.IsZero() {
		params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	}
	if !end.IsZero() {
		params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	}

	var resp labelValuesResponse
	if err := c.http.GetJSON(ctx, "/loki/api/v1/label/"+url.PathEscape(label)+"/values", params, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Ping checks the Loki readiness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.http.GetJSON(ctx, "/ready", nil, nil)
}
