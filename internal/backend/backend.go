// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package backend holds the HTTP plumbing shared by the read-only
// observability clients (Loki, Jaeger).
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a failed response body is kept in errors.
const maxErrorBody = 512

// Options configures an HTTP backend client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Headers   map[string]string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// HTTPClient issues rate-limited GET requests against one base URL and
// decodes JSON responses. Failures are tagged with the caller's error code.
type HTTPClient struct {
	name    string
	code    vigilerr.Code
	base    string
	headers map[string]string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient returns a client for the backend called name. code tags
// transport and status failures.
func NewHTTPClient(name string, code vigilerr.Code, opts Options) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, vigilerr.New(vigilerr.CodeBackendNotConfigured, name+" base url is not configured", vigilerr.FieldBackend(name))
	}
	if _, err := url.Parse(base); err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeBackendRequestInvalid, "%s base url", name)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &HTTPClient{
		name:    name,
		code:    code,
		base:    base,
		headers: opts.Headers,
		http:    hc,
		limiter: limiter,
	}, nil
}

// BaseURL returns the normalized base URL.
func (c *HTTPClient) BaseURL() string { return c.base }

// GetJSON issues GET base+path?query and decodes the JSON body into out.
// out may be nil when only the status matters.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return vigilerr.Wrapf(err, c.code, "%s rate limit wait", c.name)
		}
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return vigilerr.Wrapf(err, vigilerr.CodeBackendRequestInvalid, "%s: building request", c.name)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return vigilerr.Wrap(err, c.code, fmt.Sprintf("%s: GET %s", c.name, path), vigilerr.FieldBackend(c.name))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return vigilerr.New(c.code,
			fmt.Sprintf("%s: GET %s: HTTP %d: %s", c.name, path, resp.StatusCode, strings.TrimSpace(string(body))),
			vigilerr.FieldBackend(c.name),
			vigilerr.Field("status", resp.StatusCode),
		)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return vigilerr.Wrapf(err, vigilerr.CodeBackendResponseInvalid, "%s: decoding %s response", c.name, path)
	}
	return nil
}
