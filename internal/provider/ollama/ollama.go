// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package ollama talks to a local Ollama daemon. Chat goes through its
// OpenAI-compatible /v1 endpoint; liveness and the model list come from the
// native /api/tags route.
package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/provider/openai"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	DefaultBaseURL = "http://localhost:11434"

	probeTimeout = 3 * time.Second
	// Ollama ignores the key, but the client insists on one.
	placeholderKey = "ollama"
)

type Config struct {
	BaseURL string
	// HTTPClient is used for probes; defaults to one with a short timeout.
	HTTPClient *http.Client
}

type Provider struct {
	*openai.Provider
	base string
	http *http.Client
}

func New(cfg Config) (*Provider, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	chat, err := openai.New(openai.Config{
		Name:    "ollama",
		APIKey:  placeholderKey,
		BaseURL: base + "/v1/",
		Models:  []provider.ModelInfo{{ID: "llama3.1", Name: "Llama 3.1"}},
	})
	if err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeProviderRequestInvalid, "ollama: creating client")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: probeTimeout}
	}
	return &Provider{Provider: chat, base: base, http: hc}, nil
}

// Available reports whether the daemon answers GET /api/tags with a status
// below 500.
func (p *Provider) Available(ctx context.Context) bool {
	resp, err := p.get(ctx)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the models pulled into the local daemon.
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	resp, err := p.get(ctx)
	if err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeProviderUpstreamFailure, "ollama: listing models")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, vigilerr.Errorf(vigilerr.CodeProviderUpstreamFailure, "ollama: GET /api/tags: HTTP %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeProviderResponseInvalid, "ollama: decoding /api/tags")
	}

	models := make([]provider.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, provider.ModelInfo{ID: m.Name, Name: m.Name, Provider: "ollama"})
	}
	return models, nil
}

func (p *Provider) Status(ctx context.Context) (provider.Status, error) {
	if !p.Available(ctx) {
		return provider.Status{Provider: "ollama", Message: "daemon not reachable at " + p.base}, nil
	}
	return provider.Status{Available: true, Provider: "ollama", Message: "ok"}, nil
}

func (p *Provider) get(ctx context.Context) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/api/tags", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
