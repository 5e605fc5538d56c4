// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package ark serves Doubao models through Volcengine Ark's
// OpenAI-compatible endpoint.
package ark

import (
	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/provider/openai"
)

const DefaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

type Config struct {
	APIKey  string
	BaseURL string
}

// New returns an OpenAI-compatible provider registered as "ark". Ark model
// names are endpoint IDs or model slugs such as "doubao-seed-1-6-250615".
func New(cfg Config) (*openai.Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return openai.New(openai.Config{
		Name:    "ark",
		APIKey:  cfg.APIKey,
		BaseURL: base,
		Models:  knownModels(),
	})
}

func knownModels() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "doubao-seed-1-6-250615", Name: "Doubao Seed 1.6", MaxContextTokens: 256000, MaxOutputTokens: 32768},
		{ID: "doubao-seed-1-6-flash-250615", Name: "Doubao Seed 1.6 Flash", MaxContextTokens: 256000, MaxOutputTokens: 32768},
		{ID: "doubao-1-5-pro-32k-250115", Name: "Doubao 1.5 Pro 32k", MaxContextTokens: 32768, MaxOutputTokens: 12288},
	}
}
