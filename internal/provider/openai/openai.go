// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package openai implements provider.Provider on the OpenAI Chat Completions
// API. Other OpenAI-compatible endpoints reuse it with their own name, base
// URL and model list.
package openai

import (
	"context"
	"encoding/json"
	"slices"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/sigil-dev/vigil/internal/provider"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

type Config struct {
	// Name overrides the provider name; defaults to "openai".
	Name    string
	APIKey  string
	BaseURL string
	Models  []provider.ModelInfo
}

// Provider implements provider.Provider using the OpenAI Chat Completions API.
type Provider struct {
	name   string
	client openaisdk.Client
	models []provider.ModelInfo
	health *provider.HealthTracker
}

var _ provider.HealthReporter = (*Provider)(nil)

// New creates a provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	if cfg.APIKey == "" {
		return nil, vigilerr.Errorf(vigilerr.CodeProviderRequestInvalid, "%s: missing api_key in config", name)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	models := slices.Clone(cfg.Models)
	if len(models) == 0 {
		models = knownModels()
	}
	for i := range models {
		models[i].Provider = name
	}

	return &Provider{
		name:   name,
		client: openaisdk.NewClient(opts...),
		models: models,
		health: provider.NewHealthTracker(provider.DefaultHealthCooldown),
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Available(_ context.Context) bool { return p.health.IsHealthy() }

func (p *Provider) RecordFailure()                        { p.health.RecordFailure() }
func (p *Provider) RecordSuccess()                        { p.health.RecordSuccess() }
func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func knownModels() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "gpt-4.1", Name: "GPT-4.1", MaxContextTokens: 1047576, MaxOutputTokens: 32768},
		{ID: "gpt-4.1-mini", Name: "GPT-4.1 Mini", MaxContextTokens: 1047576, MaxOutputTokens: 32768},
		{ID: "gpt-4o", Name: "GPT-4o", MaxContextTokens: 128000, MaxOutputTokens: 16384},
		{ID: "o4-mini", Name: "o4-mini", MaxContextTokens: 200000, MaxOutputTokens: 100000},
	}
}

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return append([]provider.ModelInfo(nil), p.models...), nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(ch)
		p.streamChat(ctx, params, ch)
	}()
	return ch, nil
}

func (p *Provider) Status(ctx context.Context) (provider.Status, error) {
	hm := p.health.HealthMetrics()
	msg := "ok"
	if !hm.Available {
		msg = "cooling down after failure"
	}
	return provider.Status{Available: hm.Available, Provider: p.name, Message: msg, Health: &hm}, nil
}

func (p *Provider) Close() error { return nil }

func buildParams(req provider.ChatRequest) (openaisdk.ChatCompletionNewParams, error) {
	msgs, err := convertMessages(req.Messages, req.SystemPrompt)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
		StreamOptions: openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Options.MaxTokens))
	}
	if req.Options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*req.Options.Temperature))
	}
	if len(req.Options.StopSequences) > 0 {
		params.Stop = openaisdk.ChatCompletionNewParamsStopUnion{OfStringArray: req.Options.StopSequences}
	}
	if req.Options.JSONMode {
		params.ResponseFormat = openaisdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

// convertMessages prepends the system prompt, when set, as a system message.
func convertMessages(msgs []provider.Message, systemPrompt string) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if systemPrompt != "" {
		result = append(result, openaisdk.SystemMessage(systemPrompt))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, openaisdk.UserMessage(msg.Content))
		case provider.MessageRoleAssistant:
			result = append(result, openaisdk.AssistantMessage(msg.Content))
		case provider.MessageRoleTool:
			result = append(result, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		case provider.MessageRoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		default:
			return nil, vigilerr.Errorf(vigilerr.CodeProviderRequestInvalid, "openai: unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

func convertTools(tools []provider.ToolDefinition) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}
	return result
}

type toolAccum struct {
	id   string
	name string
	args string
}

func (a *toolAccum) call() *provider.ToolCall {
	args := a.args
	if !json.Valid([]byte(args)) {
		args = "{}"
	}
	return &provider.ToolCall{ID: a.id, Name: a.name, Arguments: args}
}

func (p *Provider) streamChat(ctx context.Context, params openaisdk.ChatCompletionNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	// Tool call fragments arrive keyed by index.
	pending := make(map[int64]*toolAccum)
	var order []int64

	flush := func() bool {
		for _, idx := range order {
			if !provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: pending[idx].call()}) {
				return false
			}
			delete(pending, idx)
		}
		order = order[:0]
		return true
	}

	for stream.Next() {
		chunk := stream.Current()

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := pending[tc.Index]
				if !ok {
					acc = &toolAccum{}
					pending[tc.Index] = acc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args += tc.Function.Arguments
			}

			if choice.FinishReason == "tool_calls" && !flush() {
				return
			}
		}

		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage := &provider.Usage{
				InputTokens:     int(chunk.Usage.PromptTokens),
				OutputTokens:    int(chunk.Usage.CompletionTokens),
				CacheReadTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
			}
			if !provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeUsage, Usage: usage}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeError, Error: p.name + ": " + err.Error()})
		return
	}
	if !flush() {
		return
	}
	provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeDone})
}
