// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package anthropic

import (
	"context"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sigil-dev/vigil/internal/provider"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// defaultMaxTokens applies when the request leaves MaxTokens unset; the
// Messages API requires a value.
const defaultMaxTokens = 4096

type Config struct {
	APIKey  string
	BaseURL string
}

// Provider implements provider.Provider using the Anthropic Messages API.
type Provider struct {
	client anthropicsdk.Client
	health *provider.HealthTracker
}

var _ provider.HealthReporter = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, vigilerr.New(vigilerr.CodeProviderRequestInvalid, "anthropic: missing api_key in config")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client: anthropicsdk.NewClient(opts...),
		health: provider.NewHealthTracker(provider.DefaultHealthCooldown),
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Available(_ context.Context) bool { return p.health.IsHealthy() }

func (p *Provider) RecordFailure()                        { p.health.RecordFailure() }
func (p *Provider) RecordSuccess()                        { p.health.RecordSuccess() }
func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: "anthropic", MaxContextTokens: 200000, MaxOutputTokens: 64000},
		{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", Provider: "anthropic", MaxContextTokens: 200000, MaxOutputTokens: 64000},
		{ID: "claude-opus-4-1", Name: "Claude Opus 4.1", Provider: "anthropic", MaxContextTokens: 200000, MaxOutputTokens: 32000},
	}, nil
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

func (p *Provider) Status(_ context.Context) (provider.Status, error) {
	hm := p.health.HealthMetrics()
	return provider.Status{Available: hm.Available, Provider: "anthropic", Message: "ok", Health: &hm}, nil
}

func (p *Provider) Close() error { return nil }

func buildParams(req provider.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	msgs, system, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}

	prompts := make([]string, 0, 2)
	if req.SystemPrompt != "" {
		prompts = append(prompts, req.SystemPrompt)
	}
	prompts = append(prompts, system...)
	if len(prompts) > 0 {
		params.System = []anthropicsdk.TextBlockParam{{Text: strings.Join(prompts, "\n\n")}}
	}

	if req.Options.Temperature != nil {
		params.Temperature = anthropicsdk.Float(float64(*req.Options.Temperature))
	}
	if len(req.Options.StopSequences) > 0 {
		params.StopSequences = req.Options.StopSequences
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

// convertMessages splits system messages out; the Messages API only takes
// them through the top-level system field.
func convertMessages(msgs []provider.Message) ([]anthropicsdk.MessageParam, []string, error) {
	var (
		result []anthropicsdk.MessageParam
		system []string
	)
	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case provider.MessageRoleAssistant:
			result = append(result, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case provider.MessageRoleTool:
			result = append(result, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case provider.MessageRoleSystem:
			system = append(system, msg.Content)
		default:
			return nil, nil, vigilerr.Errorf(vigilerr.CodeProviderRequestInvalid, "anthropic: unsupported message role %q", msg.Role)
		}
	}
	return result, system, nil
}

func convertTools(tools []provider.ToolDefinition) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.Opt(t.Description),
				InputSchema: extractSchema(t.InputSchema),
			},
		})
	}
	return result
}

// extractSchema splits a JSON Schema object into the SDK's separate
// Properties and Required fields.
func extractSchema(raw map[string]any) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{}
	if props, ok := raw["properties"]; ok {
		schema.Properties = props
	}
	switch req := raw["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

func (p *Provider) streamChat(ctx context.Context, params anthropicsdk.MessageNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	type toolAccum struct {
		id, name, json string
	}
	blocks := make(map[int64]*toolAccum)

	for stream.Next() {
		event := stream.Current()

		var (
			out  provider.ChatEvent
			emit bool
		)
		switch event.Type {
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				blocks[event.Index] = &toolAccum{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				out, emit = provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: event.Delta.Text}, true
			case "input_json_delta":
				if acc, ok := blocks[event.Index]; ok {
					acc.json += event.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if acc, ok := blocks[event.Index]; ok {
				args := acc.json
				if args == "" {
					args = "{}"
				}
				out, emit = provider.ChatEvent{
					Type:     provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{ID: acc.id, Name: acc.name, Arguments: args},
				}, true
				delete(blocks, event.Index)
			}

		case "message_start":
			u := event.Message.Usage
			if u.InputTokens > 0 || u.OutputTokens > 0 {
				out, emit = provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{
					InputTokens:     int(u.InputTokens),
					OutputTokens:    int(u.OutputTokens),
					CacheReadTokens: int(u.CacheReadInputTokens),
				}}, true
			}

		case "message_delta":
			// Output tokens only; input was reported at message_start.
			out, emit = provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{
				OutputTokens: int(event.Usage.OutputTokens),
			}}, true

		case "message_stop":
			provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeDone})
			return
		}

		if emit && !provider.Emit(ctx, ch, out) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeError, Error: "anthropic: " + err.Error()})
		return
	}
	provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeDone})
}
