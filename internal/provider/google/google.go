// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package google

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/sigil-dev/vigil/internal/provider"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

type Config struct {
	APIKey string
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string
}

// Provider implements provider.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	health *provider.HealthTracker
}

var _ provider.HealthReporter = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, vigilerr.New(vigilerr.CodeProviderRequestInvalid, "google: missing api_key in config",
			vigilerr.FieldProvider("google"))
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeProviderUpstreamFailure, "google: creating client")
	}

	return &Provider{client: client, health: provider.NewHealthTracker(provider.DefaultHealthCooldown)}, nil
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) Available(_ context.Context) bool { return p.health.IsHealthy() }

func (p *Provider) RecordFailure()                        { p.health.RecordFailure() }
func (p *Provider) RecordSuccess()                        { p.health.RecordSuccess() }
func (p *Provider) HealthMetrics() provider.HealthMetrics { return p.health.HealthMetrics() }

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "google", MaxContextTokens: 1048576, MaxOutputTokens: 65536},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "google", MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	}, nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	contents, system, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	config := buildConfig(req, system)

	ch := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(ch)
		p.streamChat(ctx, req.Model, contents, config, ch)
	}()
	return ch, nil
}

func (p *Provider) Status(_ context.Context) (provider.Status, error) {
	hm := p.health.HealthMetrics()
	return provider.Status{Available: hm.Available, Provider: "google", Message: "ok", Health: &hm}, nil
}

func (p *Provider) Close() error { return nil }

func buildConfig(req provider.ChatRequest, system []string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Options.Temperature)
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if len(req.Options.StopSequences) > 0 {
		cfg.StopSequences = req.Options.StopSequences
	}
	if req.Options.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	prompts := make([]string, 0, 1+len(system))
	if req.SystemPrompt != "" {
		prompts = append(prompts, req.SystemPrompt)
	}
	prompts = append(prompts, system...)
	if len(prompts) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(prompts, "\n\n")}}}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.InputSchema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// convertMessages maps roles onto Gemini's user/model pair. System messages
// are returned separately for the system instruction.
func convertMessages(msgs []provider.Message) ([]*genai.Content, []string, error) {
	var (
		result []*genai.Content
		system []string
	)
	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		case provider.MessageRoleAssistant:
			result = append(result, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Content}}})
		case provider.MessageRoleTool:
			result = append(result, &genai.Content{Role: "user", Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.ToolName,
					Response: map[string]any{"result": msg.Content},
				},
			}}})
		case provider.MessageRoleSystem:
			system = append(system, msg.Content)
		default:
			return nil, nil, vigilerr.Errorf(vigilerr.CodeProviderRequestInvalid, "google: unsupported message role %q", msg.Role)
		}
	}
	return result, system, nil
}

func (p *Provider) streamChat(ctx context.Context, model string, contents []*genai.Content,
	config *genai.GenerateContentConfig, ch chan<- provider.ChatEvent,
) {
	var usage *provider.Usage
	for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeError, Error: "google: " + err.Error()})
			return
		}

		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" && !part.Thought {
					if !provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					call := &provider.ToolCall{ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Arguments: string(args)}
					if !provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: call}) {
						return
					}
				}
			}
		}

		// Usage metadata is cumulative across chunks; keep the latest.
		if md := result.UsageMetadata; md != nil {
			usage = &provider.Usage{
				InputTokens:     int(md.PromptTokenCount),
				OutputTokens:    int(md.CandidatesTokenCount),
				CacheReadTokens: int(md.CachedContentTokenCount),
			}
		}
	}

	if usage != nil && !provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeUsage, Usage: usage}) {
		return
	}
	provider.Emit(ctx, ch, provider.ChatEvent{Type: provider.EventTypeDone})
}
