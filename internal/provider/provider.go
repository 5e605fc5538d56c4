// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package provider defines the language model contract the agent loop drives
// and the registry that routes "provider/model" references to backends.
package provider

import (
	"context"
)

// Provider is the core interface for LLM backends.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Status(ctx context.Context) (Status, error)
	Close() error
}

// HealthReporter is implemented by providers that track their own health.
// Generate feeds call outcomes back through it.
type HealthReporter interface {
	RecordFailure()
	RecordSuccess()
	HealthMetrics() HealthMetrics
}

// ChatRequest is one model call.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	SystemPrompt string
	Options      ChatOptions
}

// ChatOptions carries sampling configuration. A nil Temperature leaves the
// backend default in place.
type ChatOptions struct {
	Temperature   *float32
	MaxTokens     int
	StopSequences []string
	// JSONMode asks the backend for a bare JSON object where it supports one.
	JSONMode bool
}

// Temperature returns a pointer suitable for ChatOptions.Temperature.
func Temperature(t float32) *float32 { return &t }

type Message struct {
	Role       MessageRole
	Content    string
	ToolCallID string
	ToolName   string
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ToolDefinition describes a tool for backends with native tool calling.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Error    string
}

type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeUsage     EventType = "usage"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// ToolCall is a native tool invocation emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 *Usage) {
	if u2 == nil {
		return
	}
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheReadTokens += u2.CacheReadTokens
}

// ModelInfo describes a model a provider can serve.
type ModelInfo struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Provider         string `json:"provider"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
	MaxOutputTokens  int    `json:"max_output_tokens,omitempty"`
}

// Status is a provider's self-reported state.
type Status struct {
	Available bool           `json:"available"`
	Provider  string         `json:"provider"`
	Message   string         `json:"message,omitempty"`
	Health    *HealthMetrics `json:"health,omitempty"`
}

// Emit sends ev on ch unless ctx is done first. Provider stream goroutines
// use it so an abandoned consumer never leaves them blocked.
func Emit(ctx context.Context, ch chan<- ChatEvent, ev ChatEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
