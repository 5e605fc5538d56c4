// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package openai_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sigil-dev/vigil/internal/provider"
	"github.com/sigil-dev/vigil/internal/provider/openai"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ provider.Provider = (*openai.Provider)(nil)

func mustNewProvider(t *testing.T, baseURL string) *openai.Provider {
	t.Helper()
	p, err := openai.New(openai.Config{APIKey: "test-key-not-real", BaseURL: baseURL})
	require.NoError(t, err)
	return p
}

func TestOpenAIProvider_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeProviderRequestInvalid))
}

func TestOpenAIProvider_NameAndModels(t *testing.T) {
	p := mustNewProvider(t, "")
	assert.Equal(t, "openai", p.Name())

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.Equal(t, "openai", m.Provider, "model %s", m.ID)
		assert.NotEmpty(t, m.Name)
	}
}

func TestOpenAIProvider_CustomName(t *testing.T) {
	p, err := openai.New(openai.Config{
		Name:   "ark",
		APIKey: "k",
		Models: []provider.ModelInfo{{ID: "doubao-seed-1-6", Name: "Doubao Seed 1.6"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ark", p.Name())

	models, _ := p.ListModels(context.Background())
	require.Len(t, models, 1)
	assert.Equal(t, "ark", models[0].Provider)
}

func TestOpenAIProvider_StatusAndHealth(t *testing.T) {
	p := mustNewProvider(t, "")
	ctx := context.Background()

	st, err := p.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Available)
	assert.Equal(t, "openai", st.Provider)

	p.RecordFailure()
	assert.False(t, p.Available(ctx))
	st, _ = p.Status(ctx)
	assert.False(t, st.Available)
	require.NotNil(t, st.Health)
	assert.Equal(t, int64(1), st.Health.FailureCount)

	assert.NoError(t, p.Close())
}

func TestBuildParams(t *testing.T) {
	params, err := openai.BuildParams(provider.ChatRequest{
		Model:        "gpt-4.1",
		SystemPrompt: "You are an SRE assistant.",
		Messages:     []provider.Message{{Role: provider.MessageRoleUser, Content: "why 5xx?"}},
		Options: provider.ChatOptions{
			Temperature:   provider.Temperature(0.1),
			MaxTokens:     512,
			StopSequences: []string{"\nObservation"},
			JSONMode:      true,
		},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(params)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "gpt-4.1", body["model"])
	assert.EqualValues(t, 512, body["max_completion_tokens"])
	assert.InDelta(t, 0.1, body["temperature"], 1e-6)
	assert.Equal(t, []any{"\nObservation"}, body["stop"])
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestBuildParams_OmitsUnsetTemperature(t *testing.T) {
	params, err := openai.BuildParams(provider.ChatRequest{Model: "gpt-4.1"})
	require.NoError(t, err)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "temperature")
}

func TestConvertMessages(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.MessageRoleUser, Content: "question"},
		{Role: provider.MessageRoleAssistant, Content: "answer"},
		{Role: provider.MessageRoleTool, Content: "lines", ToolCallID: "call-1"},
	}
	params, err := openai.ConvertMessages(msgs, "")
	require.NoError(t, err)
	require.Len(t, params, 3)
	assert.Equal(t, "question", params[0].OfUser.Content.OfString.Value)
	assert.Equal(t, "answer", params[1].OfAssistant.Content.OfString.Value)
	assert.Equal(t, "call-1", params[2].OfTool.ToolCallID)

	_, err = openai.ConvertMessages([]provider.Message{{Role: "narrator"}}, "")
	assert.True(t, vigilerr.IsInvalidInput(err))
}

func chunk(content string, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	c, _ := json.Marshal(content)
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"content":%s},"finish_reason":%s}]}`, c, fr)
}

func TestChat_StreamsFromServer(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{
			chunk("Thought: ", ""),
			chunk("check loki", "stop"),
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL+"/v1/")
	resp, err := provider.Generate(context.Background(), p, provider.ChatRequest{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
		Options:  provider.ChatOptions{StopSequences: []string{"\nObservation"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Thought: check loki", resp.Text)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 4, resp.Usage.OutputTokens)
	assert.Equal(t, true, gotBody["stream"])
}

func TestChat_ServerErrorBecomesErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL+"/v1/")
	_, err := provider.Generate(context.Background(), p, provider.ChatRequest{Model: "nope"})
	require.Error(t, err)
	assert.True(t, vigilerr.IsUpstreamFailure(err))
	assert.True(t, strings.HasPrefix(err.Error(), "openai: "), err.Error())
	assert.False(t, p.Available(context.Background()), "failure recorded by Generate")
}
