// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package provider

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sigil-dev/vigil/internal/tracing"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Response is a fully drained chat stream.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Generate runs a chat request and buffers the whole response.
func Generate(ctx context.Context, p Provider, req ChatRequest) (Response, error) {
	return Stream(ctx, p, req, nil)
}

// Stream runs a chat request, calling onDelta for each text fragment as it
// arrives, and returns the accumulated response.
func Stream(ctx context.Context, p Provider, req ChatRequest, onDelta func(string)) (resp Response, err error) {
	ctx, span := tracing.StartClient(ctx, "provider.chat",
		attribute.String("provider", p.Name()),
		attribute.String("model", req.Model),
	)
	defer func() { tracing.End(span, err) }()

	events, err := p.Chat(ctx, req)
	if err != nil {
		recordOutcome(ctx, p, err)
		return Response{}, vigilerr.Wrap(err, vigilerr.CodeProviderUpstreamFailure, "starting chat",
			vigilerr.FieldProvider(p.Name()))
	}

	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			// Let the producer finish without blocking on a full channel.
			go func() {
				for range events {
				}
			}()
			return Response{Text: text.String(), ToolCalls: resp.ToolCalls, Usage: resp.Usage}, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				resp.Text = text.String()
				if ctx.Err() != nil {
					return resp, ctx.Err()
				}
				recordOutcome(ctx, p, nil)
				return resp, nil
			}

			switch ev.Type {
			case EventTypeTextDelta:
				text.WriteString(ev.Text)
				if onDelta != nil && ev.Text != "" {
					onDelta(ev.Text)
				}
			case EventTypeToolCall:
				if ev.ToolCall != nil {
					resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
				}
			case EventTypeUsage:
				resp.Usage.Add(ev.Usage)
			case EventTypeError:
				go func() {
					for range events {
					}
				}()
				err := vigilerr.New(vigilerr.CodeProviderUpstreamFailure, ev.Error,
					vigilerr.FieldProvider(p.Name()))
				recordOutcome(ctx, p, err)
				resp.Text = text.String()
				return resp, err
			case EventTypeDone:
			}
		}
	}
}

func recordOutcome(ctx context.Context, p Provider, err error) {
	hr, ok := p.(HealthReporter)
	if !ok {
		return
	}
	switch {
	case err == nil:
		hr.RecordSuccess()
	case ctx.Err() != nil:
		// Cancellation says nothing about the backend.
	default:
		hr.RecordFailure()
	}
}

const structuredContract = "Respond with exactly one JSON object and nothing else. " +
	"Do not wrap it in code fences and do not add commentary."

// GenerateStructured asks the model for a JSON object and decodes it into
// target. When the first reply cannot be decoded the model is shown its
// output and the decode error and asked once more.
func GenerateStructured(ctx context.Context, p Provider, req ChatRequest, target any) error {
	req.Options.JSONMode = true
	if req.SystemPrompt == "" {
		req.SystemPrompt = structuredContract
	} else {
		req.SystemPrompt = req.SystemPrompt + "\n\n" + structuredContract
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := Generate(ctx, p, req)
		if err != nil {
			return err
		}

		lastErr = decodeStructured(resp.Text, target)
		if lastErr == nil {
			return nil
		}

		req.Messages = append(append([]Message(nil), req.Messages...),
			Message{Role: MessageRoleAssistant, Content: resp.Text},
			Message{Role: MessageRoleUser, Content: "That reply could not be parsed (" + lastErr.Error() +
				"). Reply again with only the JSON object."},
		)
	}

	return vigilerr.Wrap(lastErr, vigilerr.CodeProviderResponseInvalid, "structured output",
		vigilerr.FieldProvider(p.Name()))
}

func decodeStructured(text string, target any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return vigilerr.New(vigilerr.CodeProviderResponseInvalid, "no JSON object in reply")
	}
	return json.Unmarshal([]byte(raw), target)
}

// ExtractJSON returns the first valid JSON object in text. A ```json fenced
// block takes precedence over bare objects.
func ExtractJSON(text string) (string, bool) {
	if inner, ok := FencedBlock(text); ok {
		inner = strings.TrimSpace(inner)
		if json.Valid([]byte(inner)) && strings.HasPrefix(inner, "{") {
			return inner, true
		}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := objectEnd(text, start); end > 0 {
			candidate := text[start:end]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// FencedBlock returns the body of the first ``` fence in text, skipping an
// optional language tag on the opening line.
func FencedBlock(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[\"") {
		rest = rest[nl+1:]
	}
	body, _, found := strings.Cut(rest, "```")
	if !found {
		return "", false
	}
	return body, true
}

// objectEnd returns the index just past the brace matching text[start], or
// -1 when the object is unterminated.
func objectEnd(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
