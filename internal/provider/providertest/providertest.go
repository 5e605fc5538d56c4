// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package providertest provides a scripted provider for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/sigil-dev/vigil/internal/provider"
)

// Reply is one scripted model turn. A non-empty Err is streamed as an error
// event after Text; ChatErr fails the call before streaming starts.
type Reply struct {
	Text      string
	ToolCalls []provider.ToolCall
	Err       string
	ChatErr   error
	// Block makes the call wait until ctx is done.
	Block bool
}

// Scripted replays Replies in order and records every request it receives.
// When the script runs out the last reply repeats.
type Scripted struct {
	ProviderName string
	Down         bool
	Replies      []Reply

	mu       sync.Mutex
	requests []provider.ChatRequest
	calls    int
	closed   bool
}

// New returns a scripted provider answering with texts in order.
func New(name string, texts ...string) *Scripted {
	s := &Scripted{ProviderName: name}
	for _, t := range texts {
		s.Replies = append(s.Replies, Reply{Text: t})
	}
	return s
}

func (s *Scripted) Name() string { return s.ProviderName }

func (s *Scripted) Available(context.Context) bool { return !s.Down }

func (s *Scripted) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{{ID: "test-model", Name: "Test", Provider: s.ProviderName}}, nil
}

func (s *Scripted) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var reply Reply
	switch {
	case len(s.Replies) == 0:
	case s.calls < len(s.Replies):
		reply = s.Replies[s.calls]
	default:
		reply = s.Replies[len(s.Replies)-1]
	}
	s.calls++
	s.mu.Unlock()

	if reply.ChatErr != nil {
		return nil, reply.ChatErr
	}

	ch := make(chan provider.ChatEvent, 4+len(reply.ToolCalls))
	if reply.Block {
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}

	if reply.Text != "" {
		ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: reply.Text}
	}
	for i := range reply.ToolCalls {
		ch <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &reply.ToolCalls[i]}
	}
	if reply.Err != "" {
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: reply.Err}
	} else {
		ch <- provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}}
		ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	}
	close(ch)
	return ch, nil
}

func (s *Scripted) Status(ctx context.Context) (provider.Status, error) {
	return provider.Status{Available: s.Available(ctx), Provider: s.ProviderName, Message: "ok"}, nil
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	return nil
}

// Requests returns a copy of the requests received so far.
func (s *Scripted) Requests() []provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.ChatRequest(nil), s.requests...)
}

// Calls returns the number of Chat calls made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
