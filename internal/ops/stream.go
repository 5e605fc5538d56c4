// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package ops

import (
	"context"
	"encoding/json"
	"errors"
	"maps"

	"github.com/google/uuid"

	"github.com/sigil-dev/vigil/internal/agent"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const streamBuffer = 64

// streamRun executes an operation and reports into sink.
type streamRun func(ctx context.Context, sink agent.ProgressSink) (any, error)

// stream runs fn in a goroutine and returns its events: start, the loop's
// progress, final or error, and always end. The channel is closed after end.
// Events are dropped once ctx is done so the producer never blocks on a
// reader that went away.
func (s *Service) stream(ctx context.Context, sessionID string, start map[string]any, fn streamRun) <-chan agent.Event {
	ch := make(chan agent.Event, streamBuffer)
	emit := func(e agent.Event) {
		if e.SessionID == "" {
			e.SessionID = sessionID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now().UTC()
		}
		select {
		case ch <- e:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)
		defer emit(agent.Event{Type: agent.EventEnd})

		emit(agent.Event{Type: agent.EventStart, Data: start})
		result, err := fn(ctx, agent.SinkFunc(emit))
		if err != nil {
			data := map[string]any{
				"error_type": string(vigilerr.CodeOf(err)),
				"message":    err.Error(),
			}
			var run *RunError
			if errors.As(err, &run) {
				data["run_id"] = run.RunID
				data["trace"] = run.Trace
			}
			emit(agent.Event{Type: agent.EventError, Data: data})
			return
		}
		emit(agent.Event{Type: agent.EventFinal, Data: fields(result)})
	}()
	return ch
}

// streamSessionID is the session ID stamped on a stream's events.
func streamSessionID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// fields flattens v's JSON object form into event data.
func fields(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{"result": json.RawMessage(b)}
	}
	return out
}

// taggedSink stamps every event with the ensemble member that produced it.
type taggedSink struct {
	sink    agent.ProgressSink
	backend string
}

func (t taggedSink) Emit(e agent.Event) {
	data := make(map[string]any, len(e.Data)+1)
	maps.Copy(data, e.Data)
	data["model"] = t.backend
	e.Data = data
	t.sink.Emit(e)
}
