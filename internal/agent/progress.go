// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package agent

import (
	"encoding/json"
	"maps"
	"strconv"
	"time"
)

// EventType names a progress event.
type EventType string

const (
	EventLLMStart         EventType = "llm_start"
	EventLLMToken         EventType = "llm_token"
	EventLLMEnd           EventType = "llm_end"
	EventAgentThought     EventType = "agent_thought"
	EventAgentAction      EventType = "agent_action"
	EventTraceNote        EventType = "trace_note"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventAgentObservation EventType = "agent_observation"
	EventWarning          EventType = "warning"
	EventError            EventType = "error"

	// Emitted by the operations layer around a run.
	EventStart EventType = "start"
	EventFinal EventType = "final"
	EventEnd   EventType = "end"
)

// Stage is the coarse workflow phase a progress event belongs to.
type Stage string

const (
	StageThinking  Stage = "thinking"
	StagePlanning  Stage = "planning"
	StageExecuting Stage = "executing"
	StageObserving Stage = "observing"
)

// Event is one progress notification. It serializes flat: the envelope keys
// sit next to the keys of Data.
type Event struct {
	Type      EventType
	Stage     Stage
	Timestamp time.Time
	SessionID string
	StepID    string
	Data      map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+5)
	maps.Copy(out, e.Data)
	out["event"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Stage != "" {
		out["workflow_stage"] = e.Stage
	}
	if e.SessionID != "" {
		out["session_id"] = e.SessionID
	}
	if e.StepID != "" {
		out["step_id"] = e.StepID
	}
	return json.Marshal(out)
}

// ProgressSink receives progress events. Emit is called from the run's
// goroutine and must not block for long.
type ProgressSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// progress stamps events with the session and current step.
type progress struct {
	sink      ProgressSink
	sessionID string
	step      int
	stage     Stage
	now       func() time.Time
}

func newProgress(sink ProgressSink, sessionID string, now func() time.Time) *progress {
	return &progress{sink: sink, sessionID: sessionID, now: now}
}

// nextStep opens a new step in stage.
func (p *progress) nextStep(stage Stage) {
	p.step++
	p.stage = stage
}

func (p *progress) setStage(stage Stage) { p.stage = stage }

func (p *progress) stepID() string {
	if p.step == 0 {
		return ""
	}
	return "step-" + strconv.Itoa(p.step)
}

func (p *progress) emit(t EventType, data map[string]any) {
	if p == nil || p.sink == nil {
		return
	}
	p.sink.Emit(Event{
		Type:      t,
		Stage:     p.stage,
		Timestamp: p.now(),
		SessionID: p.sessionID,
		StepID:    p.stepID(),
		Data:      data,
	})
}
