// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package agent

import (
	"time"
	"unicode/utf8"
)

const (
	// MaxTraceInputBytes caps a recorded tool input.
	MaxTraceInputBytes = 4000
	// MaxTraceObservationBytes caps a recorded observation.
	MaxTraceObservationBytes = 8000
	// TruncationMarker is appended to every field cut by the caps above.
	TruncationMarker = "\n...(truncated)"
)

// ToolInvocation is one entry of a run's trace. Entries are recorded in
// call order and never modified once appended.
type ToolInvocation struct {
	Index       int           `json:"index"`
	Tool        string        `json:"tool"`
	Input       string        `json:"input"`
	Observation string        `json:"observation"`
	Log         string        `json:"log,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

func newInvocation(index int, tool, input, observation, log string, started time.Time, d time.Duration, err error) ToolInvocation {
	inv := ToolInvocation{
		Index:       index,
		Tool:        tool,
		Input:       Truncate(input, MaxTraceInputBytes),
		Observation: Truncate(observation, MaxTraceObservationBytes),
		Log:         log,
		StartedAt:   started.UTC(),
		Duration:    d,
	}
	if err != nil {
		inv.Error = err.Error()
	}
	return inv
}

// Truncate cuts s to at most max bytes, walking back to a rune boundary, and
// appends TruncationMarker when anything was removed.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + TruncationMarker
}
