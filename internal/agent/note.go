// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// NoteToolName is the pseudo-tool the model calls to record its plan before
// each real tool call.
const NoteToolName = "trace_note"

// NoteTool returns the trace_note tool. It echoes the note so the rationale
// lands in the trace and the progress stream.
func NoteTool() Tool {
	return Tool{
		Name:        NoteToolName,
		Description: "Record, in one short sentence, what the next tool call will do and why. Call it before every other tool.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"note": map[string]any{"type": "string", "description": "plan for the next call, at most 80 characters"},
			},
			"required": []string{"note"},
		},
		Invoke: func(_ context.Context, input string) (string, error) {
			return noteText(input), nil
		},
	}
}

// noteText accepts either {"note": "..."} or the bare note.
func noteText(input string) string {
	var in struct {
		Note string `json:"note"`
	}
	if err := json.Unmarshal([]byte(input), &in); err == nil && in.Note != "" {
		return in.Note
	}
	return strings.TrimSpace(input)
}
