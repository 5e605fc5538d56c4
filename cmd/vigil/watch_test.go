// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ops"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

func feed(m watchModel, events ...agent.Event) watchModel {
	for _, e := range events {
		next, _ := m.Update(eventMsg(e))
		m = next.(watchModel)
	}
	return m
}

func TestWatchModel_SuccessfulStream(t *testing.T) {
	m := feed(newWatchModel("ask", nil),
		agent.Event{Type: agent.EventStart},
		agent.Event{Type: agent.EventLLMStart, Data: map[string]any{"iteration": 1}},
		agent.Event{Type: agent.EventAgentThought, Data: map[string]any{"thought": "check the api logs"}},
		agent.Event{Type: agent.EventToolStart, Data: map[string]any{"tool": "loki_query", "tool_input": `{app="api"}`}},
		agent.Event{Type: agent.EventToolEnd},
		agent.Event{Type: agent.EventFinal, Data: map[string]any{"answer": "fine"}},
		agent.Event{Type: agent.EventEnd},
	)

	assert.True(t, m.done)
	assert.Equal(t, 1, m.iteration)
	assert.Equal(t, "done", m.status)
	require.Len(t, m.lines, 2)
	assert.Contains(t, m.lines[0], "check the api logs")
	assert.Contains(t, m.lines[1], "loki_query")
	require.NoError(t, m.err())
	assert.Equal(t, "fine", m.final["answer"])
	assert.Contains(t, m.View(), "ask")
}

func TestWatchModel_QuitsOnEnd(t *testing.T) {
	m := newWatchModel("ask", nil)
	next, cmd := m.Update(eventMsg(agent.Event{Type: agent.EventEnd}))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, next.(watchModel).done)
}

func TestWatchModel_ErrorEvent(t *testing.T) {
	m := feed(newWatchModel("analyze", nil),
		agent.Event{Type: agent.EventStart},
		agent.Event{Type: agent.EventError, Data: map[string]any{
			"error_type": string(vigilerr.CodeProviderNotFound),
			"message":    "no provider",
		}},
		agent.Event{Type: agent.EventEnd},
	)

	err := m.err()
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeProviderNotFound))
	assert.Contains(t, err.Error(), "no provider")
	assert.Equal(t, "failed", m.status)
}

func TestWatchModel_ErrorWithoutType(t *testing.T) {
	m := feed(newWatchModel("analyze", nil),
		agent.Event{Type: agent.EventError, Data: map[string]any{"error": "boom"}},
	)
	err := m.err()
	require.Error(t, err)
	assert.True(t, vigilerr.HasCode(err, vigilerr.CodeServerInternalFailure))
}

func TestWatchModel_CancelKey(t *testing.T) {
	m := newWatchModel("ask", nil)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	m = next.(watchModel)
	assert.True(t, m.cancelled)
	assert.ErrorContains(t, m.err(), "cancelled")
}

func TestWatchModel_StreamEndsWithoutResult(t *testing.T) {
	m := newWatchModel("ask", nil)
	next, _ := m.Update(streamDoneMsg{})
	m = next.(watchModel)
	assert.True(t, m.done)
	assert.ErrorContains(t, m.err(), "without a result")
}

func TestWatchModel_EnsembleMemberPrefix(t *testing.T) {
	m := feed(newWatchModel("analyze", nil),
		agent.Event{Type: agent.EventWarning, Data: map[string]any{"model": "a/m", "message": "slow"}},
	)
	require.Len(t, m.lines, 1)
	assert.Contains(t, m.lines[0], "[a/m]")
	assert.Contains(t, m.lines[0], "slow")
}

func TestWatchModel_KeepsRecentLines(t *testing.T) {
	m := newWatchModel("ask", nil)
	for i := range maxWatchLines + 3 {
		m = feed(m, agent.Event{Type: agent.EventTraceNote, Data: map[string]any{"note": fmt.Sprintf("note %d", i)}})
	}
	require.Len(t, m.lines, maxWatchLines)
	assert.Contains(t, m.lines[0], "note 3")
	assert.Contains(t, m.lines[maxWatchLines-1], fmt.Sprintf("note %d", maxWatchLines+2))
}

func TestWatchModel_TruncatesLongLines(t *testing.T) {
	m := feed(newWatchModel("ask", nil),
		agent.Event{Type: agent.EventAgentThought, Data: map[string]any{"thought": strings.Repeat("x", 500)}},
	)
	require.Len(t, m.lines, 1)
	assert.LessOrEqual(t, len([]rune(m.lines[0])), maxLineWidth)
}

func TestDecodeFinal(t *testing.T) {
	ans, err := decodeFinal[ops.Answer](map[string]any{
		"run_id": "r1",
		"answer": "fine",
		"start":  "a",
		"end":    "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", ans.RunID)
	assert.Equal(t, "fine", ans.Answer)

	_, err = decodeFinal[ops.Answer](map[string]any{"answer": 42})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
