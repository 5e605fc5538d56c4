// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sigil-dev/vigil/internal/agent"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	maxWatchLines = 8
	maxLineWidth  = 100
)

// --- bubbletea messages ---

type (
	eventMsg      agent.Event
	streamDoneMsg struct{}
)

// watchModel renders the progress of one streamed operation: a spinner with
// the current stage and the most recent steps.
type watchModel struct {
	title     string
	events    <-chan agent.Event
	spinner   spinner.Model
	stage     agent.Stage
	status    string
	lines     []string
	iteration int
	final     map[string]any
	errType   string
	errMsg    string
	done      bool
	cancelled bool
}

func newWatchModel(title string, events <-chan agent.Event) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return watchModel{title: title, events: events, spinner: sp, status: "starting"}
}

// waitForEvent reads the next event off the stream.
func waitForEvent(events <-chan agent.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return streamDoneMsg{}
		}
		return eventMsg(e)
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m = m.apply(agent.Event(msg))
		if m.done {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamDoneMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

// apply folds one event into the view state.
func (m watchModel) apply(e agent.Event) watchModel {
	if e.Stage != "" {
		m.stage = e.Stage
	}
	prefix := ""
	if ref, ok := e.Data["model"].(string); ok && e.Type != agent.EventLLMStart {
		prefix = dimStyle.Render("[" + ref + "] ")
	}

	switch e.Type {
	case agent.EventStart:
		m.status = "started"
	case agent.EventLLMStart:
		m.iteration++
		m.status = fmt.Sprintf("thinking (iteration %d)", m.iteration)
	case agent.EventAgentThought:
		m = m.push(prefix + dimStyle.Render("thought ") + str(e.Data["thought"]))
	case agent.EventTraceNote:
		m = m.push(prefix + labelStyle.Render("note ") + str(e.Data["note"]))
	case agent.EventToolStart:
		tool := str(e.Data["tool"])
		m.status = "running " + tool
		m = m.push(prefix + successStyle.Render("→ ") + tool + " " + dimStyle.Render(str(e.Data["tool_input"])))
	case agent.EventToolEnd:
		m.status = "observing"
	case agent.EventWarning:
		m = m.push(prefix + warnStyle.Render("warning ") + str(e.Data["message"]))
	case agent.EventError:
		m.errType = str(e.Data["error_type"])
		m.errMsg = str(e.Data["message"])
		if m.errMsg == "" {
			m.errMsg = str(e.Data["error"])
		}
		m.status = "failed"
	case agent.EventFinal:
		m.final = e.Data
		m.status = "done"
	case agent.EventEnd:
		m.done = true
	}
	return m
}

func (m watchModel) push(line string) watchModel {
	line = truncate(strings.ReplaceAll(line, "\n", " "), maxLineWidth)
	lines := append(append([]string(nil), m.lines...), line)
	if len(lines) > maxWatchLines {
		lines = lines[len(lines)-maxWatchLines:]
	}
	m.lines = lines
	return m
}

func (m watchModel) View() string {
	var b strings.Builder
	if m.done || m.cancelled {
		mark := successStyle.Render("✓")
		if m.errMsg != "" || m.cancelled {
			mark = errorStyle.Render("✗")
		}
		b.WriteString(mark + " " + titleStyle.Render(m.title) + " " + dimStyle.Render(m.status) + "\n")
		return b.String()
	}

	b.WriteString(m.spinner.View() + " " + titleStyle.Render(m.title) + " " + m.status)
	if m.stage != "" {
		b.WriteString(dimStyle.Render(" · " + string(m.stage)))
	}
	b.WriteString("\n")
	for _, l := range m.lines {
		b.WriteString("  " + l + "\n")
	}
	return b.String()
}

// err reports the stream's failure, if any.
func (m watchModel) err() error {
	switch {
	case m.errMsg != "":
		code := vigilerr.Code(m.errType)
		if code == "" {
			code = vigilerr.CodeServerInternalFailure
		}
		return vigilerr.New(code, m.errMsg)
	case m.cancelled:
		return vigilerr.New(vigilerr.CodeCLIInputInvalid, "cancelled")
	case m.final == nil:
		return vigilerr.New(vigilerr.CodeServerInternalFailure, "stream ended without a result")
	}
	return nil
}

// watch shows the live progress of events on out and returns the final
// event's data. Quitting the view cancels the operation.
func watch(ctx context.Context, cancel context.CancelFunc, out io.Writer, title string, events <-chan agent.Event) (map[string]any, error) {
	p := tea.NewProgram(newWatchModel(title, events),
		tea.WithContext(ctx),
		tea.WithOutput(out),
		tea.WithInput(nil),
	)
	final, err := p.Run()
	cancel()
	for range events {
		// Drain so the producer can finish.
	}
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil, vigilerr.New(vigilerr.CodeCLIInputInvalid, "interrupted")
	}
	if err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeCLISetupFailure, "progress view")
	}
	m, ok := final.(watchModel)
	if !ok {
		return nil, vigilerr.Errorf(vigilerr.CodeCLISetupFailure, "progress view returned %T", final)
	}
	if err := m.err(); err != nil {
		return nil, err
	}
	return m.final, nil
}

// decodeFinal converts a final event's data back into the result type.
func decodeFinal[T any](data map[string]any) (*T, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeCLISetupFailure, "encoding result")
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeCLISetupFailure, "decoding result")
	}
	return &out, nil
}

func str(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
