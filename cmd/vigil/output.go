// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/risk"
	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Output formats accepted by --output.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return vigilerr.Errorf(vigilerr.CodeCLIInputInvalid, "--output must be one of [text, json, yaml], got %q", format)
	}
}

// render writes v as JSON or YAML, or through text for the text format.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		out, err := toYAML(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return text(w)
	}
}

// toYAML renders v's JSON form as block YAML. Going through JSON keeps the
// json tags and field order of the API types.
func toYAML(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeCLISetupFailure, "encoding output")
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeCLISetupFailure, "converting output to yaml")
	}
	blockStyle(&doc)
	return yaml.Marshal(&doc)
}

// blockStyle clears the flow style and string quoting JSON input parses
// with. The encoder quotes again any string that would read as another type.
func blockStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		n.Style = 0
	case yaml.ScalarNode:
		if n.ShortTag() == "!!str" {
			n.Style = 0
		}
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func writeAnswer(w io.Writer, a *ops.Answer) error {
	var b strings.Builder
	b.WriteString(a.Answer + "\n\n")
	field(&b, "Window", a.Start+" → "+a.End)
	if a.UsedLogQL != "" {
		field(&b, "LogQL", a.UsedLogQL)
	}
	writeTraceSummary(&b, a.Trace)
	field(&b, "Run", a.RunID)
	_, err := io.WriteString(w, b.String())
	return err
}

func writeAnalysis(w io.Writer, a *ops.Analysis) error {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Summary") + "\n")
	b.WriteString(a.Summary + "\n\n")

	if len(a.RankedRootCauses) > 0 {
		b.WriteString(titleStyle.Render("Root causes") + "\n")
		for _, rc := range a.RankedRootCauses {
			head := fmt.Sprintf("%d. %s", rc.Rank, rc.Description)
			if rc.Service != "" {
				head += dimStyle.Render(" [" + rc.Service + "]")
			}
			if rc.Probability != nil {
				head += dimStyle.Render(fmt.Sprintf(" p=%.2f", *rc.Probability))
			}
			b.WriteString(head + "\n")
			for _, ind := range rc.KeyIndicators {
				b.WriteString("   " + labelStyle.Render("indicator") + " " + ind + "\n")
			}
			for _, l := range rc.KeyLogs {
				b.WriteString("   " + labelStyle.Render("log") + " " + dimStyle.Render(l) + "\n")
			}
		}
		b.WriteString("\n")
	}

	if len(a.NextActions) > 0 {
		b.WriteString(titleStyle.Render("Next actions") + "\n")
		for _, act := range a.NextActions {
			b.WriteString("- " + act + "\n")
		}
		b.WriteString("\n")
	}

	if a.Model != "" {
		field(&b, "Model", a.Model)
	}
	if len(a.EnsembleScores) > 0 {
		parts := make([]string, 0, len(a.EnsembleScores))
		for _, ref := range slices.Sorted(maps.Keys(a.EnsembleScores)) {
			parts = append(parts, fmt.Sprintf("%s=%.3f", ref, a.EnsembleScores[ref]))
		}
		field(&b, "Ensemble", strings.Join(parts, " "))
	}
	writeTraceSummary(&b, a.Trace)
	field(&b, "Run", a.RunID)
	_, err := io.WriteString(w, b.String())
	return err
}

func writePrediction(w io.Writer, p *ops.Prediction) error {
	var b strings.Builder
	level := riskStyle(p.RiskLevel).Render(strings.ToUpper(string(p.RiskLevel)))
	b.WriteString(boxStyle.Render(fmt.Sprintf("%s  risk %s  score %.2f", p.ServiceName, level, p.RiskScore)) + "\n\n")
	if p.Explanation != "" {
		b.WriteString(p.Explanation + "\n\n")
	}
	if len(p.LikelyFailures) > 0 {
		b.WriteString(titleStyle.Render("Likely failures") + "\n")
		for _, f := range p.LikelyFailures {
			b.WriteString("- " + f + "\n")
		}
		b.WriteString("\n")
	}
	writeTraceSummary(&b, p.Trace)
	field(&b, "Run", p.RunID)
	_, err := io.WriteString(w, b.String())
	return err
}

func riskStyle(l risk.Level) lipgloss.Style {
	switch l {
	case risk.LevelHigh:
		return errorStyle.Bold(true)
	case risk.LevelMedium:
		return warnStyle.Bold(true)
	default:
		return successStyle.Bold(true)
	}
}

func writeRunTable(w io.Writer, runs []*store.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs archived.")
		return err
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "OPERATION", "STATUS", "MODEL", "ITER", "DURATION", "CREATED")
	for _, r := range runs {
		t.Row(r.ID, r.Operation, string(r.Status), r.Model, strconv.Itoa(r.Iterations),
			r.Duration.Round(time.Millisecond).String(), r.CreatedAt.Local().Format(time.DateTime))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func writeRun(w io.Writer, r *store.Run) error {
	var b strings.Builder
	b.WriteString(titleStyle.Render(r.Operation+" "+r.ID) + "\n")
	field(&b, "Status", string(r.Status))
	if r.StopReason != "" {
		field(&b, "Stop", r.StopReason)
	}
	if r.Error != "" {
		field(&b, "Error", errorStyle.Render(r.Error))
	}
	if r.SessionID != "" {
		field(&b, "Session", r.SessionID)
	}
	field(&b, "Model", r.Model)
	field(&b, "Iterations", strconv.Itoa(r.Iterations))
	field(&b, "Duration", r.Duration.Round(time.Millisecond).String())
	field(&b, "Created", r.CreatedAt.Local().Format(time.RFC3339))

	section := func(name string, raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		b.WriteString("\n" + titleStyle.Render(name) + "\n")
		b.WriteString(indentJSON(raw) + "\n")
	}
	section("Request", r.Request)
	section("Result", r.Result)

	if len(r.Trace) > 0 {
		var trace []agent.ToolInvocation
		if err := json.Unmarshal(r.Trace, &trace); err == nil {
			b.WriteString("\n" + titleStyle.Render("Trace") + "\n")
			for _, inv := range trace {
				line := fmt.Sprintf("%2d. %s %s", inv.Index, inv.Tool, dimStyle.Render(inv.Duration.Round(time.Millisecond).String()))
				if inv.Error != "" {
					line += " " + errorStyle.Render(inv.Error)
				}
				b.WriteString(line + "\n")
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeTraceSummary(b *strings.Builder, trace []agent.ToolInvocation) {
	if len(trace) == 0 {
		return
	}
	tools := make([]string, 0, len(trace))
	for _, inv := range trace {
		tools = append(tools, inv.Tool)
	}
	field(b, "Tools", strings.Join(tools, " → "))
}

func field(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-11s", name+":")) + value + "\n")
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
