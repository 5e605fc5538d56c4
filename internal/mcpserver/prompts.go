// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	TriagePromptName = "incident_triage"
	RiskPromptName   = "service_risk_review"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        TriagePromptName,
		Description: "Triage an incident: gather evidence, then run a root-cause analysis",
		Arguments: []*mcp.PromptArgument{
			{Name: "description", Description: "What users are seeing", Required: true},
			{Name: "last_minutes", Description: "How far back the incident started, default 60"},
		},
	}, func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := req.Params.Arguments
		minutes := argOr(args, "last_minutes", "60")
		return promptResult("Incident triage", fmt.Sprintf(
			"An incident is in progress: %s\n\n"+
				"1. Call %s with this description and time_range.last_minutes=%s.\n"+
				"2. Check the top root cause against its key_logs and key_indicators.\n"+
				"3. Summarize the most likely cause and the first next action for the on-call engineer.",
			argOr(args, "description", "unspecified"), AnalyzeToolName, minutes)), nil
	})

	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        RiskPromptName,
		Description: "Review the failure risk of a service before a change",
		Arguments: []*mcp.PromptArgument{
			{Name: "service_name", Description: "Service to review", Required: true},
		},
	}, func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		service := argOr(req.Params.Arguments, "service_name", "unspecified")
		return promptResult("Service risk review", fmt.Sprintf(
			"Call %s for service %q. If the risk level is medium or high, call %s to ask which errors "+
				"drive it, and recommend whether to proceed with the change.",
			PredictToolName, service, AskToolName)), nil
	})
}

func argOr(args map[string]string, key, def string) string {
	if v, ok := args[key]; ok && v != "" {
		return v
	}
	return def
}

func promptResult(description, text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []*mcp.PromptMessage{{
			Role:    "user",
			Content: &mcp.TextContent{Text: text},
		}},
	}
}
