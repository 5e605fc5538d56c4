// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sigil-dev/vigil/internal/ops"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	AskToolName     = "vigil_ask"
	AnalyzeToolName = "vigil_analyze"
	PredictToolName = "vigil_predict"
)

func object(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

var timeRangeSchema = object(nil, map[string]any{
	"start":        str("Window start, RFC 3339 or zone-less ISO 8601"),
	"end":          str("Window end, RFC 3339 or zone-less ISO 8601"),
	"last_minutes": map[string]any{"type": "integer", "minimum": 0, "maximum": ops.MaxLastMinutes, "description": "Relative window ending now; overrides start and end"},
})

func (s *Server) registerOpsTools() {
	s.addTool(&mcp.Tool{
		Name: AskToolName,
		Description: "Answer an operational question about production services. Vigil queries Loki and " +
			"Prometheus itself and returns the answer with the LogQL it used and its tool trace.",
		InputSchema: object([]string{"question"}, map[string]any{
			"question":   str("Question about the production system"),
			"time_range": timeRangeSchema,
			"session_id": str("Conversation to continue"),
		}),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, opsHandler(s, AskToolName, s.cfg.Ops.Ask))

	s.addTool(&mcp.Tool{
		Name: AnalyzeToolName,
		Description: "Run a root-cause analysis of an incident window. Returns a summary, ranked root causes " +
			"with evidence, and next actions. Several models can be reconciled with ensemble.",
		InputSchema: object([]string{"description", "time_range"}, map[string]any{
			"description": str("What went wrong"),
			"time_range":  timeRangeSchema,
			"session_id":  str("Conversation to continue"),
			"model":       str("provider/model to run, or the ensemble fallback"),
			"ensemble":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "provider/model refs to run and reconcile"},
		}),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, opsHandler(s, AnalyzeToolName, s.cfg.Ops.Analyze))

	s.addTool(&mcp.Tool{
		Name:        PredictToolName,
		Description: "Estimate the short-term failure risk of a service from its metrics and error-log history.",
		InputSchema: object([]string{"service_name"}, map[string]any{
			"service_name":   str("Service to assess"),
			"lookback_hours": map[string]any{"type": "integer", "minimum": 0, "maximum": 720, "description": "History to consider, default 24"},
			"session_id":     str("Conversation to continue"),
			"model":          str("provider/model to run"),
		}),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, opsHandler(s, PredictToolName, s.cfg.Ops.Predict))
}

// opsHandler decodes the arguments into Req and runs op. Failures, invalid
// arguments included, come back as error results.
func opsHandler[Req, Resp any](s *Server, name string, op func(context.Context, Req) (Resp, error)) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		started := time.Now()
		var in Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				err = vigilerr.Wrap(err, vigilerr.CodeOpsRequestInvalid, "invalid arguments")
				s.metrics.RecordToolCall(name, time.Since(started), err)
				return errorResult(err), nil
			}
		}
		out, err := op(ctx, in)
		s.metrics.RecordToolCall(name, time.Since(started), err)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(out)
	}
}
