// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package mcpserver exposes Vigil's observability tools and diagnostic
// operations over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/metrics"
	"github.com/sigil-dev/vigil/internal/ops"
	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// Operations runs the diagnostic use cases. *ops.Service satisfies it.
type Operations interface {
	Ask(ctx context.Context, req ops.AskRequest) (*ops.Answer, error)
	Analyze(ctx context.Context, req ops.AnalyzeRequest) (*ops.Analysis, error)
	Predict(ctx context.Context, req ops.PredictRequest) (*ops.Prediction, error)
}

// RunReader reads the run archive.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, opts store.ListOpts) ([]*store.Run, error)
}

// Config wires the MCP server.
type Config struct {
	Name    string
	Version string
	// Tools are exposed as-is. The trace_note pseudo-tool is skipped.
	Tools   []agent.Tool
	Ops     Operations
	Runs    RunReader
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is an MCP server over Vigil's toolbox and operations.
type Server struct {
	mcp     *mcp.Server
	cfg     Config
	logger  *slog.Logger
	tools   []string
	metrics *metrics.Metrics
}

// New builds the server and registers every tool, prompt and resource.
func New(cfg Config) (*Server, error) {
	if cfg.Ops == nil {
		return nil, vigilerr.New(vigilerr.CodeServerConfigInvalid, "mcp: operations service is required")
	}
	if cfg.Name == "" {
		cfg.Name = "vigil"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, &mcp.ServerOptions{
			HasTools:     true,
			HasPrompts:   true,
			HasResources: cfg.Runs != nil,
		}),
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}

	for _, t := range cfg.Tools {
		if t.Name == agent.NoteToolName {
			continue
		}
		s.registerAgentTool(t)
	}
	s.registerOpsTools()
	s.registerPrompts()
	if cfg.Runs != nil {
		s.registerResources()
	}

	logger.Info("mcp server ready", slog.Int("tools", len(s.tools)))
	return s, nil
}

// MCP returns the underlying server, e.g. to connect a custom transport.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// ToolNames lists the registered tools in registration order.
func (s *Server) ToolNames() []string { return append([]string(nil), s.tools...) }

// Run serves one session over transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.mcp.Run(ctx, transport); err != nil && ctx.Err() == nil {
		return vigilerr.Wrap(err, vigilerr.CodeServerInternalFailure, "mcp session")
	}
	return nil
}

// ServeStdio serves over stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) addTool(t *mcp.Tool, h mcp.ToolHandler) {
	s.mcp.AddTool(t, h)
	s.tools = append(s.tools, t.Name)
	s.logger.Debug("registered mcp tool", slog.String("tool", t.Name))
}

// registerAgentTool exposes a toolbox tool. Its raw arguments are the tool
// input, exactly as a model would send them.
func (s *Server) registerAgentTool(t agent.Tool) {
	s.addTool(&mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		started := time.Now()
		input := "{}"
		if len(req.Params.Arguments) > 0 {
			input = string(req.Params.Arguments)
		}
		out, err := t.Invoke(ctx, input)
		s.metrics.RecordToolCall(t.Name, time.Since(started), err)
		if err != nil {
			return errorResult(err), nil
		}
		return textResult(out), nil
	})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// errorResult reports a tool failure to the client as content, so the
// calling model can read it and adjust.
func errorResult(err error) *mcp.CallToolResult {
	body, _ := json.Marshal(map[string]any{
		"error":      err.Error(),
		"error_type": string(vigilerr.CodeOf(err)),
	})
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeServerInternalFailure, "encoding tool result")
	}
	return textResult(string(body)), nil
}
