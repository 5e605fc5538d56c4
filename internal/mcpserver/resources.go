// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	RunsURI        = "vigil://runs"
	runURIPrefix   = RunsURI + "/"
	recentRunCount = 20
	mimeJSON       = "application/json"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		URI:         RunsURI,
		Name:        RunsURI,
		Title:       "Recent runs",
		Description: "The most recent archived ask, analyze and predict runs, newest first",
		MIMEType:    mimeJSON,
	}, s.readRecentRuns)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: RunsURI + "/{id}",
		Name:        "Archived run",
		Description: "One archived run with its request, result and tool trace",
		MIMEType:    mimeJSON,
	}, s.readRun)
}

func (s *Server) readRecentRuns(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	runs, err := s.cfg.Runs.ListRuns(ctx, store.ListOpts{Limit: recentRunCount})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return jsonResource(RunsURI, runs)
}

func (s *Server) readRun(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	id, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	run, err := s.cfg.Runs.GetRun(ctx, id)
	if err != nil {
		if vigilerr.IsNotFound(err) {
			return nil, mcp.ResourceNotFoundError(uri)
		}
		return nil, err
	}
	return jsonResource(uri, run)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: mimeJSON, Text: string(body)}},
	}, nil
}
