// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/vigil/internal/agent"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

const (
	contentTypeNDJSON = "application/x-ndjson"
	contentTypeSSE    = "text/event-stream"
	maxRequestBody    = 1 << 20
)

// streamStarter validates a request and starts its run.
type streamStarter[Req any] func(ctx context.Context, req Req) (<-chan agent.Event, error)

func (s *Server) registerStreamRoutes() {
	registerStream(s, "chatops-ask-stream", "/api/v1/chatops/ask/stream",
		"Answer an operational question with progress events", "chatops", s.svc.Ops.AskStream)
	registerStream(s, "rca-analyze-stream", "/api/v1/rca/analyze/stream",
		"Analyze an incident with progress events", "rca", s.svc.Ops.AnalyzeStream)
	registerStream(s, "predict-run-stream", "/api/v1/predict/run/stream",
		"Estimate failure risk with progress events", "predict", s.svc.Ops.PredictStream)
}

// registerStream mounts a raw chi route and documents it by hand. The handler
// needs the http.ResponseWriter to flush each event, which huma's handler
// signature does not give.
func registerStream[Req any](s *Server, id, path, summary, tag string, start streamStarter[Req]) {
	s.router.Post(path, func(w http.ResponseWriter, r *http.Request) {
		s.serveStream(w, r, id, func(ctx context.Context, body io.Reader) (<-chan agent.Event, error) {
			var req Req
			if err := json.NewDecoder(body).Decode(&req); err != nil {
				return nil, vigilerr.Wrap(err, vigilerr.CodeServerRequestInvalid, "invalid request body")
			}
			return start(ctx, req)
		})
	})

	reqSchema := s.api.OpenAPI().Components.Schemas.Schema(reflect.TypeFor[Req](), true, id+"-request")
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Description: "Runs the operation and streams its progress events, closing with final or error and then end. " +
			"Responds with NDJSON, or with server-sent events when Accept is text/event-stream.",
		Tags: []string{tag},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: reqSchema},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Progress events",
				Content: map[string]*huma.MediaType{
					contentTypeNDJSON: {Schema: &huma.Schema{Type: "object", Description: "One event object per line"}},
					contentTypeSSE:    {Schema: &huma.Schema{Type: "string", Description: "Server-sent event stream"}},
				},
			},
			"400": {Description: "Invalid request"},
			"429": {Description: "Rate limited"},
		},
	})
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, op string,
	start func(context.Context, io.Reader) (<-chan agent.Event, error),
) {
	events, err := start(r.Context(), http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		status := vigilerr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.ErrorContext(r.Context(), op+" failed", slog.Any("error", err))
		}
		writeError(w, err)
		return
	}

	sse := strings.Contains(r.Header.Get("Accept"), contentTypeSSE)
	if sse {
		w.Header().Set("Content-Type", contentTypeSSE)
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", contentTypeNDJSON)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	broken := false
	// Drain until the producer closes the channel, even after the client
	// went away.
	for ev := range events {
		if broken {
			continue
		}
		if err := writeEvent(w, ev, sse); err != nil {
			s.logger.WarnContext(r.Context(), "stream write failed", slog.String("operation", op), slog.Any("error", err))
			broken = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev agent.Event, sse bool) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if sse {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// writeError writes err as an RFC 9457 problem document, the same shape huma
// uses for its own errors.
func writeError(w http.ResponseWriter, err error) {
	status := vigilerr.HTTPStatus(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "internal error"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
