// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package store archives completed agent runs so they can be listed and
// inspected after the response has been sent.
package store

import (
	"context"
	"encoding/json"
	"time"

	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// RunStore persists completed runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns summaries newest first; Request, Result and Trace are
	// left empty.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)
	Close() error
}

// RunStatus is the terminal state of an archived run.
type RunStatus string

const (
	RunStatusOK    RunStatus = "ok"
	RunStatusError RunStatus = "error"
)

// Valid reports whether the status is known.
func (s RunStatus) Valid() bool {
	return s == RunStatusOK || s == RunStatusError
}

// Run is one archived operation.
type Run struct {
	ID         string          `json:"id"`
	Operation  string          `json:"operation"`
	SessionID  string          `json:"session_id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Status     RunStatus       `json:"status"`
	StopReason string          `json:"stop_reason,omitempty"`
	Iterations int             `json:"iterations"`
	Error      string          `json:"error,omitempty"`
	Request    json.RawMessage `json:"request,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Trace      json.RawMessage `json:"trace,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Duration   time.Duration   `json:"duration_ns"`
}

// Validate checks that the run has the fields every backend relies on.
func (r *Run) Validate() error {
	if r == nil {
		return vigilerr.New(vigilerr.CodeStoreInvalidInput, "run: nil")
	}
	if r.ID == "" {
		return vigilerr.New(vigilerr.CodeStoreInvalidInput, "run: ID is required")
	}
	if r.Operation == "" {
		return vigilerr.New(vigilerr.CodeStoreInvalidInput, "run: Operation is required")
	}
	if !r.Status.Valid() {
		return vigilerr.Errorf(vigilerr.CodeStoreInvalidInput, "run: invalid status %q", r.Status)
	}
	if r.CreatedAt.IsZero() {
		return vigilerr.New(vigilerr.CodeStoreInvalidInput, "run: CreatedAt is required")
	}
	for name, raw := range map[string]json.RawMessage{"Request": r.Request, "Result": r.Result, "Trace": r.Trace} {
		if len(raw) > 0 && !json.Valid(raw) {
			return vigilerr.Errorf(vigilerr.CodeStoreInvalidInput, "run: %s is not valid JSON", name)
		}
	}
	return nil
}

// DefaultListLimit applies when ListOpts.Limit is not positive.
const DefaultListLimit = 50

// ListOpts filters ListRuns. Zero values match everything.
type ListOpts struct {
	Operation string
	SessionID string
	Limit     int
	Offset    int
}

// EffectiveLimit returns Limit or DefaultListLimit.
func (o ListOpts) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// NotFound returns the error backends report for a missing run.
func NotFound(id string) error {
	return vigilerr.New(vigilerr.CodeStoreRunNotFound, "run not found: "+id, vigilerr.FieldRunID(id))
}
