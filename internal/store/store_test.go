// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/vigil/internal/store"
	_ "github.com/sigil-dev/vigil/internal/store/sqlite" // register sqlite backend
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func sampleRun(id string, at time.Time) *store.Run {
	return &store.Run{
		ID:         id,
		Operation:  "rca.analyze",
		SessionID:  "s1",
		Model:      "openai/gpt-4o",
		Status:     store.RunStatusOK,
		StopReason: "final",
		Iterations: 3,
		Request:    json.RawMessage(`{"description":"checkout 500s"}`),
		Result:     json.RawMessage(`{"summary":"pool exhausted"}`),
		Trace:      json.RawMessage(`[{"index":0,"tool":"trace_note"}]`),
		CreatedAt:  at,
		Duration:   1500 * time.Millisecond,
	}
}

func TestRunValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *store.Run)
	}{
		{"missing id", func(r *store.Run) { r.ID = "" }},
		{"missing operation", func(r *store.Run) { r.Operation = "" }},
		{"bad status", func(r *store.Run) { r.Status = "pending" }},
		{"zero time", func(r *store.Run) { r.CreatedAt = time.Time{} }},
		{"bad json", func(r *store.Run) { r.Result = json.RawMessage(`{`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleRun("r1", t0)
			tt.mutate(r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, vigilerr.IsInvalidInput(err))
		})
	}
	require.NoError(t, sampleRun("r1", t0).Validate())
}

// backends opens every registered backend in a fresh directory.
func backends(t *testing.T) map[string]store.RunStore {
	t.Helper()
	out := map[string]store.RunStore{}
	for _, name := range []string{"memory", "sqlite"} {
		s, err := store.NewRunStore(store.StorageConfig{Backend: name, Path: t.TempDir()})
		require.NoError(t, err, name)
		t.Cleanup(func() { _ = s.Close() })
		out[name] = s
	}
	return out
}

func TestRunStore_SaveAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleRun("r1", t0)
			require.NoError(t, s.SaveRun(ctx, want))

			got, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, want.Operation, got.Operation)
			assert.Equal(t, want.Status, got.Status)
			assert.Equal(t, want.Iterations, got.Iterations)
			assert.JSONEq(t, string(want.Result), string(got.Result))
			assert.JSONEq(t, string(want.Trace), string(got.Trace))
			assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, want.Duration, got.Duration)

			_, err = s.GetRun(ctx, "missing")
			require.Error(t, err)
			assert.True(t, vigilerr.IsNotFound(err))
		})
	}
}

func TestRunStore_SaveOverwrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := sampleRun("r1", t0)
			require.NoError(t, s.SaveRun(ctx, r))

			r.Status, r.Error = store.RunStatusError, "timeout"
			require.NoError(t, s.SaveRun(ctx, r))

			got, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, store.RunStatusError, got.Status)
			assert.Equal(t, "timeout", got.Error)

			list, err := s.ListRuns(ctx, store.ListOpts{})
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestRunStore_ListNewestFirst(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := range 5 {
				r := sampleRun(fmt.Sprintf("r%d", i), t0.Add(time.Duration(i)*time.Minute))
				if i%2 == 1 {
					r.Operation, r.SessionID = "chatops.ask", "s2"
				}
				require.NoError(t, s.SaveRun(ctx, r))
			}

			all, err := s.ListRuns(ctx, store.ListOpts{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "r4", all[0].ID)
			assert.Equal(t, "r0", all[4].ID)
			assert.Empty(t, all[0].Result, "summaries omit bodies")

			asks, err := s.ListRuns(ctx, store.ListOpts{Operation: "chatops.ask"})
			require.NoError(t, err)
			require.Len(t, asks, 2)
			assert.Equal(t, "r3", asks[0].ID)

			page, err := s.ListRuns(ctx, store.ListOpts{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "r3", page[0].ID)

			bySession, err := s.ListRuns(ctx, store.ListOpts{SessionID: "s1"})
			require.NoError(t, err)
			assert.Len(t, bySession, 3)

			none, err := s.ListRuns(ctx, store.ListOpts{Offset: 10})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemoryRunStore_Capacity(t *testing.T) {
	s := store.NewMemoryRunStore(2)
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.SaveRun(ctx, sampleRun(fmt.Sprintf("r%d", i), t0.Add(time.Duration(i)*time.Second))))
	}

	_, err := s.GetRun(ctx, "r0")
	assert.True(t, vigilerr.IsNotFound(err))
	list, err := s.ListRuns(ctx, store.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestNewRunStore_UnknownBackend(t *testing.T) {
	_, err := store.NewRunStore(store.StorageConfig{Backend: "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}
