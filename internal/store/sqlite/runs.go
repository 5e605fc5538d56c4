// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

// Package sqlite implements the run archive on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/vigil/internal/store"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", func(dataPath string) (store.RunStore, error) {
		return NewRunStore(filepath.Join(dataPath, "runs.db"))
	})
}

// Compile-time interface check.
var _ store.RunStore = (*RunStore)(nil)

// RunStore implements store.RunStore backed by SQLite.
type RunStore struct {
	db *sql.DB
}

// NewRunStore opens (or creates) a SQLite database at dbPath and initialises
// the runs table.
func NewRunStore(dbPath string) (*RunStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	return &RunStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	stop_reason TEXT NOT NULL DEFAULT '',
	iterations  INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	request     TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL DEFAULT '',
	trace       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	duration_ns INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *RunStore) Close() error {
	return s.db.Close()
}

func (s *RunStore) SaveRun(ctx context.Context, run *store.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	const q = `INSERT INTO runs (id, operation, session_id, model, status, stop_reason, iterations, error, request, result, trace, created_at, duration_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	operation = excluded.operation, session_id = excluded.session_id, model = excluded.model,
	status = excluded.status, stop_reason = excluded.stop_reason, iterations = excluded.iterations,
	error = excluded.error, request = excluded.request, result = excluded.result, trace = excluded.trace,
	created_at = excluded.created_at, duration_ns = excluded.duration_ns`

	_, err := s.db.ExecContext(ctx, q,
		run.ID,
		run.Operation,
		run.SessionID,
		run.Model,
		string(run.Status),
		run.StopReason,
		run.Iterations,
		run.Error,
		string(run.Request),
		string(run.Result),
		string(run.Trace),
		formatTime(run.CreatedAt),
		int64(run.Duration),
	)
	if err != nil {
		return vigilerr.Wrapf(err, vigilerr.CodeStoreDatabaseFailure, "saving run %s", run.ID)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (*store.Run, error) {
	const q = `SELECT id, operation, session_id, model, status, stop_reason, iterations, error, request, result, trace, created_at, duration_ns
FROM runs WHERE id = ?`

	var (
		run                    store.Run
		request, result, trace string
		createdAt              string
		duration               int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&run.ID,
		&run.Operation,
		&run.SessionID,
		&run.Model,
		&run.Status,
		&run.StopReason,
		&run.Iterations,
		&run.Error,
		&request,
		&result,
		&trace,
		&createdAt,
		&duration,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(id)
	}
	if err != nil {
		return nil, vigilerr.Wrapf(err, vigilerr.CodeStoreDatabaseFailure, "getting run %s", id)
	}

	run.Request = raw(request)
	run.Result = raw(result)
	run.Trace = raw(trace)
	run.CreatedAt = parseTime(createdAt)
	run.Duration = time.Duration(duration)
	return &run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, opts store.ListOpts) ([]*store.Run, error) {
	var (
		where []string
		args  []any
	)
	if opts.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, opts.Operation)
	}
	if opts.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}

	q := `SELECT id, operation, session_id, model, status, stop_reason, iterations, error, created_at, duration_ns FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.EffectiveLimit(), max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeStoreDatabaseFailure, "listing runs")
	}
	defer rows.Close()

	runs := []*store.Run{}
	for rows.Next() {
		var (
			run       store.Run
			createdAt string
			duration  int64
		)
		if err := rows.Scan(
			&run.ID,
			&run.Operation,
			&run.SessionID,
			&run.Model,
			&run.Status,
			&run.StopReason,
			&run.Iterations,
			&run.Error,
			&createdAt,
			&duration,
		); err != nil {
			return nil, vigilerr.Wrap(err, vigilerr.CodeStoreDatabaseFailure, "scanning run")
		}
		run.CreatedAt = parseTime(createdAt)
		run.Duration = time.Duration(duration)
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, vigilerr.Wrap(err, vigilerr.CodeStoreDatabaseFailure, "iterating runs")
	}
	return runs, nil
}

func raw(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// formatTime serialises t with a fixed width so lexical order is time order.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
