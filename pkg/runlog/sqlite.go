// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/errors"
)

// SQLiteStore persists run events and artifacts in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteStore creates a SQLite-backed run log and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "db is nil", nil)
	}
	if err := ensureRunlogSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Record stores a single event.
func (s *SQLiteStore) Record(ctx context.Context, event core.Event) error {
	payload, err := encodePayload(event.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, subtask_id, type, payload_json, ts)
		VALUES (?, ?, ?, ?, ?)
	`,
		event.RunID,
		event.SubtaskID,
		string(event.Type),
		string(payload),
		normalizeTime(event.Timestamp),
	)
	return err
}

// List returns events matching the filter in recording order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]core.Event, error) {
	query := `SELECT run_id, subtask_id, type, payload_json, ts FROM run_events`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if filter.Type != "" {
		addFilter("type = ?", string(filter.Type))
	}
	if filter.SubtaskID != 0 {
		addFilter("subtask_id = ?", filter.SubtaskID)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var (
			ev      core.Event
			typ     string
			payload sql.NullString
			ts      sql.NullTime
		)
		if err := rows.Scan(&ev.RunID, &ev.SubtaskID, &typ, &payload, &ts); err != nil {
			return nil, err
		}
		ev.Type = core.EventType(typ)
		if payload.Valid {
			if p, err := decodePayload([]byte(payload.String)); err == nil {
				ev.Payload = p
			}
		}
		if ts.Valid {
			ev.Timestamp = ts.Time.UTC()
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// WriteArtifact stores or replaces an artifact.
func (s *SQLiteStore) WriteArtifact(ctx context.Context, runID, name string, data []byte) error {
	name, err := artifactName(name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_artifacts (run_id, name, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, runID, name, data, time.Now().UTC())
	return err
}

// ReadArtifact implements Store.
func (s *SQLiteStore) ReadArtifact(ctx context.Context, runID, name string) ([]byte, error) {
	name, err := artifactName(name)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM run_artifacts WHERE run_id = ? AND name = ?`, runID, name).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, artifactNotFound(runID, name)
	}
	return data, err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func ensureRunlogSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			subtask_id INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			payload_json TEXT,
			ts TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);
		CREATE INDEX IF NOT EXISTS idx_run_events_type ON run_events(type);
		CREATE TABLE IF NOT EXISTS run_artifacts (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			data BLOB,
			updated_at TIMESTAMP,
			PRIMARY KEY (run_id, name)
		);
	`)
	return err
}
