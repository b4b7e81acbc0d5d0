// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/toolspec"
)

// SQLiteStore persists entries in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(errors.CodeInternal, "create registry directory", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "open registry", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteStore uses an existing database handle and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "db is nil", nil)
	}
	if err := ensureRegistrySchema(db); err != nil {
		return nil, errors.New(errors.CodeInternal, "registry schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Insert implements Store. The insert and the schema comparison for an
// existing name run in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, spec toolspec.ToolSpec) (*Entry, error) {
	spec, err := prepare(spec)
	if err != nil {
		return nil, err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode spec", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "begin registry insert", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tools (name, fingerprint, spec_json, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, spec.Name, fingerprintOf(spec), string(specJSON), now, now)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "insert tool", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := getEntry(ctx, tx, spec.Name)
		if err != nil {
			return nil, err
		}
		if !existing.Spec.SameSchema(spec) {
			return nil, conflict(existing.Spec, spec)
		}
		return existing, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.New(errors.CodeInternal, "commit registry insert", err)
	}
	return newEntry(spec, now), nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, spec toolspec.ToolSpec) (*Entry, error) {
	spec, err := prepare(spec)
	if err != nil {
		return nil, err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode spec", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "begin registry update", err)
	}
	defer tx.Rollback()

	existing, err := getEntry(ctx, tx, spec.Name)
	if err != nil {
		return nil, err
	}
	clearCache := !existing.Spec.SameSchema(spec)
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tools SET fingerprint = ?, spec_json = ?, updated_at = ?,
			cached_output_json = CASE WHEN ? THEN NULL ELSE cached_output_json END,
			cached_args_hash = CASE WHEN ? THEN NULL ELSE cached_args_hash END
		WHERE name = ?
	`, fingerprintOf(spec), string(specJSON), now, clearCache, clearCache, spec.Name); err != nil {
		return nil, errors.New(errors.CodeInternal, "update tool", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.New(errors.CodeInternal, "commit registry update", err)
	}
	existing.Spec = spec
	existing.Fingerprint = fingerprintOf(spec)
	existing.UpdatedAt = now
	if clearCache {
		existing.LastCachedOutput = nil
		existing.CachedArgsHash = ""
	}
	return existing, nil
}

// GetByName implements Store.
func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*Entry, error) {
	return getEntry(ctx, s.db, name)
}

// List implements Store. Entries are ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+" ORDER BY name ASC")
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list tools", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "list tools", err)
	}
	return out, nil
}

// GetCachedOutput implements Store.
func (s *SQLiteStore) GetCachedOutput(ctx context.Context, name string) (*sandbox.Result, string, bool, error) {
	var (
		output sql.NullString
		hash   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT cached_output_json, cached_args_hash FROM tools WHERE name = ?`, name).Scan(&output, &hash)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, "", false, notFound(name)
	}
	if err != nil {
		return nil, "", false, errors.New(errors.CodeInternal, "read cached output", err)
	}
	if !output.Valid || output.String == "" {
		return nil, "", false, nil
	}
	var res sandbox.Result
	if err := json.Unmarshal([]byte(output.String), &res); err != nil {
		return nil, "", false, errors.New(errors.CodeInternal, "decode cached output", err)
	}
	return &res, hash.String, true, nil
}

// RecordExecution implements Store.
func (s *SQLiteStore) RecordExecution(ctx context.Context, name string, res *sandbox.Result, argsHash string) error {
	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	if res != nil && res.Succeeded {
		data, encErr := json.Marshal(res)
		if encErr != nil {
			return errors.New(errors.CodeInternal, "encode cached output", encErr)
		}
		result, err = s.db.ExecContext(ctx, `
			UPDATE tools SET usage_count = usage_count + 1, cached_output_json = ?, cached_args_hash = ?, updated_at = ?
			WHERE name = ?
		`, string(data), argsHash, now, name)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE tools SET usage_count = usage_count + 1, updated_at = ? WHERE name = ?
		`, now, name)
	}
	if err != nil {
		return errors.New(errors.CodeInternal, "record execution", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(name)
	}
	return nil
}

// Close implements Store. A handle passed to NewSQLiteStore is left open.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

const selectEntry = `
	SELECT name, fingerprint, spec_json, cached_output_json, cached_args_hash, usage_count, created_at, updated_at
	FROM tools
`

type rowScanner interface {
	Scan(dest ...any) error
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q rowQueryer, name string) (*Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, selectEntry+" WHERE name = ?", name))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(name)
	}
	return e, err
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		name     string
		e        Entry
		specJSON string
		output   sql.NullString
		hash     sql.NullString
		created  sql.NullTime
		updated  sql.NullTime
	)
	err := row.Scan(&name, &e.Fingerprint, &specJSON, &output, &hash, &e.UsageCount, &created, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "scan tool", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &e.Spec); err != nil {
		return nil, errors.New(errors.CodeInternal, fmt.Sprintf("decode spec of %s", name), err)
	}
	if output.Valid && output.String != "" {
		var res sandbox.Result
		if err := json.Unmarshal([]byte(output.String), &res); err == nil {
			e.LastCachedOutput = &res
		}
	}
	e.CachedArgsHash = hash.String
	if created.Valid {
		e.CreatedAt = created.Time.UTC()
	}
	if updated.Valid {
		e.UpdatedAt = updated.Time.UTC()
	}
	return &e, nil
}

func ensureRegistrySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tools (
			name TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			spec_json TEXT NOT NULL,
			cached_output_json TEXT,
			cached_args_hash TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tools_fingerprint ON tools(fingerprint);
	`)
	return err
}
