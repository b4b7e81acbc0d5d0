// Package runlog persists the events and artifacts of orchestrator runs.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/errors"
)

// Store persists run events and artifacts.
type Store interface {
	Record(ctx context.Context, event core.Event) error
	List(ctx context.Context, filter Filter) ([]core.Event, error)
	WriteArtifact(ctx context.Context, runID, name string, data []byte) error
	ReadArtifact(ctx context.Context, runID, name string) ([]byte, error)
	Close() error
}

// Filter limits event queries. Zero fields match everything.
type Filter struct {
	RunID     string
	Type      core.EventType
	SubtaskID int
	Limit     int
}

func (f Filter) match(ev core.Event) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.SubtaskID != 0 && ev.SubtaskID != f.SubtaskID {
		return false
	}
	return true
}

// Open returns the store selected by cfg.Store: file, sqlite or memory.
func Open(cfg config.RunsConfig) (Store, error) {
	switch cfg.Store {
	case "", "file":
		return NewFileStore(cfg.Dir), nil
	case "sqlite":
		return OpenSQLite(filepath.Join(cfg.Dir, "runs.db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown runs store %q", cfg.Store), nil)
	}
}

// Emitter adapts a Store to core.EventEmitter. Write failures are logged and
// never interrupt the run.
type Emitter struct {
	Store  Store
	Logger *slog.Logger
}

// Emit implements core.EventEmitter.
func (e Emitter) Emit(ctx context.Context, event core.Event) {
	if e.Store == nil {
		return
	}
	if err := e.Store.Record(context.WithoutCancel(ctx), event); err != nil {
		logger := e.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(ctx, "runlog.record.failed",
			slog.String("run_id", event.RunID),
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// MemoryStore keeps events and artifacts in memory.
type MemoryStore struct {
	mu        sync.Mutex
	events    []core.Event
	artifacts map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: map[string][]byte{}}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, event core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Timestamp = normalizeTime(event.Timestamp)
	s.events = append(s.events, event)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Event, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// WriteArtifact implements Store.
func (s *MemoryStore) WriteArtifact(_ context.Context, runID, name string, data []byte) error {
	name, err := artifactName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[runID+"/"+name] = append([]byte(nil), data...)
	return nil
}

// ReadArtifact implements Store.
func (s *MemoryStore) ReadArtifact(_ context.Context, runID, name string) ([]byte, error) {
	name, err := artifactName(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.artifacts[runID+"/"+name]
	if !ok {
		return nil, artifactNotFound(runID, name)
	}
	return append([]byte(nil), data...), nil
}

// Artifacts lists the artifact names of a run.
func (s *MemoryStore) Artifacts(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.artifacts {
		if name, ok := strings.CutPrefix(k, runID+"/"); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// artifactName cleans a slash separated artifact name and rejects names
// escaping the run directory.
func artifactName(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || clean == "." || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid artifact name %q", name), nil)
	}
	return clean, nil
}

func artifactNotFound(runID, name string) error {
	return errors.New(errors.CodeNotFound, "artifact not found", nil).
		WithContext("run_id", runID).
		WithContext("artifact", name)
}

func encodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	return json.Marshal(payload)
}

func decodePayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
