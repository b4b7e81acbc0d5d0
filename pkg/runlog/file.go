package runlog

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/errors"
)

// FileStore writes each run under dir/<run_id>/: events as JSON lines in
// events.jsonl and artifacts under artifacts/.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed run log rooted at dir.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = "runs"
	}
	return &FileStore{dir: dir}
}

// Dir returns the directory of a run.
func (f *FileStore) Dir(runID string) string {
	return filepath.Join(f.dir, runID)
}

// Record appends a JSON-encoded event to the run's events file.
func (f *FileStore) Record(_ context.Context, event core.Event) error {
	if event.RunID == "" {
		return errors.New(errors.CodeInvalidInput, "event has no run id", nil)
	}
	event.Timestamp = normalizeTime(event.Timestamp)

	f.mu.Lock()
	defer f.mu.Unlock()
	dir := f.Dir(event.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(event)
}

// List reads events back. A RunID filter reads only that run; otherwise
// every run directory is scanned.
func (f *FileStore) List(_ context.Context, filter Filter) ([]core.Event, error) {
	runs := []string{filter.RunID}
	if filter.RunID == "" {
		entries, err := os.ReadDir(f.dir)
		if err != nil {
			if stderrors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		runs = runs[:0]
		for _, e := range entries {
			if e.IsDir() {
				runs = append(runs, e.Name())
			}
		}
	}

	var out []core.Event
	for _, run := range runs {
		events, err := f.readRun(run)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if !filter.match(ev) {
				continue
			}
			out = append(out, ev)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (f *FileStore) readRun(runID string) ([]core.Event, error) {
	file, err := os.Open(filepath.Join(f.Dir(runID), "events.jsonl"))
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []core.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var ev core.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// WriteArtifact writes data to dir/<run_id>/artifacts/<name>.
func (f *FileStore) WriteArtifact(_ context.Context, runID, name string, data []byte) error {
	name, err := artifactName(name)
	if err != nil {
		return err
	}
	target := filepath.Join(f.Dir(runID), "artifacts", filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o600)
}

// ReadArtifact implements Store.
func (f *FileStore) ReadArtifact(_ context.Context, runID, name string) ([]byte, error) {
	name, err := artifactName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.Dir(runID), "artifacts", filepath.FromSlash(name)))
	if stderrors.Is(err, os.ErrNotExist) {
		return nil, artifactNotFound(runID, name)
	}
	return data, err
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }
