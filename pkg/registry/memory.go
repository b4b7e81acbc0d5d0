package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/toolspec"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}, now: func() time.Time { return time.Now().UTC() }}
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, spec toolspec.ToolSpec) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := prepare(spec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[spec.Name]; ok {
		if !existing.Spec.SameSchema(spec) {
			return nil, conflict(existing.Spec, spec)
		}
		return copyEntry(existing), nil
	}
	e := newEntry(spec, s.now())
	s.entries[spec.Name] = e
	return copyEntry(e), nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, spec toolspec.ToolSpec) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := prepare(spec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[spec.Name]
	if !ok {
		return nil, notFound(spec.Name)
	}
	if !e.Spec.SameSchema(spec) {
		// The cached output no longer describes this tool.
		e.LastCachedOutput = nil
		e.CachedArgsHash = ""
	}
	e.Spec = spec
	e.Fingerprint = fingerprintOf(spec)
	e.UpdatedAt = s.now()
	return copyEntry(e), nil
}

// GetByName implements Store.
func (s *MemoryStore) GetByName(_ context.Context, name string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, notFound(name)
	}
	return copyEntry(e), nil
}

// List implements Store. Entries are ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out, nil
}

// GetCachedOutput implements Store.
func (s *MemoryStore) GetCachedOutput(_ context.Context, name string) (*sandbox.Result, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, "", false, notFound(name)
	}
	if e.LastCachedOutput == nil {
		return nil, "", false, nil
	}
	return cloneResult(e.LastCachedOutput), e.CachedArgsHash, true, nil
}

// RecordExecution implements Store.
func (s *MemoryStore) RecordExecution(_ context.Context, name string, res *sandbox.Result, argsHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return notFound(name)
	}
	e.UsageCount++
	if res != nil && res.Succeeded {
		e.LastCachedOutput = cloneResult(res)
		e.CachedArgsHash = argsHash
	}
	e.UpdatedAt = s.now()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Spec = e.Spec.Clone()
	cp.LastCachedOutput = cloneResult(e.LastCachedOutput)
	return &cp
}
