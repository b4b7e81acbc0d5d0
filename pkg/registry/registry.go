// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry stores validated tools for reuse across runs.
package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/toolspec"
)

// Entry is a registered tool.
type Entry struct {
	Spec             toolspec.ToolSpec `json:"spec"`
	Fingerprint      string            `json:"fingerprint"`
	LastCachedOutput *sandbox.Result   `json:"last_cached_output,omitempty"`
	CachedArgsHash   string            `json:"cached_args_hash,omitempty"`
	UsageCount       int               `json:"usage_count"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Store persists entries. Inserts are atomic and serialized per name;
// readers may run concurrently.
type Store interface {
	// Insert registers spec. An existing entry with the same schema is
	// returned unchanged; a different schema is a RegistryConflict.
	Insert(ctx context.Context, spec toolspec.ToolSpec) (*Entry, error)
	// Update explicitly replaces the spec of an existing entry.
	Update(ctx context.Context, spec toolspec.ToolSpec) (*Entry, error)
	GetByName(ctx context.Context, name string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
	// GetCachedOutput returns the last successful result and the hash of the
	// arguments that produced it. ok is false when nothing is cached.
	GetCachedOutput(ctx context.Context, name string) (res *sandbox.Result, argsHash string, ok bool, err error)
	// RecordExecution counts a use and caches res when it succeeded.
	RecordExecution(ctx context.Context, name string, res *sandbox.Result, argsHash string) error
	Close() error
}

// Matcher decides which registered tool, if any, serves a capability query.
type Matcher interface {
	Match(ctx context.Context, query string) (name string, ok bool, err error)
}

// Registry is a Store with capability lookup.
type Registry struct {
	Store
	matcher Matcher
	logger  *slog.Logger
}

// New wraps store. Lookups delegate matching to m.
func New(store Store, m Matcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{Store: store, matcher: m, logger: logger}
}

// SetMatcher replaces the matcher.
func (r *Registry) SetMatcher(m Matcher) { r.matcher = m }

// Lookup returns the entry matching query, or nil when none matches.
func (r *Registry) Lookup(ctx context.Context, query string) (*Entry, error) {
	if r.matcher == nil {
		return nil, errors.New(errors.CodeInternal, "registry has no matcher", nil)
	}
	name, ok, err := r.matcher.Match(ctx, query)
	if err != nil || !ok {
		return nil, err
	}
	entry, err := r.GetByName(ctx, name)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			r.logger.WarnContext(ctx, "registry.lookup.stale", slog.String("tool", name))
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// CachedFor returns the cached output of an idempotent tool when it was
// produced by the same arguments. Side-effecting tools never hit the cache.
func (r *Registry) CachedFor(ctx context.Context, entry *Entry, args map[string]interface{}) (*sandbox.Result, bool, error) {
	if entry == nil || !entry.Spec.Idempotent {
		return nil, false, nil
	}
	res, hash, ok, err := r.GetCachedOutput(ctx, entry.Spec.Name)
	if err != nil || !ok {
		return nil, false, err
	}
	if hash != toolspec.ArgsHash(args) {
		return nil, false, nil
	}
	return res, true, nil
}

func newEntry(spec toolspec.ToolSpec, now time.Time) *Entry {
	return &Entry{
		Spec:        spec,
		Fingerprint: fingerprintOf(spec),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func fingerprintOf(spec toolspec.ToolSpec) string {
	if spec.Capability != "" {
		return toolspec.Fingerprint(spec.Capability)
	}
	return toolspec.Fingerprint(spec.Description)
}

func prepare(spec toolspec.ToolSpec) (toolspec.ToolSpec, error) {
	spec = spec.Clone()
	spec.Normalize()
	if spec.Name == "" {
		return spec, errors.New(errors.CodeInvalidInput, "tool name is required", nil)
	}
	return spec, nil
}

func conflict(existing, incoming toolspec.ToolSpec) error {
	return errors.NewConflictError(incoming.Name).
		WithContext("existing_input", existing.InputSchema).
		WithContext("incoming_input", incoming.InputSchema).
		WithContext("existing_output", existing.OutputSchema).
		WithContext("incoming_output", incoming.OutputSchema)
}

func notFound(name string) error {
	return errors.New(errors.CodeNotFound, "tool not found", nil).WithContext("tool", name)
}

func cloneResult(res *sandbox.Result) *sandbox.Result {
	if res == nil {
		return nil
	}
	cp := *res
	if res.Error != nil {
		e := *res.Error
		cp.Error = &e
	}
	return &cp
}
