// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver decides whether a registered tool directly serves a
// capability query. It is conservative: weak or tangential fits are
// reported as no match so the caller synthesizes instead.
package resolver

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/index"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/registry"
	"github.com/jllopis/forge/pkg/toolspec"
)

// DefaultMinConfidence is the lowest oracle confidence accepted as a match.
const DefaultMinConfidence = 0.8

// DecisionOracle is the slice of the oracle the resolver needs.
type DecisionOracle interface {
	Decide(ctx context.Context, req oracle.DecisionRequest) (*oracle.DecisionResponse, error)
}

// Catalog lists registered tools.
type Catalog interface {
	List(ctx context.Context) ([]registry.Entry, error)
}

// Decision is the outcome of a resolution.
type Decision struct {
	Match      bool    `json:"match"`
	ToolName   string  `json:"tool_name,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	// FastPath is set when the query matched a fingerprint without asking
	// the oracle.
	FastPath bool `json:"fast_path,omitempty"`
}

// Resolver implements registry.Matcher.
type Resolver struct {
	catalog       Catalog
	oracle        DecisionOracle
	index         index.Index
	topK          int
	maxCandidates int
	minConfidence float64
	logger        *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMinConfidence overrides DefaultMinConfidence.
func WithMinConfidence(c float64) Option {
	return func(r *Resolver) {
		if c > 0 {
			r.minConfidence = c
		}
	}
}

// WithIndex narrows the oracle candidates to the top k index hits.
func WithIndex(idx index.Index, k int) Option {
	return func(r *Resolver) {
		r.index = idx
		r.topK = k
	}
}

// WithMaxCandidates caps the candidates offered to the oracle.
func WithMaxCandidates(n int) Option {
	return func(r *Resolver) { r.maxCandidates = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a resolver over catalog.
func New(catalog Catalog, o DecisionOracle, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:       catalog,
		oracle:        o,
		minConfidence: DefaultMinConfidence,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Match implements registry.Matcher.
func (r *Resolver) Match(ctx context.Context, query string) (string, bool, error) {
	d, err := r.Resolve(ctx, query)
	if err != nil {
		return "", false, err
	}
	return d.ToolName, d.Match, nil
}

// Resolve decides which registered tool, if any, serves query. A reply the
// oracle could not express in the decision shape counts as no match.
func (r *Resolver) Resolve(ctx context.Context, query string) (*Decision, error) {
	ctx, span := otel.Tracer("forge/resolver").Start(ctx, "resolver.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("resolver.query", query))

	entries, err := r.catalog.List(ctx)
	if err != nil {
		return nil, errors.NewResolutionError(query, err)
	}
	if len(entries) == 0 {
		return &Decision{Reason: "registry is empty"}, nil
	}

	fp := toolspec.Fingerprint(query)
	for _, e := range entries {
		if e.Fingerprint == fp {
			r.logger.DebugContext(ctx, "resolver.fastpath", slog.String("tool", e.Spec.Name))
			span.SetAttributes(attribute.Bool("resolver.fast_path", true))
			return &Decision{Match: true, ToolName: e.Spec.Name, Confidence: 1, FastPath: true}, nil
		}
	}

	candidates := r.candidates(ctx, query, entries)
	if len(candidates) == 0 {
		return &Decision{Reason: "no candidates"}, nil
	}

	resp, err := r.oracle.Decide(ctx, oracle.DecisionRequest{Query: query, Candidates: candidates})
	if err != nil {
		if oracle.IsMalformed(err) {
			r.logger.WarnContext(ctx, "resolver.decision.malformed", slog.String("query", query), slog.String("error", err.Error()))
			return &Decision{Reason: "malformed decision"}, nil
		}
		return nil, errors.NewResolutionError(query, err)
	}

	d := &Decision{Confidence: resp.Confidence, Reason: resp.Reason}
	switch {
	case !resp.Match:
	case resp.Confidence < r.minConfidence:
		r.logger.InfoContext(ctx, "resolver.decision.weak",
			slog.String("tool", resp.ToolName),
			slog.Float64("confidence", resp.Confidence),
		)
	case !offered(candidates, resp.ToolName):
		r.logger.WarnContext(ctx, "resolver.decision.unknown_tool", slog.String("tool", resp.ToolName))
	default:
		d.Match = true
		d.ToolName = resp.ToolName
	}
	span.SetAttributes(
		attribute.Bool("resolver.match", d.Match),
		attribute.Float64("resolver.confidence", d.Confidence),
	)
	return d, nil
}

// Remember adds a registered tool to the index, if one is configured.
func (r *Resolver) Remember(ctx context.Context, spec toolspec.ToolSpec) error {
	if r.index == nil {
		return nil
	}
	return r.index.Upsert(ctx, spec.Name, describe(spec))
}

func (r *Resolver) candidates(ctx context.Context, query string, entries []registry.Entry) []oracle.Candidate {
	selected := entries
	if r.index != nil {
		hits, err := r.index.Search(ctx, query, r.topK)
		if err != nil {
			r.logger.WarnContext(ctx, "resolver.index.failed", slog.String("error", err.Error()))
		} else {
			byName := make(map[string]registry.Entry, len(entries))
			for _, e := range entries {
				byName[e.Spec.Name] = e
			}
			selected = selected[:0:0]
			for _, h := range hits {
				if e, ok := byName[h.Name]; ok {
					selected = append(selected, e)
				}
			}
		}
	}
	if r.maxCandidates > 0 && len(selected) > r.maxCandidates {
		selected = selected[:r.maxCandidates]
	}
	out := make([]oracle.Candidate, 0, len(selected))
	for _, e := range selected {
		out = append(out, oracle.Candidate{
			Name:         e.Spec.Name,
			Description:  e.Spec.Description,
			Capability:   e.Spec.Capability,
			InputSchema:  e.Spec.InputSchema,
			OutputSchema: e.Spec.OutputSchema,
		})
	}
	return out
}

func offered(candidates []oracle.Candidate, name string) bool {
	for _, c := range candidates {
		if c.Name == name {
			return true
		}
	}
	return false
}

func describe(spec toolspec.ToolSpec) string {
	if spec.Capability != "" && spec.Capability != spec.Description {
		return spec.Capability + "\n" + spec.Description
	}
	return spec.Description
}
