// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package synth turns a capability gap into a validated tool specification
// and code body by driving the oracle through specify and generate steps.
package synth

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/toolspec"
)

// DefaultRetries bounds the attempts at producing a conforming tool.
const DefaultRetries = 3

// Oracle is the slice of the oracle the synthesizer needs.
type Oracle interface {
	Specify(ctx context.Context, req oracle.SpecRequest) (*oracle.SpecResponse, error)
	Generate(ctx context.Context, req oracle.GenerateRequest) (*oracle.CodeResponse, error)
}

// Request describes a capability gap.
type Request struct {
	Capability  string
	Description string
	// Reference is optional material gathered outside the synthesizer.
	Reference string
}

// Synthesizer produces tools that pass toolspec validation.
type Synthesizer struct {
	oracle  Oracle
	retries int
	logger  *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithRetries overrides DefaultRetries.
func WithRetries(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a synthesizer.
func New(o Oracle, opts ...Option) *Synthesizer {
	s := &Synthesizer{oracle: o, retries: DefaultRetries, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize returns a tool for req. A specification that fails is asked
// for again; code that fails validation is regenerated against the kept
// specification. Oracle transport errors are returned as they are.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*toolspec.ToolSpec, error) {
	ctx, span := otel.Tracer("forge/synth").Start(ctx, "synth.synthesize")
	defer span.End()
	span.SetAttributes(attribute.String(telemetry.AttrCapability, req.Capability))

	var (
		spec     *toolspec.ToolSpec
		feedback string
		lastErr  error
	)
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(errors.CodeCancelled, "synthesis cancelled", err)
		}
		if spec == nil {
			resp, err := s.oracle.Specify(ctx, oracle.SpecRequest{
				Capability:  req.Capability,
				Description: req.Description,
				Reference:   req.Reference,
				Feedback:    feedback,
			})
			if err != nil {
				if !oracle.IsMalformed(err) {
					span.RecordError(err)
					return nil, err
				}
				lastErr, feedback = err, err.Error()
				s.rejected(ctx, attempt, "spec", err)
				continue
			}
			sp := resp.Spec.Clone()
			sp.Capability = req.Capability
			spec = &sp
		}

		code, err := s.oracle.Generate(ctx, oracle.GenerateRequest{Spec: *spec, Feedback: feedback})
		if err != nil {
			if !oracle.IsMalformed(err) {
				span.RecordError(err)
				return nil, err
			}
			lastErr, feedback = err, err.Error()
			s.rejected(ctx, attempt, "code", err)
			continue
		}

		candidate := spec.Clone()
		candidate.Code = toolspec.StripMainBlock(code.Code)
		if code.WithPackages {
			candidate.Packages = append(candidate.Packages, code.Packages...)
			candidate.SystemPackages = append(candidate.SystemPackages, code.SystemPackages...)
		}
		candidate.Normalize()
		if err := candidate.Validate(); err != nil {
			lastErr, feedback = err, err.Error()
			s.rejected(ctx, attempt, "validate", err)
			continue
		}

		s.logger.InfoContext(ctx, "synth.tool.ready",
			slog.String("tool", candidate.Name),
			slog.Int("attempt", attempt),
			slog.Int("packages", len(candidate.Packages)),
		)
		span.SetAttributes(attribute.String(telemetry.AttrToolName, candidate.Name))
		return &candidate, nil
	}

	err := errors.NewSynthesisError("no conforming tool", lastErr).
		WithContext("capability", req.Capability).
		WithContext("attempts", s.retries)
	span.RecordError(err)
	span.SetStatus(codes.Error, "synthesis failed")
	return nil, err
}

func (s *Synthesizer) rejected(ctx context.Context, attempt int, stage string, err error) {
	s.logger.WarnContext(ctx, "synth.attempt.rejected",
		slog.Int("attempt", attempt),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}
