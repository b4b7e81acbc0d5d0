// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/forge/pkg/errors"
)

// PipelineMetrics counts synthesis pipeline outcomes. A nil *PipelineMetrics
// is valid and records nothing.
type PipelineMetrics struct {
	synthesized metric.Int64Counter
	reused      metric.Int64Counter
	cacheHits   metric.Int64Counter
	corrections metric.Int64Counter
	discarded   metric.Int64Counter
	exhausted   metric.Int64Counter
	errors      metric.Int64Counter
}

// NewPipelineMetrics creates the counters on the global meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("forge/pipeline")
	m := &PipelineMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.synthesized, "forge.tools.synthesized", "Tools synthesized and registered"},
		{&m.reused, "forge.tools.reused", "Registry tools reused for a subtask"},
		{&m.cacheHits, "forge.tools.cache_hits", "Cached outputs served without execution"},
		{&m.corrections, "forge.corrections.attempts", "Corrective loop attempts by error kind"},
		{&m.discarded, "forge.packages.discarded", "Packages discarded by the corrective loop"},
		{&m.exhausted, "forge.corrections.exhausted", "Corrective loops that exhausted their attempts"},
		{&m.errors, "forge.errors.total", "Errors by code and component"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *PipelineMetrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ToolSynthesized records a newly registered tool.
func (m *PipelineMetrics) ToolSynthesized(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.add(ctx, m.synthesized, attribute.String(AttrToolName, tool))
}

// ToolReused records a registry hit.
func (m *PipelineMetrics) ToolReused(ctx context.Context, tool string, cached bool) {
	if m == nil {
		return
	}
	m.add(ctx, m.reused, attribute.String(AttrToolName, tool))
	if cached {
		m.add(ctx, m.cacheHits, attribute.String(AttrToolName, tool))
	}
}

// CorrectionAttempt records one corrective loop iteration.
func (m *PipelineMetrics) CorrectionAttempt(ctx context.Context, kind errors.ValidationKind) {
	if m == nil {
		return
	}
	m.add(ctx, m.corrections, attribute.String(AttrErrorKind, string(kind)))
}

// PackageDiscarded records a package entering the discard set.
func (m *PipelineMetrics) PackageDiscarded(ctx context.Context, pkg string, system bool) {
	if m == nil {
		return
	}
	m.add(ctx, m.discarded, attribute.String(AttrToolPackage, pkg), attribute.Bool("forge.package.system", system))
}

// Exhausted records a corrective loop that ran out of attempts.
func (m *PipelineMetrics) Exhausted(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.add(ctx, m.exhausted, attribute.String(AttrToolName, tool))
}

// RecordError counts err under its ForgeError code.
func (m *PipelineMetrics) RecordError(ctx context.Context, component string, err error) {
	if m == nil || err == nil {
		return
	}
	fe := errors.AsForgeError(err)
	m.add(ctx, m.errors,
		attribute.String(AttrErrorCode, string(fe.Code)),
		attribute.String(AttrErrorKind, string(fe.Kind)),
		attribute.String("forge.component", component),
		attribute.String("forge.error.recoverable", fe.RecoverableString()),
	)
}
