// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package corrective repairs failing tools: it classifies sandbox failures,
// keeps per-session package bookkeeping and asks the oracle for minimal
// corrections until an execution passes or the attempt budget runs out.
package corrective

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/toolspec"
)

const (
	DefaultTotalAttempts    = 5
	DefaultDiscardThreshold = 3
)

// Corrector produces corrected code.
type Corrector interface {
	Correct(ctx context.Context, req oracle.CorrectionRequest) (*oracle.CodeResponse, error)
}

// Policy bounds a session.
type Policy struct {
	TotalAttempts    int
	DiscardThreshold int
}

// DefaultPolicy returns the standard bounds.
func DefaultPolicy() Policy {
	return Policy{TotalAttempts: DefaultTotalAttempts, DiscardThreshold: DefaultDiscardThreshold}
}

// Outcome is the result of a corrective run. Spec is the last version that
// was executed and Result its execution.
type Outcome struct {
	Spec    toolspec.ToolSpec
	Result  *sandbox.Result
	Session *Session
}

// Loop drives executions and corrections for one tool at a time.
type Loop struct {
	corrector Corrector
	executor  sandbox.Executor
	policy    Policy
	metrics   *telemetry.PipelineMetrics
	events    core.EventEmitter
	logger    *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithPolicy overrides the attempt and discard bounds.
func WithPolicy(p Policy) Option {
	return func(l *Loop) {
		if p.TotalAttempts > 0 {
			l.policy.TotalAttempts = p.TotalAttempts
		}
		if p.DiscardThreshold > 0 {
			l.policy.DiscardThreshold = p.DiscardThreshold
		}
	}
}

// WithMetrics records loop counters.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithEvents emits correction events.
func WithEvents(e core.EventEmitter) Option {
	return func(l *Loop) {
		if e != nil {
			l.events = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New creates a Loop.
func New(c Corrector, exec sandbox.Executor, opts ...Option) *Loop {
	l := &Loop{
		corrector: c,
		executor:  exec,
		policy:    DefaultPolicy(),
		events:    core.NoopEventEmitter{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RequestFor builds the sandbox request that executes spec with args.
func RequestFor(spec toolspec.ToolSpec, args map[string]interface{}) sandbox.Request {
	if args == nil {
		args = map[string]interface{}{}
	}
	return sandbox.Request{
		Code:           spec.Code,
		Packages:       spec.Packages,
		SystemPackages: spec.SystemPackages,
		FunctionName:   spec.Name,
		FunctionArgs:   args,
	}
}

// Run executes spec and corrects it until an execution passes. When the
// attempt budget is spent it returns an ExhaustionError along with the last
// outcome and makes no further oracle calls.
func (l *Loop) Run(ctx context.Context, spec toolspec.ToolSpec, args map[string]interface{}) (*Outcome, error) {
	ctx, span := otel.Tracer("forge/corrective").Start(ctx, "corrective.run")
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.AttrToolName, spec.Name),
		attribute.Int(telemetry.AttrTotalAttempts, l.policy.TotalAttempts),
	)

	sess := NewSession(l.policy.TotalAttempts)
	current := spec.Clone()
	current.Normalize()
	out := &Outcome{Spec: current, Session: sess}

	for {
		if err := ctx.Err(); err != nil {
			return out, errors.New(errors.CodeCancelled, "corrective loop cancelled", err)
		}
		sess.Attempt++
		res, err := l.executor.Execute(ctx, RequestFor(current, args))
		if err != nil {
			span.RecordError(err)
			return out, err
		}
		out.Spec, out.Result = current, res
		if res.Succeeded {
			span.SetAttributes(attribute.Int(telemetry.AttrAttempt, sess.Attempt))
			l.logger.InfoContext(ctx, "corrective.succeeded",
				slog.String("tool", current.Name),
				slog.Int("attempt", sess.Attempt),
			)
			return out, nil
		}

		execErr := res.Error
		if execErr == nil {
			execErr = &sandbox.ExecError{Kind: errors.KindRuntime, Phase: sandbox.PhaseRun, Message: "execution failed without an error"}
		}
		l.observeFailure(ctx, sess, &current, execErr)

		if sess.Exhausted() {
			err := l.exhaust(ctx, current, sess, execErr.Err())
			span.RecordError(err)
			span.SetStatus(codes.Error, "exhausted")
			return out, err
		}

		if l.autoAdd(ctx, sess, &current, execErr) {
			continue
		}

		next, err := l.correct(ctx, sess, current, execErr)
		if err != nil {
			span.RecordError(err)
			if errors.CodeOf(err) == errors.CodeExhausted {
				span.SetStatus(codes.Error, "exhausted")
			}
			return out, err
		}
		current = next
	}
}

// observeFailure records the failure, updates counters and applies a
// discard when a package crosses the threshold.
func (l *Loop) observeFailure(ctx context.Context, sess *Session, current *toolspec.ToolSpec, execErr *sandbox.ExecError) {
	implicated, system := blame(execErr, *current)
	dropped, discarded := sess.record(execErr, implicated, system, l.policy.DiscardThreshold)

	l.metrics.CorrectionAttempt(ctx, execErr.Kind)
	l.logger.InfoContext(ctx, "corrective.attempt.failed",
		slog.String("tool", current.Name),
		slog.Int("attempt", sess.Attempt),
		slog.Int("total_attempts", sess.TotalAttempts),
		slog.String("kind", string(execErr.Kind)),
		slog.String("package", execErr.Package),
		slog.String("message", execErr.Message),
	)
	l.events.Emit(ctx, core.EventFromContext(ctx, core.EventCorrection, map[string]any{
		"tool":    current.Name,
		"attempt": sess.Attempt,
		"total":   sess.TotalAttempts,
		"kind":    string(execErr.Kind),
		"phase":   string(execErr.Phase),
		"message": execErr.Message,
		"package": execErr.Package,
	}))

	if !discarded {
		return
	}
	if system {
		current.SystemPackages, _ = sess.filter(current.SystemPackages, true)
	} else {
		current.Packages, _ = sess.filter(current.Packages, false)
	}
	l.metrics.PackageDiscarded(ctx, dropped, system)
	l.logger.WarnContext(ctx, "corrective.package.discarded",
		slog.String("tool", current.Name),
		slog.String("package", dropped),
		slog.Bool("system", system),
	)
	l.events.Emit(ctx, core.EventFromContext(ctx, core.EventPackageDiscarded, map[string]any{
		"tool":    current.Name,
		"package": dropped,
		"system":  system,
	}))
}

// blame names the package a failure is blamed on. A module missing at
// run time counts only when its distribution was already declared; an
// undeclared module is a missing declaration, not a faulty package.
func blame(e *sandbox.ExecError, spec toolspec.ToolSpec) (string, bool) {
	if e.Package == "" {
		return "", false
	}
	if e.Phase == sandbox.PhaseInstall {
		return e.Package, e.System
	}
	if e.Kind == errors.KindImport {
		dist := Distribution(e.Package)
		if containsFold(spec.Packages, dist) {
			return dist, false
		}
	}
	return "", false
}

// autoAdd declares a missing module's distribution without asking the
// oracle. It reports whether the spec changed.
func (l *Loop) autoAdd(ctx context.Context, sess *Session, current *toolspec.ToolSpec, e *sandbox.ExecError) bool {
	if e.Kind != errors.KindImport || e.Phase != sandbox.PhaseRun || e.Package == "" {
		return false
	}
	dist := Distribution(e.Package)
	if sess.IsDiscarded(dist, false) || containsFold(current.Packages, dist) {
		return false
	}
	current.Packages = toolspec.NormalizePackages(append(current.Packages, dist))
	l.logger.InfoContext(ctx, "corrective.package.added",
		slog.String("tool", current.Name),
		slog.String("module", e.Package),
		slog.String("package", dist),
	)
	return true
}

// correct asks the oracle for a repair. Malformed replies, repairs that
// change the declared signature and repairs with forbidden constructs are
// refused; each refusal spends an attempt.
func (l *Loop) correct(ctx context.Context, sess *Session, current toolspec.ToolSpec, execErr *sandbox.ExecError) (toolspec.ToolSpec, error) {
	lastErr := error(execErr.Err())
	for {
		discarded := sess.Discarded()
		resp, err := l.corrector.Correct(ctx, oracle.CorrectionRequest{
			Name:                    current.Name,
			InputSchema:             current.InputSchema,
			OutputSchema:            current.OutputSchema,
			Code:                    current.Code,
			Packages:                current.Packages,
			SystemPackages:          current.SystemPackages,
			ErrorKind:               execErr.Kind,
			ErrorMessage:            execErr.Message,
			FaultLog:                sess.FaultStrings(),
			Attempt:                 sess.Attempt,
			TotalAttempts:           sess.TotalAttempts,
			DiscardedPackages:       discarded.Packages,
			DiscardedSystemPackages: discarded.SystemPackages,
			FailureCounts:           sess.FailureCounts(),
		})

		var reason string
		switch {
		case err != nil && !oracle.IsMalformed(err):
			return current, err
		case err != nil:
			reason = "malformed correction: " + err.Error()
			lastErr = err
		default:
			next := l.apply(ctx, sess, current, resp)
			if sigErr := next.CheckSignature(); sigErr != nil {
				reason = "correction changed the declared signature: " + sigErr.Error()
				lastErr = errors.NewSynthesisError("correction rejected", sigErr).WithContext("tool", current.Name)
			} else if vErr := next.Validate(); vErr != nil {
				reason = "correction does not conform: " + vErr.Error()
				if found := toolspec.ForbiddenConstructs(next.Code); len(found) > 0 {
					reason = "correction uses " + strings.Join(found, ", ")
				}
				lastErr = vErr
			} else {
				return next, nil
			}
		}

		sess.Attempt++
		sess.recordRejection(execErr.Kind, reason)
		l.logger.WarnContext(ctx, "corrective.correction.rejected",
			slog.String("tool", current.Name),
			slog.Int("attempt", sess.Attempt),
			slog.String("reason", reason),
		)
		if sess.Exhausted() {
			return current, l.exhaust(ctx, current, sess, lastErr)
		}
	}
}

// apply builds the next spec version from a correction, dropping any
// discarded package the oracle tried to bring back.
func (l *Loop) apply(ctx context.Context, sess *Session, current toolspec.ToolSpec, resp *oracle.CodeResponse) toolspec.ToolSpec {
	next := current.Clone()
	next.Code = resp.Code
	if resp.WithPackages {
		next.Packages = resp.Packages
		next.SystemPackages = resp.SystemPackages
	}
	next.Normalize()

	var removed, removedSys []string
	next.Packages, removed = sess.filter(next.Packages, false)
	next.SystemPackages, removedSys = sess.filter(next.SystemPackages, true)
	if len(removed)+len(removedSys) > 0 {
		l.logger.WarnContext(ctx, "corrective.discarded.reintroduced",
			slog.String("tool", current.Name),
			slog.String("packages", strings.Join(removed, ",")),
			slog.String("system_packages", strings.Join(removedSys, ",")),
		)
	}
	if next.Packages == nil {
		next.Packages = []string{}
	}
	if next.SystemPackages == nil {
		next.SystemPackages = []string{}
	}
	return next
}

func (l *Loop) exhaust(ctx context.Context, current toolspec.ToolSpec, sess *Session, last error) error {
	l.metrics.Exhausted(ctx, current.Name)
	l.logger.ErrorContext(ctx, "corrective.exhausted",
		slog.String("tool", current.Name),
		slog.Int("attempts", sess.Attempt),
	)
	for _, f := range sess.FaultLog {
		l.events.Emit(ctx, core.EventFromContext(ctx, core.EventFailurePattern, map[string]any{
			"tool":    current.Name,
			"attempt": f.Attempt,
			"kind":    string(f.Kind),
			"message": f.Message,
			"package": f.Package,
		}))
	}
	return errors.NewExhaustionError(sess.Attempt, last).
		WithContext("tool", current.Name).
		WithContext("fault_log", sess.FaultStrings()).
		WithContext("discarded", fmt.Sprintf("%+v", sess.Discarded()))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
