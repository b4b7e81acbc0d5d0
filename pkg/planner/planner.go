// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"log/slog"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/oracle"
)

// PlanOracle produces raw plans.
type PlanOracle interface {
	Plan(ctx context.Context, req oracle.PlanRequest) (*oracle.PlanResponse, error)
}

// RejectFunc observes a rejected plan before a re-plan is requested.
type RejectFunc func(ctx context.Context, attempt int, err error)

// Planner asks the oracle for a plan and validates it, re-planning a bounded
// number of times when validation fails.
type Planner struct {
	oracle     PlanOracle
	maxReplans int
	onReject   RejectFunc
	logger     *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxReplans sets how many re-plans follow a rejected plan.
func WithMaxReplans(n int) Option {
	return func(p *Planner) {
		if n >= 0 {
			p.maxReplans = n
		}
	}
}

// WithRejectHook observes rejected plans.
func WithRejectHook(fn RejectFunc) Option {
	return func(p *Planner) { p.onReject = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Planner. One re-plan is allowed by default.
func New(o PlanOracle, opts ...Option) *Planner {
	p := &Planner{oracle: o, maxReplans: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns a validated plan sorted topologically. A cyclic or
// non-conforming plan that survives every re-plan is a PlanningError.
// Transport failures are returned unchanged.
func (p *Planner) Plan(ctx context.Context, request string) (*Plan, error) {
	var (
		feedback string
		lastErr  error
	)
	for attempt := 0; attempt <= p.maxReplans; attempt++ {
		resp, err := p.oracle.Plan(ctx, oracle.PlanRequest{
			Request:     request,
			MaxSubtasks: MaxSubtasks,
			Feedback:    feedback,
		})
		if err != nil && !oracle.IsMalformed(err) {
			return nil, err
		}

		var plan *Plan
		if err == nil {
			plan = FromSteps(request, resp.Steps)
			err = plan.Validate()
		}
		if err == nil {
			if err := plan.Sort(); err != nil {
				return nil, errors.NewPlanningError("sort plan", err)
			}
			p.logger.InfoContext(ctx, "planner.plan.accepted",
				slog.Int("subtasks", len(plan.Subtasks)),
				slog.Int("attempt", attempt),
			)
			return plan, nil
		}

		lastErr = err
		feedback = err.Error()
		p.logger.WarnContext(ctx, "planner.plan.rejected",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if p.onReject != nil {
			p.onReject(ctx, attempt, err)
		}
	}
	return nil, errors.NewPlanningError("no valid plan", lastErr).
		WithRecoverable(false).
		WithContext("attempts", p.maxReplans+1)
}

// FromSteps converts oracle plan steps into a Plan without validating it.
func FromSteps(request string, steps []oracle.PlanStep) *Plan {
	plan := &Plan{Request: request, Subtasks: make([]Subtask, 0, len(steps))}
	for _, s := range steps {
		plan.Subtasks = append(plan.Subtasks, Subtask{
			ID:              s.ID,
			Description:     s.Description,
			CapabilityQuery: s.CapabilityQuery,
			DependsOn:       append([]int(nil), s.DependsOn...),
			Status:          StatusPending,
		})
	}
	return plan
}
