// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator sequences the tool pipeline for a request: it plans
// subtasks, resolves each against the registry, reuses or synthesizes and
// validates tools, registers them and aggregates the results.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/corrective"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/planner"
	"github.com/jllopis/forge/pkg/registry"
	"github.com/jllopis/forge/pkg/runlog"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/synth"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/toolspec"
)

// Synthesizer produces a validated tool for a capability gap.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (*toolspec.ToolSpec, error)
}

// Validator executes a tool and corrects it until it passes.
type Validator interface {
	Run(ctx context.Context, spec toolspec.ToolSpec, args map[string]interface{}) (*corrective.Outcome, error)
}

// Assistant prepares tool arguments and reviews final answers.
type Assistant interface {
	Arguments(ctx context.Context, req oracle.ArgumentsRequest) (*oracle.ArgumentsResponse, error)
	Review(ctx context.Context, req oracle.ReviewRequest) (*oracle.ReviewResponse, error)
}

// Indexer learns newly registered tools.
type Indexer interface {
	Remember(ctx context.Context, spec toolspec.ToolSpec) error
}

// Components are the collaborators of an Orchestrator.
type Components struct {
	Planner     *planner.Planner
	Registry    *registry.Registry
	Synthesizer Synthesizer
	Corrective  Validator
	// Executor runs reused tools.
	Executor  sandbox.Executor
	Assistant Assistant
	Indexer   Indexer
}

// Orchestrator runs requests one subtask at a time in dependency order.
type Orchestrator struct {
	c       Components
	mode    Mode
	review  bool
	noSynth bool
	input   InputHook
	runs    runlog.Store
	events  core.EventEmitter
	metrics *telemetry.PipelineMetrics
	logger  *slog.Logger
	flight  singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMode sets the run mode. Interactive is the default.
func WithMode(m Mode) Option {
	return func(o *Orchestrator) {
		if m != "" {
			o.mode = m
		}
	}
}

// WithInput answers questions synchronously. Without a hook an interactive
// run suspends and returns a Checkpoint instead.
func WithInput(h InputHook) Option {
	return func(o *Orchestrator) { o.input = h }
}

// WithReview asks the oracle to review the final answer.
func WithReview(enabled bool) Option {
	return func(o *Orchestrator) { o.review = enabled }
}

// WithSynthesis enables synthesis of tools for unmatched capabilities. It is
// on by default; when off such a subtask fails with RESOLUTION_ERROR.
func WithSynthesis(enabled bool) Option {
	return func(o *Orchestrator) { o.noSynth = !enabled }
}

// WithRunLog records events and artifacts of every run.
func WithRunLog(s runlog.Store) Option {
	return func(o *Orchestrator) { o.runs = s }
}

// WithEvents adds an event emitter.
func WithEvents(e core.EventEmitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.events = core.MultiEmitter{o.events, e}
		}
	}
}

// WithMetrics records pipeline counters.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New validates c and builds an Orchestrator.
func New(c Components, opts ...Option) (*Orchestrator, error) {
	switch {
	case c.Registry == nil:
		return nil, errors.New(errors.CodeInvalidInput, "registry is required", nil)
	case c.Synthesizer == nil:
		return nil, errors.New(errors.CodeInvalidInput, "synthesizer is required", nil)
	case c.Corrective == nil:
		return nil, errors.New(errors.CodeInvalidInput, "corrective loop is required", nil)
	case c.Executor == nil:
		return nil, errors.New(errors.CodeInvalidInput, "executor is required", nil)
	}
	o := &Orchestrator{
		c:      c,
		mode:   ModeInteractive,
		events: core.NoopEventEmitter{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runs != nil {
		o.events = core.MultiEmitter{o.events, runlog.Emitter{Store: o.runs, Logger: o.logger}}
	}
	return o, nil
}

// Run plans request and executes the plan.
func (o *Orchestrator) Run(ctx context.Context, request string) (*Result, error) {
	ctx, id := core.EnsureRunID(ctx)
	o.emit(ctx, core.EventRunStarted, map[string]any{"request": request, "mode": string(o.mode)})
	if o.c.Planner == nil {
		err := errors.New(errors.CodeInvalidInput, "planner is required", nil)
		return o.fail(ctx, &run{id: id, request: request, mode: o.mode}, err)
	}
	plan, err := o.c.Planner.Plan(ctx, request)
	if err != nil {
		return o.fail(ctx, &run{id: id, request: request, mode: o.mode}, err)
	}
	return o.start(ctx, &run{id: id, request: request, mode: o.mode, plan: plan})
}

// RunPlan executes a plan that was produced elsewhere.
func (o *Orchestrator) RunPlan(ctx context.Context, plan *planner.Plan) (*Result, error) {
	ctx, id := core.EnsureRunID(ctx)
	o.emit(ctx, core.EventRunStarted, map[string]any{"request": plan.Request, "mode": string(o.mode), "fixed_plan": true})
	r := &run{id: id, request: plan.Request, mode: o.mode, plan: plan}
	if err := plan.Validate(); err != nil {
		return o.fail(ctx, r, err)
	}
	if err := plan.Sort(); err != nil {
		return o.fail(ctx, r, err)
	}
	return o.start(ctx, r)
}

// Resume continues a suspended run with a human answer.
func (o *Orchestrator) Resume(ctx context.Context, cp *Checkpoint, answer string) (*Result, error) {
	if cp == nil || cp.Plan == nil || cp.Question == nil {
		return nil, errors.New(errors.CodeInvalidInput, "checkpoint has no pending question", nil)
	}
	ctx = core.WithRunID(ctx, cp.RunID)
	r := &run{id: cp.RunID, request: cp.Request, mode: cp.Mode, plan: cp.Plan, results: cp.Results}
	st, ok := r.plan.Get(cp.Question.SubtaskID)
	if !ok || st.Status != planner.StatusFailed {
		return nil, errors.New(errors.CodeInvalidInput, "checkpoint question does not match a failed subtask", nil).
			WithContext("subtask", cp.Question.SubtaskID)
	}
	cause := errors.New(cp.Question.Code, cp.Question.Error, nil)
	if err := o.answer(ctx, r, st, answer, cause); err != nil {
		return o.fail(ctx, r, err)
	}
	return o.execute(ctx, r)
}

func (o *Orchestrator) start(ctx context.Context, r *run) (*Result, error) {
	o.emit(ctx, core.EventPlanCreated, map[string]any{"subtasks": append([]planner.Subtask(nil), r.plan.Subtasks...)})
	o.logger.InfoContext(ctx, "orchestrator.plan.ready",
		slog.String("run_id", r.id),
		slog.Int("subtasks", len(r.plan.Subtasks)),
	)
	return o.execute(ctx, r)
}

// execute drives subtasks until the plan is done, a subtask fails for good
// or the run suspends.
func (o *Orchestrator) execute(ctx context.Context, r *run) (*Result, error) {
	ctx, span := otel.Tracer("forge/orchestrator").Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.AttrRunID, r.id),
		attribute.String(telemetry.AttrMode, string(r.mode)),
		attribute.String(telemetry.AttrRequest, r.request),
	)

	for {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, r, errors.New(errors.CodeCancelled, "run cancelled", err))
		}
		st := r.next()
		if st == nil {
			break
		}
		res, err := o.runSubtask(ctx, r, st)
		if err == nil {
			r.results = append(r.results, *res)
			continue
		}

		o.metrics.RecordError(ctx, "orchestrator", err)
		if !o.suspendable(ctx, r, err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
			return o.fail(ctx, r, err)
		}
		q := o.question(st, err)
		o.emit(core.WithSubtaskID(ctx, st.ID), core.EventInputRequested, map[string]any{"question": q.Text})
		if o.input == nil {
			o.logger.InfoContext(ctx, "orchestrator.run.suspended", slog.String("run_id", r.id), slog.Int("subtask", st.ID))
			res := r.result(RunSuspended)
			res.Checkpoint = r.checkpoint(q)
			return res, nil
		}
		reply, herr := o.input.Ask(ctx, q.Text)
		if herr != nil {
			if ctx.Err() != nil {
				return o.fail(ctx, r, errors.New(errors.CodeCancelled, "run cancelled while waiting for input", ctx.Err()))
			}
			o.logger.WarnContext(ctx, "orchestrator.input.failed", slog.String("error", herr.Error()))
			reply = AnswerAbort
		}
		if aerr := o.answer(ctx, r, st, reply, err); aerr != nil {
			return o.fail(ctx, r, aerr)
		}
	}

	if !r.done() {
		return o.fail(ctx, r, errors.New(errors.CodeInternal, "no runnable subtask left", nil))
	}
	return o.finish(ctx, r)
}

// suspendable reports whether a subtask failure may be handed to a human.
func (o *Orchestrator) suspendable(ctx context.Context, r *run, err error) bool {
	if r.mode != ModeInteractive || ctx.Err() != nil {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.CodeCancelled, errors.CodeRegistryConflict, errors.CodeInternal:
		return false
	}
	return true
}

func (o *Orchestrator) question(st *planner.Subtask, err error) *Question {
	q := &Question{SubtaskID: st.ID, Code: errors.CodeOf(err), Error: err.Error()}
	if fe := errors.AsForgeError(err); fe != nil {
		if text, ok := fe.Context["question"].(string); ok && text != "" {
			q.Text = fmt.Sprintf("Subtask %d (%s) needs input: %s", st.ID, st.Description, text)
			return q
		}
	}
	q.Text = fmt.Sprintf("Subtask %d (%s) failed: %s\nReply %q, %q, or give details to retry.",
		st.ID, st.Description, err.Error(), AnswerSkip, AnswerAbort)
	return q
}

// answer applies a human reply to a failed subtask. Abort returns cause.
func (o *Orchestrator) answer(ctx context.Context, r *run, st *planner.Subtask, reply string, cause error) error {
	reply = strings.TrimSpace(reply)
	ctx = core.WithSubtaskID(ctx, st.ID)
	o.emit(ctx, core.EventInputReceived, map[string]any{"answer": reply})
	switch strings.ToLower(reply) {
	case AnswerAbort, "":
		return cause
	case AnswerSkip:
		return o.setStatus(ctx, st, planner.StatusSkipped)
	default:
		if st.Context != "" {
			st.Context += "\n"
		}
		st.Context += reply
		return o.setStatus(ctx, st, planner.StatusPending)
	}
}

// runSubtask walks one subtask through resolution, reuse or synthesis and
// validation.
func (o *Orchestrator) runSubtask(ctx context.Context, r *run, st *planner.Subtask) (*SubtaskResult, error) {
	ctx = core.WithSubtaskID(ctx, st.ID)
	ctx, span := otel.Tracer("forge/orchestrator").Start(ctx, "orchestrator.subtask")
	defer span.End()
	span.SetAttributes(telemetry.SubtaskAttributes(r.id, st.ID, st.CapabilityQuery)...)
	o.logger.InfoContext(ctx, "orchestrator.subtask.start",
		slog.Int("subtask", st.ID),
		slog.String("capability", st.CapabilityQuery),
	)

	res, err := o.resolveAndRun(ctx, r, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if st.Status != planner.StatusFailed {
			if serr := o.setStatus(ctx, st, planner.StatusFailed); serr != nil {
				return nil, serr
			}
		}
		o.logger.WarnContext(ctx, "orchestrator.subtask.failed",
			slog.Int("subtask", st.ID),
			slog.String("code", string(errors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrSubtaskStatus, string(st.Status)))
	return res, nil
}

func (o *Orchestrator) resolveAndRun(ctx context.Context, r *run, st *planner.Subtask) (*SubtaskResult, error) {
	if err := o.setStatus(ctx, st, planner.StatusResolving); err != nil {
		return nil, err
	}
	entry, err := o.c.Registry.Lookup(ctx, st.CapabilityQuery)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return o.reuse(ctx, r, st, entry)
	}
	if o.noSynth {
		return nil, errors.NewResolutionError(st.CapabilityQuery, nil).WithContext("reason", "no registered tool and synthesis is disabled")
	}
	return o.synthesize(ctx, r, st)
}

func (o *Orchestrator) reuse(ctx context.Context, r *run, st *planner.Subtask, entry *registry.Entry) (*SubtaskResult, error) {
	if err := o.setStatus(ctx, st, planner.StatusReused); err != nil {
		return nil, err
	}
	spec := entry.Spec
	args, err := o.arguments(ctx, r, st, spec)
	if err != nil {
		return nil, err
	}

	out := &SubtaskResult{SubtaskID: st.ID, Description: st.Description, Tool: spec.Name, Reused: true, Arguments: args}
	cached, hit, err := o.c.Registry.CachedFor(ctx, entry, args)
	if err != nil {
		o.logger.WarnContext(ctx, "orchestrator.cache.failed", slog.String("tool", spec.Name), slog.String("error", err.Error()))
	}
	o.metrics.ToolReused(ctx, spec.Name, hit)
	o.emit(ctx, core.EventToolReused, map[string]any{"tool": spec.Name, "cached": hit})
	if hit {
		out.Cached, out.Output, out.Stdout = true, cached.ReturnValue, cached.Stdout
		o.logger.InfoContext(ctx, "orchestrator.tool.cached", slog.String("tool", spec.Name))
	} else {
		res, err := o.c.Executor.Execute(ctx, corrective.RequestFor(spec, args))
		if err != nil {
			return nil, err
		}
		o.record(ctx, spec, res, args)
		if !res.Succeeded {
			if res.Error != nil {
				return nil, res.Error.Err().WithContext("tool", spec.Name)
			}
			return nil, errors.NewValidationError(errors.KindRuntime, "reused tool failed").WithContext("tool", spec.Name)
		}
		out.Output, out.Stdout, out.Attempts = res.ReturnValue, res.Stdout, 1
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.ToolAttributes(spec.Name, true, hit)...)
	o.checkOutput(ctx, spec, out.Output)
	return out, o.setStatus(ctx, st, planner.StatusSucceeded)
}

func (o *Orchestrator) synthesize(ctx context.Context, r *run, st *planner.Subtask) (*SubtaskResult, error) {
	if err := o.setStatus(ctx, st, planner.StatusSynthesizing); err != nil {
		return nil, err
	}
	req := synth.Request{Capability: st.CapabilityQuery, Description: st.Description, Reference: st.Context}
	key := toolspec.Fingerprint(st.CapabilityQuery) + "\x00" + st.Context
	v, err, shared := o.flight.Do(key, func() (interface{}, error) {
		return o.c.Synthesizer.Synthesize(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	spec := v.(*toolspec.ToolSpec).Clone()
	o.emit(ctx, core.EventToolSynthesized, map[string]any{"tool": spec.Name, "shared": shared, "packages": spec.Packages})

	if err := o.setStatus(ctx, st, planner.StatusValidating); err != nil {
		return nil, err
	}
	args, err := o.arguments(ctx, r, st, spec)
	if err != nil {
		return nil, err
	}
	outcome, err := o.c.Corrective.Run(ctx, spec, args)
	if outcome != nil && outcome.Session != nil && outcome.Session.Attempt > 1 {
		if serr := o.setStatus(ctx, st, planner.StatusCorrecting); serr != nil {
			return nil, serr
		}
	}
	if err != nil {
		return nil, err
	}

	final := outcome.Spec
	entry, err := o.c.Registry.Insert(ctx, final)
	if err != nil {
		return nil, err
	}
	if entry.Spec.Code != final.Code {
		// Same name and schema, different implementation.
		return nil, errors.New(errors.CodeRegistryConflict, fmt.Sprintf("tool %q already registered with different code", final.Name), nil).
			WithContext("tool", final.Name).
			WithContext("existing_capability", entry.Spec.Capability).
			WithContext("incoming_capability", final.Capability)
	}
	o.record(ctx, final, outcome.Result, args)
	o.metrics.ToolSynthesized(ctx, final.Name)
	o.emit(ctx, core.EventToolRegistered, map[string]any{
		"tool":     final.Name,
		"attempts": outcome.Session.Attempt,
		"packages": final.Packages,
	})
	if o.c.Indexer != nil {
		if err := o.c.Indexer.Remember(ctx, final); err != nil {
			o.logger.WarnContext(ctx, "orchestrator.index.failed", slog.String("tool", final.Name), slog.String("error", err.Error()))
		}
	}
	o.artifact(ctx, r.id, "code/"+final.Name+".py", []byte(final.Code))
	trace.SpanFromContext(ctx).SetAttributes(telemetry.ToolAttributes(final.Name, false, false)...)

	out := &SubtaskResult{
		SubtaskID:   st.ID,
		Description: st.Description,
		Tool:        final.Name,
		Arguments:   args,
		Output:      outcome.Result.ReturnValue,
		Stdout:      outcome.Result.Stdout,
		Attempts:    outcome.Session.Attempt,
	}
	o.checkOutput(ctx, final, out.Output)
	return out, o.setStatus(ctx, st, planner.StatusSucceeded)
}

// arguments maps the subtask onto the tool's input schema. Required values
// the oracle cannot fill are an INVALID_INPUT error carrying the question to
// ask.
func (o *Orchestrator) arguments(ctx context.Context, r *run, st *planner.Subtask, spec toolspec.ToolSpec) (map[string]interface{}, error) {
	if len(spec.InputSchema) == 0 {
		return map[string]interface{}{}, nil
	}
	if o.c.Assistant == nil {
		return nil, errors.New(errors.CodeInvalidInput, "tool needs arguments and no assistant is configured", nil).
			WithContext("tool", spec.Name)
	}
	prior := make([]string, 0, len(r.results))
	for _, res := range r.results {
		prior = append(prior, fmt.Sprintf("subtask %d (%s): %s", res.SubtaskID, res.Description, render(res.Output)))
	}
	resp, err := o.c.Assistant.Arguments(ctx, oracle.ArgumentsRequest{
		Task:         st.Description,
		Tool:         spec.Name,
		InputSchema:  spec.InputSchema,
		Required:     spec.RequiredParams(),
		Context:      st.Context,
		PriorResults: prior,
	})
	if err != nil {
		return nil, err
	}
	missing := resp.Missing
	for _, p := range spec.RequiredParams() {
		if _, ok := resp.Arguments[p]; !ok && !contains(missing, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		question := resp.Question
		if question == "" {
			question = "please provide " + strings.Join(missing, ", ")
		}
		return nil, errors.New(errors.CodeInvalidInput, "missing required arguments", nil).
			WithContext("tool", spec.Name).
			WithContext("missing", missing).
			WithContext("question", question)
	}
	args := make(map[string]interface{}, len(resp.Arguments))
	for k, v := range resp.Arguments {
		if _, ok := spec.InputSchema[k]; ok {
			args[k] = v
		}
	}
	return args, nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run) (*Result, error) {
	res := r.result(RunFinished)
	res.Answer = aggregate(r.plan, r.results)
	if o.review && o.c.Assistant != nil {
		verdict, err := o.c.Assistant.Review(ctx, oracle.ReviewRequest{Request: r.request, Answer: res.Answer})
		if err != nil {
			o.logger.WarnContext(ctx, "orchestrator.review.failed", slog.String("error", err.Error()))
		} else {
			res.Review = verdict
			o.emit(ctx, core.EventReview, map[string]any{"finish": verdict.Finish, "reason": verdict.Reason})
			o.logger.InfoContext(ctx, "orchestrator.review",
				slog.Bool("finish", verdict.Finish),
				slog.String("reason", verdict.Reason),
			)
		}
	}
	o.artifact(ctx, r.id, "final_answer.txt", []byte(res.Answer))
	o.emit(ctx, core.EventRunFinished, map[string]any{"results": len(r.results)})
	o.logger.InfoContext(ctx, "orchestrator.run.finished", slog.String("run_id", r.id), slog.Int("results", len(r.results)))
	return res, nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) (*Result, error) {
	res := r.result(RunFailed)
	res.Err = err
	res.Error = err.Error()
	res.Blocked = r.blocked()
	o.emit(ctx, core.EventRunFailed, map[string]any{"error": err.Error(), "code": string(errors.CodeOf(err)), "blocked": res.Blocked})
	o.logger.ErrorContext(ctx, "orchestrator.run.failed",
		slog.String("run_id", r.id),
		slog.String("code", string(errors.CodeOf(err))),
		slog.String("error", err.Error()),
		slog.Any("blocked", res.Blocked),
	)
	return res, err
}

func (o *Orchestrator) setStatus(ctx context.Context, st *planner.Subtask, to planner.Status) error {
	from := st.Status
	if !canTransition(from, to) {
		return errors.New(errors.CodeInternal, fmt.Sprintf("illegal subtask transition %s -> %s", from, to), nil).
			WithContext("subtask", st.ID)
	}
	st.Status = to
	o.emit(ctx, core.EventSubtaskStatus, map[string]any{"from": string(from), "to": string(to)})
	return nil
}

func (o *Orchestrator) record(ctx context.Context, spec toolspec.ToolSpec, res *sandbox.Result, args map[string]interface{}) {
	if res == nil {
		return
	}
	o.emit(ctx, core.EventToolExecuted, map[string]any{
		"tool":        spec.Name,
		"succeeded":   res.Succeeded,
		"duration_ms": res.DurationMs,
	})
	if err := o.c.Registry.RecordExecution(ctx, spec.Name, res, toolspec.ArgsHash(args)); err != nil {
		o.logger.WarnContext(ctx, "orchestrator.record.failed", slog.String("tool", spec.Name), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) checkOutput(ctx context.Context, spec toolspec.ToolSpec, value interface{}) {
	if err := spec.CheckOutput(value); err != nil {
		o.logger.WarnContext(ctx, "orchestrator.output.mismatch", slog.String("tool", spec.Name), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) artifact(ctx context.Context, runID, name string, data []byte) {
	if o.runs == nil {
		return
	}
	if err := o.runs.WriteArtifact(context.WithoutCancel(ctx), runID, name, data); err != nil {
		o.logger.WarnContext(ctx, "orchestrator.artifact.failed", slog.String("artifact", name), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) emit(ctx context.Context, t core.EventType, payload map[string]any) {
	o.events.Emit(ctx, core.EventFromContext(ctx, t, payload))
}

// aggregate renders the results in plan order.
func aggregate(plan *planner.Plan, results []SubtaskResult) string {
	byID := make(map[int]SubtaskResult, len(results))
	for _, res := range results {
		byID[res.SubtaskID] = res
	}
	var b strings.Builder
	for _, st := range plan.Subtasks {
		if st.Status == planner.StatusSkipped {
			fmt.Fprintf(&b, "[%d] %s: skipped\n", st.ID, st.Description)
			continue
		}
		res, ok := byID[st.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", st.ID, st.Description, render(res.Output))
	}
	return strings.TrimRight(b.String(), "\n")
}

func render(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
