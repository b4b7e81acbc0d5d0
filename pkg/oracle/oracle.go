// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package oracle drives the reasoning model that produces plans, tool
// decisions, tool specifications, code and corrections. Every reply is parsed
// into a typed Response variant; malformed output is an error, never a guess.
package oracle

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/toolspec"
)

// Oracle sends structured prompts to an llm.Provider.
type Oracle struct {
	provider    llm.Provider
	model       string
	temperature float64
	retry       resilience.RetryConfig
	logger      *slog.Logger
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithModel sets the model name sent with every request.
func WithModel(model string) Option {
	return func(o *Oracle) { o.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Oracle) { o.temperature = t }
}

// WithRetry sets the retry policy for transport failures.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(o *Oracle) { o.retry = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Oracle backed by provider.
func New(provider llm.Provider, opts ...Option) *Oracle {
	o := &Oracle{
		provider: provider,
		retry:    resilience.DefaultRetryConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PlanRequest asks for a subtask decomposition.
type PlanRequest struct {
	Request     string
	MaxSubtasks int
	Feedback    string
}

// Candidate is a registry tool offered to the decision prompt.
type Candidate struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Capability   string          `json:"capability,omitempty"`
	InputSchema  toolspec.Schema `json:"input_schema"`
	OutputSchema toolspec.Schema `json:"output_schema"`
}

// DecisionRequest asks whether one of the candidates satisfies Query.
type DecisionRequest struct {
	Query      string
	Candidates []Candidate
}

// SpecRequest asks for a tool specification for a capability gap.
type SpecRequest struct {
	Capability  string
	Description string
	Reference   string
	Feedback    string
}

// GenerateRequest asks for the code of a specified tool.
type GenerateRequest struct {
	Spec     toolspec.ToolSpec
	Feedback string
}

// CorrectionRequest carries everything the oracle needs for a minimal repair.
type CorrectionRequest struct {
	Name                    string
	InputSchema             toolspec.Schema
	OutputSchema            toolspec.Schema
	Code                    string
	Packages                []string
	SystemPackages          []string
	ErrorKind               errors.ValidationKind
	ErrorMessage            string
	FaultLog                []string
	Attempt                 int
	TotalAttempts           int
	DiscardedPackages       []string
	DiscardedSystemPackages []string
	FailureCounts           map[string]int
}

// ArgumentsRequest asks for the arguments of a tool call.
type ArgumentsRequest struct {
	Task         string
	Tool         string
	InputSchema  toolspec.Schema
	Required     []string
	Context      string
	PriorResults []string
}

// ReviewRequest asks whether Answer satisfies Request.
type ReviewRequest struct {
	Request string
	Answer  string
}

// Plan returns the oracle's subtask decomposition.
func (o *Oracle) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	r, err := o.ask(ctx, ShapePlan, ShapePlan, req, true)
	if err != nil {
		return nil, err
	}
	return r.(*PlanResponse), nil
}

// Decide returns the oracle's tool decision.
func (o *Oracle) Decide(ctx context.Context, req DecisionRequest) (*DecisionResponse, error) {
	r, err := o.ask(ctx, ShapeDecision, ShapeDecision, req, true)
	if err != nil {
		return nil, err
	}
	return r.(*DecisionResponse), nil
}

// Specify returns a tool specification without code.
func (o *Oracle) Specify(ctx context.Context, req SpecRequest) (*SpecResponse, error) {
	r, err := o.ask(ctx, ShapeToolSpec, ShapeToolSpec, req, true)
	if err != nil {
		return nil, err
	}
	return r.(*SpecResponse), nil
}

// Generate returns the code for a specification.
func (o *Oracle) Generate(ctx context.Context, req GenerateRequest) (*CodeResponse, error) {
	r, err := o.ask(ctx, ShapeCode, ShapeCode, req, false)
	if err != nil {
		return nil, err
	}
	return r.(*CodeResponse), nil
}

// Correct returns a repaired code body, optionally with revised packages.
func (o *Oracle) Correct(ctx context.Context, req CorrectionRequest) (*CodeResponse, error) {
	r, err := o.ask(ctx, ShapeCode, codeCorrection, req, false)
	if err != nil {
		return nil, err
	}
	return r.(*CodeResponse), nil
}

// Arguments returns arguments for a tool call.
func (o *Oracle) Arguments(ctx context.Context, req ArgumentsRequest) (*ArgumentsResponse, error) {
	r, err := o.ask(ctx, ShapeArguments, ShapeArguments, req, true)
	if err != nil {
		return nil, err
	}
	return r.(*ArgumentsResponse), nil
}

// Review returns the oracle's verdict on a final answer.
func (o *Oracle) Review(ctx context.Context, req ReviewRequest) (*ReviewResponse, error) {
	r, err := o.ask(ctx, ShapeReview, ShapeReview, req, true)
	if err != nil {
		return nil, err
	}
	return r.(*ReviewResponse), nil
}

func (o *Oracle) ask(ctx context.Context, shape, promptKey Shape, data interface{}, jsonMode bool) (Response, error) {
	ctx, span := otel.Tracer("forge/oracle").Start(ctx, "oracle."+string(promptKey))
	defer span.End()
	span.SetAttributes(attribute.String(telemetry.AttrOracleShape, string(shape)))

	p := prompts[promptKey]
	user, err := p.render(data)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "render prompt", err).WithContext("prompt", string(promptKey))
	}

	start := time.Now()
	content, err := resilience.DoValue(ctx, o.retry, func(ctx context.Context) (string, error) {
		resp, err := o.provider.Chat(ctx, llm.ChatRequest{
			Model:       o.model,
			Temperature: o.temperature,
			JSON:        jsonMode,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: p.system},
				{Role: llm.RoleUser, Content: user},
			},
		})
		if err != nil {
			if errors.CodeOf(err) == errors.CodeInternal {
				return "", errors.New(errors.CodeLLMError, "oracle call failed", err)
			}
			return "", err
		}
		return resp.Content, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.WarnContext(ctx, "oracle.call.failed",
			slog.String("prompt", string(promptKey)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	resp, err := Parse(shape, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		o.logger.WarnContext(ctx, "oracle.response.malformed",
			slog.String("prompt", string(promptKey)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	o.logger.DebugContext(ctx, "oracle.call.done",
		slog.String("prompt", string(promptKey)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}
