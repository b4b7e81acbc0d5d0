// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/toolspec"
)

// Shape tags the variant of an oracle response.
type Shape string

const (
	ShapePlan      Shape = "plan"
	ShapeDecision  Shape = "decision"
	ShapeToolSpec  Shape = "tool_spec"
	ShapeCode      Shape = "code"
	ShapeArguments Shape = "arguments"
	ShapeReview    Shape = "review"
)

// Response is one of the typed oracle response variants.
type Response interface {
	Shape() Shape
}

// PlanStep is a subtask as proposed by the oracle, before plan validation.
type PlanStep struct {
	ID              int    `json:"id"`
	Description     string `json:"description"`
	CapabilityQuery string `json:"capability_query"`
	DependsOn       []int  `json:"depends_on"`
}

// PlanResponse is the plan array variant.
type PlanResponse struct {
	Steps []PlanStep
}

// DecisionResponse is the tool-decision variant.
type DecisionResponse struct {
	Match      bool    `json:"match"`
	ToolName   string  `json:"tool_name,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// SpecResponse is the tool specification variant. Spec.Code is empty.
type SpecResponse struct {
	Spec toolspec.ToolSpec
}

// CodeResponse is the code or correction payload variant. WithPackages
// distinguishes a code-plus-dependencies payload from a code-only one.
type CodeResponse struct {
	Code           string
	Packages       []string
	SystemPackages []string
	WithPackages   bool
}

// ArgumentsResponse maps a subtask onto a tool's input schema. Missing lists
// required parameters the oracle could not fill; Question is what to ask a
// human for them.
type ArgumentsResponse struct {
	Arguments map[string]interface{}
	Missing   []string
	Question  string
}

// ReviewResponse judges whether the aggregated answer satisfies the request.
type ReviewResponse struct {
	Finish bool   `json:"finish"`
	Reason string `json:"reason"`
}

func (PlanResponse) Shape() Shape      { return ShapePlan }
func (DecisionResponse) Shape() Shape  { return ShapeDecision }
func (SpecResponse) Shape() Shape      { return ShapeToolSpec }
func (CodeResponse) Shape() Shape      { return ShapeCode }
func (ArgumentsResponse) Shape() Shape { return ShapeArguments }
func (ReviewResponse) Shape() Shape    { return ShapeReview }

func malformed(shape Shape, raw string, cause error) *errors.ForgeError {
	snippet := raw
	if len(snippet) > 300 {
		snippet = snippet[:300] + "..."
	}
	return errors.New(errors.CodeLLMError, fmt.Sprintf("malformed %s response", shape), cause).
		WithContext("shape", string(shape)).
		WithContext("raw", snippet)
}

// Parse decodes raw oracle output into the variant named by shape. Anything
// that does not conform is rejected with a CodeLLMError.
func Parse(shape Shape, raw string) (Response, error) {
	switch shape {
	case ShapePlan:
		return parsePlan(raw)
	case ShapeDecision:
		return parseDecision(raw)
	case ShapeToolSpec:
		return parseSpec(raw)
	case ShapeCode:
		return parseCode(raw)
	case ShapeArguments:
		return parseArguments(raw)
	case ShapeReview:
		return parseReview(raw)
	default:
		return nil, errors.New(errors.CodeInternal, fmt.Sprintf("unknown response shape %q", shape), nil)
	}
}

func parsePlan(raw string) (*PlanResponse, error) {
	doc, ok := ExtractJSON(raw)
	if !ok {
		return nil, malformed(ShapePlan, raw, fmt.Errorf("no JSON document found"))
	}
	var steps []PlanStep
	if bytes.HasPrefix(bytes.TrimSpace(doc), []byte("[")) {
		if err := strictUnmarshal(doc, &steps); err != nil {
			return nil, malformed(ShapePlan, raw, err)
		}
	} else {
		var wrapper struct {
			Subtasks []PlanStep `json:"subtasks"`
		}
		if err := strictUnmarshal(doc, &wrapper); err != nil {
			return nil, malformed(ShapePlan, raw, err)
		}
		steps = wrapper.Subtasks
	}
	if len(steps) == 0 {
		return nil, malformed(ShapePlan, raw, fmt.Errorf("plan has no subtasks"))
	}
	for i, s := range steps {
		if strings.TrimSpace(s.Description) == "" {
			return nil, malformed(ShapePlan, raw, fmt.Errorf("subtask %d has no description", i))
		}
		if strings.TrimSpace(s.CapabilityQuery) == "" {
			steps[i].CapabilityQuery = s.Description
		}
	}
	return &PlanResponse{Steps: steps}, nil
}

func parseDecision(raw string) (*DecisionResponse, error) {
	doc, ok := ExtractJSON(raw)
	if !ok {
		return nil, malformed(ShapeDecision, raw, fmt.Errorf("no JSON object found"))
	}
	var in struct {
		Match      *bool    `json:"match"`
		ToolName   *string  `json:"tool_name"`
		Confidence *float64 `json:"confidence"`
		Reason     string   `json:"reason"`
	}
	if err := strictUnmarshal(doc, &in); err != nil {
		return nil, malformed(ShapeDecision, raw, err)
	}
	if in.Match == nil {
		return nil, malformed(ShapeDecision, raw, fmt.Errorf("missing match field"))
	}
	out := &DecisionResponse{Match: *in.Match, Reason: in.Reason}
	if in.ToolName != nil {
		out.ToolName = strings.TrimSpace(*in.ToolName)
	}
	if in.Confidence != nil {
		out.Confidence = *in.Confidence
	} else if out.Match {
		return nil, malformed(ShapeDecision, raw, fmt.Errorf("match without confidence"))
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, malformed(ShapeDecision, raw, fmt.Errorf("confidence %v out of range", out.Confidence))
	}
	if out.Match && out.ToolName == "" {
		return nil, malformed(ShapeDecision, raw, fmt.Errorf("match without tool_name"))
	}
	return out, nil
}

func parseSpec(raw string) (*SpecResponse, error) {
	doc, ok := ExtractJSON(raw)
	if !ok {
		return nil, malformed(ShapeToolSpec, raw, fmt.Errorf("no JSON object found"))
	}
	var in struct {
		Name             string          `json:"name"`
		Description      string          `json:"description"`
		InputSchema      json.RawMessage `json:"input_schema"`
		OutputSchema     json.RawMessage `json:"output_schema"`
		Packages         []string        `json:"packages"`
		RequiredPackages []string        `json:"required_packages"`
		SystemPackages   []string        `json:"system_packages"`
		Idempotent       *bool           `json:"idempotent"`
	}
	if err := strictUnmarshal(doc, &in); err != nil {
		return nil, malformed(ShapeToolSpec, raw, err)
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, malformed(ShapeToolSpec, raw, fmt.Errorf("missing name"))
	}
	input, err := decodeSchema(in.InputSchema)
	if err != nil {
		return nil, malformed(ShapeToolSpec, raw, fmt.Errorf("input_schema: %w", err))
	}
	output, err := decodeSchema(in.OutputSchema)
	if err != nil {
		return nil, malformed(ShapeToolSpec, raw, fmt.Errorf("output_schema: %w", err))
	}
	spec := toolspec.ToolSpec{
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		InputSchema:    input,
		OutputSchema:   output,
		Packages:       append(in.Packages, in.RequiredPackages...),
		SystemPackages: in.SystemPackages,
		Idempotent:     in.Idempotent != nil && *in.Idempotent,
	}
	spec.Normalize()
	return &SpecResponse{Spec: spec}, nil
}

// decodeSchema accepts either a flat {"param": "type"} mapping or a JSON
// Schema object with properties.
func decodeSchema(raw json.RawMessage) (toolspec.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return toolspec.Schema{}, nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	if props, ok := generic["properties"]; ok {
		var properties map[string]struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(props, &properties); err != nil {
			return nil, err
		}
		out := make(toolspec.Schema, len(properties))
		for k, v := range properties {
			out[k] = toolspec.NormalizeType(v.Type)
		}
		return out, nil
	}
	out := make(toolspec.Schema, len(generic))
	for k, v := range generic {
		if k == "type" || k == "required" {
			continue
		}
		var typ string
		if err := json.Unmarshal(v, &typ); err != nil {
			return nil, fmt.Errorf("field %q: type must be a string", k)
		}
		out[k] = toolspec.NormalizeType(typ)
	}
	return out, nil
}

func parseCode(raw string) (*CodeResponse, error) {
	text := StripThink(raw)
	if block, lang, ok := FencedBlock(text); ok {
		if lang == "json" {
			return codeFromJSON(raw, []byte(block))
		}
		return codeOnly(raw, block)
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		return codeFromJSON(raw, []byte(trimmed))
	}
	return codeOnly(raw, trimmed)
}

func codeFromJSON(raw string, doc []byte) (*CodeResponse, error) {
	var in struct {
		Code           string   `json:"code"`
		Packages       []string `json:"packages"`
		SystemPackages []string `json:"system_packages"`
	}
	if err := strictUnmarshal(doc, &in); err != nil {
		return nil, malformed(ShapeCode, raw, err)
	}
	if !strings.Contains(in.Code, "def ") {
		return nil, malformed(ShapeCode, raw, fmt.Errorf("payload code defines no function"))
	}
	return &CodeResponse{
		Code:           strings.TrimSpace(in.Code) + "\n",
		Packages:       toolspec.NormalizePackages(in.Packages),
		SystemPackages: toolspec.NormalizePackages(in.SystemPackages),
		WithPackages:   true,
	}, nil
}

func codeOnly(raw, code string) (*CodeResponse, error) {
	if !strings.Contains(code, "def ") {
		return nil, malformed(ShapeCode, raw, fmt.Errorf("no function definition found"))
	}
	return &CodeResponse{Code: strings.TrimSpace(code) + "\n"}, nil
}

func parseArguments(raw string) (*ArgumentsResponse, error) {
	doc, ok := ExtractJSON(raw)
	if !ok {
		return nil, malformed(ShapeArguments, raw, fmt.Errorf("no JSON object found"))
	}
	var in struct {
		Arguments map[string]interface{} `json:"arguments"`
		Missing   []string               `json:"missing"`
		Question  string                 `json:"question"`
	}
	if err := strictUnmarshal(doc, &in); err != nil {
		return nil, malformed(ShapeArguments, raw, err)
	}
	if in.Arguments == nil {
		return nil, malformed(ShapeArguments, raw, fmt.Errorf("missing arguments object"))
	}
	return &ArgumentsResponse{Arguments: in.Arguments, Missing: in.Missing, Question: in.Question}, nil
}

func parseReview(raw string) (*ReviewResponse, error) {
	doc, ok := ExtractJSON(raw)
	if !ok {
		return nil, malformed(ShapeReview, raw, fmt.Errorf("no JSON object found"))
	}
	var in struct {
		Finish *bool  `json:"finish"`
		Reason string `json:"reason"`
	}
	if err := strictUnmarshal(doc, &in); err != nil {
		return nil, malformed(ShapeReview, raw, err)
	}
	if in.Finish == nil {
		return nil, malformed(ShapeReview, raw, fmt.Errorf("missing finish field"))
	}
	return &ReviewResponse{Finish: *in.Finish, Reason: in.Reason}, nil
}

// strictUnmarshal decodes a single JSON value and rejects trailing data.
func strictUnmarshal(doc []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// IsMalformed reports whether err is a rejected oracle reply, as opposed to a
// transport failure.
func IsMalformed(err error) bool {
	fe := errors.AsForgeError(err)
	if fe == nil || fe.Code != errors.CodeLLMError {
		return false
	}
	_, ok := fe.Context["shape"]
	return ok
}
