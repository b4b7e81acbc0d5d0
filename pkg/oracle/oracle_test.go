package oracle

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/toolspec"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []PlanStep
		wantErr bool
	}{
		{
			name: "bare array",
			raw:  `[{"id":1,"description":"get current UTC time","capability_query":"get current utc time","depends_on":[]}]`,
			want: []PlanStep{{ID: 1, Description: "get current UTC time", CapabilityQuery: "get current utc time", DependsOn: []int{}}},
		},
		{
			name: "wrapped in subtasks with think and fence",
			raw:  "<think>let me plan</think>\nHere you go:\n```json\n{\"subtasks\":[{\"id\":1,\"description\":\"fetch\",\"depends_on\":[]},{\"id\":2,\"description\":\"sum\",\"capability_query\":\"sum numbers\",\"depends_on\":[1]}]}\n```",
			want: []PlanStep{
				{ID: 1, Description: "fetch", CapabilityQuery: "fetch", DependsOn: []int{}},
				{ID: 2, Description: "sum", CapabilityQuery: "sum numbers", DependsOn: []int{1}},
			},
		},
		{name: "prose only", raw: "I would first fetch the data.", wantErr: true},
		{name: "empty array", raw: "[]", wantErr: true},
		{name: "missing description", raw: `[{"id":1}]`, wantErr: true},
		{name: "wrong types", raw: `[{"id":"one","description":"x"}]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(ShapePlan, tt.raw)
			if tt.wantErr {
				if !stderrors.Is(err, &errors.ForgeError{Code: errors.CodeLLMError}) {
					t.Fatalf("expected malformed LLM error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tt.want, r.(*PlanResponse).Steps); diff != "" {
				t.Errorf("plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *DecisionResponse
		wantErr bool
	}{
		{"match", `{"match":true,"tool_name":"get_utc_time","confidence":0.93,"reason":"same"}`,
			&DecisionResponse{Match: true, ToolName: "get_utc_time", Confidence: 0.93, Reason: "same"}, false},
		{"no match null tool", `{"match":false,"tool_name":null}`, &DecisionResponse{}, false},
		{"missing match", `{"tool_name":"x","confidence":1}`, nil, true},
		{"match without tool", `{"match":true,"confidence":0.9}`, nil, true},
		{"match without confidence", `{"match":true,"tool_name":"x"}`, nil, true},
		{"confidence out of range", `{"match":true,"tool_name":"x","confidence":7}`, nil, true},
		{"trailing garbage inside fence", "```json\n{\"match\":false} {\"match\":true}\n```", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(ShapeDecision, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, r.(*DecisionResponse)); diff != "" {
				t.Errorf("decision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSpecSchemaForms(t *testing.T) {
	jsonSchema := `{"name":"summarize_csv","description":"d",
	  "input_schema":{"type":"object","properties":{"path":{"type":"string"},"limit":{"type":"integer"}},"required":["path"]},
	  "output_schema":{"mean":"number"},
	  "required_packages":["pandas"],"system_packages":[],"idempotent":true}`
	r, err := Parse(ShapeToolSpec, jsonSchema)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	spec := r.(*SpecResponse).Spec
	want := toolspec.Schema{"path": "str", "limit": "int"}
	if diff := cmp.Diff(want, spec.InputSchema); diff != "" {
		t.Errorf("input schema mismatch:\n%s", diff)
	}
	if spec.OutputSchema["mean"] != "float" || !spec.Idempotent {
		t.Errorf("unexpected spec %+v", spec)
	}
	if diff := cmp.Diff([]string{"pandas"}, spec.Packages); diff != "" {
		t.Errorf("packages mismatch:\n%s", diff)
	}

	flat := `{"name":"get_utc_time","description":"d","input_schema":{},"output_schema":{"utc":"str"}}`
	r, err = Parse(ShapeToolSpec, flat)
	if err != nil {
		t.Fatalf("Parse flat: %v", err)
	}
	if len(r.(*SpecResponse).Spec.InputSchema) != 0 {
		t.Errorf("expected no parameters")
	}

	for _, bad := range []string{`{"description":"no name"}`, `{"name":"x","input_schema":{"a":{"nested":true}}}`, `not json`} {
		if _, err := Parse(ShapeToolSpec, bad); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

func TestParseCodeShapes(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		withPackages bool
		packages     []string
		wantErr      bool
	}{
		{"python fence", "```python\ndef f():\n    return 1\n```", false, nil, false},
		{"bare code", "def f():\n    return 1", false, nil, false},
		{"json fence with packages", "<think>need pandas</think>```json\n{\"code\":\"import pandas\\ndef f():\\n    return 1\",\"packages\":[\"pandas\"],\"system_packages\":[]}\n```", true, []string{"pandas"}, false},
		{"bare json object", `{"code":"def f():\n    return 1","packages":[],"system_packages":["ffmpeg"]}`, true, []string{}, false},
		{"no function", "```python\nprint('hi')\n```", false, nil, true},
		{"json without code", "```json\n{\"packages\":[\"x\"]}\n```", false, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(ShapeCode, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			c := r.(*CodeResponse)
			if c.WithPackages != tt.withPackages {
				t.Errorf("WithPackages = %v, want %v", c.WithPackages, tt.withPackages)
			}
			if tt.withPackages {
				if diff := cmp.Diff(tt.packages, c.Packages); diff != "" {
					t.Errorf("packages mismatch:\n%s", diff)
				}
			}
			if !strings.Contains(c.Code, "def f():") {
				t.Errorf("code not extracted: %q", c.Code)
			}
		})
	}
}

func TestParseArgumentsAndReview(t *testing.T) {
	r, err := Parse(ShapeArguments, `{"arguments":{"path":"data.csv"},"missing":["api_key"],"question":"What is your API key?"}`)
	if err != nil {
		t.Fatalf("Parse arguments: %v", err)
	}
	args := r.(*ArgumentsResponse)
	if args.Arguments["path"] != "data.csv" || len(args.Missing) != 1 {
		t.Errorf("unexpected arguments %+v", args)
	}
	if _, err := Parse(ShapeArguments, `{"path":"data.csv"}`); err == nil {
		t.Errorf("expected missing arguments object to be rejected")
	}

	r, err = Parse(ShapeReview, `{"finish":true,"reason":"complete"}`)
	if err != nil || !r.(*ReviewResponse).Finish {
		t.Fatalf("unexpected review %v, %v", r, err)
	}
	if _, err := Parse(ShapeReview, `{"reason":"?"}`); err == nil {
		t.Errorf("expected missing finish to be rejected")
	}
}

func TestOracleCorrectSendsDiscardedPackages(t *testing.T) {
	provider := llm.NewScriptedMockProvider("```python\ndef render():\n    return {\"ok\": True}\n```")
	o := New(provider, WithModel("test-model"))

	resp, err := o.Correct(context.Background(), CorrectionRequest{
		Name:                    "render",
		Code:                    "def render():\n    import gdal\n",
		ErrorKind:               errors.KindImport,
		ErrorMessage:            "E: Unable to locate package gdal-bin",
		FaultLog:                []string{"attempt 1: Import: gdal-bin", "attempt 2: Import: gdal-bin"},
		Attempt:                 3,
		TotalAttempts:           5,
		DiscardedSystemPackages: []string{"gdal-bin"},
		FailureCounts:           map[string]int{"gdal-bin": 3},
	})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if resp.WithPackages {
		t.Errorf("expected code-only correction")
	}

	reqs := provider.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one oracle call, got %d", len(reqs))
	}
	if reqs[0].Model != "test-model" || reqs[0].JSON {
		t.Errorf("unexpected request settings %+v", reqs[0])
	}
	user := reqs[0].Messages[1].Content
	for _, want := range []string{"Attempt 3 of 5", `"gdal-bin"`, "Unable to locate package", "attempt 2: Import"} {
		if !strings.Contains(user, want) {
			t.Errorf("correction prompt missing %q:\n%s", want, user)
		}
	}
}

func TestOracleRejectsMalformedWithoutRetry(t *testing.T) {
	provider := llm.NewScriptedMockProvider("sure, here is a plan: first do X")
	o := New(provider)
	_, err := o.Plan(context.Background(), PlanRequest{Request: "do X", MaxSubtasks: 5})
	if errors.CodeOf(err) != errors.CodeLLMError {
		t.Fatalf("expected LLM error, got %v", err)
	}
	if provider.Calls() != 1 {
		t.Errorf("malformed output must not be retried by the transport, got %d calls", provider.Calls())
	}
}

func TestOracleWrapsProviderErrors(t *testing.T) {
	o := New(&llm.MockProvider{Err: stderrors.New("connection refused")})
	_, err := o.Review(context.Background(), ReviewRequest{Request: "r", Answer: "a"})
	if errors.CodeOf(err) != errors.CodeLLMError {
		t.Fatalf("expected provider error wrapped as LLM error, got %v", err)
	}
}
