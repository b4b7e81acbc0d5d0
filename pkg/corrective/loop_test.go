package corrective

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/toolspec"
)

type stubCorrector struct {
	mu        sync.Mutex
	responses []*oracle.CodeResponse
	errs      []error
	requests  []oracle.CorrectionRequest
}

func (s *stubCorrector) Correct(_ context.Context, req oracle.CorrectionRequest) (*oracle.CodeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New(errors.CodeInternal, "no scripted correction", nil)
	}
	return s.responses[i], nil
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Emit(_ context.Context, e core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

const summaryCode = `import pandas as pd

def summarize(path: str) -> dict:
    df = pd.read_csv(path)
    return {"rows": len(df)}
`

func summarySpec() toolspec.ToolSpec {
	return toolspec.ToolSpec{
		Name:         "summarize",
		Description:  "count csv rows",
		InputSchema:  toolspec.Schema{"path": "string"},
		OutputSchema: toolspec.Schema{"rows": "integer"},
		Code:         summaryCode,
	}
}

func importFailure(module string) *sandbox.Result {
	return &sandbox.Result{Error: &sandbox.ExecError{
		Kind:    errors.KindImport,
		Phase:   sandbox.PhaseRun,
		Message: "ModuleNotFoundError: No module named '" + module + "'",
		Package: module,
	}}
}

func systemInstallFailure(pkg string) *sandbox.Result {
	return &sandbox.Result{Error: &sandbox.ExecError{
		Kind:    errors.KindEnvironment,
		Phase:   sandbox.PhaseInstall,
		Message: "system package " + pkg + " failed to install",
		Package: pkg,
		System:  true,
	}}
}

func success(v interface{}) *sandbox.Result {
	return &sandbox.Result{Succeeded: true, ReturnValue: v}
}

func TestLoopSucceedsFirstAttempt(t *testing.T) {
	exec := sandbox.NewScripted(success(map[string]interface{}{"rows": 3.0}))
	corr := &stubCorrector{}
	out, err := New(corr, exec).Run(context.Background(), summarySpec(), map[string]interface{}{"path": "a.csv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Session.Attempt != 1 || len(corr.requests) != 0 {
		t.Fatalf("expected one attempt and no corrections, got %d/%d", out.Session.Attempt, len(corr.requests))
	}
	req := exec.Requests()[0]
	if req.FunctionName != "summarize" || req.FunctionArgs["path"] != "a.csv" {
		t.Errorf("unexpected sandbox request: %+v", req)
	}
}

func TestLoopAddsMissingPackageWithoutOracle(t *testing.T) {
	exec := sandbox.NewScripted(importFailure("pandas"), success(map[string]interface{}{"rows": 3.0}))
	corr := &stubCorrector{}
	out, err := New(corr, exec).Run(context.Background(), summarySpec(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(corr.requests) != 0 {
		t.Fatalf("a missing declaration must not consume an oracle call, got %d", len(corr.requests))
	}
	if diff := cmp.Diff([]string{"pandas"}, out.Spec.Packages); diff != "" {
		t.Errorf("packages mismatch (-want +got):\n%s", diff)
	}
	if d := out.Session.Discarded(); len(d.Packages) != 0 {
		t.Errorf("pandas must not be discarded, got %v", d.Packages)
	}
	if got := exec.Requests()[1].Packages; !cmp.Equal(got, []string{"pandas"}) {
		t.Errorf("second execution must declare pandas, got %v", got)
	}
}

func TestLoopMapsModuleToDistribution(t *testing.T) {
	spec := summarySpec()
	spec.Code = "import cv2\n\ndef summarize(path: str) -> dict:\n    return {\"rows\": 0}\n"
	exec := sandbox.NewScripted(importFailure("cv2"), success(map[string]interface{}{"rows": 0.0}))
	out, err := New(&stubCorrector{}, exec).Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !cmp.Equal(out.Spec.Packages, []string{"opencv-python"}) {
		t.Errorf("expected opencv-python, got %v", out.Spec.Packages)
	}
}

func TestLoopDiscardsSystemPackageAfterThreshold(t *testing.T) {
	spec := summarySpec()
	spec.Code = "import subprocess\n\ndef summarize(path: str) -> dict:\n    return {\"rows\": 1}\n"
	spec.SystemPackages = []string{"libfoo"}

	exec := sandbox.NewScripted(
		systemInstallFailure("libfoo"),
		systemInstallFailure("libfoo"),
		systemInstallFailure("libfoo"),
		success(map[string]interface{}{"rows": 1.0}),
	)
	sameDeps := &oracle.CodeResponse{Code: spec.Code, SystemPackages: []string{"libfoo"}, WithPackages: true}
	fallback := &oracle.CodeResponse{
		Code:           "def summarize(path: str) -> dict:\n    return {\"rows\": 1}\n",
		SystemPackages: []string{"libfoo"},
		WithPackages:   true,
	}
	corr := &stubCorrector{responses: []*oracle.CodeResponse{sameDeps, sameDeps, fallback}}
	events := &recorder{}

	out, err := New(corr, exec, WithEvents(events)).Run(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Session.Attempt != 4 {
		t.Fatalf("expected success on attempt 4, got %d", out.Session.Attempt)
	}
	if diff := cmp.Diff([]string{"libfoo"}, out.Session.Discarded().SystemPackages); diff != "" {
		t.Errorf("discarded mismatch (-want +got):\n%s", diff)
	}
	if len(corr.requests) != 3 {
		t.Fatalf("expected 3 corrections, got %d", len(corr.requests))
	}
	if got := corr.requests[2].DiscardedSystemPackages; !cmp.Equal(got, []string{"libfoo"}) {
		t.Errorf("correction after the discard must list libfoo, got %v", got)
	}
	if got := corr.requests[0].DiscardedSystemPackages; len(got) != 0 {
		t.Errorf("nothing is discarded before the threshold, got %v", got)
	}
	// The fallback tried to bring libfoo back; it must have been dropped.
	if got := exec.Requests()[3].SystemPackages; len(got) != 0 {
		t.Errorf("discarded package reintroduced into execution: %v", got)
	}
	if events.count(core.EventPackageDiscarded) != 1 {
		t.Errorf("expected one package.discarded event, got %d", events.count(core.EventPackageDiscarded))
	}
	if events.count(core.EventCorrection) != 3 {
		t.Errorf("expected 3 correction.attempt events, got %d", events.count(core.EventCorrection))
	}
}

func TestLoopDiscardSetIsMonotonic(t *testing.T) {
	spec := summarySpec()
	spec.Packages = []string{"badpkg"}
	pipFailure := func(pkg string) *sandbox.Result {
		return &sandbox.Result{Error: &sandbox.ExecError{Kind: errors.KindImport, Phase: sandbox.PhaseInstall, Message: "install failed", Package: pkg}}
	}
	runtime := sandbox.Failed(errors.KindRuntime, "ValueError: bad")
	exec := sandbox.NewScripted(pipFailure("badpkg"), pipFailure("badpkg"), runtime, runtime, runtime)

	reintroduce := &oracle.CodeResponse{Code: summaryCode, Packages: []string{"pandas", "badpkg"}, WithPackages: true}
	corr := &stubCorrector{responses: []*oracle.CodeResponse{reintroduce, reintroduce, reintroduce, reintroduce}}

	_, err := New(corr, exec, WithPolicy(Policy{TotalAttempts: 5, DiscardThreshold: 2})).Run(context.Background(), spec, nil)
	if !stderrors.Is(err, errors.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	var seen bool
	for i, req := range corr.requests {
		has := false
		for _, p := range req.DiscardedPackages {
			if p == "badpkg" {
				has = true
			}
		}
		if seen && !has {
			t.Fatalf("discard set shrank at correction %d", i)
		}
		seen = seen || has
	}
	if !seen {
		t.Fatal("badpkg was never discarded")
	}
	for i, req := range exec.Requests()[2:] {
		for _, p := range req.Packages {
			if p == "badpkg" {
				t.Fatalf("execution %d reintroduced a discarded package", i+3)
			}
		}
	}
}

func TestLoopExhaustionStopsOracleCalls(t *testing.T) {
	fail := sandbox.Failed(errors.KindRuntime, "ZeroDivisionError: division by zero")
	exec := sandbox.ScriptedFunc(func(sandbox.Request) *sandbox.Result { return fail })
	resp := &oracle.CodeResponse{Code: summaryCode}
	corr := &stubCorrector{responses: []*oracle.CodeResponse{resp, resp, resp, resp, resp, resp}}
	events := &recorder{}

	out, err := New(corr, exec, WithEvents(events)).Run(context.Background(), summarySpec(), nil)
	if !stderrors.Is(err, errors.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if exec.Calls() != DefaultTotalAttempts {
		t.Errorf("expected %d executions, got %d", DefaultTotalAttempts, exec.Calls())
	}
	if len(corr.requests) != DefaultTotalAttempts-1 {
		t.Errorf("expected %d oracle calls, got %d", DefaultTotalAttempts-1, len(corr.requests))
	}
	if len(out.Session.FaultLog) != DefaultTotalAttempts {
		t.Errorf("expected %d faults, got %d", DefaultTotalAttempts, len(out.Session.FaultLog))
	}
	if !stderrors.Is(err, errors.ErrValidation) {
		t.Errorf("exhaustion must wrap the last validation error, got %v", err)
	}
	if events.count(core.EventFailurePattern) != DefaultTotalAttempts {
		t.Errorf("expected failure patterns for every fault, got %d", events.count(core.EventFailurePattern))
	}
}

func TestLoopRejectsSignatureChange(t *testing.T) {
	fail := sandbox.Failed(errors.KindRuntime, "KeyError: 'path'")
	exec := sandbox.NewScripted(fail, success(map[string]interface{}{"rows": 1.0}))
	changed := &oracle.CodeResponse{Code: "def summarize(path: str, sep: str) -> dict:\n    return {\"rows\": 1}\n"}
	fixed := &oracle.CodeResponse{Code: "def summarize(path: str) -> dict:\n    return {\"rows\": 1}\n"}
	corr := &stubCorrector{responses: []*oracle.CodeResponse{changed, fixed}}

	out, err := New(corr, exec).Run(context.Background(), summarySpec(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.Calls() != 2 {
		t.Errorf("a rejected correction must not be executed, got %d executions", exec.Calls())
	}
	if out.Session.Attempt != 3 {
		t.Errorf("rejection must spend an attempt, got %d", out.Session.Attempt)
	}
	if out.Spec.Code != fixed.Code {
		t.Errorf("expected the fixed code, got %q", out.Spec.Code)
	}
}

func TestLoopRejectsForbiddenConstructs(t *testing.T) {
	fail := sandbox.Failed(errors.KindRuntime, "KeyError: 'path'")
	tests := []struct {
		name string
		code string
	}{
		{"try/except", "def summarize(path: str) -> dict:\n    try:\n        return {\"rows\": 1}\n    except Exception:\n        return {\"rows\": 0}\n"},
		{"hard-coded URL", "import requests\n\ndef summarize(path: str) -> dict:\n    return {\"rows\": len(requests.get(\"https://example.com/rows\").text)}\n"},
		{"credential", "def summarize(path: str) -> dict:\n    api_key = \"sk-123\"\n    return {\"rows\": 1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := sandbox.NewScripted(fail, success(map[string]interface{}{"rows": 1.0}))
			fixed := &oracle.CodeResponse{Code: "def summarize(path: str) -> dict:\n    return {\"rows\": 1}\n"}
			corr := &stubCorrector{responses: []*oracle.CodeResponse{{Code: tt.code}, fixed}}

			out, err := New(corr, exec).Run(context.Background(), summarySpec(), nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if exec.Calls() != 2 {
				t.Errorf("a rejected correction must not be executed, got %d executions", exec.Calls())
			}
			if out.Session.Attempt != 3 {
				t.Errorf("rejection must spend an attempt, got %d", out.Session.Attempt)
			}
			if found := toolspec.ForbiddenConstructs(out.Spec.Code); len(found) != 0 {
				t.Errorf("validated code carries %v", found)
			}
		})
	}
}

func TestLoopMalformedCorrectionSpendsAttempt(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		"I cannot help with that.",
		"```python\ndef summarize(path: str) -> dict:\n    return {\"rows\": 2}\n```",
	)
	exec := sandbox.NewScripted(sandbox.Failed(errors.KindSyntax, "SyntaxError: invalid syntax"), success(map[string]interface{}{"rows": 2.0}))
	out, err := New(oracle.New(provider), exec).Run(context.Background(), summarySpec(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.Calls() != 2 || out.Session.Attempt != 3 {
		t.Fatalf("expected 2 oracle calls and 3 attempts, got %d and %d", provider.Calls(), out.Session.Attempt)
	}
}

func TestLoopOracleTransportErrorSurfaces(t *testing.T) {
	exec := sandbox.NewScripted(sandbox.Failed(errors.KindRuntime, "boom"))
	boom := errors.New(errors.CodeLLMError, "connection refused", nil)
	corr := &stubCorrector{errs: []error{boom}}
	_, err := New(corr, exec).Run(context.Background(), summarySpec(), nil)
	if !stderrors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestLoopCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&stubCorrector{}, sandbox.NewScripted()).Run(ctx, summarySpec(), nil)
	if !stderrors.Is(err, errors.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestDistribution(t *testing.T) {
	tests := map[string]string{
		"sklearn":         "scikit-learn",
		"PIL":             "pillow",
		"yaml":            "pyyaml",
		"bs4":             "beautifulsoup4",
		"pandas":          "pandas",
		"google.cloud":    "google",
		"Requests":        "requests",
		"dateutil.parser": "python-dateutil",
	}
	for module, want := range tests {
		if got := Distribution(module); got != want {
			t.Errorf("Distribution(%q) = %q, want %q", module, got, want)
		}
	}
}
