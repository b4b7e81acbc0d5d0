package resolver

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/index"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/registry"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/toolspec"
)

type stubOracle struct {
	resp  *oracle.DecisionResponse
	err   error
	calls int
	last  oracle.DecisionRequest
}

func (s *stubOracle) Decide(_ context.Context, req oracle.DecisionRequest) (*oracle.DecisionResponse, error) {
	s.calls++
	s.last = req
	return s.resp, s.err
}

func seeded(t *testing.T, specs ...toolspec.ToolSpec) *registry.MemoryStore {
	t.Helper()
	store := registry.NewMemoryStore()
	for _, s := range specs {
		if _, err := store.Insert(context.Background(), s); err != nil {
			t.Fatalf("Insert %s: %v", s.Name, err)
		}
	}
	return store
}

func tool(name, capability string) toolspec.ToolSpec {
	return toolspec.ToolSpec{
		Name:        name,
		Description: capability,
		Capability:  capability,
		Code:        "def " + name + "() -> dict:\n    return {}\n",
	}
}

func TestResolveEmptyRegistrySkipsOracle(t *testing.T) {
	o := &stubOracle{}
	r := New(registry.NewMemoryStore(), o)
	d, err := r.Resolve(context.Background(), "get current UTC time")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Match || o.calls != 0 {
		t.Fatalf("decision = %+v, oracle calls = %d", d, o.calls)
	}
}

func TestResolveFingerprintFastPath(t *testing.T) {
	o := &stubOracle{}
	r := New(seeded(t, tool("utc_now", "get current UTC time")), o)
	d, err := r.Resolve(context.Background(), "  Get current   utc time ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !d.Match || !d.FastPath || d.ToolName != "utc_now" || d.Confidence != 1 {
		t.Fatalf("decision = %+v", d)
	}
	if o.calls != 0 {
		t.Fatalf("fast path must not call the oracle, got %d calls", o.calls)
	}
}

func TestResolveOracleDecision(t *testing.T) {
	store := seeded(t, tool("utc_now", "get current UTC time"), tool("summarize_csv", "summarize csv columns"))

	tests := []struct {
		name      string
		resp      *oracle.DecisionResponse
		wantMatch bool
	}{
		{name: "strong match", resp: &oracle.DecisionResponse{Match: true, ToolName: "utc_now", Confidence: 0.9}, wantMatch: true},
		{name: "at threshold", resp: &oracle.DecisionResponse{Match: true, ToolName: "utc_now", Confidence: 0.8}, wantMatch: true},
		{name: "weak match", resp: &oracle.DecisionResponse{Match: true, ToolName: "utc_now", Confidence: 0.6}},
		{name: "unknown tool", resp: &oracle.DecisionResponse{Match: true, ToolName: "not_offered", Confidence: 0.95}},
		{name: "no match", resp: &oracle.DecisionResponse{Match: false, Confidence: 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &stubOracle{resp: tt.resp}
			r := New(store, o)
			name, ok, err := r.Match(context.Background(), "what time is it in UTC")
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if ok != tt.wantMatch {
				t.Fatalf("match = %v, want %v", ok, tt.wantMatch)
			}
			if ok && name != tt.resp.ToolName {
				t.Fatalf("tool = %q", name)
			}
			if !ok && name != "" {
				t.Fatalf("rejected decision leaked tool name %q", name)
			}
			if len(o.last.Candidates) != 2 {
				t.Fatalf("expected every entry as candidate, got %d", len(o.last.Candidates))
			}
		})
	}
}

func TestResolveMinConfidenceOption(t *testing.T) {
	o := &stubOracle{resp: &oracle.DecisionResponse{Match: true, ToolName: "utc_now", Confidence: 0.85}}
	r := New(seeded(t, tool("utc_now", "get current UTC time")), o, WithMinConfidence(0.9))
	_, ok, err := r.Match(context.Background(), "time please")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if ok {
		t.Fatal("0.85 must not pass a 0.9 threshold")
	}
}

func TestResolveMalformedDecisionIsNoMatch(t *testing.T) {
	provider := llm.NewScriptedMockProvider(`{"tool_name": "utc_now"}`)
	o := oracle.New(provider, oracle.WithRetry(resilience.RetryConfig{MaxAttempts: 1}))
	r := New(seeded(t, tool("utc_now", "get current UTC time")), o)
	d, err := r.Resolve(context.Background(), "time please")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Match {
		t.Fatalf("malformed decision must not match: %+v", d)
	}
	if provider.Calls() != 1 {
		t.Fatalf("expected one oracle call, got %d", provider.Calls())
	}
}

func TestResolveTransportError(t *testing.T) {
	o := &stubOracle{err: errors.New(errors.CodeLLMError, "connection refused", stderrors.New("dial"))}
	r := New(seeded(t, tool("utc_now", "get current UTC time")), o)
	_, err := r.Resolve(context.Background(), "time please")
	if errors.CodeOf(err) != errors.CodeResolution {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestResolveIndexNarrowsCandidates(t *testing.T) {
	ctx := context.Background()
	specs := []toolspec.ToolSpec{
		tool("utc_now", "get the current utc time"),
		tool("summarize_csv", "summarize the columns of a csv file"),
		tool("fetch_url", "download the body of an http url"),
	}
	idx := index.New(index.NewMemoryStore(), llm.HashEmbedder{Dim: 64}, "")
	o := &stubOracle{resp: &oracle.DecisionResponse{Match: true, ToolName: "utc_now", Confidence: 0.9}}
	r := New(seeded(t, specs...), o, WithIndex(idx, 1))
	for _, s := range specs {
		if err := r.Remember(ctx, s); err != nil {
			t.Fatalf("Remember: %v", err)
		}
	}

	name, ok, err := r.Match(ctx, "what is the current utc time now")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !ok || name != "utc_now" {
		t.Fatalf("match = %v %q", ok, name)
	}
	if len(o.last.Candidates) != 1 || o.last.Candidates[0].Name != "utc_now" {
		t.Fatalf("candidates = %+v", o.last.Candidates)
	}
}

func TestRegistryLookupThroughResolver(t *testing.T) {
	store := seeded(t, tool("utc_now", "get current UTC time"))
	reg := registry.New(store, nil, nil)
	reg.SetMatcher(New(store, &stubOracle{}))
	entry, err := reg.Lookup(context.Background(), "get current UTC time")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry == nil || entry.Spec.Name != "utc_now" {
		t.Fatalf("Lookup = %+v", entry)
	}
}
