package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jllopis/forge/pkg/errors"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
}

func TestScriptedMockProvider(t *testing.T) {
	s := NewScriptedMockProvider("first", "second")
	ctx := context.Background()

	for _, want := range []string{"first", "second"} {
		resp, err := s.Chat(ctx, ChatRequest{})
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if resp.Content != want {
			t.Errorf("expected %q, got %q", want, resp.Content)
		}
	}
	if _, err := s.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatalf("expected error once the script is exhausted")
	}
	if s.Calls() != 3 || s.Remaining() != 0 {
		t.Errorf("expected 3 calls and 0 remaining, got %d/%d", s.Calls(), s.Remaining())
	}
}

func TestOllamaChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Format != "json" || req.Stream {
			t.Errorf("expected non-streaming json format request, got %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message":           map[string]string{"role": "assistant", "content": `{"ok":true}`},
			"done":              true,
			"eval_count":        3,
			"prompt_eval_count": 4,
		})
	}))
	defer server.Close()

	p := NewOllama(server.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{Model: "m", JSON: true})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"ok":true}` || resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestOllamaStatusErrors(t *testing.T) {
	tests := []struct {
		status      int
		recoverable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		_, err := NewOllama(server.URL).Chat(context.Background(), ChatRequest{})
		server.Close()

		fe := errors.AsForgeError(err)
		if fe.Code != errors.CodeLLMError {
			t.Fatalf("status %d: expected LLM error, got %v", tt.status, err)
		}
		if fe.Recoverable != tt.recoverable {
			t.Errorf("status %d: expected recoverable=%v", tt.status, tt.recoverable)
		}
	}
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float64{0.5, 1.5}})
	}))
	defer server.Close()

	vec, err := NewOllama(server.URL, WithEmbeddingModel("e")).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[1] != 1.5 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := HashEmbedder{Dim: 16}
	a, _ := h.Embed(context.Background(), "get current utc time")
	b, _ := h.Embed(context.Background(), "get current utc time")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical vectors")
		}
	}
}
