package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jllopis/forge/pkg/errors"
)

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization %q", got)
		}
		var req struct {
			Model          string `json:"model"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-test" || req.ResponseFormat.Type != "json_object" {
			t.Errorf("unexpected request %+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-test",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": `{"ok":true}`},
			}},
			"usage": map[string]int{"prompt_tokens": 4, "completion_tokens": 3, "total_tokens": 7},
		})
	}))
	defer server.Close()

	p := NewOpenAI(WithOpenAIBaseURL(server.URL+"/v1/"), WithOpenAIAPIKey("test-key"), WithOpenAIModel("gpt-test"))
	resp, err := p.Chat(context.Background(), ChatRequest{
		JSON: true,
		Messages: []Message{
			{Role: RoleSystem, Content: "answer in JSON"},
			{Role: RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"ok":true}` || resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestOpenAIStatusErrors(t *testing.T) {
	tests := []struct {
		status      int
		recoverable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
		}))
		_, err := NewOpenAI(WithOpenAIBaseURL(server.URL+"/v1/"), WithOpenAIAPIKey("k")).Chat(context.Background(), ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "hi"}},
		})
		server.Close()

		fe := errors.AsForgeError(err)
		if fe == nil || fe.Code != errors.CodeLLMError {
			t.Fatalf("status %d: expected LLM error, got %v", tt.status, err)
		}
		if fe.Recoverable != tt.recoverable {
			t.Errorf("status %d: expected recoverable=%v", tt.status, tt.recoverable)
		}
	}
}

func TestOpenAIEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  "e",
			"data":   []map[string]interface{}{{"object": "embedding", "index": 0, "embedding": []float64{0.25, 0.75}}},
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer server.Close()

	vec, err := NewOpenAI(WithOpenAIBaseURL(server.URL+"/v1/"), WithOpenAIAPIKey("k"), WithOpenAIEmbeddingModel("e")).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[1] != 0.75 {
		t.Errorf("unexpected vector %v", vec)
	}
}
