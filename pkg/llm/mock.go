package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a testing implementation of Provider.
type MockProvider struct {
	Response string
	Err      error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &ChatResponse{Content: m.Response}, nil
}

// ScriptedMockProvider returns a pre-defined sequence of responses and
// records every request it receives.
type ScriptedMockProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []ChatRequest
	Err       error
}

// NewScriptedMockProvider creates a provider that answers with responses in order.
func NewScriptedMockProvider(responses ...string) *ScriptedMockProvider {
	return &ScriptedMockProvider{responses: responses}
}

// Chat pops the next scripted response or returns the configured error.
func (s *ScriptedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted mock: no response left for call %d", len(s.requests))
	}
	content := s.responses[0]
	s.responses = s.responses[1:]
	return &ChatResponse{Content: content}, nil
}

// AddResponse appends a response to the queue.
func (s *ScriptedMockProvider) AddResponse(response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, response)
}

// Calls returns how many times Chat has been called.
func (s *ScriptedMockProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Remaining returns how many scripted responses are still queued.
func (s *ScriptedMockProvider) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

// Requests returns a copy of the recorded requests.
func (s *ScriptedMockProvider) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// HashEmbedder is a deterministic Embedder for tests: it buckets character
// trigrams of the input into a fixed-size vector.
type HashEmbedder struct {
	Dim int
}

// Embed implements Embedder.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	for i := 0; i+3 <= len(text); i++ {
		var sum uint32
		for _, c := range []byte(text[i : i+3]) {
			sum = sum*31 + uint32(c)
		}
		vec[sum%uint32(dim)]++
	}
	return vec, nil
}
