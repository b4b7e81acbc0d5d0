package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

// OllamaProvider implements Provider and Embedder against an Ollama server.
type OllamaProvider struct {
	baseURL    string
	embedModel string
	client     *http.Client
}

// OllamaOption configures an OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithHTTPTimeout overrides the HTTP client timeout.
func WithHTTPTimeout(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithEmbeddingModel sets the model used by Embed.
func WithEmbeddingModel(model string) OllamaOption {
	return func(p *OllamaProvider) {
		p.embedModel = model
	}
}

// NewOllama creates a new OllamaProvider.
func NewOllama(baseURL string, opts ...OllamaOption) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	p := &OllamaProvider{
		baseURL:    baseURL,
		embedModel: "nomic-embed-text",
		client:     &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count"`
	PromptEvalCount int     `json:"prompt_eval_count"`
}

// Chat sends a chat request to Ollama and maps the response to ChatResponse.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	oReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if req.JSON {
		oReq.Format = "json"
	}
	if req.Temperature != 0 {
		oReq.Options = map[string]interface{}{"temperature": req.Temperature}
	}

	var oResp ollamaChatResponse
	if err := p.post(ctx, "/api/chat", oReq, &oResp); err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content: oResp.Message.Content,
		Usage: Usage{
			PromptTokens:     oResp.PromptEvalCount,
			CompletionTokens: oResp.EvalCount,
			TotalTokens:      oResp.PromptEvalCount + oResp.EvalCount,
		},
	}, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed converts a text string into a vector.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	if err := p.post(ctx, "/api/embeddings", embeddingRequest{Model: p.embedModel, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (p *OllamaProvider) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.New(errors.CodeLLMError, "marshal ollama request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.New(errors.CodeLLMError, "create ollama request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.CodeCancelled, "ollama call cancelled", ctx.Err())
		}
		return errors.New(errors.CodeLLMError, "ollama api call failed", err).WithRecoverable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New(errors.CodeLLMError, fmt.Sprintf("ollama %s returned status %d", path, resp.StatusCode), fmt.Errorf("%s", bytes.TrimSpace(snippet))).
			WithRecoverable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests).
			WithContext("status", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.CodeLLMError, "decode ollama response", err)
	}
	return nil
}

var (
	_ Provider = (*OllamaProvider)(nil)
	_ Embedder = (*OllamaProvider)(nil)
)
