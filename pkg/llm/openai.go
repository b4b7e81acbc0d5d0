// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/jllopis/forge/pkg/errors"
)

// OpenAIProvider implements Provider and Embedder against the OpenAI API or
// any server compatible with it.
type OpenAIProvider struct {
	client     openai.Client
	model      string
	embedModel string
}

type openAIOptions struct {
	model      string
	embedModel string
	request    []option.RequestOption
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openAIOptions)

// WithOpenAIModel sets the model used when a request names none.
func WithOpenAIModel(model string) OpenAIOption {
	return func(o *openAIOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithOpenAIBaseURL points the client at a proxy or a compatible server.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *openAIOptions) {
		if url != "" {
			o.request = append(o.request, option.WithBaseURL(url))
		}
	}
}

// WithOpenAIAPIKey sets the API key. OPENAI_API_KEY is read otherwise.
func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(o *openAIOptions) {
		if key != "" {
			o.request = append(o.request, option.WithAPIKey(key))
		}
	}
}

// WithOpenAITimeout bounds every request.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(o *openAIOptions) {
		if d > 0 {
			o.request = append(o.request, option.WithRequestTimeout(d))
		}
	}
}

// WithOpenAIEmbeddingModel sets the model used by Embed.
func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(o *openAIOptions) {
		if model != "" {
			o.embedModel = model
		}
	}
}

// NewOpenAI creates an OpenAIProvider. Retries are left to the caller, so
// the client does not retry on its own.
func NewOpenAI(opts ...OpenAIOption) *OpenAIProvider {
	o := &openAIOptions{
		model:      "gpt-4o-mini",
		embedModel: "text-embedding-3-small",
		request:    []option.RequestOption{option.WithMaxRetries(0)},
	}
	for _, opt := range opts {
		opt(o)
	}
	return &OpenAIProvider{
		client:     openai.NewClient(o.request...),
		model:      o.model,
		embedModel: o.embedModel,
	}
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, openAIError(ctx, "chat completion", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New(errors.CodeLLMError, "openai returned no choices", nil).WithRecoverable(true)
	}
	return &ChatResponse{
		Content: completion.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// Embed implements Embedder.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: p.embedModel,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, openAIError(ctx, "embedding", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New(errors.CodeLLMError, "openai returned no embedding", nil)
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// openAIError maps a client error to an LLM error; 5xx and 429 are
// recoverable.
func openAIError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.New(errors.CodeCancelled, "openai call cancelled", ctx.Err())
	}
	var apiErr *openai.Error
	if stderrors.As(err, &apiErr) {
		return errors.New(errors.CodeLLMError, fmt.Sprintf("openai %s returned status %d", op, apiErr.StatusCode), err).
			WithRecoverable(apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests).
			WithContext("status", apiErr.StatusCode)
	}
	return errors.New(errors.CodeLLMError, "openai "+op+" failed", err).WithRecoverable(true)
}

var (
	_ Provider = (*OpenAIProvider)(nil)
	_ Embedder = (*OpenAIProvider)(nil)
)
