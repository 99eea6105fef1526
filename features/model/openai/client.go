// Package openai provides model.Client and model.Embedder implementations
// backed by any OpenAI-compatible API. It translates normalized requests into
// Chat Completions and Embeddings calls using github.com/sashabaranov/go-openai
// and classifies provider failures for the gateway's boundary mapping. A
// custom base URL targets self-hosted OpenAI-compatible backends.
package openai

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/recall/runtime/model"
)

const providerName = "openai"

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, request openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// EmbedModel serves Embed calls that omit a model.
	EmbedModel string
}

// Client implements model.Client and model.Embedder via an OpenAI-compatible
// API.
type Client struct {
	chat       ChatClient
	model      string
	embedModel string
}

var (
	_ model.Client   = (*Client)(nil)
	_ model.Embedder = (*Client)(nil)
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" && opts.EmbedModel == "" {
		return nil, errors.New("default model or embed model is required")
	}
	return &Client{
		chat:       opts.Client,
		model:      opts.DefaultModel,
		embedModel: opts.EmbedModel,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
// A non-empty baseURL targets an OpenAI-compatible backend; such backends may
// run without authentication, so the key is only required for the default
// endpoint.
func NewFromAPIKey(apiKey, baseURL, defaultModel, embedModel string) (*Client, error) {
	if apiKey == "" && baseURL == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{
		Client:       openai.NewClientWithConfig(cfg),
		DefaultModel: defaultModel,
		EmbedModel:   embedModel,
	})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	request := openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		request.Temperature = *req.Temperature
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, classify("chat_completion", err)
	}
	return translateResponse(modelID, response), nil
}

// Embed returns one vector per input using the Embeddings API.
func (c *Client) Embed(ctx context.Context, modelID string, inputs []string) (*model.EmbedResult, error) {
	if len(inputs) == 0 {
		return nil, errors.New("inputs are required")
	}
	if modelID == "" {
		modelID = c.embedModel
	}
	if modelID == "" {
		return nil, errors.New("embedding model is required")
	}
	response, err := c.chat.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(modelID),
		Input: inputs,
	})
	if err != nil {
		return nil, classify("embeddings", err)
	}
	vectors := make([][]float32, len(response.Data))
	for _, d := range response.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return &model.EmbedResult{
		Vectors: vectors,
		Model:   string(response.Model),
		Usage: model.TokenUsage{
			InputTokens: response.Usage.PromptTokens,
			TotalTokens: response.Usage.TotalTokens,
		},
	}, nil
}

func translateResponse(modelID string, resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if out.Model == "" {
		out.Model = modelID
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

// classify maps go-openai errors to provider errors the gateway understands.
func classify(operation string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, operation, apiErr.HTTPStatusCode,
			kindForStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return model.NewProviderError(providerName, operation, reqErr.HTTPStatusCode,
			kindForStatus(reqErr.HTTPStatusCode), http.StatusText(reqErr.HTTPStatusCode), err)
	}
	return model.NewProviderError(providerName, operation, 0,
		model.ProviderErrorKindUnknown, "request failed", err)
}

func kindForStatus(status int) model.ProviderErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		return model.ProviderErrorKindRateLimited
	case status >= 500:
		return model.ProviderErrorKindUnavailable
	case status >= 400:
		return model.ProviderErrorKindInvalidRequest
	default:
		return model.ProviderErrorKindUnknown
	}
}
