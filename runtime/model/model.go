// Package model provides provider-agnostic interfaces for the upstream LLM
// and embedding backends. It defines a normalized abstraction over chat
// completion APIs (OpenAI-compatible, Anthropic, etc.) so the gateway and the
// ingestion pipeline can invoke models without coupling to specific SDKs.
// Implementations translate these normalized types into provider-specific
// formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client defines the contract used to invoke chat completions upstream.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Implementations classify failures
		// with ProviderError so callers can map them to boundary errors.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Embedder produces dense vectors for input texts. Implementations wrap
	// OpenAI-compatible embedding endpoints or provider SDKs.
	Embedder interface {
		// Embed returns one vector per input, in input order. The model
		// argument may be empty, in which case the implementation default is
		// used.
		Embed(ctx context.Context, model string, inputs []string) (*EmbedResult, error)
	}

	// Request captures the normalized parameters for a chat completion. Fields
	// map to common provider parameters but may not be supported by every
	// backend; implementations document unsupported fields and apply sensible
	// defaults.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g. "gpt-4o-mini").
		Model string

		// Messages is the ordered chat history, including system prompts,
		// user inputs and prior assistant responses.
		Messages []Message

		// Temperature controls sampling temperature. Nil means provider
		// default.
		Temperature *float32

		// MaxTokens caps the number of completion tokens. Zero means provider
		// default.
		MaxTokens int
	}

	// Response wraps the generated content returned by the provider.
	Response struct {
		// ID is the provider-assigned completion identifier, when available.
		ID string

		// Model is the model that actually served the request.
		Model string

		// Content is the assistant reply text of the first choice.
		Content string

		// FinishReason explains why the model stopped generating ("stop",
		// "length", ...). Provider-specific and may be empty.
		FinishReason string

		// Usage reports token usage when the provider supplies it.
		Usage TokenUsage
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is one of "system", "user" or "assistant".
		Role string

		// Content is the message text.
		Content string
	}

	// EmbedResult carries the vectors and usage for one Embed call.
	EmbedResult struct {
		// Vectors holds one embedding per input, in input order.
		Vectors [][]float32

		// Model is the embedding model that served the request.
		Model string

		// Usage reports token usage when the provider supplies it.
		Usage TokenUsage
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// backend. All fields are zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int

		// OutputTokens counts tokens produced by the completion.
		OutputTokens int

		// TotalTokens is the aggregate when reported by the provider; prefer
		// it over summing Input + Output when available.
		TotalTokens int
	}
)

// Message role constants used across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrRateLimited indicates the provider is throttling requests. Providers
// wrap their native 429 signals with this sentinel so middleware can react.
var ErrRateLimited = errors.New("model: rate limited by provider")
