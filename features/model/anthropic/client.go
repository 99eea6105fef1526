// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates normalized chat requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// classifies provider failures for the gateway's boundary mapping.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/recall/runtime/model"
)

const providerName = "anthropic"

// defaultMaxTokens caps completions when neither the request nor the options
// specify a limit. The Messages API rejects requests without one.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed
		// in the Anthropic model reference.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Zero or negative selects defaultMaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client from the provided Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into the normalized chat structures.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classify("messages.new", err)
	}
	return translateResponse(msg)
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(float64(*req.Temperature))
	}
	return params, nil
}

// encodeMessages splits the normalized history into the conversation and the
// system prompt blocks the Messages API expects.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, errors.New("anthropic: unsupported message role " + m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(block.Text)
	}
	resp := &model.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      content.String(),
		FinishReason: string(msg.StopReason),
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	return resp, nil
}

// classify maps Anthropic SDK errors to provider errors the gateway
// understands.
func classify(operation string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, operation, apiErr.StatusCode,
			kindForStatus(apiErr.StatusCode), "messages request rejected", err)
	}
	return model.NewProviderError(providerName, operation, 0,
		model.ProviderErrorKindUnknown, "request failed", err)
}

func kindForStatus(status int) model.ProviderErrorKind {
	switch {
	case status == 401 || status == 403:
		return model.ProviderErrorKindAuth
	case status == 429:
		return model.ProviderErrorKindRateLimited
	case status >= 500:
		return model.ProviderErrorKindUnavailable
	case status >= 400:
		return model.ProviderErrorKindInvalidRequest
	default:
		return model.ProviderErrorKindUnknown
	}
}
