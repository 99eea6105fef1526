package http

import (
	"encoding/json"
	"errors"

	"goa.design/recall/runtime/gateway"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/usage"
)

// Wire types for the OpenAI-compatible surface. The chat request is a strict
// superset of the OpenAI schema: knowledgeContext tunes retrieval and
// session_id threads multi-turn conversations.

type (
	chatCompletionRequest struct {
		Model            string             `json:"model"`
		Messages         []chatMessage      `json:"messages"`
		Temperature      *float32           `json:"temperature,omitempty"`
		MaxTokens        int                `json:"max_tokens,omitempty"`
		Stream           bool               `json:"stream,omitempty"`
		User             string             `json:"user,omitempty"`
		SessionID        string             `json:"session_id,omitempty"`
		KnowledgeContext *knowledgeContext  `json:"knowledgeContext,omitempty"`
	}

	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	knowledgeContext struct {
		IncludeRecent       *bool    `json:"includeRecent,omitempty"`
		IncludeRelated      *bool    `json:"includeRelated,omitempty"`
		MaxContextObjects   int      `json:"maxContextObjects,omitempty"`
		SimilarityThreshold *float64 `json:"similarityThreshold,omitempty"`
		Diversity           *float64 `json:"diversity,omitempty"`
	}

	chatCompletionResponse struct {
		ID               string                 `json:"id"`
		Object           string                 `json:"object"`
		Created          int64                  `json:"created"`
		Model            string                 `json:"model"`
		Choices          []chatChoice           `json:"choices"`
		Usage            usagePayload           `json:"usage"`
		KnowledgeContext *knowledgeContextUsage `json:"knowledgeContext,omitempty"`
	}

	chatChoice struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	usagePayload struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	knowledgeContextUsage struct {
		ObjectsUsed  []usedObjectPayload `json:"objectsUsed"`
		TotalObjects int                 `json:"totalObjects"`
	}

	usedObjectPayload struct {
		ID        string  `json:"id"`
		Type      string  `json:"type"`
		Title     string  `json:"title"`
		Relevance float64 `json:"relevance"`
	}

	embeddingsRequest struct {
		Model string         `json:"model"`
		Input embeddingInput `json:"input"`
	}

	// embeddingInput accepts either a single string or an array of strings.
	embeddingInput []string

	embeddingsResponse struct {
		Object string             `json:"object"`
		Data   []embeddingPayload `json:"data"`
		Model  string             `json:"model"`
		Usage  usagePayload       `json:"usage"`
	}

	embeddingPayload struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	modelsResponse struct {
		Object string         `json:"object"`
		Data   []modelPayload `json:"data"`
	}

	modelPayload struct {
		ID             string `json:"id"`
		Object         string `json:"object"`
		OwnedBy        string `json:"owned_by"`
		MaxTokens      int    `json:"maxTokens,omitempty"`
		KnowledgeAware bool   `json:"knowledgeAware"`
	}

	summarizeResponse struct {
		Summarized int `json:"summarized"`
	}

	usageSnapshotResponse struct {
		RequestsPerMinute float64 `json:"requests_per_minute"`
		TokensPerMinute   float64 `json:"tokens_per_minute"`
		CostPerMinute     float64 `json:"cost_per_minute"`
		RequestsPerHour   float64 `json:"requests_per_hour"`
		TokensPerHour     float64 `json:"tokens_per_hour"`
		CostPerHour       float64 `json:"cost_per_hour"`
	}

	errorResponse struct {
		Error      string `json:"error"`
		RetryAfter int64  `json:"retry_after,omitempty"`
	}
)

func (i *embeddingInput) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*i = embeddingInput{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("input must be a string or an array of strings")
	}
	*i = many
	return nil
}

func (r *chatCompletionRequest) toDomain() *gateway.ChatRequest {
	messages := make([]model.Message, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = model.Message{Role: m.Role, Content: m.Content}
	}
	out := &gateway.ChatRequest{
		Model:       r.Model,
		Messages:    messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		SessionID:   r.SessionID,
		UserID:      r.User,
	}
	if kc := r.KnowledgeContext; kc != nil {
		opts := &gateway.KnowledgeOptions{
			MaxContextObjects:   kc.MaxContextObjects,
			SimilarityThreshold: kc.SimilarityThreshold,
			Diversity:           kc.Diversity,
		}
		if kc.IncludeRecent != nil {
			opts.IncludeRecent = *kc.IncludeRecent
		}
		if kc.IncludeRelated != nil {
			opts.IncludeRelated = *kc.IncludeRelated
		}
		out.Knowledge = opts
	}
	return out
}

func fromChatResponse(resp *gateway.ChatResponse) chatCompletionResponse {
	out := chatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: model.RoleAssistant, Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: usagePayload{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if k := resp.Knowledge; k != nil {
		used := make([]usedObjectPayload, len(k.Objects))
		for i, obj := range k.Objects {
			used[i] = usedObjectPayload{
				ID:        obj.ID,
				Type:      string(obj.Type),
				Title:     obj.Title,
				Relevance: obj.Score,
			}
		}
		out.KnowledgeContext = &knowledgeContextUsage{
			ObjectsUsed:  used,
			TotalObjects: len(used),
		}
	}
	return out
}

func fromEmbedResponse(resp *gateway.EmbedResponse) embeddingsResponse {
	data := make([]embeddingPayload, len(resp.Vectors))
	for i, vec := range resp.Vectors {
		data[i] = embeddingPayload{Object: "embedding", Index: i, Embedding: vec}
	}
	return embeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  resp.Model,
		Usage: usagePayload{
			PromptTokens: resp.Usage.InputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
}

func fromSnapshot(snap *usage.Snapshot) usageSnapshotResponse {
	return usageSnapshotResponse{
		RequestsPerMinute: snap.RequestsPerMinute,
		TokensPerMinute:   snap.TokensPerMinute,
		CostPerMinute:     snap.CostPerMinute,
		RequestsPerHour:   snap.RequestsPerHour,
		TokensPerHour:     snap.TokensPerHour,
		CostPerHour:       snap.CostPerHour,
	}
}

func fromModels(models []gateway.ModelInfo) modelsResponse {
	data := make([]modelPayload, len(models))
	for i, m := range models {
		data[i] = modelPayload{
			ID:             m.ID,
			Object:         "model",
			OwnedBy:        m.OwnedBy,
			MaxTokens:      m.MaxTokens,
			KnowledgeAware: m.KnowledgeAware,
		}
	}
	return modelsResponse{Object: "list", Data: data}
}
