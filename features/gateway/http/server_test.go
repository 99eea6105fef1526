package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"goa.design/recall/runtime/auth"
	"goa.design/recall/runtime/gateway"
	"goa.design/recall/runtime/knowledge"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/recall"
	"goa.design/recall/runtime/usage"
)

type stubGateway struct {
	key       *auth.Key
	authErr   error
	chatResp  *gateway.ChatResponse
	chatErr   error
	chatReq   *gateway.ChatRequest
	embedResp *gateway.EmbedResponse
	embedErr  error
	inputs    []string
	models    []gateway.ModelInfo
	summarize int
	batchSize int
	snapshot  *usage.Snapshot
}

func (s *stubGateway) Authenticate(_ context.Context, bearer string) (*auth.Key, error) {
	if s.authErr != nil {
		return nil, s.authErr
	}
	return s.key, nil
}

func (s *stubGateway) ChatCompletion(_ context.Context, _ *auth.Key, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	s.chatReq = req
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return s.chatResp, nil
}

func (s *stubGateway) Embeddings(_ context.Context, _ *auth.Key, modelID string, inputs []string) (*gateway.EmbedResponse, error) {
	s.inputs = inputs
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	return s.embedResp, nil
}

func (s *stubGateway) Models(context.Context) []gateway.ModelInfo { return s.models }

func (s *stubGateway) SummarizeSessions(_ context.Context, batchSize int) (int, error) {
	s.batchSize = batchSize
	return s.summarize, nil
}

func (s *stubGateway) CurrentUsage(context.Context, string) (*usage.Snapshot, error) {
	return s.snapshot, nil
}

func newTestServer(t *testing.T, gw Gateway) *httptest.Server {
	t.Helper()
	srv, err := New(Options{Gateway: gw})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler(log.Context(context.Background())))
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, bearer, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestChatCompletionHappyPath(t *testing.T) {
	gw := &stubGateway{
		key: &auth.Key{ID: "key-1", TenantID: "t1", Active: true},
		chatResp: &gateway.ChatResponse{
			ID:           "chatcmpl-1",
			Created:      1700000000,
			Model:        "claude-sonnet",
			Content:      "hello there",
			FinishReason: "stop",
			Usage:        model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			Knowledge: &gateway.KnowledgeUsage{
				Objects: []recall.UsedObject{
					{ID: "obj-1", Type: knowledge.TypeExtractedFact, Title: "Deploy plan", Score: 0.91},
				},
				Tokens: 120,
			},
			RequestID: "req-123",
		},
	}
	ts := newTestServer(t, gw)

	body := `{
		"model": "claude-sonnet",
		"messages": [{"role": "user", "content": "hi"}],
		"session_id": "sess-1",
		"knowledgeContext": {"includeRecent": true, "maxContextObjects": 3}
	}`
	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "rk_live_abc", body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-Id"))
	assert.Equal(t, "chat.completion", decoded["object"])
	assert.Equal(t, "chatcmpl-1", decoded["id"])

	choices := decoded["choices"].([]any)
	require.Len(t, choices, 1)
	message := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "assistant", message["role"])
	assert.Equal(t, "hello there", message["content"])

	kc := decoded["knowledgeContext"].(map[string]any)
	assert.EqualValues(t, 1, kc["totalObjects"])
	used := kc["objectsUsed"].([]any)[0].(map[string]any)
	assert.Equal(t, "obj-1", used["id"])
	assert.Equal(t, "EXTRACTED_FACT", used["type"])
	assert.InDelta(t, 0.91, used["relevance"], 1e-9)

	require.NotNil(t, gw.chatReq)
	assert.Equal(t, "sess-1", gw.chatReq.SessionID)
	require.NotNil(t, gw.chatReq.Knowledge)
	assert.True(t, gw.chatReq.Knowledge.IncludeRecent)
	assert.Equal(t, 3, gw.chatReq.Knowledge.MaxContextObjects)
}

func TestChatCompletionRejectsStreaming(t *testing.T) {
	gw := &stubGateway{key: &auth.Key{ID: "key-1", TenantID: "t1"}}
	ts := newTestServer(t, gw)

	body := `{"model": "m", "messages": [{"role": "user", "content": "hi"}], "stream": true}`
	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "rk_live_abc", body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "streaming is not supported", decoded["error"])
}

func TestChatCompletionMalformedBody(t *testing.T) {
	gw := &stubGateway{key: &auth.Key{ID: "key-1", TenantID: "t1"}}
	ts := newTestServer(t, gw)

	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "rk_live_abc", "{not json")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", decoded["error"])
}

func TestMissingBearerUnauthorized(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})

	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "", `{}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decoded["error"])
}

func TestInvalidBearerUnauthorized(t *testing.T) {
	ts := newTestServer(t, &stubGateway{authErr: auth.ErrUnauthorized})

	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "rk_live_bad", `{}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decoded["error"])
}

func TestRateLimitedResponse(t *testing.T) {
	gw := &stubGateway{
		key:     &auth.Key{ID: "key-1", TenantID: "t1"},
		chatErr: &gateway.Error{Kind: gateway.KindRateLimited, Message: "rate_limited", RetryAfter: 30 * time.Second},
	}
	ts := newTestServer(t, gw)

	body := `{"model": "m", "messages": [{"role": "user", "content": "hi"}]}`
	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "rk_live_abc", body)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decoded["error"])
	assert.EqualValues(t, 30, decoded["retry_after"])
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestUpstreamFailureSanitized(t *testing.T) {
	gw := &stubGateway{
		key:     &auth.Key{ID: "key-1", TenantID: "t1"},
		chatErr: &gateway.Error{Kind: gateway.KindBadGateway, Message: "upstream request failed"},
	}
	ts := newTestServer(t, gw)

	body := `{"model": "m", "messages": [{"role": "user", "content": "hi"}]}`
	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "rk_live_abc", body)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream request failed", decoded["error"])
}

func TestEmbeddingsStringInput(t *testing.T) {
	gw := &stubGateway{
		key: &auth.Key{ID: "key-1", TenantID: "t1"},
		embedResp: &gateway.EmbedResponse{
			Vectors:   [][]float32{{0.1, 0.2}},
			Model:     "embed-small",
			Usage:     model.TokenUsage{InputTokens: 4, TotalTokens: 4},
			RequestID: "req-9",
		},
	}
	ts := newTestServer(t, gw)

	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/embeddings", "rk_live_abc", `{"model": "embed-small", "input": "hello"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"hello"}, gw.inputs)
	assert.Equal(t, "list", decoded["object"])
	data := decoded["data"].([]any)
	require.Len(t, data, 1)
	first := data[0].(map[string]any)
	assert.Equal(t, "embedding", first["object"])
	assert.EqualValues(t, 0, first["index"])
}

func TestEmbeddingsArrayInput(t *testing.T) {
	gw := &stubGateway{
		key: &auth.Key{ID: "key-1", TenantID: "t1"},
		embedResp: &gateway.EmbedResponse{
			Vectors: [][]float32{{0.1}, {0.2}},
			Model:   "embed-small",
		},
	}
	ts := newTestServer(t, gw)

	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/embeddings", "rk_live_abc", `{"model": "embed-small", "input": ["a", "b"]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a", "b"}, gw.inputs)
}

func TestModelsCatalog(t *testing.T) {
	gw := &stubGateway{
		key: &auth.Key{ID: "key-1", TenantID: "t1"},
		models: []gateway.ModelInfo{
			{ID: "claude-sonnet", OwnedBy: "anthropic", MaxTokens: 8192, KnowledgeAware: true},
			{ID: "embed-small", OwnedBy: "openai"},
		},
	}
	ts := newTestServer(t, gw)

	resp, decoded := doJSON(t, ts, http.MethodGet, "/v1/models", "rk_live_abc", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decoded["data"].([]any)
	require.Len(t, data, 2)
	first := data[0].(map[string]any)
	assert.Equal(t, "claude-sonnet", first["id"])
	assert.Equal(t, "model", first["object"])
	assert.Equal(t, true, first["knowledgeAware"])
}

func TestUsageSnapshot(t *testing.T) {
	gw := &stubGateway{
		key:      &auth.Key{ID: "key-1", TenantID: "t1"},
		snapshot: &usage.Snapshot{RequestsPerMinute: 3, TokensPerHour: 1200},
	}
	ts := newTestServer(t, gw)

	resp, decoded := doJSON(t, ts, http.MethodGet, "/v1/usage", "rk_live_abc", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, decoded["requests_per_minute"])
	assert.EqualValues(t, 1200, decoded["tokens_per_hour"])
}

func TestSummarizeJob(t *testing.T) {
	gw := &stubGateway{summarize: 7}
	ts := newTestServer(t, gw)

	resp, decoded := doJSON(t, ts, http.MethodPost, "/jobs/session-summarize?batch_size=25", "", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 7, decoded["summarized"])
	assert.Equal(t, 25, gw.batchSize)
}

func TestSummarizeJobRejectsBadBatchSize(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})

	resp, decoded := doJSON(t, ts, http.MethodPost, "/jobs/session-summarize?batch_size=zero", "", "")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "batch_size must be a positive integer", decoded["error"])
}

func TestJobsHealth(t *testing.T) {
	ts := newTestServer(t, &stubGateway{})

	resp, decoded := doJSON(t, ts, http.MethodGet, "/jobs/health", "", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decoded["status"])
}

func TestBodySizeCap(t *testing.T) {
	gw := &stubGateway{key: &auth.Key{ID: "key-1", TenantID: "t1"}}
	srv, err := New(Options{Gateway: gw, MaxBodyBytes: 64})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler(log.Context(context.Background())))
	t.Cleanup(ts.Close)

	body := `{"model": "m", "messages": [{"role": "user", "content": "` + strings.Repeat("x", 200) + `"}]}`
	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/chat/completions", "rk_live_abc", body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "request body too large", decoded["error"])
}
