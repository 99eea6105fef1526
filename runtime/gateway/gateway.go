// Package gateway binds authentication, admission, context assembly, upstream
// dispatch and post-turn ingestion into one request lifecycle. A request moves
// through the states Received, Authenticated, Admitted, Contextualized,
// Dispatched and Responded; only the first three and dispatch gate the client
// response. Ingestion and usage recording run after the reply on a detached
// context, so their failures never reach the client.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/recall/runtime/auth"
	"goa.design/recall/runtime/dialogue"
	"goa.design/recall/runtime/ingest"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/recall"
	"goa.design/recall/runtime/telemetry"
	"goa.design/recall/runtime/token"
	"goa.design/recall/runtime/usage"
)

// defaultRequestTimeout is the hard deadline for one request through
// Responded. Ingestion runs past it on its own deadline.
const defaultRequestTimeout = 60 * time.Second

// Request lifecycle states, recorded on spans and debug logs.
const (
	stateReceived       = "received"
	stateAuthenticated  = "authenticated"
	stateAdmitted       = "admitted"
	stateContextualized = "contextualized"
	stateDispatched     = "dispatched"
	stateResponded      = "responded"
)

type (
	// ChatRequest is the normalized chat-completion input.
	ChatRequest struct {
		Model       string
		Messages    []model.Message
		Temperature *float32
		MaxTokens   int
		SessionID   string
		UserID      string
		// Knowledge tunes context retrieval; nil uses the defaults.
		Knowledge *KnowledgeOptions
	}

	// KnowledgeOptions mirrors the retrieval knobs exposed to callers.
	KnowledgeOptions struct {
		IncludeRecent       bool
		IncludeRelated      bool
		MaxContextObjects   int
		SimilarityThreshold *float64
		Diversity           *float64
	}

	// ChatResponse is the normalized chat-completion output.
	ChatResponse struct {
		ID           string
		Created      int64
		Model        string
		Content      string
		FinishReason string
		Usage        model.TokenUsage
		// Knowledge reports the context injected upstream; nil when none was.
		Knowledge *KnowledgeUsage
		RequestID string
	}

	// KnowledgeUsage reports the objects packed into the context block.
	KnowledgeUsage struct {
		Objects []recall.UsedObject
		Tokens  int
	}

	// EmbedResponse is the normalized embeddings output.
	EmbedResponse struct {
		Vectors   [][]float32
		Model     string
		Usage     model.TokenUsage
		RequestID string
	}

	// ModelInfo describes one model advertised by the models endpoint.
	ModelInfo struct {
		ID             string
		OwnedBy        string
		MaxTokens      int
		KnowledgeAware bool
	}

	// Service is the request pipeline orchestrator.
	Service struct {
		validator *auth.Validator
		usage     *usage.Engine
		builder   *recall.Builder
		client    model.Client
		embedder  model.Embedder
		ingestor  *ingest.Pipeline
		dialogue  *dialogue.Service
		counter   token.Counter

		defaultModel   string
		embedModel     string
		models         []ModelInfo
		requestTimeout time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		// inflight tracks post-response work so Close can drain it.
		inflight sync.WaitGroup
	}

	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Validator authenticates bearer keys; required.
		Validator *auth.Validator

		// Usage is the rate & usage engine; required.
		Usage *usage.Engine

		// Builder assembles knowledge context; required.
		Builder *recall.Builder

		// Client is the upstream chat backend; required.
		Client model.Client

		// Embedder is the upstream embeddings backend; required.
		Embedder model.Embedder

		// Ingestor runs post-turn ingestion; required.
		Ingestor *ingest.Pipeline

		// Dialogue backs the batch summarization job; required.
		Dialogue *dialogue.Service

		// Counter estimates token usage when the provider reports none; nil
		// uses the heuristic estimator.
		Counter token.Counter

		// DefaultModel serves requests that omit a model; required.
		DefaultModel string

		// EmbedModel serves embedding requests that omit a model.
		EmbedModel string

		// Models is the catalog advertised by the models endpoint.
		Models []ModelInfo

		// RequestTimeout is the hard per-request deadline; defaults to 60s.
		RequestTimeout time.Duration

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}
)

// NewService builds a Service from the provided options.
func NewService(opts ServiceOptions) (*Service, error) {
	switch {
	case opts.Validator == nil:
		return nil, errors.New("gateway: validator is required")
	case opts.Usage == nil:
		return nil, errors.New("gateway: usage engine is required")
	case opts.Builder == nil:
		return nil, errors.New("gateway: context builder is required")
	case opts.Client == nil:
		return nil, errors.New("gateway: model client is required")
	case opts.Embedder == nil:
		return nil, errors.New("gateway: embedder is required")
	case opts.Ingestor == nil:
		return nil, errors.New("gateway: ingestion pipeline is required")
	case opts.Dialogue == nil:
		return nil, errors.New("gateway: dialogue service is required")
	case opts.DefaultModel == "":
		return nil, errors.New("gateway: default model is required")
	}
	counter := opts.Counter
	if counter == nil {
		counter = token.NewEstimator()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Service{
		validator:      opts.Validator,
		usage:          opts.Usage,
		builder:        opts.Builder,
		client:         opts.Client,
		embedder:       opts.Embedder,
		ingestor:       opts.Ingestor,
		dialogue:       opts.Dialogue,
		counter:        counter,
		defaultModel:   opts.DefaultModel,
		embedModel:     opts.EmbedModel,
		models:         opts.Models,
		requestTimeout: requestTimeout,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
	}, nil
}

// Authenticate resolves the bearer to its owning tenant key.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*auth.Key, error) {
	key, err := s.validator.Validate(ctx, bearer)
	if err != nil {
		return nil, unauthorized()
	}
	return key, nil
}

// ChatCompletion drives one request through the pipeline. The returned error,
// when non-nil, is always a *Error carrying the boundary kind.
func (s *Service) ChatCompletion(ctx context.Context, key *auth.Key, req *ChatRequest) (*ChatResponse, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.chat_completion")
	defer span.End()
	requestID := uuid.NewString()
	s.transition(ctx, span, stateReceived, key.TenantID, requestID)
	s.transition(ctx, span, stateAuthenticated, key.TenantID, requestID)

	prompt, err := validateChat(req)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	if req.SessionID == "" {
		req.SessionID = requestID
	}

	decision := s.usage.Admit(ctx, key.TenantID)
	if !decision.Allowed {
		return nil, rateLimited(decision.Reason, decision.RetryAfter)
	}
	s.transition(ctx, span, stateAdmitted, key.TenantID, requestID)

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	knowledgeCtx := s.builder.Build(ctx, key.TenantID, req.SessionID, prompt, recallOptions(req.Knowledge))
	s.transition(ctx, span, stateContextualized, key.TenantID, requestID)

	upstream := &model.Request{
		Model:       req.Model,
		Messages:    injectContext(req.Messages, knowledgeCtx.ContextText),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	resp, cerr := s.client.Complete(ctx, upstream)
	if cerr != nil {
		// The request was admitted, so it still consumed admission capacity.
		s.usage.RecordFailedRequest(context.WithoutCancel(ctx), key.TenantID)
		if errors.Is(cerr, context.DeadlineExceeded) {
			return nil, timeout(cerr)
		}
		return nil, badGateway(cerr)
	}
	s.transition(ctx, span, stateDispatched, key.TenantID, requestID)

	out := &ChatResponse{
		ID:           resp.ID,
		Created:      time.Now().Unix(),
		Model:        resp.Model,
		Content:      resp.Content,
		FinishReason: resp.FinishReason,
		Usage:        s.fillUsage(resp.Usage, upstream, resp.Content),
		RequestID:    requestID,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + requestID
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if !knowledgeCtx.Empty() {
		out.Knowledge = &KnowledgeUsage{Objects: knowledgeCtx.UsedObjects, Tokens: knowledgeCtx.UsedTokens}
	}
	s.transition(ctx, span, stateResponded, key.TenantID, requestID)

	// Ingestion and usage recording run post-response: the client reply is
	// already committed, so these proceed on a detached context with their
	// own deadlines.
	s.afterResponse(context.WithoutCancel(ctx), key, req, out, prompt, knowledgeCtx)
	return out, nil
}

// afterResponse runs the Ingested and Recorded stages.
func (s *Service) afterResponse(ctx context.Context, key *auth.Key, req *ChatRequest, resp *ChatResponse, prompt string, knowledgeCtx *recall.Result) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_, err := s.ingestor.ProcessTurn(ctx, &ingest.Turn{
			TenantID:         key.TenantID,
			SessionID:        req.SessionID,
			UserID:           req.UserID,
			RequestID:        resp.RequestID,
			UserMessage:      prompt,
			AssistantMessage: resp.Content,
			ContextText:      knowledgeCtx.ContextText,
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			KnowledgeTokens:  knowledgeCtx.UsedTokens,
		})
		if err != nil {
			s.logger.Error(ctx, "post-response ingestion failed",
				"tenant_id", key.TenantID, "request_id", resp.RequestID, "error", err.Error())
		}

		s.usage.RecordChatCompletion(ctx, &usage.Record{
			TenantID:        key.TenantID,
			UserID:          req.UserID,
			SessionID:       req.SessionID,
			RequestID:       resp.RequestID,
			Model:           resp.Model,
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			KnowledgeTokens: knowledgeCtx.UsedTokens,
		})
	}()
}

// Embeddings proxies an embedding request and records its usage.
func (s *Service) Embeddings(ctx context.Context, key *auth.Key, modelID string, inputs []string) (*EmbedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.embeddings")
	defer span.End()
	requestID := uuid.NewString()

	if len(inputs) == 0 {
		return nil, badRequest("input is required")
	}
	for _, in := range inputs {
		if strings.TrimSpace(in) == "" {
			return nil, badRequest("input entries must be non-empty")
		}
	}
	if modelID == "" {
		modelID = s.embedModel
	}

	decision := s.usage.Admit(ctx, key.TenantID)
	if !decision.Allowed {
		return nil, rateLimited(decision.Reason, decision.RetryAfter)
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	result, err := s.embedder.Embed(ctx, modelID, inputs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeout(err)
		}
		return nil, badGateway(err)
	}

	tokens := result.Usage.InputTokens
	if tokens == 0 {
		for _, in := range inputs {
			tokens += s.counter.Count(in)
		}
	}
	rec := &usage.Record{
		TenantID:    key.TenantID,
		RequestID:   requestID,
		Model:       result.Model,
		InputTokens: tokens,
	}
	s.inflight.Add(1)
	recordCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		s.usage.RecordEmbedding(recordCtx, rec)
	}()

	return &EmbedResponse{
		Vectors:   result.Vectors,
		Model:     result.Model,
		Usage:     result.Usage,
		RequestID: requestID,
	}, nil
}

// Models returns the advertised model catalog.
func (s *Service) Models(context.Context) []ModelInfo {
	out := make([]ModelInfo, len(s.models))
	copy(out, s.models)
	return out
}

// SummarizeSessions runs batch session summarization and returns the count
// summarized.
func (s *Service) SummarizeSessions(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	return s.dialogue.SummarizeDue(ctx, batchSize)
}

// CurrentUsage exposes the tenant's live counters.
func (s *Service) CurrentUsage(ctx context.Context, tenantID string) (*usage.Snapshot, error) {
	return s.usage.CurrentUsage(ctx, tenantID)
}

// Close waits for post-response work and drains the ingestion pipeline.
func (s *Service) Close() {
	s.inflight.Wait()
	s.ingestor.Close()
}

func (s *Service) transition(ctx context.Context, span telemetry.Span, state, tenantID, requestID string) {
	span.AddEvent(state)
	s.logger.Debug(ctx, "request state", "state", state, "tenant_id", tenantID, "request_id", requestID)
}

// fillUsage trusts provider-reported usage and falls back to the heuristic
// estimator when the provider reports none.
func (s *Service) fillUsage(reported model.TokenUsage, req *model.Request, completion string) model.TokenUsage {
	if reported.TotalTokens > 0 || reported.InputTokens > 0 || reported.OutputTokens > 0 {
		if reported.TotalTokens == 0 {
			reported.TotalTokens = reported.InputTokens + reported.OutputTokens
		}
		return reported
	}
	var input int
	for _, m := range req.Messages {
		input += s.counter.Count(m.Content)
	}
	output := s.counter.Count(completion)
	return model.TokenUsage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	}
}

// validateChat checks the request shape and returns the prompt, which is the
// content of the last user message.
func validateChat(req *ChatRequest) (string, *Error) {
	if len(req.Messages) == 0 {
		return "", badRequest("messages is required")
	}
	var prompt string
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem, model.RoleUser, model.RoleAssistant:
		default:
			return "", badRequest("unknown message role " + m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return "", badRequest("message content must be non-empty")
		}
		if m.Role == model.RoleUser {
			prompt = m.Content
		}
	}
	if prompt == "" {
		return "", badRequest("at least one user message is required")
	}
	return prompt, nil
}

// recallOptions translates the caller-facing knowledge knobs.
func recallOptions(k *KnowledgeOptions) recall.Options {
	if k == nil {
		return recall.Options{}
	}
	return recall.Options{
		Diversity:           k.Diversity,
		MaxContextObjects:   k.MaxContextObjects,
		SimilarityThreshold: k.SimilarityThreshold,
		IncludeRecent:       k.IncludeRecent,
		IncludeRelated:      k.IncludeRelated,
	}
}

// injectContext prepends the knowledge block as a system message, after any
// caller-supplied system messages so caller instructions keep precedence.
func injectContext(messages []model.Message, contextText string) []model.Message {
	if contextText == "" {
		return messages
	}
	insert := 0
	for insert < len(messages) && messages[insert].Role == model.RoleSystem {
		insert++
	}
	out := make([]model.Message, 0, len(messages)+1)
	out = append(out, messages[:insert]...)
	out = append(out, model.Message{Role: model.RoleSystem, Content: contextText})
	out = append(out, messages[insert:]...)
	return out
}
