package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/auth"
	"goa.design/recall/runtime/dialogue"
	"goa.design/recall/runtime/discover"
	"goa.design/recall/runtime/extract"
	"goa.design/recall/runtime/ingest"
	"goa.design/recall/runtime/knowledge"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/recall"
	"goa.design/recall/runtime/usage"
	"goa.design/recall/runtime/vector"
)

// ---- in-memory backends ----

type memKeyStore struct {
	keys map[string]*auth.Key
}

func (s *memKeyStore) FindByHash(_ context.Context, hash string) (*auth.Key, error) {
	if k, ok := s.keys[hash]; ok {
		return k, nil
	}
	return nil, auth.ErrKeyNotFound
}

func (s *memKeyStore) TouchLastUsed(_ context.Context, _ string, _ time.Time) error { return nil }

type memCounters struct {
	mu     sync.Mutex
	values map[string]float64
}

func (c *memCounters) Increment(_ context.Context, key string, delta float64, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]float64)
	}
	c.values[key] += delta
	return nil
}

func (c *memCounters) Get(_ context.Context, key string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *memCounters) Ping(_ context.Context) error { return nil }

type memLogs struct {
	mu   sync.Mutex
	rows []*usage.Record
}

func (l *memLogs) Append(_ context.Context, rec *usage.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *rec
	l.rows = append(l.rows, &cp)
	return nil
}

func (l *memLogs) Aggregate(_ context.Context, tenantID string, from, to time.Time) (*usage.Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := &usage.Stats{ByModel: make(map[string]usage.ModelStats)}
	for _, r := range l.rows {
		if r.TenantID != tenantID || r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		stats.TotalRequests++
		stats.TotalTokens += int64(r.InputTokens + r.OutputTokens + r.KnowledgeTokens)
		stats.TotalCost += r.Cost
	}
	return stats, nil
}

type memKnowledge struct {
	mu       sync.Mutex
	objects  map[string]*knowledge.Object
	variants map[string][]*knowledge.Variant
	edges    map[string]*knowledge.Relationship
}

func newMemKnowledge() *memKnowledge {
	return &memKnowledge{
		objects:  make(map[string]*knowledge.Object),
		variants: make(map[string][]*knowledge.Variant),
		edges:    make(map[string]*knowledge.Relationship),
	}
}

func (s *memKnowledge) CreateObject(_ context.Context, obj *knowledge.Object, variants []*knowledge.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.ID] = obj
	s.variants[obj.ID] = variants
	return nil
}

func (s *memKnowledge) CreateTurnPair(_ context.Context, user, assistant *knowledge.Object, userVariant, assistantVariant *knowledge.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[user.ID] = user
	s.objects[assistant.ID] = assistant
	s.variants[user.ID] = []*knowledge.Variant{userVariant}
	s.variants[assistant.ID] = []*knowledge.Variant{assistantVariant}
	return nil
}

func (s *memKnowledge) GetObject(_ context.Context, tenantID, id string) (*knowledge.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok || obj.TenantID != tenantID || obj.Archived {
		return nil, knowledge.ErrNotFound
	}
	return obj, nil
}

func (s *memKnowledge) ListObjects(_ context.Context, tenantID string, ids []string) ([]*knowledge.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*knowledge.Object
	for _, id := range ids {
		if obj, ok := s.objects[id]; ok && obj.TenantID == tenantID && !obj.Archived {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (s *memKnowledge) VariantsForObject(_ context.Context, objectID string) ([]*knowledge.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variants[objectID], nil
}

func (s *memKnowledge) ArchiveObject(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok || obj.TenantID != tenantID {
		return knowledge.ErrNotFound
	}
	obj.Archived = true
	return nil
}

func (s *memKnowledge) UpsertRelationship(_ context.Context, rel *knowledge.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[rel.SourceID+"|"+rel.TargetID+"|"+string(rel.Type)] = rel
	return nil
}

func (s *memKnowledge) RelationshipsFor(_ context.Context, _, _ string) ([]*knowledge.Relationship, error) {
	return nil, nil
}

func (s *memKnowledge) DeleteRelationshipsOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *memKnowledge) countByType(tenantID string, t knowledge.ObjectType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, obj := range s.objects {
		if obj.TenantID == tenantID && obj.Type == t {
			n++
		}
	}
	return n
}

func (s *memKnowledge) firstByType(tenantID string, t knowledge.ObjectType) *knowledge.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		if obj.TenantID == tenantID && obj.Type == t {
			return obj
		}
	}
	return nil
}

// memIndex answers similarity queries with real cosine scores so the context
// path is exercised end to end.
type memIndex struct {
	mu         sync.Mutex
	embeddings []*vector.Embedding
}

func (i *memIndex) Store(_ context.Context, emb *vector.Embedding) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.embeddings = append(i.embeddings, emb)
	return emb.ID, nil
}

func (i *memIndex) FindSimilar(_ context.Context, query []float32, k int, filter vector.Filter) ([]vector.Match, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var matches []vector.Match
	for _, emb := range i.embeddings {
		if emb.TenantID != filter.TenantID || filter.Excluded(emb.ObjectID) {
			continue
		}
		matches = append(matches, vector.Match{
			ObjectID:  emb.ObjectID,
			VariantID: emb.VariantID,
			Score:     vector.Cosine(query, emb.Vector),
			Text:      emb.Text,
		})
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (i *memIndex) Delete(_ context.Context, _ string) (bool, error) { return false, nil }
func (i *memIndex) Ping(_ context.Context) error                    { return nil }

// scriptEmbedder returns scripted vectors per text, with a default for
// everything unscripted.
type scriptEmbedder struct {
	vectors map[string][]float32
}

func (e *scriptEmbedder) Embed(_ context.Context, _ string, inputs []string) (*model.EmbedResult, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if v, ok := e.vectors[in]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 1, 0}
		}
	}
	return &model.EmbedResult{Vectors: out, Model: "embed-m"}, nil
}

// upstream routes chat, extraction and summarization prompts.
type upstream struct {
	mu           sync.Mutex
	chatReply    string
	chatErr      error
	extractReply string
	requests     []*model.Request
}

func (u *upstream) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	system := ""
	if len(req.Messages) > 0 && req.Messages[0].Role == model.RoleSystem {
		system = req.Messages[0].Content
	}
	switch {
	case strings.HasPrefix(system, "You extract"):
		return &model.Response{Content: u.extractReply}, nil
	case strings.HasPrefix(system, "You summarize"):
		return &model.Response{Content: `{"short_summary":"ok"}`}, nil
	}
	if u.chatErr != nil {
		return nil, u.chatErr
	}
	u.requests = append(u.requests, req)
	return &model.Response{
		ID:           "cmpl-1",
		Model:        req.Model,
		Content:      u.chatReply,
		FinishReason: "stop",
		Usage:        model.TokenUsage{InputTokens: 10, OutputTokens: 8, TotalTokens: 18},
	}, nil
}

func (u *upstream) lastChat() *model.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		return nil
	}
	return u.requests[len(u.requests)-1]
}

// ---- fixture ----

type fixture struct {
	svc      *Service
	store    *memKnowledge
	index    *memIndex
	counters *memCounters
	logs     *memLogs
	upstream *upstream
	embedder *scriptEmbedder
}

const (
	testSecret = "sk-test-secret"
	testTenant = "t1"
)

func newFixture(t *testing.T, minuteLimit int64) *fixture {
	t.Helper()
	store := newMemKnowledge()
	index := &memIndex{}
	counters := &memCounters{}
	logs := &memLogs{}
	up := &upstream{
		chatReply:    "The capital of France is Paris.",
		extractReply: `{"facts":[{"content":"France's capital is Paris","confidence":0.9}],"confidence":0.9}`,
	}
	embedder := &scriptEmbedder{vectors: map[string][]float32{
		"What is the capital of France?": {1, 0, 0},
		"Paris is the capital of France": {1, 0, 0},
	}}

	keys := &memKeyStore{keys: map[string]*auth.Key{
		auth.HashSecret(testSecret): {ID: "key-1", TenantID: testTenant, Hash: auth.HashSecret(testSecret), Active: true},
	}}
	validator, err := auth.NewValidator(auth.Options{Store: keys})
	require.NoError(t, err)

	engine, err := usage.NewEngine(usage.Options{
		Counters: counters, Logs: logs, MinuteLimit: minuteLimit, HourLimit: 1000,
	})
	require.NoError(t, err)

	builder, err := recall.NewBuilder(recall.BuilderOptions{
		Embedder: embedder,
		Index:    index,
		Store:    store,
		Budget:   func(string) int { return 1000 },
	})
	require.NoError(t, err)

	extractor, err := extract.New(extract.Options{Client: up, Model: "m"})
	require.NoError(t, err)
	discoverer, err := discover.New(discover.Options{Store: store, Embedder: embedder, Index: index})
	require.NoError(t, err)
	dlg, err := dialogue.New(dialogue.Options{
		Store: &memDialogueStore{}, Client: up, Model: "m",
		TurnThreshold: 1000, TokenThreshold: 1 << 30,
	})
	require.NoError(t, err)

	pipeline, err := ingest.New(ingest.Options{
		Store: store, Index: index, Embedder: embedder, EmbedModel: "embed-m",
		Extractor: extractor, Discoverer: discoverer, Dialogue: dlg, Synchronous: true,
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceOptions{
		Validator:    validator,
		Usage:        engine,
		Builder:      builder,
		Client:       up,
		Embedder:     embedder,
		Ingestor:     pipeline,
		Dialogue:     dlg,
		DefaultModel: "m1",
		EmbedModel:   "embed-m",
		Models: []ModelInfo{
			{ID: "m1", OwnedBy: "recall", MaxTokens: 8192, KnowledgeAware: true},
		},
	})
	require.NoError(t, err)

	return &fixture{
		svc: svc, store: store, index: index,
		counters: counters, logs: logs, upstream: up, embedder: embedder,
	}
}

type memDialogueStore struct {
	mu     sync.Mutex
	states map[string]*dialogue.State
}

func (s *memDialogueStore) GetOrCreate(_ context.Context, tenantID, sessionID, userID string) (*dialogue.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(map[string]*dialogue.State)
	}
	key := tenantID + "/" + sessionID
	if st, ok := s.states[key]; ok {
		cp := *st
		return &cp, nil
	}
	st := &dialogue.State{ID: key, TenantID: tenantID, SessionID: sessionID, UserID: userID}
	s.states[key] = st
	cp := *st
	return &cp, nil
}

func (s *memDialogueStore) Update(_ context.Context, state *dialogue.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := state.TenantID + "/" + state.SessionID
	stored, ok := s.states[key]
	if !ok || stored.Version != state.Version {
		return dialogue.ErrConcurrentUpdate
	}
	state.Version++
	cp := *state
	s.states[key] = &cp
	return nil
}

func (s *memDialogueStore) ListDueForSummary(_ context.Context, _, _, _ int) ([]*dialogue.State, error) {
	return nil, nil
}

// seedObject stores a knowledge object with a SHORT variant and its embedding.
func (f *fixture) seedObject(t *testing.T, tenantID, id, content string, vec []float32) {
	t.Helper()
	obj := &knowledge.Object{ID: id, TenantID: tenantID, Type: knowledge.TypeExtractedFact, CreatedAt: time.Now()}
	variant := &knowledge.Variant{ID: id + "-short", ObjectID: id, Kind: knowledge.VariantShort, Content: content, Tokens: 10}
	require.NoError(t, f.store.CreateObject(context.Background(), obj, []*knowledge.Variant{variant}))
	_, err := f.index.Store(context.Background(), &vector.Embedding{
		ID: id + "-emb", TenantID: tenantID, ObjectID: id, VariantID: variant.ID, Text: content, Vector: vec,
	})
	require.NoError(t, err)
}

func (f *fixture) authKey(t *testing.T) *auth.Key {
	t.Helper()
	key, err := f.svc.Authenticate(context.Background(), testSecret)
	require.NoError(t, err)
	return key
}

func chatReq() *ChatRequest {
	return &ChatRequest{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "What is the capital of France?"}},
		SessionID: "s1",
		UserID:    "u1",
	}
}

func (f *fixture) minuteRequests(t *testing.T) float64 {
	t.Helper()
	key := usage.CounterKey(testTenant, usage.MetricRequests, usage.WindowMinute, time.Now())
	v, err := f.counters.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

// ---- tests ----

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, 100)

	key := f.authKey(t)
	assert.Equal(t, testTenant, key.TenantID)

	_, err := f.svc.Authenticate(context.Background(), "wrong")
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, AsError(err).Kind)
}

func TestChatCompletionHappyPathWithContext(t *testing.T) {
	f := newFixture(t, 100)
	f.seedObject(t, testTenant, "k1", "Paris is the capital of France", []float32{1, 0, 0})

	key := f.authKey(t)
	resp, err := f.svc.ChatCompletion(context.Background(), key, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "The capital of France is Paris.", resp.Content)
	assert.Equal(t, "m1", resp.Model)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 18, resp.Usage.TotalTokens)

	require.NotNil(t, resp.Knowledge)
	var ids []string
	for _, o := range resp.Knowledge.Objects {
		ids = append(ids, o.ID)
	}
	assert.Contains(t, ids, "k1")

	// The context block was injected as a system message upstream.
	sent := f.upstream.lastChat()
	require.NotNil(t, sent)
	require.NotEmpty(t, sent.Messages)
	assert.Equal(t, model.RoleSystem, sent.Messages[0].Role)
	assert.Contains(t, sent.Messages[0].Content, "Paris is the capital of France")

	f.svc.Close()
	assert.Equal(t, 2, f.store.countByType(testTenant, knowledge.TypeTurn))
	assert.GreaterOrEqual(t, f.store.countByType(testTenant, knowledge.TypeExtractedFact), 2)

	f.logs.mu.Lock()
	defer f.logs.mu.Unlock()
	require.Len(t, f.logs.rows, 1)
	assert.Equal(t, testTenant, f.logs.rows[0].TenantID)
	assert.Positive(t, f.logs.rows[0].KnowledgeTokens)
}

func TestChatCompletionRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	key := f.authKey(t)

	for i := range 2 {
		resp, err := f.svc.ChatCompletion(context.Background(), key, chatReq())
		require.NoError(t, err, "request %d", i)
		require.NotNil(t, resp)
	}
	f.svc.Close()
	require.Equal(t, float64(2), f.minuteRequests(t))

	_, err := f.svc.ChatCompletion(context.Background(), key, chatReq())
	require.Error(t, err)
	gerr := AsError(err)
	assert.Equal(t, KindRateLimited, gerr.Kind)
	assert.Positive(t, gerr.RetryAfter)

	assert.Equal(t, float64(2), f.minuteRequests(t))
	assert.Equal(t, 4, f.store.countByType(testTenant, knowledge.TypeTurn))
}

func TestChatCompletionUpstreamFailure(t *testing.T) {
	f := newFixture(t, 100)
	f.upstream.chatErr = errors.New("upstream 500")
	key := f.authKey(t)

	_, err := f.svc.ChatCompletion(context.Background(), key, chatReq())
	require.Error(t, err)
	assert.Equal(t, KindBadGateway, AsError(err).Kind)

	f.svc.Close()
	assert.Zero(t, f.store.countByType(testTenant, knowledge.TypeTurn))
	assert.Zero(t, f.store.countByType(testTenant, knowledge.TypeExtractedFact))
	// Admission capacity was consumed even though dispatch failed.
	assert.Equal(t, float64(1), f.minuteRequests(t))
}

func TestChatCompletionFallbackExtraction(t *testing.T) {
	f := newFixture(t, 100)
	f.upstream.extractReply = "not JSON"
	key := f.authKey(t)

	_, err := f.svc.ChatCompletion(context.Background(), key, chatReq())
	require.NoError(t, err)
	f.svc.Close()

	fact := f.store.firstByType(testTenant, knowledge.TypeExtractedFact)
	require.NotNil(t, fact)
	assert.Equal(t, extract.MethodFallback, fact.Metadata["extraction_method"])
	conf, ok := fact.Metadata["confidence"].(float64)
	require.True(t, ok)
	assert.LessOrEqual(t, conf, 0.3)
}

func TestChatCompletionTenantIsolation(t *testing.T) {
	f := newFixture(t, 100)
	// k2 belongs to another tenant and matches the query best.
	f.seedObject(t, "t2", "k2", "What is the capital of France?", []float32{1, 0, 0})
	f.seedObject(t, testTenant, "k1", "Paris is the capital of France", []float32{1, 0, 0})
	key := f.authKey(t)

	resp, err := f.svc.ChatCompletion(context.Background(), key, chatReq())
	require.NoError(t, err)
	f.svc.Close()

	require.NotNil(t, resp.Knowledge)
	for _, o := range resp.Knowledge.Objects {
		assert.NotEqual(t, "k2", o.ID)
	}
}

func TestChatCompletionProceedsWithoutContext(t *testing.T) {
	f := newFixture(t, 100)
	key := f.authKey(t)

	resp, err := f.svc.ChatCompletion(context.Background(), key, chatReq())
	require.NoError(t, err)
	assert.Nil(t, resp.Knowledge)

	sent := f.upstream.lastChat()
	require.NotNil(t, sent)
	assert.Equal(t, model.RoleUser, sent.Messages[0].Role)
	f.svc.Close()
}

func TestChatCompletionValidation(t *testing.T) {
	f := newFixture(t, 100)
	key := f.authKey(t)

	cases := map[string]*ChatRequest{
		"no messages":   {},
		"bad role":      {Messages: []model.Message{{Role: "tool", Content: "x"}}},
		"empty content": {Messages: []model.Message{{Role: model.RoleUser, Content: "  "}}},
		"no user turn":  {Messages: []model.Message{{Role: model.RoleSystem, Content: "be nice"}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.ChatCompletion(context.Background(), key, req)
			require.Error(t, err)
			assert.Equal(t, KindBadRequest, AsError(err).Kind)
		})
	}
}

func TestEmbeddings(t *testing.T) {
	f := newFixture(t, 100)
	key := f.authKey(t)

	resp, err := f.svc.Embeddings(context.Background(), key, "", []string{"hello world"})
	require.NoError(t, err)
	require.Len(t, resp.Vectors, 1)
	assert.Equal(t, "embed-m", resp.Model)

	_, err = f.svc.Embeddings(context.Background(), key, "", nil)
	require.Error(t, err)
	assert.Equal(t, KindBadRequest, AsError(err).Kind)

	f.svc.Close()
	f.logs.mu.Lock()
	defer f.logs.mu.Unlock()
	require.Len(t, f.logs.rows, 1)
	assert.Positive(t, f.logs.rows[0].InputTokens)
	assert.Zero(t, f.logs.rows[0].OutputTokens)
}

func TestInjectContextKeepsCallerSystemFirst(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: "caller instructions"},
		{Role: model.RoleUser, Content: "hi"},
	}
	out := injectContext(messages, "knowledge block")
	require.Len(t, out, 3)
	assert.Equal(t, "caller instructions", out[0].Content)
	assert.Equal(t, "knowledge block", out[1].Content)
	assert.Equal(t, model.RoleUser, out[2].Role)
}

func TestModelsReturnsCatalogCopy(t *testing.T) {
	f := newFixture(t, 100)
	models := f.svc.Models(context.Background())
	require.Len(t, models, 1)
	models[0].ID = "mutated"
	assert.Equal(t, "m1", f.svc.Models(context.Background())[0].ID)
}
