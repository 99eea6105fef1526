// Package ingest orchestrates the post-turn pipeline: durable turn
// persistence, dialogue-state accounting, memory extraction, conditional
// session summarization and relationship discovery. Turn persistence is the
// only synchronous, failure-propagating step; everything downstream runs on a
// bounded worker pool and degrades to logs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/recall/runtime/blob"
	"goa.design/recall/runtime/dialogue"
	"goa.design/recall/runtime/discover"
	"goa.design/recall/runtime/extract"
	"goa.design/recall/runtime/knowledge"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/telemetry"
	"goa.design/recall/runtime/token"
	"goa.design/recall/runtime/vector"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256

	// defaultJobTimeout bounds one async unit; ingestion runs on its own
	// deadline, detached from the originating request.
	defaultJobTimeout = 2 * time.Minute

	// defaultInlineLimit is the RAW content size above which turn payloads
	// are archived to blob storage, when a blob store is configured.
	defaultInlineLimit = 64 * 1024
)

type (
	// Turn is the input envelope of one exchange.
	Turn struct {
		TenantID         string
		SessionID        string
		UserID           string
		RequestID        string
		UserMessage      string
		AssistantMessage string
		// ContextText is the knowledge context that was injected upstream;
		// passed to the extractor for grounding.
		ContextText string
		// PromptTokens, CompletionTokens and KnowledgeTokens accumulate on
		// the session's dialogue state.
		PromptTokens     int
		CompletionTokens int
		KnowledgeTokens  int
		Metadata         map[string]any
	}

	// Result reports the synchronous outcome of ProcessTurn. MemoryIDs and
	// SessionMemoryID are populated only when the pipeline runs synchronously
	// (tests, batch tools); in async mode they arrive after the fact.
	Result struct {
		UserTurnID      string
		AssistantTurnID string
		MemoryIDs       []string
		SessionMemoryID string
	}

	// Pipeline is the ingestion orchestrator.
	Pipeline struct {
		store      knowledge.Store
		index      vector.Index
		embedder   model.Embedder
		embedModel string
		extractor  *extract.Extractor
		discoverer *discover.Discoverer
		dialogue   *dialogue.Service
		counter    token.Counter
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer

		blobs       blob.Store
		inlineLimit int

		synchronous bool
		jobTimeout  time.Duration

		mu     sync.Mutex
		queue  []*job
		notify chan struct{}
		closed bool
		wg     sync.WaitGroup
	}

	// Options configures a Pipeline.
	Options struct {
		// Store persists knowledge objects; required.
		Store knowledge.Store

		// Index persists turn embeddings; required.
		Index vector.Index

		// Embedder embeds turn content; required.
		Embedder model.Embedder

		// EmbedModel names the embedding model recorded on stored vectors.
		EmbedModel string

		// Extractor derives structured memories; required.
		Extractor *extract.Extractor

		// Discoverer finds relationships among new objects; required.
		Discoverer *discover.Discoverer

		// Dialogue maintains session state and summaries; required.
		Dialogue *dialogue.Service

		// Counter estimates token counts on stored variants; nil uses the
		// heuristic estimator.
		Counter token.Counter

		// Workers sizes the async pool; defaults to 4.
		Workers int

		// QueueSize bounds the async queue; when full the oldest job is
		// dropped. Defaults to 256.
		QueueSize int

		// JobTimeout bounds one async unit; defaults to 2 minutes.
		JobTimeout time.Duration

		// Blobs archives oversized turn payloads; nil disables archival.
		Blobs blob.Store

		// InlineLimit is the RAW content byte size above which payloads move
		// to blob storage. Defaults to 64 KiB; only used when Blobs is set.
		InlineLimit int

		// Synchronous runs extraction, summarization and discovery inline.
		Synchronous bool

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// job is one queued async unit.
	job struct {
		turn   *Turn
		userID string
		asstID string
	}
)

// ErrClosed indicates ProcessTurn was called after Close.
var ErrClosed = errors.New("ingest: pipeline closed")

// New builds a Pipeline and starts its worker pool.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("ingest: knowledge store is required")
	case opts.Index == nil:
		return nil, errors.New("ingest: vector index is required")
	case opts.Embedder == nil:
		return nil, errors.New("ingest: embedder is required")
	case opts.Extractor == nil:
		return nil, errors.New("ingest: extractor is required")
	case opts.Discoverer == nil:
		return nil, errors.New("ingest: discoverer is required")
	case opts.Dialogue == nil:
		return nil, errors.New("ingest: dialogue service is required")
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
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	inlineLimit := opts.InlineLimit
	if inlineLimit <= 0 {
		inlineLimit = defaultInlineLimit
	}

	p := &Pipeline{
		store:       opts.Store,
		index:       opts.Index,
		embedder:    opts.Embedder,
		embedModel:  opts.EmbedModel,
		extractor:   opts.Extractor,
		discoverer:  opts.Discoverer,
		dialogue:    opts.Dialogue,
		counter:     counter,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		blobs:       opts.Blobs,
		inlineLimit: inlineLimit,
		synchronous: opts.Synchronous,
		jobTimeout:  jobTimeout,
		queue:       make([]*job, 0, queueSize),
		notify:      make(chan struct{}, 1),
	}
	if !p.synchronous {
		p.wg.Add(workers)
		for range workers {
			go p.worker()
		}
	}
	return p, nil
}

// ProcessTurn persists the exchange as a pair of TURN objects and returns once
// that write is durable. Dialogue accounting, extraction, summarization and
// relationship discovery run on the worker pool; their failures never surface
// here.
func (p *Pipeline) ProcessTurn(ctx context.Context, turn *Turn) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.process_turn")
	defer span.End()

	if turn.TenantID == "" || turn.SessionID == "" {
		return nil, errors.New("ingest: tenant and session ids are required")
	}

	now := time.Now().UTC()
	userObj, userVar := p.turnObject(turn, model.RoleUser, turn.UserMessage, now)
	asstObj, asstVar := p.turnObject(turn, model.RoleAssistant, turn.AssistantMessage, now)
	p.archiveOversized(ctx, userObj, userVar)
	p.archiveOversized(ctx, asstObj, asstVar)
	if err := p.store.CreateTurnPair(ctx, userObj, asstObj, userVar, asstVar); err != nil {
		return nil, fmt.Errorf("ingest: persist turn pair: %w", err)
	}
	p.metrics.IncCounter("ingest.turns_persisted", 2, "tenant", turn.TenantID)

	j := &job{turn: turn, userID: userObj.ID, asstID: asstObj.ID}
	if p.synchronous {
		res := &Result{UserTurnID: userObj.ID, AssistantTurnID: asstObj.ID}
		p.runJob(ctx, j, res)
		return res, nil
	}

	if err := p.enqueue(j); err != nil {
		return nil, err
	}
	return &Result{UserTurnID: userObj.ID, AssistantTurnID: asstObj.ID}, nil
}

// Close stops accepting work, drains the queue and waits for in-flight jobs.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	// Closed under the mutex so enqueue never sends on a closed channel.
	close(p.notify)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) turnObject(turn *Turn, role, content string, now time.Time) (*knowledge.Object, *knowledge.Variant) {
	meta := map[string]any{"role": role, "request_id": turn.RequestID}
	for k, v := range turn.Metadata {
		meta[k] = v
	}
	obj := &knowledge.Object{
		ID:             uuid.NewString(),
		TenantID:       turn.TenantID,
		Type:           knowledge.TypeTurn,
		SessionID:      turn.SessionID,
		UserID:         turn.UserID,
		Metadata:       meta,
		CreatedAt:      now,
		OriginalTokens: p.counter.Count(content),
	}
	variant := &knowledge.Variant{
		ID:        uuid.NewString(),
		ObjectID:  obj.ID,
		Kind:      knowledge.VariantRaw,
		Content:   content,
		Tokens:    obj.OriginalTokens,
		CreatedAt: now,
	}
	return obj, variant
}

// archiveOversized moves an oversized RAW payload to blob storage, keeping a
// truncated preview inline and the blob key in the object metadata. A failed
// blob write keeps the payload inline.
func (p *Pipeline) archiveOversized(ctx context.Context, obj *knowledge.Object, variant *knowledge.Variant) {
	if p.blobs == nil || len(variant.Content) <= p.inlineLimit {
		return
	}
	key := blob.TurnKey(obj.TenantID, obj.ID)
	if err := p.blobs.Put(ctx, key, []byte(variant.Content), "text/plain"); err != nil {
		p.logger.Warn(ctx, "blob archival failed, keeping payload inline",
			"tenant_id", obj.TenantID, "object_id", obj.ID, "error", err.Error())
		return
	}
	obj.Metadata["blob_key"] = key
	obj.Metadata["content_truncated"] = true
	variant.Content = variant.Content[:p.inlineLimit]
}

// enqueue appends the job, dropping the oldest queued job when full. Jobs in
// flight are unaffected.
func (p *Pipeline) enqueue(j *job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if len(p.queue) == cap(p.queue) {
		dropped := p.queue[0]
		copy(p.queue, p.queue[1:])
		p.queue = p.queue[:len(p.queue)-1]
		p.metrics.IncCounter("ingest.jobs_dropped", 1, "tenant", dropped.turn.TenantID)
		p.logger.Warn(context.Background(), "ingestion queue full, dropping oldest job",
			"tenant_id", dropped.turn.TenantID, "request_id", dropped.turn.RequestID)
	}
	p.queue = append(p.queue, j)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) dequeue() (*job, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		j := p.queue[0]
		copy(p.queue, p.queue[1:])
		p.queue = p.queue[:len(p.queue)-1]
		return j, true, p.closed
	}
	return nil, false, p.closed
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		j, ok, closed := p.dequeue()
		if ok {
			ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
			p.runJob(ctx, j, nil)
			cancel()
			continue
		}
		if closed {
			return
		}
		if _, open := <-p.notify; !open {
			// Drain whatever remains before exiting.
			for {
				j, ok, _ := p.dequeue()
				if !ok {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
				p.runJob(ctx, j, nil)
				cancel()
			}
		}
	}
}

// runJob performs the async steps of one turn. Each step is independently
// persistent; a failed step logs and the rest proceed.
func (p *Pipeline) runJob(ctx context.Context, j *job, res *Result) {
	turn := j.turn
	start := time.Now()
	defer func() {
		p.metrics.RecordTimer("ingest.job_duration", time.Since(start), "tenant", turn.TenantID)
	}()

	p.indexTurns(ctx, j)

	tokens := turn.PromptTokens + turn.CompletionTokens + turn.KnowledgeTokens
	state, err := p.dialogue.ApplyTurn(ctx, turn.TenantID, turn.SessionID, turn.UserID,
		turn.UserMessage, turn.AssistantMessage, tokens)
	if err != nil {
		p.logger.Warn(ctx, "dialogue state update failed",
			"tenant_id", turn.TenantID, "session_id", turn.SessionID, "error", err.Error())
		state = nil
	}

	memoryIDs := p.extractMemories(ctx, turn)
	if res != nil {
		res.MemoryIDs = memoryIDs
	}

	if state != nil && p.dialogue.ShouldSummarize(state) {
		if id := p.summarizeSession(ctx, turn, state); id != "" && res != nil {
			res.SessionMemoryID = id
		}
	}

	created := append([]string{j.userID, j.asstID}, memoryIDs...)
	if n, err := p.discoverer.DiscoverBatch(ctx, turn.TenantID, created); err != nil {
		p.logger.Warn(ctx, "relationship discovery failed",
			"tenant_id", turn.TenantID, "request_id", turn.RequestID, "error", err.Error())
	} else {
		p.metrics.IncCounter("ingest.relationships_discovered", float64(n), "tenant", turn.TenantID)
	}
}

// indexTurns embeds both turn messages and stores the vectors. Failures are
// logged; the turns stay retrievable by id even when unindexed.
func (p *Pipeline) indexTurns(ctx context.Context, j *job) {
	turn := j.turn
	embedded, err := p.embedder.Embed(ctx, p.embedModel, []string{turn.UserMessage, turn.AssistantMessage})
	if err != nil || len(embedded.Vectors) < 2 {
		p.logger.Warn(ctx, "turn embedding failed, skipping index",
			"tenant_id", turn.TenantID, "request_id", turn.RequestID, "error", errString(err))
		return
	}
	for i, objectID := range []string{j.userID, j.asstID} {
		text := turn.UserMessage
		if i == 1 {
			text = turn.AssistantMessage
		}
		variantID, err := p.variantID(ctx, objectID)
		if err != nil {
			p.logger.Warn(ctx, "variant lookup failed, skipping index",
				"tenant_id", turn.TenantID, "object_id", objectID, "error", err.Error())
			continue
		}
		_, err = p.index.Store(ctx, &vector.Embedding{
			ID:        uuid.NewString(),
			TenantID:  turn.TenantID,
			ObjectID:  objectID,
			VariantID: variantID,
			Model:     p.embedModel,
			Text:      text,
			Vector:    embedded.Vectors[i],
		})
		if err != nil {
			p.logger.Warn(ctx, "embedding store failed",
				"tenant_id", turn.TenantID, "object_id", objectID, "error", err.Error())
		}
	}
}

func (p *Pipeline) variantID(ctx context.Context, objectID string) (string, error) {
	variants, err := p.store.VariantsForObject(ctx, objectID)
	if err != nil {
		return "", err
	}
	if v := knowledge.PreferredVariant(variants); v != nil {
		return v.ID, nil
	}
	return "", knowledge.ErrNotFound
}

// extractMemories runs structured extraction and persists each fact, entity
// and task as an EXTRACTED_FACT object with a single canonical variant.
func (p *Pipeline) extractMemories(ctx context.Context, turn *Turn) []string {
	extraction, err := p.extractor.Extract(ctx, turn.UserMessage, turn.AssistantMessage, turn.ContextText)
	if err != nil {
		p.logger.Warn(ctx, "memory extraction failed",
			"tenant_id", turn.TenantID, "request_id", turn.RequestID, "error", err.Error())
		return nil
	}

	var ids []string
	for _, f := range extraction.Facts {
		meta := map[string]any{
			"source":            f.Source,
			"confidence":        f.Confidence,
			"extraction_method": extraction.Metadata["extraction_method"],
		}
		if id := p.persistMemory(ctx, turn, f.Content, f.Tags, meta); id != "" {
			ids = append(ids, id)
		}
	}
	for _, e := range extraction.Entities {
		content := e.Name
		if e.Description != "" {
			content += ": " + e.Description
		}
		meta := map[string]any{
			"entity_type":       e.Type,
			"confidence":        e.Confidence,
			"extraction_method": extraction.Metadata["extraction_method"],
		}
		if id := p.persistMemory(ctx, turn, content, nil, meta); id != "" {
			ids = append(ids, id)
		}
	}
	for _, t := range extraction.Tasks {
		content := "Task: " + t.Description
		meta := map[string]any{
			"task_status":       t.Status,
			"task_priority":     t.Priority,
			"extraction_method": extraction.Metadata["extraction_method"],
		}
		if id := p.persistMemory(ctx, turn, content, nil, meta); id != "" {
			ids = append(ids, id)
		}
	}
	p.metrics.IncCounter("ingest.memories_extracted", float64(len(ids)), "tenant", turn.TenantID)
	return ids
}

func (p *Pipeline) persistMemory(ctx context.Context, turn *Turn, content string, tags []string, meta map[string]any) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	now := time.Now().UTC()
	obj := &knowledge.Object{
		ID:             uuid.NewString(),
		TenantID:       turn.TenantID,
		Type:           knowledge.TypeExtractedFact,
		SessionID:      turn.SessionID,
		UserID:         turn.UserID,
		Tags:           tags,
		Metadata:       meta,
		CreatedAt:      now,
		OriginalTokens: p.counter.Count(content),
	}
	variant := &knowledge.Variant{
		ID:        uuid.NewString(),
		ObjectID:  obj.ID,
		Kind:      knowledge.VariantRaw,
		Content:   content,
		Tokens:    obj.OriginalTokens,
		CreatedAt: now,
	}
	if err := p.store.CreateObject(ctx, obj, []*knowledge.Variant{variant}); err != nil {
		p.logger.Warn(ctx, "memory persist failed",
			"tenant_id", turn.TenantID, "request_id", turn.RequestID, "error", err.Error())
		return ""
	}
	p.indexVariant(ctx, turn.TenantID, obj.ID, variant)
	return obj.ID
}

func (p *Pipeline) indexVariant(ctx context.Context, tenantID, objectID string, variant *knowledge.Variant) {
	embedded, err := p.embedder.Embed(ctx, p.embedModel, []string{variant.Content})
	if err != nil || len(embedded.Vectors) == 0 {
		p.logger.Warn(ctx, "memory embedding failed, skipping index",
			"tenant_id", tenantID, "object_id", objectID, "error", errString(err))
		return
	}
	_, err = p.index.Store(ctx, &vector.Embedding{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ObjectID:  objectID,
		VariantID: variant.ID,
		Model:     p.embedModel,
		Text:      variant.Content,
		Vector:    embedded.Vectors[0],
	})
	if err != nil {
		p.logger.Warn(ctx, "memory embedding store failed",
			"tenant_id", tenantID, "object_id", objectID, "error", err.Error())
	}
}

// summarizeSession produces a SESSION_MEMORY object from the session's rolling
// summary and returns its id, or "" on failure.
func (p *Pipeline) summarizeSession(ctx context.Context, turn *Turn, state *dialogue.State) string {
	summary, err := p.dialogue.Summarize(ctx, state)
	if err != nil {
		p.logger.Warn(ctx, "session summarization failed",
			"tenant_id", turn.TenantID, "session_id", turn.SessionID, "error", err.Error())
		return ""
	}

	now := time.Now().UTC()
	obj := &knowledge.Object{
		ID:        uuid.NewString(),
		TenantID:  turn.TenantID,
		Type:      knowledge.TypeSessionMemory,
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		Metadata:  map[string]any{"topics": summary.Topics, "turn_count": state.TurnCount},
		CreatedAt: now,
	}
	variants := []*knowledge.Variant{{
		ID:        uuid.NewString(),
		ObjectID:  obj.ID,
		Kind:      knowledge.VariantShort,
		Content:   summary.Short,
		Tokens:    p.counter.Count(summary.Short),
		CreatedAt: now,
	}}
	if len(summary.Bullets) > 0 {
		bullets := "- " + strings.Join(summary.Bullets, "\n- ")
		variants = append(variants, &knowledge.Variant{
			ID:        uuid.NewString(),
			ObjectID:  obj.ID,
			Kind:      knowledge.VariantBulletFacts,
			Content:   bullets,
			Tokens:    p.counter.Count(bullets),
			CreatedAt: now,
		})
	}
	obj.OriginalTokens = variants[0].Tokens
	if err := p.store.CreateObject(ctx, obj, variants); err != nil {
		p.logger.Warn(ctx, "session memory persist failed",
			"tenant_id", turn.TenantID, "session_id", turn.SessionID, "error", err.Error())
		return ""
	}
	p.indexVariant(ctx, turn.TenantID, obj.ID, variants[0])
	return obj.ID
}

func errString(err error) string {
	if err == nil {
		return "short embedding result"
	}
	return err.Error()
}
