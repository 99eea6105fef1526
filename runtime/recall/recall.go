// Package recall implements the context builder: it retrieves semantically
// relevant knowledge for a tenant, diversifies the candidate set with maximal
// marginal relevance, and packs the selection into a bounded token budget.
// Retrieval failures degrade to an empty context; they never fail the
// enclosing request.
package recall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"goa.design/recall/runtime/knowledge"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/telemetry"
	"goa.design/recall/runtime/token"
	"goa.design/recall/runtime/vector"
)

const (
	// formattingReserve is subtracted from the tenant budget to leave room
	// for the context header and bullet framing.
	formattingReserve = 100

	defaultDiversity           = 0.3
	defaultMaxResults          = 20
	defaultMaxContextObjects   = 10
	defaultSimilarityThreshold = 0.5

	contextHeader = "Relevant knowledge from prior conversations:"
)

type (
	// Options tune one Build call. Zero values select the documented
	// defaults.
	Options struct {
		// Diversity in [0,1] controls MMR redundancy avoidance; the MMR
		// relevance weight is 1 - Diversity. Default 0.3.
		Diversity *float64

		// MaxResults caps the vector query fan-out. Default 20.
		MaxResults int

		// MaxContextObjects caps the number of objects selected by MMR.
		// Default 10.
		MaxContextObjects int

		// SimilarityThreshold drops matches scoring below it. Default 0.5.
		SimilarityThreshold *float64

		// IncludeRecent widens retrieval to recent session turns.
		IncludeRecent bool

		// IncludeRelated widens retrieval across relationship edges.
		IncludeRelated bool
	}

	// UsedObject reports one object that made it into the packed context.
	UsedObject struct {
		ID    string
		Type  knowledge.ObjectType
		Title string
		Score float64
	}

	// Result is the outcome of one Build call. An empty result (no objects)
	// is the sentinel the gateway uses to proceed without a context block.
	Result struct {
		ContextText string
		UsedObjects []UsedObject
		UsedTokens  int
	}

	// Builder assembles knowledge context for chat completions.
	Builder struct {
		embedder model.Embedder
		index    vector.Index
		store    knowledge.Store
		counter  token.Counter
		budget   BudgetFunc
		logger   telemetry.Logger
		tracer   telemetry.Tracer
	}

	// BudgetFunc returns the tenant's knowledge token budget.
	BudgetFunc func(tenantID string) int

	// BuilderOptions configures a Builder.
	BuilderOptions struct {
		Embedder model.Embedder
		Index    vector.Index
		Store    knowledge.Store
		Counter  token.Counter

		// Budget resolves the per-tenant token budget; required.
		Budget BudgetFunc

		Logger telemetry.Logger
		Tracer telemetry.Tracer
	}

	// candidate pairs an object with its best-scoring variant.
	candidate struct {
		object  *knowledge.Object
		variant *knowledge.Variant
		score   float64
		tokens  []string
	}
)

// NewBuilder builds a Builder from the provided options.
func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if opts.Embedder == nil {
		return nil, errors.New("recall: embedder is required")
	}
	if opts.Index == nil {
		return nil, errors.New("recall: vector index is required")
	}
	if opts.Store == nil {
		return nil, errors.New("recall: knowledge store is required")
	}
	if opts.Budget == nil {
		return nil, errors.New("recall: budget func is required")
	}
	counter := opts.Counter
	if counter == nil {
		counter = token.NewEstimator()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Builder{
		embedder: opts.Embedder,
		index:    opts.Index,
		store:    opts.Store,
		counter:  counter,
		budget:   opts.Budget,
		logger:   logger,
		tracer:   tracer,
	}, nil
}

// Empty reports whether the result is the no-context sentinel.
func (r *Result) Empty() bool { return len(r.UsedObjects) == 0 }

// Build retrieves, diversifies and packs knowledge context for the prompt.
// Any retrieval failure (embedding, index, store, cancellation) returns the
// empty sentinel with a nil error so the caller proceeds without context.
func (b *Builder) Build(ctx context.Context, tenantID, sessionID, prompt string, opts Options) *Result {
	ctx, span := b.tracer.Start(ctx, "recall.build")
	defer span.End()

	diversity := defaultDiversity
	if opts.Diversity != nil {
		diversity = clamp01(*opts.Diversity)
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	maxObjects := opts.MaxContextObjects
	if maxObjects <= 0 {
		maxObjects = defaultMaxContextObjects
	}
	threshold := defaultSimilarityThreshold
	if opts.SimilarityThreshold != nil {
		threshold = *opts.SimilarityThreshold
	}

	candidates, ok := b.retrieve(ctx, tenantID, prompt, maxResults, threshold)
	if !ok || len(candidates) == 0 {
		return &Result{}
	}

	selected := selectMMR(candidates, diversity, maxObjects)
	return b.pack(tenantID, selected)
}

// retrieve embeds the prompt, queries the index and resolves candidates to
// deduplicated (object, preferred variant, best score) triples. The bool
// result is false when retrieval failed and the caller must fall back to the
// empty sentinel.
func (b *Builder) retrieve(ctx context.Context, tenantID, prompt string, maxResults int, threshold float64) ([]*candidate, bool) {
	embedded, err := b.embedder.Embed(ctx, "", []string{prompt})
	if err != nil || len(embedded.Vectors) == 0 {
		b.logger.Warn(ctx, "context embedding failed, proceeding without context",
			"tenant_id", tenantID, "error", errString(err))
		return nil, false
	}

	matches, err := b.index.FindSimilar(ctx, embedded.Vectors[0], maxResults, vector.Filter{TenantID: tenantID})
	if err != nil {
		b.logger.Warn(ctx, "vector query failed, proceeding without context",
			"tenant_id", tenantID, "error", err.Error())
		return nil, false
	}

	// Deduplicate per object, best-scoring match wins.
	best := make(map[string]float64)
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		if prev, ok := best[m.ObjectID]; !ok {
			best[m.ObjectID] = m.Score
			order = append(order, m.ObjectID)
		} else if m.Score > prev {
			best[m.ObjectID] = m.Score
		}
	}
	if len(order) == 0 {
		return nil, true
	}

	objects, err := b.store.ListObjects(ctx, tenantID, order)
	if err != nil {
		b.logger.Warn(ctx, "knowledge load failed, proceeding without context",
			"tenant_id", tenantID, "error", err.Error())
		return nil, false
	}

	var out []*candidate
	for _, obj := range objects {
		// Defense in depth: the index and store both filter by tenant, but a
		// cross-tenant object must never reach the packed context.
		if obj.TenantID != tenantID || obj.Archived {
			continue
		}
		variants, err := b.store.VariantsForObject(ctx, obj.ID)
		if err != nil {
			b.logger.Warn(ctx, "variant load failed, skipping object",
				"tenant_id", tenantID, "object_id", obj.ID, "error", err.Error())
			continue
		}
		variant := knowledge.PreferredVariant(variants)
		if variant == nil || strings.TrimSpace(variant.Content) == "" {
			continue
		}
		out = append(out, &candidate{
			object:  obj,
			variant: variant,
			score:   best[obj.ID],
			tokens:  tokenSet(variant.Content),
		})
	}

	// Stable candidate order: score desc, then createdAt asc, then id.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if !out[i].object.CreatedAt.Equal(out[j].object.CreatedAt) {
			return out[i].object.CreatedAt.Before(out[j].object.CreatedAt)
		}
		return out[i].object.ID < out[j].object.ID
	})
	return out, true
}

// pack renders the MMR selection into the context block under the tenant
// budget. Objects whose variant alone overflows the remaining budget are
// dropped and packing stops at the first overflow, preserving MMR order.
func (b *Builder) pack(tenantID string, selected []*candidate) *Result {
	budget := b.budget(tenantID) - formattingReserve
	if budget <= 0 || len(selected) == 0 {
		return &Result{}
	}

	var (
		sb   strings.Builder
		used []UsedObject
		sum  int
	)
	for _, c := range selected {
		tokens := c.variant.Tokens
		if tokens <= 0 {
			tokens = b.counter.Count(c.variant.Content)
		}
		if sum+tokens > budget {
			break
		}
		sum += tokens
		if len(used) == 0 {
			sb.WriteString(contextHeader)
		}
		sb.WriteString("\n\n")
		fmt.Fprintf(&sb, "• %s [src:%s, type:%s]",
			strings.TrimSpace(c.variant.Content), c.object.ID, c.object.Type)
		used = append(used, UsedObject{
			ID:    c.object.ID,
			Type:  c.object.Type,
			Title: title(c.variant.Content),
			Score: c.score,
		})
	}
	if len(used) == 0 {
		return &Result{}
	}
	return &Result{
		ContextText: sb.String(),
		UsedObjects: used,
		UsedTokens:  sum,
	}
}

// title derives a short preview used by the response metadata.
func title(content string) string {
	content = strings.TrimSpace(content)
	if line, _, found := strings.Cut(content, "\n"); found {
		content = line
	}
	const maxTitle = 80
	if len(content) > maxTitle {
		return content[:maxTitle]
	}
	return content
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func errString(err error) string {
	if err == nil {
		return "empty embedding"
	}
	return err.Error()
}
