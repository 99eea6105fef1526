// Package discover finds similarity-derived relationships between knowledge
// objects. Discovery is eventually consistent and idempotent: edges are
// upserted on their natural (source, target, type) key, so re-running over the
// same inputs produces the same edge set.
package discover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/recall/runtime/knowledge"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/telemetry"
	"goa.design/recall/runtime/vector"
)

// DetectedBy identifies discoverer-written edges in the relationship store.
const DetectedBy = "RelationshipDiscoverer"

// defaultMaxNeighbors caps the similar-object fan-out per source.
const defaultMaxNeighbors = 10

type (
	// TypeRule maps a similarity score band to a relationship type. Rules are
	// evaluated in order; the first rule whose MinScore the score exceeds
	// wins.
	TypeRule struct {
		MinScore float64
		Type     knowledge.RelationshipType
	}

	// Discoverer runs relationship discovery over stored knowledge.
	Discoverer struct {
		store        knowledge.Store
		embedder     model.Embedder
		index        vector.Index
		rules        []TypeRule
		fallbackType knowledge.RelationshipType
		maxNeighbors int
		logger       telemetry.Logger
		now          func() time.Time
	}

	// Options configures a Discoverer.
	Options struct {
		// Store persists discovered edges; required.
		Store knowledge.Store

		// Embedder embeds source texts for similarity queries; required.
		Embedder model.Embedder

		// Index is the similarity backend; required.
		Index vector.Index

		// Rules overrides the score-to-type mapping; nil uses DefaultTypeRules.
		Rules []TypeRule

		// MaxNeighbors caps matches considered per source; defaults to 10.
		MaxNeighbors int

		// Logger reports recovered per-object failures; nil uses a no-op.
		Logger telemetry.Logger
	}
)

// DefaultTypeRules is the stock score-to-type mapping. Scores at or below the
// lowest band fall back to REFERENCES.
func DefaultTypeRules() []TypeRule {
	return []TypeRule{
		{MinScore: 0.8, Type: knowledge.RelSupports},
		{MinScore: 0.6, Type: knowledge.RelReferences},
		{MinScore: 0.4, Type: knowledge.RelContradicts},
	}
}

// New builds a Discoverer from the provided options.
func New(opts Options) (*Discoverer, error) {
	if opts.Store == nil {
		return nil, errors.New("discover: knowledge store is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("discover: embedder is required")
	}
	if opts.Index == nil {
		return nil, errors.New("discover: vector index is required")
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultTypeRules()
	}
	maxNeighbors := opts.MaxNeighbors
	if maxNeighbors <= 0 {
		maxNeighbors = defaultMaxNeighbors
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Discoverer{
		store:        opts.Store,
		embedder:     opts.Embedder,
		index:        opts.Index,
		rules:        rules,
		fallbackType: knowledge.RelReferences,
		maxNeighbors: maxNeighbors,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Discover finds similar objects for one source and persists one edge per
// match. It returns the number of edges upserted. Per-match failures are
// logged and skipped; only source-level failures (missing object, embedding,
// index query) return an error.
func (d *Discoverer) Discover(ctx context.Context, tenantID, objectID string) (int, error) {
	obj, err := d.store.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return 0, fmt.Errorf("discover: load source %s: %w", objectID, err)
	}

	variants, err := d.store.VariantsForObject(ctx, obj.ID)
	if err != nil {
		return 0, fmt.Errorf("discover: load variants of %s: %w", obj.ID, err)
	}
	variant := knowledge.PreferredVariant(variants)
	if variant == nil || variant.Content == "" {
		return 0, nil
	}

	embedded, err := d.embedder.Embed(ctx, "", []string{variant.Content})
	if err != nil {
		return 0, fmt.Errorf("discover: embed source %s: %w", obj.ID, err)
	}
	if len(embedded.Vectors) == 0 {
		return 0, errors.New("discover: embedder returned no vectors")
	}

	matches, err := d.index.FindSimilar(ctx, embedded.Vectors[0], d.maxNeighbors, vector.Filter{
		TenantID:         tenantID,
		ExcludeObjectIDs: []string{obj.ID},
	})
	if err != nil {
		return 0, fmt.Errorf("discover: query similar to %s: %w", obj.ID, err)
	}

	count := 0
	for _, m := range matches {
		if m.ObjectID == obj.ID {
			continue
		}
		rel := &knowledge.Relationship{
			TenantID:   tenantID,
			SourceID:   obj.ID,
			TargetID:   m.ObjectID,
			Type:       d.classify(m.Score),
			Confidence: clampScore(m.Score),
			Evidence:   fmt.Sprintf("Vector similarity: %.4f", m.Score),
			DetectedBy: DetectedBy,
			CreatedAt:  d.now(),
		}
		if err := rel.Validate(); err != nil {
			d.logger.Warn(ctx, "skipping invalid relationship",
				"tenant_id", tenantID, "source_id", obj.ID, "target_id", m.ObjectID, "error", err.Error())
			continue
		}
		if err := d.store.UpsertRelationship(ctx, rel); err != nil {
			d.logger.Warn(ctx, "relationship upsert failed",
				"tenant_id", tenantID, "source_id", obj.ID, "target_id", m.ObjectID, "error", err.Error())
			continue
		}
		count++
	}
	return count, nil
}

// DiscoverBatch runs Discover over each object id and returns the total edge
// count. Per-object failures are logged and skipped so one bad source does
// not abort the batch.
func (d *Discoverer) DiscoverBatch(ctx context.Context, tenantID string, objectIDs []string) (int, error) {
	total := 0
	for _, id := range objectIDs {
		n, err := d.Discover(ctx, tenantID, id)
		if err != nil {
			d.logger.Warn(ctx, "relationship discovery failed for object",
				"tenant_id", tenantID, "object_id", id, "error", err.Error())
			continue
		}
		total += n
	}
	return total, nil
}

// CleanupOlderThan removes discoverer-era edges created more than the given
// number of days ago and returns the number removed.
func (d *Discoverer) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errors.New("discover: days must be positive")
	}
	cutoff := d.now().AddDate(0, 0, -days)
	return d.store.DeleteRelationshipsOlderThan(ctx, cutoff)
}

// classify maps a similarity score to a relationship type using the
// configured rule bands.
func (d *Discoverer) classify(score float64) knowledge.RelationshipType {
	for _, r := range d.rules {
		if score > r.MinScore {
			return r.Type
		}
	}
	return d.fallbackType
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
