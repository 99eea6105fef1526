// Package inmem implements the vector index in process memory. It serves
// development mode and tests; similarity is exact brute-force cosine over the
// tenant's embeddings.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"goa.design/clue/health"

	"goa.design/recall/runtime/knowledge"
	"goa.design/recall/runtime/vector"
)

type (
	// ObjectLookup resolves object ids to live objects so the index can apply
	// type filters and drop archived anchors. knowledge.Store satisfies it.
	ObjectLookup interface {
		ListObjects(ctx context.Context, tenantID string, ids []string) ([]*knowledge.Object, error)
	}

	// Options configures the in-memory index.
	Options struct {
		// Dimension rejects vectors of any other length when positive.
		Dimension int

		// Lookup filters matches by object type and archival state. When nil,
		// those filters are skipped and only tenant scoping applies.
		Lookup ObjectLookup
	}

	// Index implements vector.Index in process memory.
	Index struct {
		dimension int
		lookup    ObjectLookup

		mu sync.RWMutex
		// byID holds all embeddings; byAnchor enforces one embedding per
		// (variant, model).
		byID     map[string]*vector.Embedding
		byAnchor map[string]string
	}
)

var (
	_ vector.Index  = (*Index)(nil)
	_ health.Pinger = (*Index)(nil)
)

// New returns an empty in-memory index.
func New(opts Options) *Index {
	return &Index{
		dimension: opts.Dimension,
		lookup:    opts.Lookup,
		byID:      make(map[string]*vector.Embedding),
		byAnchor:  make(map[string]string),
	}
}

// Name identifies the index in health reports.
func (i *Index) Name() string { return "vector-inmem" }

// Ping reports liveness; the in-memory index is always live.
func (i *Index) Ping(context.Context) error { return nil }

// Store persists one embedding, replacing any previous vector anchored to the
// same (variant, model).
func (i *Index) Store(_ context.Context, emb *vector.Embedding) (string, error) {
	if emb == nil {
		return "", errors.New("inmem: embedding is required")
	}
	if emb.TenantID == "" || emb.ObjectID == "" {
		return "", errors.New("inmem: embedding tenant id and object id are required")
	}
	if len(emb.Vector) == 0 {
		return "", errors.New("inmem: embedding vector is required")
	}
	if i.dimension > 0 && len(emb.Vector) != i.dimension {
		return "", vector.ErrDimensionMismatch
	}

	stored := *emb
	stored.Vector = append([]float32(nil), emb.Vector...)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	anchor := stored.VariantID + "|" + stored.Model
	if prev, ok := i.byAnchor[anchor]; ok {
		delete(i.byID, prev)
	}
	i.byAnchor[anchor] = stored.ID
	i.byID[stored.ID] = &stored
	return stored.ID, nil
}

// FindSimilar returns up to k matches for the query vector, most similar
// first.
func (i *Index) FindSimilar(ctx context.Context, query []float32, k int, filter vector.Filter) ([]vector.Match, error) {
	if filter.TenantID == "" {
		return nil, errors.New("inmem: filter tenant id is required")
	}
	if k <= 0 {
		return nil, nil
	}
	if i.dimension > 0 && len(query) != i.dimension {
		return nil, vector.ErrDimensionMismatch
	}

	i.mu.RLock()
	candidates := make([]*vector.Embedding, 0, len(i.byID))
	for _, emb := range i.byID {
		if emb.TenantID != filter.TenantID || filter.Excluded(emb.ObjectID) {
			continue
		}
		candidates = append(candidates, emb)
	}
	i.mu.RUnlock()

	live, err := i.liveObjects(ctx, filter, candidates)
	if err != nil {
		return nil, err
	}

	matches := make([]vector.Match, 0, len(candidates))
	for _, emb := range candidates {
		if live != nil {
			if _, ok := live[emb.ObjectID]; !ok {
				continue
			}
		}
		matches = append(matches, vector.Match{
			ObjectID:  emb.ObjectID,
			VariantID: emb.VariantID,
			Score:     vector.Cosine(query, emb.Vector),
			Text:      emb.Text,
		})
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Score > matches[b].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// liveObjects resolves the candidate anchors through the lookup, applying the
// type filter and dropping archived objects. A nil map means no filtering.
func (i *Index) liveObjects(ctx context.Context, filter vector.Filter, candidates []*vector.Embedding) (map[string]struct{}, error) {
	if i.lookup == nil || len(candidates) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, emb := range candidates {
		if _, ok := seen[emb.ObjectID]; ok {
			continue
		}
		seen[emb.ObjectID] = struct{}{}
		ids = append(ids, emb.ObjectID)
	}
	objects, err := i.lookup.ListObjects(ctx, filter.TenantID, ids)
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		if !filter.AllowsType(obj.Type) {
			continue
		}
		live[obj.ID] = struct{}{}
	}
	return live, nil
}

// Delete removes an embedding by id.
func (i *Index) Delete(_ context.Context, embeddingID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	emb, ok := i.byID[embeddingID]
	if !ok {
		return false, nil
	}
	delete(i.byID, embeddingID)
	delete(i.byAnchor, emb.VariantID+"|"+emb.Model)
	return true, nil
}
