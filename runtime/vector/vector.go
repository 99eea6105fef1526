// Package vector defines the similarity index contract. Backends store
// embeddings anchored to content variants and answer top-K similarity queries
// with cosine scores normalized so that higher always means more similar;
// distance-based backends translate before returning.
package vector

import (
	"context"
	"errors"
	"math"

	"goa.design/recall/runtime/knowledge"
)

type (
	// Index stores embeddings and returns similarity matches.
	Index interface {
		// Store persists one embedding anchored to a content variant and
		// returns its id. At most one embedding exists per variant and model;
		// repeated stores replace the previous vector.
		Store(ctx context.Context, emb *Embedding) (string, error)

		// FindSimilar returns up to k matches for the query vector, most
		// similar first. Filters always include the tenant; results never
		// cross tenants and never include archived objects.
		FindSimilar(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error)

		// Delete removes an embedding by id. Returns false when absent.
		Delete(ctx context.Context, embeddingID string) (bool, error)

		// Ping reports backend liveness.
		Ping(ctx context.Context) error
	}

	// Embedding is a dense vector anchored to one content variant.
	Embedding struct {
		ID       string
		TenantID string
		ObjectID string
		// VariantID anchors the vector to the variant whose text was embedded.
		VariantID string
		// Model is the embedding model identifier.
		Model string
		// Text is the snippet that was embedded, kept for match previews.
		Text   string
		Vector []float32
	}

	// Filter narrows a similarity query.
	Filter struct {
		// TenantID scopes the query; required.
		TenantID string
		// Types restricts matches to the given object types when non-empty.
		Types []knowledge.ObjectType
		// ExcludeObjectIDs removes specific objects from the result set.
		ExcludeObjectIDs []string
	}

	// Match is one similarity result. Score is cosine similarity in [-1, 1];
	// higher is more similar.
	Match struct {
		ObjectID  string
		VariantID string
		Score     float64
		Text      string
		Metadata  map[string]any
	}
)

// ErrDimensionMismatch indicates a vector's dimension differs from the
// index's configured dimension.
var ErrDimensionMismatch = errors.New("vector: dimension mismatch")

// Cosine returns the cosine similarity of a and b, or 0 when either has zero
// magnitude or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Excluded reports whether objectID appears in the filter's exclusion list.
func (f Filter) Excluded(objectID string) bool {
	for _, id := range f.ExcludeObjectIDs {
		if id == objectID {
			return true
		}
	}
	return false
}

// AllowsType reports whether the filter admits the given object type.
func (f Filter) AllowsType(t knowledge.ObjectType) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, ft := range f.Types {
		if ft == t {
			return true
		}
	}
	return false
}
