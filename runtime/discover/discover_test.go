package discover

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/knowledge"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/vector"
)

type fakeStore struct {
	knowledge.Store

	objects  map[string]*knowledge.Object
	variants map[string][]*knowledge.Variant
	edges    map[string]*knowledge.Relationship
	deleted  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string]*knowledge.Object),
		variants: make(map[string][]*knowledge.Variant),
		edges:    make(map[string]*knowledge.Relationship),
	}
}

func (s *fakeStore) addObject(tenantID, id, content string) {
	s.objects[id] = &knowledge.Object{ID: id, TenantID: tenantID, Type: knowledge.TypeTurn}
	s.variants[id] = []*knowledge.Variant{{ID: id + "-raw", ObjectID: id, Kind: knowledge.VariantRaw, Content: content}}
}

func (s *fakeStore) GetObject(_ context.Context, tenantID, id string) (*knowledge.Object, error) {
	obj, ok := s.objects[id]
	if !ok || obj.TenantID != tenantID {
		return nil, knowledge.ErrNotFound
	}
	return obj, nil
}

func (s *fakeStore) VariantsForObject(_ context.Context, objectID string) ([]*knowledge.Variant, error) {
	return s.variants[objectID], nil
}

func (s *fakeStore) UpsertRelationship(_ context.Context, rel *knowledge.Relationship) error {
	key := fmt.Sprintf("%s|%s|%s", rel.SourceID, rel.TargetID, rel.Type)
	s.edges[key] = rel
	return nil
}

func (s *fakeStore) DeleteRelationshipsOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return s.deleted, nil
}

type stubEmbedder struct{ err error }

func (e *stubEmbedder) Embed(_ context.Context, _ string, inputs []string) (*model.EmbedResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{1, 0, 0}
	}
	return &model.EmbedResult{Vectors: vectors}, nil
}

type stubIndex struct {
	vector.Index

	matches []vector.Match
	err     error
	lastK   int
}

func (i *stubIndex) FindSimilar(_ context.Context, _ []float32, k int, _ vector.Filter) ([]vector.Match, error) {
	i.lastK = k
	return i.matches, i.err
}

func newTestDiscoverer(t *testing.T, store *fakeStore, index *stubIndex) *Discoverer {
	t.Helper()
	d, err := New(Options{Store: store, Embedder: &stubEmbedder{}, Index: index})
	require.NoError(t, err)
	return d
}

func TestDiscoverClassifiesByScore(t *testing.T) {
	store := newFakeStore()
	store.addObject("t1", "src", "the source text")
	for _, id := range []string{"a", "b", "c", "d"} {
		store.addObject("t1", id, "neighbor "+id)
	}
	index := &stubIndex{matches: []vector.Match{
		{ObjectID: "a", Score: 0.95},
		{ObjectID: "b", Score: 0.7},
		{ObjectID: "c", Score: 0.5},
		{ObjectID: "d", Score: 0.3},
	}}
	d := newTestDiscoverer(t, store, index)

	n, err := d.Discover(context.Background(), "t1", "src")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	want := map[string]struct {
		typ   knowledge.RelationshipType
		score float64
	}{
		"a": {knowledge.RelSupports, 0.95},
		"b": {knowledge.RelReferences, 0.7},
		"c": {knowledge.RelContradicts, 0.5},
		"d": {knowledge.RelReferences, 0.3},
	}
	for target, w := range want {
		rel, ok := store.edges[fmt.Sprintf("src|%s|%s", target, w.typ)]
		require.True(t, ok, "missing edge to %s", target)
		assert.Equal(t, DetectedBy, rel.DetectedBy)
		assert.Contains(t, rel.Evidence, "Vector similarity")
		assert.InDelta(t, w.score, rel.Confidence, 1e-9)
	}
}

func TestDiscoverIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addObject("t1", "src", "source")
	store.addObject("t1", "a", "neighbor")
	index := &stubIndex{matches: []vector.Match{{ObjectID: "a", Score: 0.9}}}
	d := newTestDiscoverer(t, store, index)

	for range 3 {
		_, err := d.Discover(context.Background(), "t1", "src")
		require.NoError(t, err)
	}
	assert.Len(t, store.edges, 1)
}

func TestDiscoverSkipsSelfMatch(t *testing.T) {
	store := newFakeStore()
	store.addObject("t1", "src", "source")
	index := &stubIndex{matches: []vector.Match{{ObjectID: "src", Score: 1.0}}}
	d := newTestDiscoverer(t, store, index)

	n, err := d.Discover(context.Background(), "t1", "src")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.edges)
}

func TestDiscoverRejectsCrossTenantSource(t *testing.T) {
	store := newFakeStore()
	store.addObject("t1", "src", "source")
	d := newTestDiscoverer(t, store, &stubIndex{})

	_, err := d.Discover(context.Background(), "t2", "src")
	require.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestDiscoverBatchContinuesPastFailures(t *testing.T) {
	store := newFakeStore()
	store.addObject("t1", "good", "source")
	store.addObject("t1", "a", "neighbor")
	index := &stubIndex{matches: []vector.Match{{ObjectID: "a", Score: 0.9}}}
	d := newTestDiscoverer(t, store, index)

	total, err := d.DiscoverBatch(context.Background(), "t1", []string{"missing", "good"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDiscoverEmbedFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	store.addObject("t1", "src", "source")
	d, err := New(Options{
		Store:    store,
		Embedder: &stubEmbedder{err: errors.New("embedder down")},
		Index:    &stubIndex{},
	})
	require.NoError(t, err)

	_, err = d.Discover(context.Background(), "t1", "src")
	require.Error(t, err)
	assert.Empty(t, store.edges)
}

func TestCleanupOlderThanValidatesDays(t *testing.T) {
	store := newFakeStore()
	store.deleted = 7
	d := newTestDiscoverer(t, store, &stubIndex{})

	_, err := d.CleanupOlderThan(context.Background(), 0)
	require.Error(t, err)

	n, err := d.CleanupOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
