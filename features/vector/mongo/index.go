// Package mongo implements the vector index on MongoDB. Embeddings live in
// one collection keyed by (variant, model); similarity is brute-force cosine
// computed over the tenant's candidate set. Suited to the modest per-tenant
// corpus sizes the context builder works with; swap in a dedicated vector
// store when corpora grow past that.
package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/recall/runtime/vector"
)

const (
	defaultCollection        = "knowledge_embeddings"
	defaultObjectsCollection = "knowledge_objects"
	defaultOpTimeout         = 10 * time.Second
	indexName                = "vector-mongo"
)

type (
	// Options configures the Mongo vector index.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		// ObjectsCollection names the knowledge objects collection used to
		// drop archived anchors and apply type filters. Defaults to the
		// knowledge store's collection name.
		ObjectsCollection string
		// Dimension rejects vectors of any other length when positive.
		Dimension int
		Timeout   time.Duration
	}

	// Index implements vector.Index on MongoDB.
	Index struct {
		client     *mongodriver.Client
		embeddings *mongodriver.Collection
		objects    *mongodriver.Collection
		dimension  int
		timeout    time.Duration
	}
)

var (
	_ vector.Index  = (*Index)(nil)
	_ health.Pinger = (*Index)(nil)
)

// New returns an Index backed by MongoDB and ensures its indexes.
func New(opts Options) (*Index, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	objectsCollection := opts.ObjectsCollection
	if objectsCollection == "" {
		objectsCollection = defaultObjectsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	idx := &Index{
		client:     opts.Client,
		embeddings: db.Collection(collection),
		objects:    db.Collection(objectsCollection),
		dimension:  opts.Dimension,
		timeout:    timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "variant_id", Value: 1}, {Key: "model", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
	}
	if _, err := idx.embeddings.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, err
	}
	return idx, nil
}

// Name identifies the index in health reports.
func (i *Index) Name() string { return indexName }

// Ping reports backend liveness.
func (i *Index) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return i.client.Ping(ctx, readpref.Primary())
}

// Store persists one embedding, replacing any previous vector anchored to the
// same (variant, model).
func (i *Index) Store(ctx context.Context, emb *vector.Embedding) (string, error) {
	if emb == nil {
		return "", errors.New("mongo: embedding is required")
	}
	if emb.TenantID == "" || emb.ObjectID == "" {
		return "", errors.New("mongo: embedding tenant id and object id are required")
	}
	if len(emb.Vector) == 0 {
		return "", errors.New("mongo: embedding vector is required")
	}
	if i.dimension > 0 && len(emb.Vector) != i.dimension {
		return "", vector.ErrDimensionMismatch
	}
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	id := emb.ID
	if id == "" {
		id = uuid.NewString()
	}
	filter := bson.M{"variant_id": emb.VariantID, "model": emb.Model}
	update := bson.M{
		"$set": bson.M{
			"tenant_id": emb.TenantID,
			"object_id": emb.ObjectID,
			"text":      emb.Text,
			"vector":    emb.Vector,
		},
		"$setOnInsert": bson.M{"_id": id},
	}
	if _, err := i.embeddings.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return "", err
	}

	// The upsert may have refreshed an existing document; report its id.
	var doc struct {
		ID string `bson:"_id"`
	}
	if err := i.embeddings.FindOne(ctx, filter).Decode(&doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// FindSimilar returns up to k matches for the query vector, most similar
// first.
func (i *Index) FindSimilar(ctx context.Context, query []float32, k int, filter vector.Filter) ([]vector.Match, error) {
	if filter.TenantID == "" {
		return nil, errors.New("mongo: filter tenant id is required")
	}
	if k <= 0 {
		return nil, nil
	}
	if i.dimension > 0 && len(query) != i.dimension {
		return nil, vector.ErrDimensionMismatch
	}
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	mongoFilter := bson.M{"tenant_id": filter.TenantID}
	if len(filter.ExcludeObjectIDs) > 0 {
		mongoFilter["object_id"] = bson.M{"$nin": filter.ExcludeObjectIDs}
	}
	cur, err := i.embeddings.Find(ctx, mongoFilter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var candidates []embeddingDocument
	for cur.Next(ctx) {
		var doc embeddingDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		candidates = append(candidates, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	live, err := i.liveObjects(ctx, filter, candidates)
	if err != nil {
		return nil, err
	}

	matches := make([]vector.Match, 0, len(candidates))
	for _, doc := range candidates {
		if _, ok := live[doc.ObjectID]; !ok {
			continue
		}
		matches = append(matches, vector.Match{
			ObjectID:  doc.ObjectID,
			VariantID: doc.VariantID,
			Score:     vector.Cosine(query, doc.Vector),
			Text:      doc.Text,
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

// liveObjects resolves candidate anchors to non-archived objects of the
// filtered types.
func (i *Index) liveObjects(ctx context.Context, filter vector.Filter, candidates []embeddingDocument) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, doc := range candidates {
		if _, ok := seen[doc.ObjectID]; ok {
			continue
		}
		seen[doc.ObjectID] = struct{}{}
		ids = append(ids, doc.ObjectID)
	}
	objFilter := bson.M{
		"_id":       bson.M{"$in": ids},
		"tenant_id": filter.TenantID,
		"archived":  false,
	}
	if len(filter.Types) > 0 {
		objFilter["type"] = bson.M{"$in": filter.Types}
	}
	cur, err := i.objects.Find(ctx, objFilter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	live := make(map[string]struct{}, len(ids))
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		live[doc.ID] = struct{}{}
	}
	return live, cur.Err()
}

// Delete removes an embedding by id.
func (i *Index) Delete(ctx context.Context, embeddingID string) (bool, error) {
	if embeddingID == "" {
		return false, nil
	}
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	res, err := i.embeddings.DeleteOne(ctx, bson.M{"_id": embeddingID})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (i *Index) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if i.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, i.timeout)
}

type embeddingDocument struct {
	ID        string    `bson:"_id"`
	TenantID  string    `bson:"tenant_id"`
	ObjectID  string    `bson:"object_id"`
	VariantID string    `bson:"variant_id"`
	Model     string    `bson:"model"`
	Text      string    `bson:"text,omitempty"`
	Vector    []float32 `bson:"vector"`
}
