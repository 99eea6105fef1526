// Package mongo implements the knowledge store on MongoDB. Objects, variants
// and relationships live in three collections; turn pairs commit inside a
// multi-document transaction with a compensating fallback for deployments
// without replica sets.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/recall/runtime/knowledge"
)

const (
	defaultObjectsCollection       = "knowledge_objects"
	defaultVariantsCollection      = "knowledge_variants"
	defaultRelationshipsCollection = "knowledge_relationships"
	defaultOpTimeout               = 5 * time.Second
	storeName                      = "knowledge-mongo"
)

type (
	// Options configures the Mongo knowledge store.
	Options struct {
		Client                  *mongodriver.Client
		Database                string
		ObjectsCollection       string
		VariantsCollection      string
		RelationshipsCollection string
		Timeout                 time.Duration
	}

	// Store implements knowledge.Store on MongoDB.
	Store struct {
		client        *mongodriver.Client
		objects       *mongodriver.Collection
		variants      *mongodriver.Collection
		relationships *mongodriver.Collection
		timeout       time.Duration
	}
)

var (
	_ knowledge.Store = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	objectsCollection := opts.ObjectsCollection
	if objectsCollection == "" {
		objectsCollection = defaultObjectsCollection
	}
	variantsCollection := opts.VariantsCollection
	if variantsCollection == "" {
		variantsCollection = defaultVariantsCollection
	}
	relationshipsCollection := opts.RelationshipsCollection
	if relationshipsCollection == "" {
		relationshipsCollection = defaultRelationshipsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:        opts.Client,
		objects:       db.Collection(objectsCollection),
		variants:      db.Collection(variantsCollection),
		relationships: db.Collection(relationshipsCollection),
		timeout:       timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return storeName }

// Ping reports backend liveness.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// CreateObject persists one object together with its variants.
func (s *Store) CreateObject(ctx context.Context, obj *knowledge.Object, variants []*knowledge.Variant) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.objects.InsertOne(ctx, fromObject(obj)); err != nil {
		return err
	}
	for _, v := range variants {
		if v == nil {
			continue
		}
		if _, err := s.variants.InsertOne(ctx, fromVariant(v)); err != nil {
			return err
		}
	}
	return nil
}

// CreateTurnPair persists both TURN objects of one exchange atomically. It
// runs inside a transaction when the deployment supports one; otherwise it
// falls back to sequential inserts with a compensating delete of the user
// half when the assistant half fails.
func (s *Store) CreateTurnPair(ctx context.Context, user, assistant *knowledge.Object, userVariant, assistantVariant *knowledge.Variant) error {
	if err := validateObject(user); err != nil {
		return err
	}
	if err := validateObject(assistant); err != nil {
		return err
	}
	if userVariant == nil || assistantVariant == nil {
		return errors.New("mongo: turn variants are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	insert := func(sc context.Context) error {
		if _, err := s.objects.InsertOne(sc, fromObject(user)); err != nil {
			return err
		}
		if _, err := s.variants.InsertOne(sc, fromVariant(userVariant)); err != nil {
			return err
		}
		if _, err := s.objects.InsertOne(sc, fromObject(assistant)); err != nil {
			return err
		}
		_, err := s.variants.InsertOne(sc, fromVariant(assistantVariant))
		return err
	}

	session, err := s.client.StartSession()
	if err != nil {
		return s.createPairCompensating(ctx, insert, user.ID)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, insert(sc)
	})
	if err != nil && isTransactionUnsupported(err) {
		return s.createPairCompensating(ctx, insert, user.ID)
	}
	return err
}

// createPairCompensating performs the pair insert without a transaction and
// removes the partial user half on failure.
func (s *Store) createPairCompensating(ctx context.Context, insert func(context.Context) error, userID string) error {
	if err := insert(ctx); err != nil {
		_, _ = s.variants.DeleteMany(ctx, bson.M{"object_id": userID})
		_, _ = s.objects.DeleteOne(ctx, bson.M{"_id": userID})
		return err
	}
	return nil
}

// GetObject returns the tenant's non-archived object with the given id.
func (s *Store) GetObject(ctx context.Context, tenantID, id string) (*knowledge.Object, error) {
	if tenantID == "" || id == "" {
		return nil, errors.New("mongo: tenant id and object id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, "tenant_id": tenantID, "archived": false}
	var doc objectDocument
	if err := s.objects.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, knowledge.ErrNotFound
		}
		return nil, err
	}
	return doc.toObject(), nil
}

// ListObjects returns the tenant's non-archived objects for the given ids.
func (s *Store) ListObjects(ctx context.Context, tenantID string, ids []string) ([]*knowledge.Object, error) {
	if tenantID == "" {
		return nil, errors.New("mongo: tenant id is required")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": bson.M{"$in": ids}, "tenant_id": tenantID, "archived": false}
	cur, err := s.objects.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*knowledge.Object
	for cur.Next(ctx) {
		var doc objectDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toObject())
	}
	return out, cur.Err()
}

// VariantsForObject returns all variants of one object.
func (s *Store) VariantsForObject(ctx context.Context, objectID string) ([]*knowledge.Variant, error) {
	if objectID == "" {
		return nil, errors.New("mongo: object id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.variants.Find(ctx, bson.M{"object_id": objectID})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*knowledge.Variant
	for cur.Next(ctx) {
		var doc variantDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toVariant())
	}
	return out, cur.Err()
}

// ArchiveObject marks an object archived, removing it from all read paths.
func (s *Store) ArchiveObject(ctx context.Context, tenantID, id string) error {
	if tenantID == "" || id == "" {
		return errors.New("mongo: tenant id and object id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, "tenant_id": tenantID}
	res, err := s.objects.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"archived": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return knowledge.ErrNotFound
	}
	return nil
}

// UpsertRelationship inserts or refreshes an edge keyed on
// (SourceID, TargetID, Type).
func (s *Store) UpsertRelationship(ctx context.Context, rel *knowledge.Relationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"source_id": rel.SourceID,
		"target_id": rel.TargetID,
		"type":      rel.Type,
	}
	createdAt := rel.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	update := bson.M{
		"$set": bson.M{
			"tenant_id":   rel.TenantID,
			"confidence":  rel.Confidence,
			"evidence":    rel.Evidence,
			"detected_by": rel.DetectedBy,
		},
		"$setOnInsert": bson.M{
			"_id":        rel.ID,
			"created_at": createdAt.UTC(),
		},
	}
	_, err := s.relationships.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// RelationshipsFor returns the edges touching objectID whose both endpoints
// are live.
func (s *Store) RelationshipsFor(ctx context.Context, tenantID, objectID string) ([]*knowledge.Relationship, error) {
	if tenantID == "" || objectID == "" {
		return nil, errors.New("mongo: tenant id and object id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"tenant_id": tenantID,
		"$or": []bson.M{
			{"source_id": objectID},
			{"target_id": objectID},
		},
	}
	cur, err := s.relationships.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var candidates []*knowledge.Relationship
	endpointIDs := make(map[string]struct{})
	for cur.Next(ctx) {
		var doc relationshipDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rel := doc.toRelationship()
		candidates = append(candidates, rel)
		endpointIDs[rel.SourceID] = struct{}{}
		endpointIDs[rel.TargetID] = struct{}{}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Orphan edges (an endpoint archived or missing) are filtered out of the
	// read path rather than deleted.
	ids := make([]string, 0, len(endpointIDs))
	for id := range endpointIDs {
		ids = append(ids, id)
	}
	live, err := s.ListObjects(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, obj := range live {
		liveSet[obj.ID] = struct{}{}
	}
	out := make([]*knowledge.Relationship, 0, len(candidates))
	for _, rel := range candidates {
		if _, ok := liveSet[rel.SourceID]; !ok {
			continue
		}
		if _, ok := liveSet[rel.TargetID]; !ok {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

// DeleteRelationshipsOlderThan removes edges created before cutoff.
func (s *Store) DeleteRelationshipsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.relationships.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	objectIndexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "archived", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "session_id", Value: 1}}},
	}
	if _, err := s.objects.Indexes().CreateMany(ctx, objectIndexes); err != nil {
		return err
	}
	variantIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "object_id", Value: 1}, {Key: "kind", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.variants.Indexes().CreateOne(ctx, variantIndex); err != nil {
		return err
	}
	relationshipIndexes := []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "source_id", Value: 1},
				{Key: "target_id", Value: 1},
				{Key: "type", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}
	_, err := s.relationships.Indexes().CreateMany(ctx, relationshipIndexes)
	return err
}

func validateObject(obj *knowledge.Object) error {
	if obj == nil {
		return errors.New("mongo: object is required")
	}
	if obj.ID == "" {
		return errors.New("mongo: object id is required")
	}
	if obj.TenantID == "" {
		return errors.New("mongo: object tenant id is required")
	}
	return nil
}

func isTransactionUnsupported(err error) bool {
	var cmdErr mongodriver.CommandError
	if errors.As(err, &cmdErr) {
		// IllegalOperation: transaction numbers are only allowed on replica
		// set members or mongos.
		return cmdErr.Code == 20
	}
	return false
}

type objectDocument struct {
	ID             string               `bson:"_id"`
	TenantID       string               `bson:"tenant_id"`
	Type           knowledge.ObjectType `bson:"type"`
	SessionID      string               `bson:"session_id,omitempty"`
	UserID         string               `bson:"user_id,omitempty"`
	ParentID       string               `bson:"parent_id,omitempty"`
	Tags           []string             `bson:"tags,omitempty"`
	Metadata       map[string]any       `bson:"metadata,omitempty"`
	Archived       bool                 `bson:"archived"`
	CreatedAt      time.Time            `bson:"created_at"`
	OriginalTokens int                  `bson:"original_tokens,omitempty"`
}

type variantDocument struct {
	ID        string                `bson:"_id"`
	ObjectID  string                `bson:"object_id"`
	Kind      knowledge.VariantKind `bson:"kind"`
	Content   string                `bson:"content"`
	Tokens    int                   `bson:"tokens"`
	CreatedAt time.Time             `bson:"created_at"`
}

type relationshipDocument struct {
	ID         string                     `bson:"_id"`
	TenantID   string                     `bson:"tenant_id"`
	SourceID   string                     `bson:"source_id"`
	TargetID   string                     `bson:"target_id"`
	Type       knowledge.RelationshipType `bson:"type"`
	Confidence float64                    `bson:"confidence"`
	Evidence   string                     `bson:"evidence,omitempty"`
	DetectedBy string                     `bson:"detected_by,omitempty"`
	CreatedAt  time.Time                  `bson:"created_at"`
}

func fromObject(obj *knowledge.Object) objectDocument {
	createdAt := obj.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return objectDocument{
		ID:             obj.ID,
		TenantID:       obj.TenantID,
		Type:           obj.Type,
		SessionID:      obj.SessionID,
		UserID:         obj.UserID,
		ParentID:       obj.ParentID,
		Tags:           obj.Tags,
		Metadata:       obj.Metadata,
		Archived:       obj.Archived,
		CreatedAt:      createdAt.UTC(),
		OriginalTokens: obj.OriginalTokens,
	}
}

func (doc objectDocument) toObject() *knowledge.Object {
	return &knowledge.Object{
		ID:             doc.ID,
		TenantID:       doc.TenantID,
		Type:           doc.Type,
		SessionID:      doc.SessionID,
		UserID:         doc.UserID,
		ParentID:       doc.ParentID,
		Tags:           doc.Tags,
		Metadata:       doc.Metadata,
		Archived:       doc.Archived,
		CreatedAt:      doc.CreatedAt,
		OriginalTokens: doc.OriginalTokens,
	}
}

func fromVariant(v *knowledge.Variant) variantDocument {
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return variantDocument{
		ID:        v.ID,
		ObjectID:  v.ObjectID,
		Kind:      v.Kind,
		Content:   v.Content,
		Tokens:    v.Tokens,
		CreatedAt: createdAt.UTC(),
	}
}

func (doc variantDocument) toVariant() *knowledge.Variant {
	return &knowledge.Variant{
		ID:        doc.ID,
		ObjectID:  doc.ObjectID,
		Kind:      doc.Kind,
		Content:   doc.Content,
		Tokens:    doc.Tokens,
		CreatedAt: doc.CreatedAt,
	}
}

func (doc relationshipDocument) toRelationship() *knowledge.Relationship {
	return &knowledge.Relationship{
		ID:         doc.ID,
		TenantID:   doc.TenantID,
		SourceID:   doc.SourceID,
		TargetID:   doc.TargetID,
		Type:       doc.Type,
		Confidence: doc.Confidence,
		Evidence:   doc.Evidence,
		DetectedBy: doc.DetectedBy,
		CreatedAt:  doc.CreatedAt,
	}
}
