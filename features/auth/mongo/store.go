// Package mongo implements the API key store on MongoDB. Keys are persisted
// as SHA-256 verifier hashes only; the raw secret never reaches the database.
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

	"goa.design/recall/runtime/auth"
)

const (
	defaultCollection = "api_keys"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "auth-mongo"
)

type (
	// Options configures the Mongo key store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store implements auth.Store on MongoDB.
	Store struct {
		client  *mongodriver.Client
		keys    *mongodriver.Collection
		timeout time.Duration
	}
)

var (
	_ auth.Store    = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a Store backed by MongoDB and ensures the unique hash index.
func New(opts Options) (*Store, error) {
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
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		keys:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.keys.Indexes().CreateOne(ctx, index); err != nil {
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

// FindByHash returns the key with the given verifier hash.
func (s *Store) FindByHash(ctx context.Context, hash string) (*auth.Key, error) {
	if hash == "" {
		return nil, auth.ErrKeyNotFound
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc keyDocument
	if err := s.keys.FindOne(ctx, bson.M{"hash": hash}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, auth.ErrKeyNotFound
		}
		return nil, err
	}
	return doc.toKey(), nil
}

// TouchLastUsed records a use of the key.
func (s *Store) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	if keyID == "" {
		return errors.New("mongo: key id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.keys.UpdateOne(ctx,
		bson.M{"_id": keyID},
		bson.M{"$set": bson.M{"last_used_at": at.UTC()}})
	return err
}

// Provision inserts a key if no key with the same hash exists. It backs the
// development bootstrap path that seeds keys from the environment.
func (s *Store) Provision(ctx context.Context, key *auth.Key) error {
	if key == nil || key.ID == "" || key.TenantID == "" || key.Hash == "" {
		return errors.New("mongo: key id, tenant id and hash are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	filter := bson.M{"hash": key.Hash}
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":        key.ID,
			"tenant_id":  key.TenantID,
			"hash":       key.Hash,
			"active":     key.Active,
			"created_at": createdAt.UTC(),
		},
	}
	_, err := s.keys.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
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

type keyDocument struct {
	ID         string    `bson:"_id"`
	TenantID   string    `bson:"tenant_id"`
	Hash       string    `bson:"hash"`
	Active     bool      `bson:"active"`
	CreatedAt  time.Time `bson:"created_at"`
	LastUsedAt time.Time `bson:"last_used_at,omitempty"`
}

func (doc keyDocument) toKey() *auth.Key {
	return &auth.Key{
		ID:         doc.ID,
		TenantID:   doc.TenantID,
		Hash:       doc.Hash,
		Active:     doc.Active,
		CreatedAt:  doc.CreatedAt,
		LastUsedAt: doc.LastUsedAt,
	}
}
