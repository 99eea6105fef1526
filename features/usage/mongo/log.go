// Package mongo implements the append-only usage log on MongoDB. Rows are
// insert-only; aggregation runs server-side through a pipeline grouped by
// model.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/recall/runtime/usage"
)

const (
	defaultCollection = "usage_logs"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "usage-mongo"
)

type (
	// Options configures the Mongo usage log.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// LogStore implements usage.LogStore on MongoDB.
	LogStore struct {
		client  *mongodriver.Client
		logs    *mongodriver.Collection
		timeout time.Duration
	}
)

var (
	_ usage.LogStore = (*LogStore)(nil)
	_ health.Pinger  = (*LogStore)(nil)
)

// New returns a LogStore backed by MongoDB and ensures its indexes.
func New(opts Options) (*LogStore, error) {
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
	s := &LogStore{
		client:  opts.Client,
		logs:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "timestamp", Value: 1}},
	}
	if _, err := s.logs.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the store in health reports.
func (s *LogStore) Name() string { return storeName }

// Ping reports backend liveness.
func (s *LogStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// Append persists one usage record. Records are never mutated after insert.
func (s *LogStore) Append(ctx context.Context, rec *usage.Record) error {
	if rec == nil {
		return errors.New("mongo: record is required")
	}
	if rec.TenantID == "" {
		return errors.New("mongo: record tenant id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	timestamp := rec.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	_, err := s.logs.InsertOne(ctx, recordDocument{
		TenantID:        rec.TenantID,
		UserID:          rec.UserID,
		SessionID:       rec.SessionID,
		RequestID:       rec.RequestID,
		Model:           rec.Model,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		KnowledgeTokens: rec.KnowledgeTokens,
		Cost:            rec.Cost,
		Timestamp:       timestamp.UTC(),
	})
	return err
}

// Aggregate computes totals and a per-model breakdown over [from, to).
func (s *LogStore) Aggregate(ctx context.Context, tenantID string, from, to time.Time) (*usage.Stats, error) {
	if tenantID == "" {
		return nil, errors.New("mongo: tenant id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{
			"tenant_id": tenantID,
			"timestamp": bson.M{"$gte": from.UTC(), "$lt": to.UTC()},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":      "$model",
			"requests": bson.M{"$sum": 1},
			"tokens": bson.M{"$sum": bson.M{
				"$add": bson.A{"$input_tokens", "$output_tokens", "$knowledge_tokens"},
			}},
			"cost": bson.M{"$sum": "$cost"},
		}}},
	}
	cur, err := s.logs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	stats := &usage.Stats{ByModel: make(map[string]usage.ModelStats)}
	for cur.Next(ctx) {
		var row struct {
			Model    string  `bson:"_id"`
			Requests int64   `bson:"requests"`
			Tokens   int64   `bson:"tokens"`
			Cost     float64 `bson:"cost"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		stats.TotalRequests += row.Requests
		stats.TotalTokens += row.Tokens
		stats.TotalCost += row.Cost
		stats.ByModel[row.Model] = usage.ModelStats{
			Requests: row.Requests,
			Tokens:   row.Tokens,
			Cost:     row.Cost,
		}
	}
	return stats, cur.Err()
}

func (s *LogStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type recordDocument struct {
	TenantID        string    `bson:"tenant_id"`
	UserID          string    `bson:"user_id,omitempty"`
	SessionID       string    `bson:"session_id,omitempty"`
	RequestID       string    `bson:"request_id,omitempty"`
	Model           string    `bson:"model"`
	InputTokens     int       `bson:"input_tokens"`
	OutputTokens    int       `bson:"output_tokens"`
	KnowledgeTokens int       `bson:"knowledge_tokens"`
	Cost            float64   `bson:"cost"`
	Timestamp       time.Time `bson:"timestamp"`
}
