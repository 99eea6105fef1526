// Package mongo implements the dialogue state store on MongoDB. One document
// tracks the rolling context of a (tenant, session) pair; writes are
// serialized through a compare-and-swap on the document version.
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

	"goa.design/recall/runtime/dialogue"
)

const (
	defaultCollection = "dialogue_states"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "dialogue-mongo"
)

type (
	// Options configures the Mongo dialogue store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store implements dialogue.Store on MongoDB.
	Store struct {
		client  *mongodriver.Client
		states  *mongodriver.Collection
		timeout time.Duration
	}
)

var (
	_ dialogue.Store = (*Store)(nil)
	_ health.Pinger  = (*Store)(nil)
)

// New returns a Store backed by MongoDB and ensures its indexes.
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
		states:  opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
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

// GetOrCreate returns the state row for (tenantID, sessionID), creating an
// empty one if absent.
func (s *Store) GetOrCreate(ctx context.Context, tenantID, sessionID, userID string) (*dialogue.State, error) {
	if tenantID == "" || sessionID == "" {
		return nil, errors.New("mongo: tenant id and session id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "session_id": sessionID}
	now := time.Now().UTC()
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":             tenantID + ":" + sessionID,
			"tenant_id":       tenantID,
			"session_id":      sessionID,
			"user_id":         userID,
			"version":         int64(0),
			"last_updated_at": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var doc stateDocument
	if err := s.states.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.toState(), nil
}

// Update persists the state iff the stored version matches state.Version,
// then increments it. Returns dialogue.ErrConcurrentUpdate on mismatch.
func (s *Store) Update(ctx context.Context, state *dialogue.State) error {
	if state == nil || state.ID == "" {
		return errors.New("mongo: state id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": state.ID, "version": state.Version}
	update := bson.M{
		"$set": bson.M{
			"user_id":              state.UserID,
			"summary_short":        state.SummaryShort,
			"summary_bullets":      state.SummaryBullets,
			"topics":               state.Topics,
			"cumulative_tokens":    state.CumulativeTokens,
			"turn_count":           state.TurnCount,
			"turns_since_summary":  state.TurnsSinceSummary,
			"tokens_since_summary": state.TokensSinceSummary,
			"history":              fromHistory(state.History),
			"last_updated_at":      time.Now().UTC(),
		},
		"$inc": bson.M{"version": int64(1)},
	}
	res, err := s.states.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return dialogue.ErrConcurrentUpdate
	}
	state.Version++
	return nil
}

// ListDueForSummary returns up to limit states whose since-summary counters
// meet either threshold.
func (s *Store) ListDueForSummary(ctx context.Context, turnThreshold, tokenThreshold, limit int) ([]*dialogue.State, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"$or": []bson.M{
			{"turns_since_summary": bson.M{"$gte": turnThreshold}},
			{"tokens_since_summary": bson.M{"$gte": tokenThreshold}},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_updated_at", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.states.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*dialogue.State
	for cur.Next(ctx) {
		var doc stateDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toState())
	}
	return out, cur.Err()
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
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "turns_since_summary", Value: -1},
				{Key: "tokens_since_summary", Value: -1},
			},
		},
	}
	_, err := s.states.Indexes().CreateMany(ctx, indexes)
	return err
}

type historyTurnDocument struct {
	UserMessage      string    `bson:"user_message"`
	AssistantMessage string    `bson:"assistant_message"`
	Timestamp        time.Time `bson:"timestamp"`
}

type stateDocument struct {
	ID                 string                `bson:"_id"`
	TenantID           string                `bson:"tenant_id"`
	SessionID          string                `bson:"session_id"`
	UserID             string                `bson:"user_id,omitempty"`
	SummaryShort       string                `bson:"summary_short,omitempty"`
	SummaryBullets     []string              `bson:"summary_bullets,omitempty"`
	Topics             []string              `bson:"topics,omitempty"`
	CumulativeTokens   int                   `bson:"cumulative_tokens"`
	TurnCount          int                   `bson:"turn_count"`
	TurnsSinceSummary  int                   `bson:"turns_since_summary"`
	TokensSinceSummary int                   `bson:"tokens_since_summary"`
	History            []historyTurnDocument `bson:"history,omitempty"`
	Version            int64                 `bson:"version"`
	LastUpdatedAt      time.Time             `bson:"last_updated_at"`
}

func fromHistory(history []dialogue.HistoryTurn) []historyTurnDocument {
	if len(history) == 0 {
		return nil
	}
	out := make([]historyTurnDocument, len(history))
	for i, h := range history {
		out[i] = historyTurnDocument{
			UserMessage:      h.UserMessage,
			AssistantMessage: h.AssistantMessage,
			Timestamp:        h.Timestamp.UTC(),
		}
	}
	return out
}

func (doc stateDocument) toState() *dialogue.State {
	history := make([]dialogue.HistoryTurn, len(doc.History))
	for i, h := range doc.History {
		history[i] = dialogue.HistoryTurn{
			UserMessage:      h.UserMessage,
			AssistantMessage: h.AssistantMessage,
			Timestamp:        h.Timestamp,
		}
	}
	if len(history) == 0 {
		history = nil
	}
	return &dialogue.State{
		ID:                 doc.ID,
		TenantID:           doc.TenantID,
		SessionID:          doc.SessionID,
		UserID:             doc.UserID,
		SummaryShort:       doc.SummaryShort,
		SummaryBullets:     doc.SummaryBullets,
		Topics:             doc.Topics,
		CumulativeTokens:   doc.CumulativeTokens,
		TurnCount:          doc.TurnCount,
		TurnsSinceSummary:  doc.TurnsSinceSummary,
		TokensSinceSummary: doc.TokensSinceSummary,
		History:            history,
		Version:            doc.Version,
		LastUpdatedAt:      doc.LastUpdatedAt,
	}
}
