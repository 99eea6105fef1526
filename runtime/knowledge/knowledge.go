// Package knowledge defines the domain types for stored knowledge and the
// Store contract persistence backends implement. A knowledge object is an
// immutable-once-created unit owned by exactly one tenant; its payload is
// rendered through one or more content variants, and similarity-derived
// relationships link objects into a directed graph traversed by id.
package knowledge

import (
	"context"
	"errors"
	"time"
)

// ObjectType enumerates the kinds of knowledge objects.
type ObjectType string

const (
	// TypeTurn is one half of a conversation exchange (user or assistant).
	TypeTurn ObjectType = "TURN"
	// TypeExtractedFact is a structured atom derived by the memory extractor.
	TypeExtractedFact ObjectType = "EXTRACTED_FACT"
	// TypeSessionMemory is a summarized rollup of many turns in one session.
	TypeSessionMemory ObjectType = "SESSION_MEMORY"
	// TypeFileChunk is a chunk of an ingested file.
	TypeFileChunk ObjectType = "FILE_CHUNK"
	// TypeSummary is a generic summary object.
	TypeSummary ObjectType = "SUMMARY"
)

// VariantKind enumerates the alternative renderings of an object's payload.
type VariantKind string

const (
	// VariantRaw is the unmodified payload.
	VariantRaw VariantKind = "RAW"
	// VariantShort is a condensed rendering preferred for context packing.
	VariantShort VariantKind = "SHORT"
	// VariantBulletFacts is a bullet-point fact rendering.
	VariantBulletFacts VariantKind = "BULLET_FACTS"
)

// RelationshipType enumerates the kinds of directed edges between objects.
type RelationshipType string

const (
	// RelSupports marks strong agreement between two objects.
	RelSupports RelationshipType = "SUPPORTS"
	// RelReferences marks a topical reference between two objects.
	RelReferences RelationshipType = "REFERENCES"
	// RelContradicts marks disagreement between two objects.
	RelContradicts RelationshipType = "CONTRADICTS"
)

type (
	// Object is an immutable-once-created unit of stored knowledge. Every
	// object carries a non-empty TenantID; no read path returns cross-tenant
	// data, and archived objects are excluded from queries.
	Object struct {
		ID             string
		TenantID       string
		Type           ObjectType
		SessionID      string
		UserID         string
		ParentID       string
		Tags           []string
		Metadata       map[string]any
		Archived       bool
		CreatedAt      time.Time
		OriginalTokens int
	}

	// Variant is an alternative rendering of one object's payload.
	// (ObjectID, Kind) is unique; deleting an object deletes its variants.
	Variant struct {
		ID        string
		ObjectID  string
		Kind      VariantKind
		Content   string
		Tokens    int
		CreatedAt time.Time
	}

	// Relationship is a directed edge between two objects. SourceID and
	// TargetID always differ; (SourceID, TargetID, Type) is the natural
	// upsert key.
	Relationship struct {
		ID         string
		TenantID   string
		SourceID   string
		TargetID   string
		Type       RelationshipType
		Confidence float64
		Evidence   string
		DetectedBy string
		CreatedAt  time.Time
	}

	// Store is the persistence contract for knowledge objects, variants and
	// relationships. All reads are tenant-scoped and exclude archived
	// objects; orphan relationships (either endpoint archived or missing)
	// are excluded from read paths.
	Store interface {
		// CreateObject persists one object together with its variants.
		CreateObject(ctx context.Context, obj *Object, variants []*Variant) error

		// CreateTurnPair persists the user and assistant TURN objects of one
		// exchange atomically: either both are committed or neither is.
		CreateTurnPair(ctx context.Context, user, assistant *Object, userVariant, assistantVariant *Variant) error

		// GetObject returns the tenant's non-archived object with the given id.
		GetObject(ctx context.Context, tenantID, id string) (*Object, error)

		// ListObjects returns the tenant's non-archived objects for the given
		// ids, in no particular order. Missing ids are skipped.
		ListObjects(ctx context.Context, tenantID string, ids []string) ([]*Object, error)

		// VariantsForObject returns all variants of one object.
		VariantsForObject(ctx context.Context, objectID string) ([]*Variant, error)

		// ArchiveObject marks an object archived, removing it from all read
		// paths.
		ArchiveObject(ctx context.Context, tenantID, id string) error

		// UpsertRelationship inserts or refreshes an edge keyed on
		// (SourceID, TargetID, Type).
		UpsertRelationship(ctx context.Context, rel *Relationship) error

		// RelationshipsFor returns the edges touching objectID whose both
		// endpoints are live (non-archived).
		RelationshipsFor(ctx context.Context, tenantID, objectID string) ([]*Relationship, error)

		// DeleteRelationshipsOlderThan removes edges created before cutoff and
		// returns the number removed.
		DeleteRelationshipsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	}
)

// ErrNotFound indicates the requested object does not exist for the tenant
// (or is archived).
var ErrNotFound = errors.New("knowledge: object not found")

// ErrSelfRelationship indicates source and target of an edge are the same
// object.
var ErrSelfRelationship = errors.New("knowledge: relationship endpoints must differ")

// Validate checks the invariants every edge must satisfy before persistence.
func (r *Relationship) Validate() error {
	if r.SourceID == r.TargetID {
		return ErrSelfRelationship
	}
	if r.TenantID == "" {
		return errors.New("knowledge: relationship tenant id is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return errors.New("knowledge: relationship confidence must be in [0,1]")
	}
	switch r.Type {
	case RelSupports, RelReferences, RelContradicts:
	default:
		return errors.New("knowledge: unknown relationship type")
	}
	return nil
}

// PreferredVariant selects the variant used for context packing: SHORT when
// present, else RAW, else the first available. Returns nil for an empty set.
func PreferredVariant(variants []*Variant) *Variant {
	var raw *Variant
	for _, v := range variants {
		switch v.Kind {
		case VariantShort:
			return v
		case VariantRaw:
			if raw == nil {
				raw = v
			}
		}
	}
	if raw != nil {
		return raw
	}
	if len(variants) > 0 {
		return variants[0]
	}
	return nil
}
