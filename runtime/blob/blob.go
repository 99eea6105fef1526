// Package blob defines the payload storage contract shared by the local-disk
// and object-store backends. Blobs hold raw turn payloads too large to inline
// in the knowledge store; the owning object keeps the key in its metadata.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the blob persistence contract. Keys are opaque slash-separated
// paths; implementations create intermediate "directories" as needed.
type Store interface {
	// Put writes the blob, replacing any previous content under the key.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads the blob. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// PresignGet returns a time-limited URL granting read access to the
	// blob. Backends without URL semantics return ErrPresignUnsupported.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ErrNotFound indicates no blob exists under the key.
var ErrNotFound = errors.New("blob: not found")

// ErrPresignUnsupported indicates the backend cannot produce presigned URLs.
var ErrPresignUnsupported = errors.New("blob: presigned URLs not supported")

// TurnKey builds the canonical key for an archived turn payload.
func TurnKey(tenantID, objectID string) string {
	return fmt.Sprintf("turns/%s/%s", tenantID, objectID)
}
