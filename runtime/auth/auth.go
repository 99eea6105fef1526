// Package auth validates opaque bearer keys and binds the owning tenant to
// the request. Keys are stored only as SHA-256 verifiers; the raw secret never
// touches persistence or logs.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

type (
	// Key is the stored representation of an API key. The opaque secret is
	// known only to the caller; Hash is its SHA-256 hex digest.
	Key struct {
		ID         string
		TenantID   string
		Hash       string
		Active     bool
		CreatedAt  time.Time
		LastUsedAt time.Time
	}

	// Store is the persistence contract for API keys.
	Store interface {
		// FindByHash returns the key with the given verifier hash, active or
		// not. Returns ErrKeyNotFound when absent.
		FindByHash(ctx context.Context, hash string) (*Key, error)

		// TouchLastUsed records a use of the key. Best effort: failures are
		// swallowed by the caller.
		TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
	}

	// Validator verifies bearer secrets against the key store.
	Validator struct {
		store      Store
		now        func() time.Time
		touchEvery time.Duration

		mu      sync.Mutex
		touched map[string]time.Time
	}

	// Options configures a Validator.
	Options struct {
		// Store is the backing key store; required.
		Store Store

		// TouchEvery throttles LastUsedAt writes per key. Defaults to one
		// minute; zero keeps the default, negative disables throttling.
		TouchEvery time.Duration
	}
)

// ErrUnauthorized indicates the bearer is missing, unknown or inactive.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrKeyNotFound is returned by stores when no key matches a hash.
var ErrKeyNotFound = errors.New("auth: key not found")

// NewValidator builds a Validator from the provided options.
func NewValidator(opts Options) (*Validator, error) {
	if opts.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	touchEvery := opts.TouchEvery
	if touchEvery == 0 {
		touchEvery = time.Minute
	}
	return &Validator{
		store:      opts.Store,
		now:        time.Now,
		touchEvery: touchEvery,
		touched:    make(map[string]time.Time),
	}, nil
}

// HashSecret returns the SHA-256 hex verifier for an opaque key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Validate verifies a bearer secret and returns the matching active key.
// Successful validation updates LastUsedAt, throttled to at most one write
// per key per TouchEvery; the write is best effort and never fails the call.
func (v *Validator) Validate(ctx context.Context, bearer string) (*Key, error) {
	secret := strings.TrimSpace(bearer)
	if secret == "" {
		return nil, ErrUnauthorized
	}
	key, err := v.store.FindByHash(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !key.Active {
		return nil, ErrUnauthorized
	}
	if v.shouldTouch(key.ID) {
		// Best effort; a failed write must not fail authentication.
		_ = v.store.TouchLastUsed(ctx, key.ID, v.now())
	}
	return key, nil
}

func (v *Validator) shouldTouch(keyID string) bool {
	if v.touchEvery < 0 {
		return true
	}
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.touched[keyID]; ok && now.Sub(last) < v.touchEvery {
		return false
	}
	v.touched[keyID] = now
	return true
}
