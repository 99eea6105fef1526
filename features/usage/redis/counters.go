// Package redis implements the atomic counter store on Redis. Increments ride
// a transactional pipeline so INCRBYFLOAT and EXPIRE apply together; keys are
// time-bucketed by the caller and expire with their window.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"goa.design/recall/runtime/usage"
)

const storeName = "usage-redis"

type (
	// Options configures the Redis counter store.
	Options struct {
		// Client is the go-redis client; required. Cluster and sentinel
		// clients satisfy the interface as well.
		Client redis.UniversalClient
	}

	// Counters implements usage.CounterStore on Redis.
	Counters struct {
		client redis.UniversalClient
	}
)

var (
	_ usage.CounterStore = (*Counters)(nil)
	_ health.Pinger      = (*Counters)(nil)
)

// New returns a Counters store backed by Redis.
func New(opts Options) (*Counters, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Counters{client: opts.Client}, nil
}

// Name identifies the store in health reports.
func (c *Counters) Name() string { return storeName }

// Increment atomically adds delta to the counter and (re)applies the TTL.
func (c *Counters) Increment(ctx context.Context, key string, delta float64, ttl time.Duration) error {
	if key == "" {
		return errors.New("redis: counter key is required")
	}
	pipe := c.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the current counter value; missing keys read as zero.
func (c *Counters) Get(ctx context.Context, key string) (float64, error) {
	val, err := c.client.Get(ctx, key).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}

// Ping reports backend liveness.
func (c *Counters) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.client.Ping(ctx).Err()
}
