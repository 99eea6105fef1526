// Package usage implements the per-tenant rate and usage engine: admission
// decisions against windowed request counters, append-only usage logging, and
// cost estimation. Counters live in an external atomic store (Redis in
// production); the engine is deliberately fail-open so a counter-store outage
// never takes the request path down with it.
package usage

import (
	"context"
	"fmt"
	"time"
)

// Metric names the counters tracked per tenant and window.
type Metric string

const (
	// MetricRequests counts admitted chat/embedding requests.
	MetricRequests Metric = "requests"
	// MetricTokens counts total tokens (input + output + knowledge).
	MetricTokens Metric = "tokens"
	// MetricCost accumulates estimated cost in USD.
	MetricCost Metric = "cost"
)

// Window identifies a time bucket.
type Window string

const (
	// WindowMinute buckets by minute.
	WindowMinute Window = "minute"
	// WindowHour buckets by hour.
	WindowHour Window = "hour"
	// WindowDay buckets by day.
	WindowDay Window = "day"
)

type (
	// CounterStore is the atomic counter backend. Increments are server-side
	// atomic; expiry is idempotent and reapplied on every write.
	CounterStore interface {
		// Increment atomically adds delta to the counter and (re)applies the
		// given TTL to the key.
		Increment(ctx context.Context, key string, delta float64, ttl time.Duration) error

		// Get returns the current counter value; missing keys read as zero.
		Get(ctx context.Context, key string) (float64, error)

		// Ping reports backend liveness.
		Ping(ctx context.Context) error
	}

	// LogStore is the append-only usage log backend. Writes never mutate
	// prior rows.
	LogStore interface {
		// Append persists one usage record.
		Append(ctx context.Context, rec *Record) error

		// Aggregate computes totals and a per-model breakdown over [from, to).
		Aggregate(ctx context.Context, tenantID string, from, to time.Time) (*Stats, error)
	}

	// Record is one append-only usage log row.
	Record struct {
		TenantID        string
		UserID          string
		SessionID       string
		RequestID       string
		Model           string
		InputTokens     int
		OutputTokens    int
		KnowledgeTokens int
		Cost            float64
		Timestamp       time.Time
	}

	// Stats aggregates usage over a time range.
	Stats struct {
		TotalRequests int64
		TotalTokens   int64
		TotalCost     float64
		ByModel       map[string]ModelStats
	}

	// ModelStats is the per-model slice of Stats.
	ModelStats struct {
		Requests int64
		Tokens   int64
		Cost     float64
	}

	// Snapshot reports the tenant's current minute and hour windows.
	Snapshot struct {
		RequestsPerMinute float64
		TokensPerMinute   float64
		CostPerMinute     float64
		RequestsPerHour   float64
		TokensPerHour     float64
		CostPerHour       float64
	}

	// Decision is the outcome of an admission check.
	Decision struct {
		Allowed bool
		// Reason explains a denial ("minute limit exceeded", ...). Empty when
		// allowed.
		Reason string
		// RetryAfter suggests how long the caller should wait before
		// retrying a denied request.
		RetryAfter time.Duration
	}
)

// CounterKey builds the store key for (tenant, metric, window bucket).
// Bucket keys are time-derived so no sliding-window bookkeeping is needed.
func CounterKey(tenantID string, metric Metric, window Window, now time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", tenantID, metric, Bucket(window, now))
}

// Bucket renders the time-bucketed window suffix for now.
func Bucket(window Window, now time.Time) string {
	now = now.UTC()
	switch window {
	case WindowMinute:
		return "minute:" + now.Format("200601021504")
	case WindowHour:
		return "hour:" + now.Format("2006010215")
	default:
		return "day:" + now.Format("20060102")
	}
}

// TTL returns the expiry matching a window's length.
func TTL(window Window) time.Duration {
	switch window {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}
