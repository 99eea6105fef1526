package usage

import (
	"context"
	"errors"
	"time"

	"goa.design/recall/runtime/telemetry"
)

type (
	// Engine binds the counter store, usage log and pricing table into the
	// rate & usage contract used by the gateway.
	Engine struct {
		counters CounterStore
		logs     LogStore
		pricing  *Pricing
		logger   telemetry.Logger

		minuteLimit int64
		hourLimit   int64
		now         func() time.Time
	}

	// Options configures an Engine.
	Options struct {
		// Counters is the atomic counter backend; required.
		Counters CounterStore

		// Logs is the append-only usage log backend; required.
		Logs LogStore

		// Pricing supplies cost estimates; nil uses an empty table (every
		// model priced at the default).
		Pricing *Pricing

		// Logger reports recovered backend failures; nil uses a no-op.
		Logger telemetry.Logger

		// MinuteLimit caps admitted requests per tenant per minute.
		// Defaults to 100.
		MinuteLimit int64

		// HourLimit caps admitted requests per tenant per hour.
		// Defaults to 1000.
		HourLimit int64
	}
)

// NewEngine builds an Engine from the provided options.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Counters == nil {
		return nil, errors.New("usage: counter store is required")
	}
	if opts.Logs == nil {
		return nil, errors.New("usage: log store is required")
	}
	pricing := opts.Pricing
	if pricing == nil {
		pricing = NewPricing(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	minuteLimit := opts.MinuteLimit
	if minuteLimit <= 0 {
		minuteLimit = 100
	}
	hourLimit := opts.HourLimit
	if hourLimit <= 0 {
		hourLimit = 1000
	}
	return &Engine{
		counters:    opts.Counters,
		logs:        opts.Logs,
		pricing:     pricing,
		logger:      logger,
		minuteLimit: minuteLimit,
		hourLimit:   hourLimit,
		now:         time.Now,
	}, nil
}

// Admit checks the tenant's minute and hour request windows against their
// ceilings. It never increments counters, so repeated calls without an
// intervening Record are equivalent to one. A counter-store failure admits
// the request (fail-open) and is logged.
func (e *Engine) Admit(ctx context.Context, tenantID string) Decision {
	now := e.now()

	minuteCount, err := e.counters.Get(ctx, CounterKey(tenantID, MetricRequests, WindowMinute, now))
	if err != nil {
		e.logger.Warn(ctx, "counter store unavailable, admitting", "tenant_id", tenantID, "error", err.Error())
		return Decision{Allowed: true}
	}
	if int64(minuteCount) >= e.minuteLimit {
		return Decision{
			Reason:     "minute request limit exceeded",
			RetryAfter: untilNext(now, time.Minute),
		}
	}

	hourCount, err := e.counters.Get(ctx, CounterKey(tenantID, MetricRequests, WindowHour, now))
	if err != nil {
		e.logger.Warn(ctx, "counter store unavailable, admitting", "tenant_id", tenantID, "error", err.Error())
		return Decision{Allowed: true}
	}
	if int64(hourCount) >= e.hourLimit {
		return Decision{
			Reason:     "hour request limit exceeded",
			RetryAfter: untilNext(now, time.Hour),
		}
	}

	return Decision{Allowed: true}
}

// RecordChatCompletion appends a usage log row and atomically increments the
// request, token and cost counters in the minute and hour windows. Counter
// and log failures are logged and dropped; the request already succeeded.
func (e *Engine) RecordChatCompletion(ctx context.Context, rec *Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}
	if rec.Cost == 0 {
		rec.Cost = e.pricing.Estimate(rec.Model, rec.InputTokens, rec.OutputTokens)
	}
	e.record(ctx, rec)
}

// RecordEmbedding records an embedding request: token usage is input-only and
// there are no knowledge tokens.
func (e *Engine) RecordEmbedding(ctx context.Context, rec *Record) {
	rec.OutputTokens = 0
	rec.KnowledgeTokens = 0
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}
	if rec.Cost == 0 {
		rec.Cost = e.pricing.Estimate(rec.Model, rec.InputTokens, 0)
	}
	e.record(ctx, rec)
}

// RecordFailedRequest increments only the request counters. A request that
// was admitted but failed upstream still consumed admission capacity; it
// produces no usage log row.
func (e *Engine) RecordFailedRequest(ctx context.Context, tenantID string) {
	now := e.now()
	for _, window := range []Window{WindowMinute, WindowHour} {
		key := CounterKey(tenantID, MetricRequests, window, now)
		if err := e.counters.Increment(ctx, key, 1, TTL(window)); err != nil {
			e.logger.Warn(ctx, "counter increment dropped",
				"tenant_id", tenantID, "key", key, "error", err.Error())
		}
	}
}

func (e *Engine) record(ctx context.Context, rec *Record) {
	if err := e.logs.Append(ctx, rec); err != nil {
		e.logger.Warn(ctx, "usage log write failed",
			"tenant_id", rec.TenantID, "request_id", rec.RequestID, "error", err.Error())
	}

	tokens := clampInt(rec.InputTokens) + clampInt(rec.OutputTokens) + clampInt(rec.KnowledgeTokens)
	for _, window := range []Window{WindowMinute, WindowHour} {
		ttl := TTL(window)
		increments := []struct {
			metric Metric
			delta  float64
		}{
			{MetricRequests, 1},
			{MetricTokens, float64(tokens)},
			{MetricCost, rec.Cost},
		}
		for _, inc := range increments {
			key := CounterKey(rec.TenantID, inc.metric, window, rec.Timestamp)
			if err := e.counters.Increment(ctx, key, inc.delta, ttl); err != nil {
				e.logger.Warn(ctx, "counter increment dropped",
					"tenant_id", rec.TenantID, "key", key, "error", err.Error())
			}
		}
	}
}

// CurrentUsage reads the tenant's live minute and hour counters. Missing
// counters read as zero; backend errors surface to the caller.
func (e *Engine) CurrentUsage(ctx context.Context, tenantID string) (*Snapshot, error) {
	now := e.now()
	var snap Snapshot
	reads := []struct {
		metric Metric
		window Window
		dst    *float64
	}{
		{MetricRequests, WindowMinute, &snap.RequestsPerMinute},
		{MetricTokens, WindowMinute, &snap.TokensPerMinute},
		{MetricCost, WindowMinute, &snap.CostPerMinute},
		{MetricRequests, WindowHour, &snap.RequestsPerHour},
		{MetricTokens, WindowHour, &snap.TokensPerHour},
		{MetricCost, WindowHour, &snap.CostPerHour},
	}
	for _, r := range reads {
		v, err := e.counters.Get(ctx, CounterKey(tenantID, r.metric, r.window, now))
		if err != nil {
			return nil, err
		}
		*r.dst = v
	}
	return &snap, nil
}

// Stats aggregates the tenant's usage log over [from, to).
func (e *Engine) Stats(ctx context.Context, tenantID string, from, to time.Time) (*Stats, error) {
	return e.logs.Aggregate(ctx, tenantID, from, to)
}

// EstimateCost exposes the pricing table for callers that need an estimate
// before recording.
func (e *Engine) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return e.pricing.Estimate(model, inputTokens, outputTokens)
}

func untilNext(now time.Time, window time.Duration) time.Duration {
	return now.Truncate(window).Add(window).Sub(now)
}

func clampInt(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
