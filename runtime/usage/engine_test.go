package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounters struct {
	values map[string]float64
	ttls   map[string]time.Duration
	getErr error
	incErr error
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{
		values: make(map[string]float64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeCounters) Increment(_ context.Context, key string, delta float64, ttl time.Duration) error {
	if f.incErr != nil {
		return f.incErr
	}
	f.values[key] += delta
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCounters) Get(_ context.Context, key string) (float64, error) {
	if f.getErr != nil {
		return 0, f.getErr
	}
	return f.values[key], nil
}

func (f *fakeCounters) Ping(context.Context) error { return nil }

type fakeLogs struct {
	records   []*Record
	appendErr error
}

func (f *fakeLogs) Append(_ context.Context, rec *Record) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLogs) Aggregate(context.Context, string, time.Time, time.Time) (*Stats, error) {
	return &Stats{}, nil
}

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T, counters CounterStore, logs LogStore, minute, hour int64) *Engine {
	t.Helper()
	e, err := NewEngine(Options{
		Counters:    counters,
		Logs:        logs,
		MinuteLimit: minute,
		HourLimit:   hour,
	})
	require.NoError(t, err)
	e.now = func() time.Time { return testNow }
	return e
}

func TestAdmitUnderLimits(t *testing.T) {
	e := newTestEngine(t, newFakeCounters(), &fakeLogs{}, 10, 100)

	dec := e.Admit(context.Background(), "t1")

	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reason)
}

func TestAdmitDeniesAtMinuteLimit(t *testing.T) {
	counters := newFakeCounters()
	counters.values[CounterKey("t1", MetricRequests, WindowMinute, testNow)] = 10
	e := newTestEngine(t, counters, &fakeLogs{}, 10, 100)

	dec := e.Admit(context.Background(), "t1")

	assert.False(t, dec.Allowed)
	assert.Equal(t, "minute request limit exceeded", dec.Reason)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, dec.RetryAfter, time.Minute)
}

func TestAdmitDeniesAtHourLimit(t *testing.T) {
	counters := newFakeCounters()
	counters.values[CounterKey("t1", MetricRequests, WindowHour, testNow)] = 100
	e := newTestEngine(t, counters, &fakeLogs{}, 10, 100)

	dec := e.Admit(context.Background(), "t1")

	assert.False(t, dec.Allowed)
	assert.Equal(t, "hour request limit exceeded", dec.Reason)
	assert.LessOrEqual(t, dec.RetryAfter, time.Hour)
}

func TestAdmitFailsOpenOnCounterError(t *testing.T) {
	counters := newFakeCounters()
	counters.getErr = errors.New("redis down")
	e := newTestEngine(t, counters, &fakeLogs{}, 1, 1)

	dec := e.Admit(context.Background(), "t1")

	assert.True(t, dec.Allowed)
}

func TestAdmitNeverIncrements(t *testing.T) {
	counters := newFakeCounters()
	e := newTestEngine(t, counters, &fakeLogs{}, 10, 100)

	for range 5 {
		e.Admit(context.Background(), "t1")
	}

	assert.Empty(t, counters.values)
}

func TestRecordChatCompletionIncrementsAllCounters(t *testing.T) {
	counters := newFakeCounters()
	logs := &fakeLogs{}
	e := newTestEngine(t, counters, logs, 10, 100)

	e.RecordChatCompletion(context.Background(), &Record{
		TenantID:        "t1",
		Model:           "m",
		InputTokens:     100,
		OutputTokens:    50,
		KnowledgeTokens: 25,
		Cost:            0.01,
	})

	require.Len(t, logs.records, 1)
	assert.Equal(t, testNow, logs.records[0].Timestamp)

	minuteReq := CounterKey("t1", MetricRequests, WindowMinute, testNow)
	assert.Equal(t, 1.0, counters.values[minuteReq])
	assert.Equal(t, time.Minute, counters.ttls[minuteReq])
	assert.Equal(t, 175.0, counters.values[CounterKey("t1", MetricTokens, WindowMinute, testNow)])
	assert.Equal(t, 0.01, counters.values[CounterKey("t1", MetricCost, WindowHour, testNow)])
	assert.Equal(t, time.Hour, counters.ttls[CounterKey("t1", MetricRequests, WindowHour, testNow)])
}

func TestRecordEstimatesCostWhenUnset(t *testing.T) {
	counters := newFakeCounters()
	logs := &fakeLogs{}
	e := newTestEngine(t, counters, logs, 10, 100)

	e.RecordChatCompletion(context.Background(), &Record{
		TenantID:     "t1",
		Model:        "unknown-model",
		InputTokens:  1000,
		OutputTokens: 1000,
	})

	// Default pricing: 0.001/1K input + 0.002/1K output.
	require.Len(t, logs.records, 1)
	assert.InDelta(t, 0.003, logs.records[0].Cost, 1e-9)
}

func TestRecordEmbeddingIsInputOnly(t *testing.T) {
	logs := &fakeLogs{}
	e := newTestEngine(t, newFakeCounters(), logs, 10, 100)

	e.RecordEmbedding(context.Background(), &Record{
		TenantID:        "t1",
		Model:           "embed",
		InputTokens:     200,
		OutputTokens:    999,
		KnowledgeTokens: 999,
	})

	require.Len(t, logs.records, 1)
	assert.Zero(t, logs.records[0].OutputTokens)
	assert.Zero(t, logs.records[0].KnowledgeTokens)
}

func TestRecordSurvivesBackendFailures(t *testing.T) {
	counters := newFakeCounters()
	counters.incErr = errors.New("redis down")
	logs := &fakeLogs{appendErr: errors.New("mongo down")}
	e := newTestEngine(t, counters, logs, 10, 100)

	// Must not panic or error; failures are logged and dropped.
	e.RecordChatCompletion(context.Background(), &Record{TenantID: "t1", Model: "m"})
}

func TestRecordFailedRequestOnlyCountsRequests(t *testing.T) {
	counters := newFakeCounters()
	logs := &fakeLogs{}
	e := newTestEngine(t, counters, logs, 10, 100)

	e.RecordFailedRequest(context.Background(), "t1")

	assert.Empty(t, logs.records)
	assert.Equal(t, 1.0, counters.values[CounterKey("t1", MetricRequests, WindowMinute, testNow)])
	assert.Equal(t, 1.0, counters.values[CounterKey("t1", MetricRequests, WindowHour, testNow)])
	assert.NotContains(t, counters.values, CounterKey("t1", MetricTokens, WindowMinute, testNow))
}

func TestCurrentUsageReadsAllWindows(t *testing.T) {
	counters := newFakeCounters()
	counters.values[CounterKey("t1", MetricRequests, WindowMinute, testNow)] = 3
	counters.values[CounterKey("t1", MetricTokens, WindowHour, testNow)] = 1200
	e := newTestEngine(t, counters, &fakeLogs{}, 10, 100)

	snap, err := e.CurrentUsage(context.Background(), "t1")

	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.RequestsPerMinute)
	assert.Equal(t, 1200.0, snap.TokensPerHour)
	assert.Zero(t, snap.CostPerMinute)
}

func TestBucketFormatsByWindow(t *testing.T) {
	assert.Equal(t, "minute:202603141030", Bucket(WindowMinute, testNow))
	assert.Equal(t, "hour:2026031410", Bucket(WindowHour, testNow))
	assert.Equal(t, "day:20260314", Bucket(WindowDay, testNow))
}

func TestPricingClampsNegativeTokens(t *testing.T) {
	p := NewPricing(map[string]Price{"m": {InputPerK: 1, OutputPerK: 2}})

	assert.Zero(t, p.Estimate("m", -10, -10))
	assert.InDelta(t, 3.0, p.Estimate("m", 1000, 1000), 1e-9)
}
