package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/infrastructure/resource"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MaxBytes:             64 * 1024,
		L1Ratio:              0.5,
		CompressionThreshold: 2 * 1024,
		DefaultTTL:           5 * time.Minute,
		AggressiveTTL:        10 * time.Minute,
		CleanupInterval:      time.Hour, // tests never rely on the sweeper
	}
}

func newTestCache(t *testing.T, cfg config.CacheConfig) *Cache {
	t.Helper()
	c := New(cfg, nil, zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func testQuery(service string, span time.Duration) *query.Query {
	to := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	return &query.Query{
		TimeRange: query.TimeRange{From: to.Add(-span), To: to},
		Filters: []query.Filter{
			{Field: "source.service", Operator: query.OpEquals, Value: service},
		},
		Limit: 100,
	}
}

func testResult(n int) *query.Result {
	logs := make([]*logentry.Entry, n)
	for i := range logs {
		logs[i] = &logentry.Entry{
			ID:        fmt.Sprintf("entry-%d", i),
			Timestamp: time.Now().UTC(),
			Level:     logentry.LevelInfo,
			Message:   logentry.Message{Raw: "request handled"},
			Source:    logentry.Source{Service: "api"},
		}
	}
	return &query.Result{Logs: logs, Total: n}
}

func TestGetMissThenHit(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	q := testQuery("api", time.Hour)

	_, ok := c.Get(q)
	assert.False(t, ok)

	c.Set(q, testResult(3), SetOptions{Priority: PriorityNormal})

	got, ok := c.Get(q)
	require.True(t, ok)
	assert.Equal(t, 3, got.Total)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestHighPriorityGoesToL1(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	q := testQuery("api", time.Hour)

	c.Set(q, testResult(200), SetOptions{Priority: PriorityHigh})

	c.mu.RLock()
	_, inL1 := c.l1[Fingerprint(q)]
	c.mu.RUnlock()
	assert.True(t, inL1)
}

func TestLargeLowPriorityGoesToL2Compressed(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	q := testQuery("api", time.Hour)

	// 200 entries encode well past the 2 KiB compression threshold.
	c.Set(q, testResult(200), SetOptions{Priority: PriorityLow})

	c.mu.RLock()
	e, inL2 := c.l2[Fingerprint(q)]
	c.mu.RUnlock()
	require.True(t, inL2)
	assert.True(t, e.compressed)
	assert.Positive(t, c.Stats().CompressionSavings)

	// The compressed entry round-trips on read.
	got, ok := c.Get(q)
	require.True(t, ok)
	assert.Len(t, got.Logs, 200)
	assert.Equal(t, "entry-0", got.Logs[0].ID)
}

func TestHotEntryPromotedToL1(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	q := testQuery("api", time.Hour)

	c.Set(q, testResult(200), SetOptions{Priority: PriorityHigh})
	for i := 0; i < 4; i++ {
		_, ok := c.Get(q)
		require.True(t, ok)
	}

	// Re-set after four accesses: the carried access count forces L1 even at
	// low priority.
	c.Set(q, testResult(200), SetOptions{Priority: PriorityLow})

	c.mu.RLock()
	_, inL1 := c.l1[Fingerprint(q)]
	c.mu.RUnlock()
	assert.True(t, inL1)
}

func TestTTLExpiryDroppedOnAccess(t *testing.T) {
	cfg := testCacheConfig()
	c := newTestCache(t, cfg)
	q := testQuery("api", time.Hour)

	c.Set(q, testResult(2), SetOptions{Priority: PriorityNormal, TTL: 20 * time.Millisecond})

	_, ok := c.Get(q)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(q)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().EntryCount)
}

func TestBypassNotCached(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	q := testQuery("api", time.Hour)

	c.Set(q, testResult(2), SetOptions{Priority: PriorityNormal, TTL: -1})

	_, ok := c.Get(q)
	assert.False(t, ok)
}

func TestInvalidateByServiceTag(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	apiQ := testQuery("api", time.Hour)
	dbQ := testQuery("db", time.Hour)

	c.Set(apiQ, testResult(1), SetOptions{Priority: PriorityNormal})
	c.Set(dbQ, testResult(1), SetOptions{Priority: PriorityNormal})

	removed := c.InvalidateByTags([]string{"service:api"})
	assert.Equal(t, 1, removed)

	_, ok := c.Get(apiQ)
	assert.False(t, ok)
	_, ok = c.Get(dbQ)
	assert.True(t, ok)
}

func TestEvictionOrderPriorityThenRecency(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxBytes = 12 * 1024
	cfg.CompressionThreshold = 1 << 20 // keep entries uncompressed for sizing
	c := newTestCache(t, cfg)

	low := testQuery("low-svc", time.Hour)
	high := testQuery("high-svc", time.Hour)

	c.Set(low, testResult(20), SetOptions{Priority: PriorityLow})
	c.Set(high, testResult(20), SetOptions{Priority: PriorityHigh})

	// Touch the low entry so recency alone would keep it; priority must win.
	_, ok := c.Get(low)
	require.True(t, ok)

	// Force an eviction by inserting until the budget overflows.
	for i := 0; i < 4; i++ {
		c.Set(testQuery(fmt.Sprintf("filler-%d", i), time.Hour), testResult(20),
			SetOptions{Priority: PriorityNormal})
	}

	_, lowOK := c.Get(low)
	_, highOK := c.Get(high)
	assert.False(t, lowOK)
	assert.True(t, highOK)
	assert.Positive(t, c.Stats().Evictions)
}

func TestPromotionStaysWithinBudget(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxBytes = 8 * 1024
	cfg.L1Ratio = 0.9
	cfg.CompressionThreshold = 512
	c := newTestCache(t, cfg)

	// Fill L2 with compressed low-priority entries until the cache sits near
	// its budget. Each decoded result is several times its compressed size.
	queries := make([]*query.Query, 20)
	for i := range queries {
		queries[i] = testQuery(fmt.Sprintf("svc-%d", i), time.Hour)
		c.Set(queries[i], testResult(20), SetOptions{Priority: PriorityLow})
	}
	require.LessOrEqual(t, c.SizeBytes(), cfg.MaxBytes)

	// Reading an L2 entry promotes it, swapping the compressed footprint for
	// the decoded one. The growth must evict peers instead of overflowing.
	// The last entry set is the freshest, so the fill cannot have evicted it.
	last := queries[len(queries)-1]
	got, ok := c.Get(last)
	require.True(t, ok)
	assert.Equal(t, 20, got.Total)

	assert.LessOrEqual(t, c.SizeBytes(), cfg.MaxBytes)

	c.mu.RLock()
	_, inL1 := c.l1[Fingerprint(last)]
	c.mu.RUnlock()
	assert.True(t, inL1)
}

func TestClear(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	c.Set(testQuery("api", time.Hour), testResult(2), SetOptions{Priority: PriorityNormal})

	c.Clear()
	assert.Equal(t, 0, c.Stats().EntryCount)
	assert.Equal(t, int64(0), c.SizeBytes())
}

func TestMemoryPressureHalvesResidentSet(t *testing.T) {
	cfg := testCacheConfig()
	cfg.CompressionThreshold = 1 << 20
	c := newTestCache(t, cfg)

	for i := 0; i < 8; i++ {
		c.Set(testQuery(fmt.Sprintf("svc-%d", i), time.Hour), testResult(10),
			SetOptions{Priority: PriorityNormal})
	}
	before := c.SizeBytes()
	require.Positive(t, before)

	c.OnPressure(resource.PressureEvent{Kind: resource.PressureMemory, At: time.Now()})

	assert.LessOrEqual(t, c.SizeBytes(), before/2+1)
}
