package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/infrastructure/resource"
	"heimdall-backend/internal/observability"
)

// Priority orders eviction candidates. Higher priorities survive longer.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// SetOptions carry per-entry placement inputs.
type SetOptions struct {
	Priority Priority
	Tags     []string
	TTL      time.Duration // 0 means the configured default; negative means do not cache
}

// entry is one cached result. L1 entries hold the decoded result; L2 entries
// hold the (possibly compressed) encoded bytes.
type entry struct {
	fingerprint  string
	result       *query.Result // L1 only
	encoded      []byte        // L2 only
	compressed   bool
	level        int
	sizeBytes    int64
	priority     Priority
	tags         []string
	createdAt    time.Time
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

// Stats is the cache statistics snapshot.
type Stats struct {
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	L1Hits             int64   `json:"l1Hits"`
	L2Hits             int64   `json:"l2Hits"`
	Evictions          int64   `json:"evictions"`
	CompressionSavings int64   `json:"compressionSavingsBytes"`
	EntryCount         int     `json:"entryCount"`
	TotalBytes         int64   `json:"totalBytes"`
	HitRate            float64 `json:"hitRate"`
	L1HitRate          float64 `json:"l1HitRate"`
	L2HitRate          float64 `json:"l2HitRate"`
}

// Cache is the two-level query cache. The maps are guarded by an RW lock:
// reads take shared, sets and evictions take exclusive.
type Cache struct {
	cfg     config.CacheConfig
	logger  *zap.Logger
	metrics *observability.Collector

	mu       sync.RWMutex
	l1       map[string]*entry
	l2       map[string]*entry
	tagIndex map[string]map[string]struct{} // tag -> fingerprints
	l1Bytes  int64
	l2Bytes  int64

	hits, misses, l1Hits, l2Hits int64
	evictions                    int64
	compressionSavings           int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the cache and starts the TTL sweeper.
func New(cfg config.CacheConfig, metrics *observability.Collector, logger *zap.Logger) *Cache {
	c := &Cache{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		l1:       make(map[string]*entry),
		l2:       make(map[string]*entry),
		tagIndex: make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	go c.sweeper()
	return c
}

// SetDefaultTTL replaces the TTL applied to entries stored without an explicit
// one. Existing entries keep the expiry they were stored with.
func (c *Cache) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.cfg.DefaultTTL = ttl
	c.mu.Unlock()
}

// Get looks a query up: L1 first, then L2. L2 hits are decompressed and
// promoted to L1 when they fit and qualify. Expired entries are dropped on
// access.
func (c *Cache) Get(q *query.Query) (*query.Result, bool) {
	fp := Fingerprint(q)
	now := time.Now()

	c.mu.RLock()
	e, inL1 := c.l1[fp]
	if !inL1 {
		e = c.l2[fp]
	}
	expired := e != nil && now.After(e.expiresAt)
	c.mu.RUnlock()

	if e == nil || expired {
		c.mu.Lock()
		if expired {
			c.removeLocked(fp)
		}
		c.misses++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return nil, false
	}

	if inL1 {
		c.mu.Lock()
		e.lastAccessed = now
		e.accessCount++
		c.hits++
		c.l1Hits++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return e.result, true
	}

	// L2 hit: decode outside the lock.
	res, err := decodeResult(e.encoded, e.compressed)
	if err != nil {
		c.logger.Warn("cache entry decode failed, dropping", zap.String("fingerprint", fp), zap.Error(err))
		c.mu.Lock()
		c.removeLocked(fp)
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	e.lastAccessed = now
	e.accessCount++
	c.hits++
	c.l2Hits++
	c.promoteLocked(e, res)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return res, true
}

// Set stores a query result. Placement follows the rules: L1 when priority is
// HIGH or better, the entry is hot (access count > 3 on a previous
// generation), or it is small and L1 has budget; L2 otherwise, compressed
// over the threshold.
func (c *Cache) Set(q *query.Query, res *query.Result, opts SetOptions) {
	if opts.TTL < 0 {
		return // bypass: not cached
	}
	fp := Fingerprint(q)
	size := int64(res.SizeEstimate())
	now := time.Now()

	tags := append(DerivedTags(q), opts.Tags...)

	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}

	// Carry access history across generations of the same fingerprint.
	var prevAccess int64
	if old, ok := c.l1[fp]; ok {
		prevAccess = old.accessCount
	} else if old, ok := c.l2[fp]; ok {
		prevAccess = old.accessCount
	}
	c.removeLocked(fp)

	if !c.ensureSpaceLocked(size) {
		return // entry larger than the cache; skip
	}

	e := &entry{
		fingerprint:  fp,
		sizeBytes:    size,
		priority:     opts.Priority,
		tags:         tags,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		accessCount:  prevAccess,
	}

	l1Budget := int64(float64(c.cfg.MaxBytes) * c.cfg.L1Ratio)
	placeL1 := opts.Priority >= PriorityHigh ||
		prevAccess > 3 ||
		(size < int64(c.cfg.CompressionThreshold) && c.l1Bytes+size <= l1Budget)

	if placeL1 {
		e.level = 1
		e.result = res
		c.l1[fp] = e
		c.l1Bytes += size
	} else {
		encoded, compressed, savings := encodeResult(res, c.cfg.CompressionThreshold)
		e.level = 2
		e.encoded = encoded
		e.compressed = compressed
		e.sizeBytes = int64(len(encoded))
		c.compressionSavings += savings
		if !c.ensureSpaceLocked(e.sizeBytes) {
			return
		}
		c.l2[fp] = e
		c.l2Bytes += e.sizeBytes
	}

	for _, tag := range tags {
		fps, ok := c.tagIndex[tag]
		if !ok {
			fps = make(map[string]struct{})
			c.tagIndex[tag] = fps
		}
		fps[fp] = struct{}{}
	}
}

// InvalidateByTags removes every entry carrying any of the given tags.
func (c *Cache) InvalidateByTags(tags []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, tag := range tags {
		for fp := range c.tagIndex[tag] {
			c.removeLocked(fp)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1 = make(map[string]*entry)
	c.l2 = make(map[string]*entry)
	c.tagIndex = make(map[string]map[string]struct{})
	c.l1Bytes, c.l2Bytes = 0, 0
}

// Stats returns the statistics snapshot.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	s := Stats{
		Hits:               c.hits,
		Misses:             c.misses,
		L1Hits:             c.l1Hits,
		L2Hits:             c.l2Hits,
		Evictions:          c.evictions,
		CompressionSavings: c.compressionSavings,
		EntryCount:         len(c.l1) + len(c.l2),
		TotalBytes:         c.l1Bytes + c.l2Bytes,
	}
	if total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
		s.L1HitRate = float64(c.l1Hits) / float64(total)
		s.L2HitRate = float64(c.l2Hits) / float64(total)
	}
	return s
}

// SizeBytes implements resource.SizeReporter.
func (c *Cache) SizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.l1Bytes + c.l2Bytes
}

// OnPressure implements resource.PressureListener: under memory pressure the
// cache halves its resident set.
func (c *Cache) OnPressure(ev resource.PressureEvent) {
	if ev.Kind != resource.PressureMemory {
		return
	}
	c.mu.Lock()
	target := (c.l1Bytes + c.l2Bytes) / 2
	c.evictLocked((c.l1Bytes + c.l2Bytes) - target)
	c.mu.Unlock()
	c.logger.Info("cache reduced resident set under memory pressure",
		zap.Int64("targetBytes", target))
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// ============================================================================
// INTERNALS
// ============================================================================

// promoteLocked moves a decoded L2 entry into L1 when it fits and qualifies.
// Promotion swaps the compressed footprint for the decoded one, so the growth
// must clear the overall budget even for high-priority entries.
func (c *Cache) promoteLocked(e *entry, res *query.Result) {
	size := int64(res.SizeEstimate())
	l1Budget := int64(float64(c.cfg.MaxBytes) * c.cfg.L1Ratio)
	if c.l1Bytes+size > l1Budget && e.priority < PriorityHigh {
		return
	}
	if need := size - e.sizeBytes; need > 0 {
		if !c.ensureSpaceLocked(need) {
			return
		}
		// Making room shares the eviction pool with e itself.
		if _, ok := c.l2[e.fingerprint]; !ok {
			return
		}
	}

	delete(c.l2, e.fingerprint)
	c.l2Bytes -= e.sizeBytes

	e.level = 1
	e.result = res
	e.encoded = nil
	e.compressed = false
	e.sizeBytes = size
	c.l1[e.fingerprint] = e
	c.l1Bytes += size
}

// ensureSpaceLocked evicts until need bytes fit under MaxBytes. Returns false
// when the entry can never fit.
func (c *Cache) ensureSpaceLocked(need int64) bool {
	if need > c.cfg.MaxBytes {
		return false
	}
	over := (c.l1Bytes + c.l2Bytes + need) - c.cfg.MaxBytes
	if over > 0 {
		c.evictLocked(over)
	}
	return true
}

// evictLocked frees at least want bytes. L1 and L2 share one candidate pool
// ordered by (priority ascending, last accessed ascending), so a HIGH-priority
// L2 entry survives an eviction that removes a LOW-priority L1 entry.
func (c *Cache) evictLocked(want int64) {
	candidates := make([]*entry, 0, len(c.l1)+len(c.l2))
	for _, e := range c.l1 {
		candidates = append(candidates, e)
	}
	for _, e := range c.l2 {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})

	var freed int64
	for _, e := range candidates {
		if freed >= want {
			break
		}
		freed += e.sizeBytes
		c.removeLocked(e.fingerprint)
		c.evictions++
	}
}

// removeLocked deletes an entry from both levels and the tag index.
func (c *Cache) removeLocked(fp string) {
	if e, ok := c.l1[fp]; ok {
		delete(c.l1, fp)
		c.l1Bytes -= e.sizeBytes
		c.removeTagsLocked(e)
	}
	if e, ok := c.l2[fp]; ok {
		delete(c.l2, fp)
		c.l2Bytes -= e.sizeBytes
		c.removeTagsLocked(e)
	}
}

func (c *Cache) removeTagsLocked(e *entry) {
	for _, tag := range e.tags {
		if fps, ok := c.tagIndex[tag]; ok {
			delete(fps, e.fingerprint)
			if len(fps) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
}

// sweeper drops expired entries at the cleanup interval.
func (c *Cache) sweeper() {
	interval := c.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for fp, e := range c.l1 {
				if now.After(e.expiresAt) {
					c.removeLocked(fp)
				}
			}
			for fp, e := range c.l2 {
				if now.After(e.expiresAt) {
					c.removeLocked(fp)
				}
			}
			c.mu.Unlock()
		}
	}
}

// encodeResult serializes a result for L2, compressing with snappy when the
// raw encoding exceeds the threshold. Returns the stored bytes, whether they
// are compressed, and the bytes saved.
func encodeResult(res *query.Result, threshold int) ([]byte, bool, int64) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, false, 0
	}
	if threshold > 0 && len(raw) >= threshold {
		compressed := snappy.Encode(nil, raw)
		if len(compressed) < len(raw) {
			return compressed, true, int64(len(raw) - len(compressed))
		}
	}
	return raw, false, 0
}

func decodeResult(data []byte, compressed bool) (*query.Result, error) {
	raw := data
	if compressed {
		var err error
		raw, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, err
		}
	}
	var res query.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
