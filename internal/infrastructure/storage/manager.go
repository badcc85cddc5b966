// Package storage owns the tier registry, routes ingestion writes to the hot
// tier, fans queries out across the tiers a time range touches, and runs the
// lifecycle migrator that moves aging entries to colder tiers.
package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/persistence"
	"heimdall-backend/internal/infrastructure/resilience"
	"heimdall-backend/internal/observability"
)

// warmthOrder lists tiers warmest first. Dedup keeps the warmest copy of an id
// because the warmest tier is whichever wrote last.
var warmthOrder = []string{persistence.TierHot, persistence.TierWarm, persistence.TierCold}

// Manager routes writes and queries across registered tiers. The registry is
// fixed after Seal: registration happens during startup wiring only.
type Manager struct {
	cfg        config.StorageConfig
	breakerCfg config.BreakerConfig
	logger     *zap.Logger
	metrics    *observability.Collector
	now        func() time.Time

	mu       sync.RWMutex
	tiers    map[string]persistence.Adapter
	breakers map[string]*resilience.Breaker
	sealed   bool
}

// NewManager creates an empty tier registry.
func NewManager(cfg config.StorageConfig, breakerCfg config.BreakerConfig, metrics *observability.Collector, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		breakerCfg: breakerCfg,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		tiers:      make(map[string]persistence.Adapter),
		breakers:   make(map[string]*resilience.Breaker),
	}
}

// Register adds a tier. Each tier name registers exactly once, before Seal.
func (m *Manager) Register(adapter persistence.Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return errors.Internal(errors.CodeTierNotRegistered, "tier registry is sealed").
			WithResource(adapter.Name()).Build()
	}
	if _, exists := m.tiers[adapter.Name()]; exists {
		return errors.Conflict(errors.CodeTierNotRegistered, "tier already registered").
			WithResource(adapter.Name()).Build()
	}
	m.tiers[adapter.Name()] = adapter
	m.breakers[adapter.Name()] = resilience.NewBreaker("storage-"+adapter.Name(), m.breakerCfg, m.logger)
	return nil
}

// Seal freezes the registry. Called once wiring is complete.
func (m *Manager) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

func (m *Manager) tier(name string) (persistence.Adapter, *resilience.Breaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.tiers[name]
	if !ok {
		return nil, nil, errors.Internal(errors.CodeTierNotRegistered, "tier not registered").
			WithResource(name).Build()
	}
	return adapter, m.breakers[name], nil
}

// Breakers returns the per-tier breakers for health reporting.
func (m *Manager) Breakers() map[string]resilience.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := make(map[string]resilience.Snapshot, len(m.breakers))
	for name, b := range m.breakers {
		snaps[name] = b.Snapshot()
	}
	return snaps
}

// ============================================================================
// WRITE ROUTING
// ============================================================================

// Store writes one entry to the hot tier.
func (m *Manager) Store(ctx context.Context, e *logentry.Entry) error {
	return m.StoreBatch(ctx, []*logentry.Entry{e})
}

// StoreBatch writes a batch to the hot tier and returns once the hot write
// resolves. Colder tiers receive entries through migration, never at ingest.
func (m *Manager) StoreBatch(ctx context.Context, entries []*logentry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	adapter, breaker, err := m.tier(persistence.TierHot)
	if err != nil {
		return err
	}

	start := m.now()
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		return adapter.StoreBatch(ctx, entries)
	})
	m.observe(persistence.TierHot, "store_batch", start, err)
	return err
}

// ============================================================================
// QUERY ROUTING AND MERGE
// ============================================================================

type tierResult struct {
	tier     string
	result   *query.Result
	err      error
	took     time.Duration
	timedOut bool
}

// Query fans the query out to every tier its time range touches, at most
// MaxParallelTiers concurrently, and merges the partial results. A tier
// failure degrades the result unless the caller marked the query urgent, in
// which case the whole query fails.
func (m *Manager) Query(ctx context.Context, q *query.Query) (*query.Result, error) {
	plan := m.planTiers(q)
	if len(plan) == 0 {
		return &query.Result{Logs: []*logentry.Entry{}}, nil
	}

	// Each tier gets offset 0 and an inflated limit so the final merge can
	// apply pagination over the combined set. Aggregations cover the full
	// matched set, so when any are requested every tier must return every
	// matching entry for the merged aggregates to stay exact.
	tq := *q
	tq.Offset = 0
	if len(q.Aggregations) > 0 {
		tq.Limit = math.MaxInt32
	} else {
		tq.Limit = q.Offset + q.EffectiveLimit()
	}

	sem := make(chan struct{}, m.cfg.MaxParallelTiers)
	results := make([]tierResult, len(plan))
	var wg sync.WaitGroup
	for i, name := range plan {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = m.queryTier(ctx, name, &tq)
		}(i, name)
	}
	wg.Wait()

	return m.merge(q, results)
}

func (m *Manager) queryTier(ctx context.Context, name string, q *query.Query) tierResult {
	adapter, breaker, err := m.tier(name)
	if err != nil {
		return tierResult{tier: name, err: err}
	}

	tierCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.OperationTimeout > 0 {
		tierCtx, cancel = context.WithTimeout(ctx, m.cfg.OperationTimeout)
		defer cancel()
	}

	start := m.now()
	var res *query.Result
	err = breaker.Execute(tierCtx, func(ctx context.Context) error {
		var qerr error
		res, qerr = adapter.Query(ctx, q)
		return qerr
	})
	took := m.now().Sub(start)
	m.observe(name, "query", start, err)

	tr := tierResult{tier: name, result: res, err: err, took: took}
	if err != nil && tierCtx.Err() == context.DeadlineExceeded {
		tr.timedOut = true
	}
	return tr
}

// planTiers returns the tiers whose nominal windows intersect the query range,
// warmest first. Retention boundaries are fuzzy between migrator runs, so
// adjacent tiers overlap by design at the boundary.
func (m *Manager) planTiers(q *query.Query) []string {
	now := m.now()
	hotFloor := now.Add(-m.cfg.HotRetention)
	warmFloor := now.Add(-m.cfg.WarmRetention)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var plan []string
	for _, name := range warmthOrder {
		if _, ok := m.tiers[name]; !ok {
			continue
		}
		switch name {
		case persistence.TierHot:
			if !q.TimeRange.To.Before(hotFloor) {
				plan = append(plan, name)
			}
		case persistence.TierWarm:
			if !q.TimeRange.To.Before(warmFloor) && !q.TimeRange.From.After(hotFloor) {
				plan = append(plan, name)
			}
		case persistence.TierCold:
			if !q.TimeRange.From.After(warmFloor) {
				plan = append(plan, name)
			}
		}
	}
	return plan
}

// merge combines per-tier results: concatenate, dedupe by id warmest-wins,
// sort, paginate. Took aggregates as the max across tiers because the tiers
// ran in parallel.
func (m *Manager) merge(q *query.Query, results []tierResult) (*query.Result, error) {
	var (
		accessed   []string
		degraded   bool
		timedOut   bool
		maxTook    time.Duration
		total      int
		duplicates int
	)

	seen := make(map[string]struct{})
	var logs []*logentry.Entry

	// results arrive in plan order, which is warmth order, so the first
	// occurrence of an id is the warmest copy.
	for _, tr := range results {
		if tr.err != nil {
			if q.Hints.Urgent {
				return nil, errors.Wrap(tr.err, "storage.Query", "tier query failed for urgent query")
			}
			degraded = true
			timedOut = timedOut || tr.timedOut
			m.logger.Warn("tier query failed, returning degraded result",
				zap.String("tier", tr.tier), zap.Error(tr.err))
			continue
		}
		accessed = append(accessed, tr.tier)
		if tr.took > maxTook {
			maxTook = tr.took
		}
		total += tr.result.Total
		for _, e := range tr.result.Logs {
			if _, dup := seen[e.ID]; dup {
				duplicates++
				continue
			}
			seen[e.ID] = struct{}{}
			logs = append(logs, e)
		}
	}

	if len(accessed) == 0 && degraded {
		return nil, errors.Unavailable(errors.CodeStorageUnavailable, "every tier in the query plan failed").
			WithOperation("storage.Query").Build()
	}

	query.SortLogs(logs, q.Sort)
	aggs := query.Aggregate(logs, q.Aggregations)
	page := query.Paginate(logs, q.Offset, q.EffectiveLimit())
	if page == nil {
		page = []*logentry.Entry{}
	}

	return &query.Result{
		Logs:         page,
		Total:        total - duplicates,
		Aggregations: aggs,
		Performance: query.Performance{
			TookMS:          maxTook.Milliseconds(),
			TimedOut:        timedOut,
			StorageAccessed: accessed,
			Degraded:        degraded,
		},
	}, nil
}

// ============================================================================
// STATS AND LIFECYCLE
// ============================================================================

// Stats collects per-tier stats. A tier that fails to report appears with
// Healthy false rather than failing the whole call.
func (m *Manager) Stats(ctx context.Context) map[string]persistence.Stats {
	m.mu.RLock()
	tiers := make(map[string]persistence.Adapter, len(m.tiers))
	for name, a := range m.tiers {
		tiers[name] = a
	}
	m.mu.RUnlock()

	out := make(map[string]persistence.Stats, len(tiers))
	for name, adapter := range tiers {
		s, err := adapter.Stats(ctx)
		if err != nil {
			m.logger.Warn("tier stats unavailable", zap.String("tier", name), zap.Error(err))
			s = persistence.Stats{Tier: name, Healthy: false}
		}
		out[name] = s
	}
	return out
}

// Close shuts every adapter down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, adapter := range m.tiers {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "storage.Close", "failed to close tier "+name)
		}
	}
	return firstErr
}

func (m *Manager) observe(tier, op string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.metrics.TierOperations.WithLabelValues(tier, op, outcome).Inc()
	m.metrics.TierDuration.WithLabelValues(tier, op).Observe(m.now().Sub(start).Seconds())
}
