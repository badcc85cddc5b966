// Package queryservice is the read front door: it validates queries, consults
// the two-level cache, fans out to tiered storage with a bounded retry budget,
// and attaches ML insights for callers that opted in.
package queryservice

import (
	"context"
	"time"

	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/cache"
	"heimdall-backend/internal/infrastructure/resilience"
	"heimdall-backend/internal/ml"
	"heimdall-backend/internal/observability"
)

// Storage is the tiered storage surface the service reads from.
type Storage interface {
	Query(ctx context.Context, q *query.Query) (*query.Result, error)
}

// ResultCache is the query cache surface.
type ResultCache interface {
	Get(q *query.Query) (*query.Result, bool)
	Set(q *query.Query, res *query.Result, opts cache.SetOptions)
}

// Limiter enforces the concurrent-query ceiling.
type Limiter interface {
	BeginQuery() error
	EndQuery()
}

// Service executes queries end to end.
type Service struct {
	cfg           config.QueryServiceConfig
	aggressiveTTL time.Duration
	storage       Storage
	cache         ResultCache
	limiter       Limiter
	insighter     ml.Insighter
	metrics       *observability.Collector
	logger        *zap.Logger
	now           func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Cache     ResultCache
	Limiter   Limiter
	Insighter ml.Insighter
}

// New creates the service. aggressiveTTL comes from the cache configuration so
// both sides agree on what "aggressive" means.
func New(cfg config.QueryServiceConfig, cacheCfg config.CacheConfig, storage Storage, opts Options, metrics *observability.Collector, logger *zap.Logger) *Service {
	return &Service{
		cfg:           cfg,
		aggressiveTTL: cacheCfg.AggressiveTTL,
		storage:       storage,
		cache:         opts.Cache,
		limiter:       opts.Limiter,
		insighter:     opts.Insighter,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// Execute runs one query: validate, cache lookup, storage fan-out, cache
// store. Cached results come back with the cacheHit performance flag set.
func (s *Service) Execute(ctx context.Context, q *query.Query) (*query.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	if q.TimeRange.From.After(now.Add(s.cfg.ClockSkewSlack)) {
		return nil, errors.Validation(errors.CodeInvalidTimeRange, "time range starts in the future").
			WithOperation("queryservice.Execute").Build()
	}

	if s.limiter != nil {
		if err := s.limiter.BeginQuery(); err != nil {
			return nil, err
		}
		defer s.limiter.EndQuery()
	}

	strategy := q.Hints.CacheStrategy
	if strategy == "" {
		strategy = query.CacheDefault
	}

	// The cache accounts its own hit/miss counters.
	if s.cache != nil && strategy != query.CacheBypass {
		if cached, ok := s.cache.Get(q); ok {
			out := *cached
			out.Performance.CacheHit = true
			return &out, nil
		}
	}

	start := s.now()
	var res *query.Result
	err := resilience.Retry(ctx, resilience.RetryPolicy{
		MaxAttempts: s.cfg.MaxAttempts,
		BaseDelay:   s.cfg.RetryBackoff,
		MaxDelay:    s.cfg.RetryBackoff * 4,
	}, func(ctx context.Context) error {
		var qerr error
		res, qerr = s.storage.Query(ctx, q)
		return qerr
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.QueriesExecuted.Inc()
		s.metrics.QueryTime.Observe(s.now().Sub(start).Seconds())
	}

	s.attachInsights(ctx, q, res)
	s.store(q, res, strategy, now)
	return res, nil
}

// attachInsights runs the insight hook best-effort for opted-in queries.
func (s *Service) attachInsights(ctx context.Context, q *query.Query, res *query.Result) {
	if !q.MLFeatures || s.insighter == nil {
		return
	}
	insights, err := s.insighter.Insights(ctx, q, res)
	if err != nil {
		s.logger.Warn("insight hook failed", zap.Error(err))
		return
	}
	res.Insights = insights
}

// store caches the result per strategy. Recent windows get a short TTL since
// new entries keep arriving for them; older windows are stable and keep the
// cache default.
func (s *Service) store(q *query.Query, res *query.Result, strategy query.CacheStrategy, now time.Time) {
	if s.cache == nil || strategy == query.CacheBypass {
		return
	}
	// Degraded results are not cached: a tier came back missing and the next
	// read should try again.
	if res.Performance.Degraded {
		return
	}

	opts := cache.SetOptions{
		Priority: cache.PriorityNormal,
		Tags:     cache.DerivedTags(q),
	}
	switch strategy {
	case query.CacheAggressive:
		opts.Priority = cache.PriorityHigh
		opts.TTL = s.aggressiveTTL
	default:
		if q.TimeRange.To.After(now.Add(-time.Hour)) {
			opts.TTL = s.cfg.RecentTTL
		}
	}
	if q.Hints.Urgent {
		opts.Priority = cache.PriorityHigh
	}
	s.cache.Set(q, res, opts)
}
