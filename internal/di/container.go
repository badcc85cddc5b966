// Package di wires the application together: configuration, observability,
// storage tiers, the reliability core, and the services behind the HTTP
// surface. Construction order is explicit; shutdown runs in reverse.
package di

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/infrastructure/cache"
	"heimdall-backend/internal/infrastructure/messaging/eventbridge"
	"heimdall-backend/internal/infrastructure/persistence"
	"heimdall-backend/internal/infrastructure/persistence/cold"
	"heimdall-backend/internal/infrastructure/persistence/hot"
	"heimdall-backend/internal/infrastructure/persistence/warm"
	"heimdall-backend/internal/infrastructure/pool"
	"heimdall-backend/internal/infrastructure/resilience"
	"heimdall-backend/internal/infrastructure/resource"
	"heimdall-backend/internal/infrastructure/storage"
	"heimdall-backend/internal/ingestion"
	httpapi "heimdall-backend/internal/interfaces/http"
	"heimdall-backend/internal/ml"
	"heimdall-backend/internal/observability"
	"heimdall-backend/internal/queryservice"
	"heimdall-backend/internal/subscription"
	"heimdall-backend/pkg/api"
)

// Container holds every long-lived component of the process.
type Container struct {
	Config  *config.Config
	Watcher *config.Watcher
	Logger  *zap.Logger
	Metrics *observability.Collector

	Storage       *storage.Manager
	Migrator      *storage.Migrator
	WarmPool      *pool.Pool
	Cache         *cache.Cache
	Resources     *resource.Manager
	Subscriptions *subscription.Manager
	QueryService  *queryservice.Service
	Pipeline      *ingestion.Pipeline
	Bus           *eventbridge.Publisher
	Server        *httpapi.Server

	// shutdownFuncs run in reverse registration order.
	shutdownFuncs []func(context.Context) error
}

// NewContainer builds the full dependency graph from the environment.
func NewContainer(ctx context.Context) (*Container, error) {
	c := &Container{}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	c.Logger = logger
	c.onShutdown(func(context.Context) error {
		// Sync fails on some terminals; nothing actionable.
		_ = logger.Sync()
		return nil
	})

	c.Metrics = observability.NewCollector("heimdall")

	watcher, err := config.NewWatcher(cfg, os.Getenv("CONFIG_FILE"), logger)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	c.Watcher = watcher
	c.onShutdown(func(context.Context) error {
		watcher.Stop()
		return nil
	})

	if err := c.buildStorage(ctx); err != nil {
		return nil, err
	}
	c.buildServices()
	c.buildHTTP()

	watcher.OnReload(func(next *config.Config) {
		c.Migrator.SetInterval(next.Storage.MigrationInterval)
		c.Cache.SetDefaultTTL(next.Cache.DefaultTTL)
	})

	return c, nil
}

// ============================================================================
// STORAGE TIERS
// ============================================================================

func (c *Container) buildStorage(ctx context.Context) error {
	cfg := c.Config

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	manager := storage.NewManager(cfg.Storage, cfg.Breaker, c.Metrics, c.Logger)

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Storage.HotEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.HotEndpoint)
		}
	})
	hotTier := hot.New(dynamoClient, cfg.Storage.HotTableName, cfg.Storage.HotRetention, c.Logger)
	if err := manager.Register(hotTier); err != nil {
		return err
	}

	if cfg.Storage.WarmURL != "" {
		warmTier, err := warm.Open(ctx, cfg.Storage.WarmURL, c.Logger)
		if err != nil {
			return fmt.Errorf("open warm tier: %w", err)
		}
		// The warm tier runs on pooled connections so its traffic counts
		// against the global connection ceiling and drains under pressure.
		poolBreaker := resilience.NewBreaker("warm-pool", cfg.Breaker, c.Logger)
		c.WarmPool = pool.New("warm-db", cfg.Pool, warmTier.ConnFactory(), poolBreaker, c.Metrics, c.Logger)
		warmTier.UsePool(c.WarmPool)
		if err := manager.Register(warmTier); err != nil {
			return err
		}
	} else {
		c.Logger.Warn("warm tier disabled, no connection string configured")
	}

	if cfg.Storage.ColdBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.ColdRegion != "" {
				o.Region = cfg.Storage.ColdRegion
			}
		})
		coldTier := cold.New(s3Client, cfg.Storage.ColdBucket, c.Logger)
		if err := manager.Register(coldTier); err != nil {
			return err
		}
	} else {
		c.Logger.Warn("cold tier disabled, no bucket configured")
	}

	manager.Seal()
	c.Storage = manager
	c.onShutdown(func(context.Context) error { return manager.Close() })

	migrator := storage.NewMigrator(manager, cfg.Storage, c.Metrics, c.Logger)
	migrator.Start()
	c.Migrator = migrator
	c.onShutdown(func(context.Context) error {
		migrator.Stop()
		return nil
	})

	if cfg.Bus.Enabled {
		busClient := awseventbridge.NewFromConfig(awsCfg)
		c.Bus = eventbridge.NewPublisher(busClient, cfg.Bus, c.Logger)
	}

	return nil
}

// ============================================================================
// SERVICES
// ============================================================================

func (c *Container) buildServices() {
	cfg := c.Config

	c.Cache = cache.New(cfg.Cache, c.Metrics, c.Logger)
	c.onShutdown(func(context.Context) error {
		c.Cache.Close()
		return nil
	})

	c.Resources = resource.NewManager(cfg.Resources, c.Logger)
	c.Resources.AddSizeReporter(c.Cache)
	c.Resources.AddListener(c.Cache)
	if c.WarmPool != nil {
		c.Resources.RegisterPool(c.WarmPool)
	}
	c.onShutdown(func(context.Context) error { return c.Resources.Shutdown() })

	// Subscriptions backfill history straight from storage so a burst of new
	// subscribers cannot churn the query cache.
	c.Subscriptions = subscription.NewManager(cfg.Subscriptions, c.Storage, c.Resources, c.Metrics, c.Logger)
	c.Subscriptions.Start()
	c.onShutdown(func(context.Context) error {
		c.Subscriptions.Stop()
		return nil
	})

	c.QueryService = queryservice.New(cfg.QueryService, cfg.Cache, c.Storage, queryservice.Options{
		Cache:     c.Cache,
		Limiter:   c.Resources,
		Insighter: ml.HeuristicInsighter{},
	}, c.Metrics, c.Logger)

	pipelineOpts := ingestion.Options{
		Dispatcher:  c.Subscriptions,
		Invalidator: c.Cache,
		Enricher:    ml.HeuristicEnricher{},
	}
	if c.Bus != nil {
		pipelineOpts.Bus = c.Bus
	}
	c.Pipeline = ingestion.New(cfg.Ingestion, cfg.Breaker, c.Storage, pipelineOpts, c.Metrics, c.Logger)
	c.Pipeline.Start()
	c.onShutdown(func(context.Context) error {
		c.Pipeline.Stop()
		return nil
	})
}

// ============================================================================
// HTTP SURFACE
// ============================================================================

func (c *Container) buildHTTP() {
	handler := httpapi.NewHandler(c.Pipeline, c.QueryService, c.Subscriptions, c.healthReport, c.Logger)
	c.Server = httpapi.NewServer(c.Config.HTTP, handler, c.Metrics, c.Logger)
	c.onShutdown(func(ctx context.Context) error { return c.Server.Shutdown(ctx) })
}

// healthReport composes the component health view. The hot tier is the only
// component whose failure takes the whole service down: without it neither
// ingestion nor recent queries can succeed.
func (c *Container) healthReport(ctx context.Context) api.HealthResponse {
	components := make(map[string]api.ComponentStatus)
	overall := api.StatusHealthy
	degrade := func() {
		if overall == api.StatusHealthy {
			overall = api.StatusDegraded
		}
	}

	for name, stats := range c.Storage.Stats(ctx) {
		status := api.StatusHealthy
		detail := fmt.Sprintf("%d entries", stats.EntryCount)
		if !stats.Healthy {
			status = api.StatusDown
			detail = "tier unreachable"
			if name == persistence.TierHot {
				overall = api.StatusDown
			} else {
				degrade()
			}
		}
		components["storage:"+name] = api.ComponentStatus{Status: status, Detail: detail}
	}

	breakers := c.Storage.Breakers()
	for name, snap := range c.Pipeline.Breakers() {
		breakers[name] = snap
	}
	for name, snap := range breakers {
		status := api.StatusHealthy
		if snap.State == resilience.StateOpen.String() {
			status = api.StatusDegraded
			degrade()
		}
		components["breaker:"+name] = api.ComponentStatus{Status: status, Detail: snap.State}
	}

	cacheStats := c.Cache.Stats()
	components["cache"] = api.ComponentStatus{
		Status: api.StatusHealthy,
		Detail: fmt.Sprintf("%d entries, %.0f%% hit rate", cacheStats.EntryCount, cacheStats.HitRate*100),
	}

	components["subscriptions"] = api.ComponentStatus{
		Status: api.StatusHealthy,
		Detail: fmt.Sprintf("%d active", c.Subscriptions.Count()),
	}

	if depth := c.Pipeline.DeadLetterDepth(); depth > 0 {
		degrade()
		components["dead_letter"] = api.ComponentStatus{
			Status: api.StatusDegraded,
			Detail: fmt.Sprintf("%d batches awaiting redelivery", depth),
		}
	}

	return api.HealthResponse{Status: overall, Components: components, Version: buildVersion()}
}

// buildVersion resolves the version reported by the health endpoint from the
// embedded build info, falling back to the VCS revision for untagged builds.
func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			return v
		}
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				return s.Value[:12]
			}
		}
	}
	return "dev"
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func (c *Container) onShutdown(fn func(context.Context) error) {
	c.shutdownFuncs = append(c.shutdownFuncs, fn)
}

// Shutdown tears the process down in reverse construction order: the HTTP
// listener drains first so no new work arrives while the pipeline flushes.
func (c *Container) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(c.shutdownFuncs) - 1; i >= 0; i-- {
		if err := c.shutdownFuncs[i](ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.Logger.Error("shutdown step failed", zap.Error(err))
		}
	}
	return firstErr
}

func newLogger(env config.Environment) (*zap.Logger, error) {
	if env == config.Production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
