// Package config provides typed configuration records for every component.
// Each record enumerates all recognized fields with defaults; configuration
// files are decoded strictly, so unknown fields are rejected rather than
// silently ignored.
package config

import (
	"fmt"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the root configuration record.
type Config struct {
	Environment Environment `yaml:"environment"`

	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Resources     ResourceConfig      `yaml:"resources"`
	Pool          PoolConfig          `yaml:"pool"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Subscriptions SubscriptionConfig  `yaml:"subscriptions"`
	QueryService  QueryServiceConfig  `yaml:"queryService"`
	Bus           BusConfig           `yaml:"bus"`
	HTTP          HTTPConfig          `yaml:"http"`
}

// StorageConfig configures the three tiers and the lifecycle migrator.
type StorageConfig struct {
	HotTableName      string        `yaml:"hotTableName"`
	HotEndpoint       string        `yaml:"hotEndpoint"` // STORAGE_HOT_URL, local override
	WarmURL           string        `yaml:"warmUrl"`     // STORAGE_WARM_URL, Postgres DSN
	ColdBucket        string        `yaml:"coldBucket"`  // STORAGE_COLD_BUCKET
	ColdRegion        string        `yaml:"coldRegion"`  // STORAGE_COLD_REGION
	HotRetention      time.Duration `yaml:"hotRetention"`
	WarmRetention     time.Duration `yaml:"warmRetention"`
	MigrationBatch    int           `yaml:"migrationBatch"`
	MigrationInterval time.Duration `yaml:"migrationInterval"`
	MaxParallelTiers  int           `yaml:"maxParallelTiers"`
	OperationTimeout  time.Duration `yaml:"operationTimeout"`
	RetryAttempts     int           `yaml:"retryAttempts"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
}

// CacheConfig configures the two-level query cache.
type CacheConfig struct {
	MaxBytes             int64         `yaml:"maxBytes"`
	L1Ratio              float64       `yaml:"l1Ratio"`
	CompressionThreshold int           `yaml:"compressionThreshold"`
	DefaultTTL           time.Duration `yaml:"defaultTtl"`
	AggressiveTTL        time.Duration `yaml:"aggressiveTtl"`
	CleanupInterval      time.Duration `yaml:"cleanupInterval"`
	CompressionTimeout   time.Duration `yaml:"compressionTimeout"`
}

// ResourceConfig configures the process-wide resource ceilings.
type ResourceConfig struct {
	MaxMemoryMB            int           `yaml:"maxMemoryMb"`
	MaxConnections         int           `yaml:"maxConnections"`
	MaxCacheBytes          int64         `yaml:"maxCacheBytes"`
	MaxConcurrentQueries   int           `yaml:"maxConcurrentQueries"`
	MaxStreamSubscriptions int           `yaml:"maxStreamSubscriptions"`
	MonitorInterval        time.Duration `yaml:"monitorInterval"`
	PressureRatio          float64       `yaml:"pressureRatio"`
}

// PoolConfig configures a connection pool instance.
type PoolConfig struct {
	MinSize              int           `yaml:"minSize"`
	MaxSize              int           `yaml:"maxSize"`
	AcquireTimeout       time.Duration `yaml:"acquireTimeout"`
	IdleTimeout          time.Duration `yaml:"idleTimeout"`
	MaxLifetime          time.Duration `yaml:"maxLifetime"`
	IdleValidationWindow time.Duration `yaml:"idleValidationWindow"`
}

// BreakerConfig configures a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failureThreshold"` // failure ratio in [0,1]
	VolumeThreshold  int           `yaml:"volumeThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	MonitoringWindow time.Duration `yaml:"monitoringWindow"`
	HalfOpenMaxCalls int           `yaml:"halfOpenMaxCalls"`
}

// IngestionConfig configures the ingestion pipeline.
type IngestionConfig struct {
	BatchSize      int           `yaml:"batchSize"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
	BufferCapacity int           `yaml:"bufferCapacity"`
	DeadLetterSize int           `yaml:"deadLetterSize"`
	BusRetryDelay  time.Duration `yaml:"busRetryDelay"`
}

// SubscriptionConfig configures the subscription manager.
type SubscriptionConfig struct {
	DefaultBufferSize int           `yaml:"defaultBufferSize"`
	MaxIdle           time.Duration `yaml:"maxIdle"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

// QueryServiceConfig configures the query front door.
type QueryServiceConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryBackoff   time.Duration `yaml:"retryBackoff"`
	RecentTTL      time.Duration `yaml:"recentTtl"` // results whose range ends within the last hour
	ClockSkewSlack time.Duration `yaml:"clockSkewSlack"`
}

// BusConfig configures the message bus adapter.
type BusConfig struct {
	Enabled      bool   `yaml:"enabled"`
	EventBusName string `yaml:"eventBusName"`
	Source       string `yaml:"source"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Default returns the full configuration with every default applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		Storage: StorageConfig{
			HotTableName:      "heimdall-logs",
			HotRetention:      7 * 24 * time.Hour,
			WarmRetention:     30 * 24 * time.Hour,
			MigrationBatch:    1000,
			MigrationInterval: 6 * time.Hour,
			MaxParallelTiers:  2,
			OperationTimeout:  30 * time.Second,
			RetryAttempts:     3,
			RetryBaseDelay:    100 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxBytes:             100 * 1024 * 1024,
			L1Ratio:              0.3,
			CompressionThreshold: 1024 * 1024,
			DefaultTTL:           5 * time.Minute,
			AggressiveTTL:        10 * time.Minute,
			CleanupInterval:      60 * time.Second,
			CompressionTimeout:   2 * time.Second,
		},
		Resources: ResourceConfig{
			MaxMemoryMB:            1024,
			MaxConnections:         100,
			MaxCacheBytes:          100 * 1024 * 1024,
			MaxConcurrentQueries:   50,
			MaxStreamSubscriptions: 500,
			MonitorInterval:        10 * time.Second,
			PressureRatio:          0.8,
		},
		Pool: PoolConfig{
			MinSize:              2,
			MaxSize:              10,
			AcquireTimeout:       30 * time.Second,
			IdleTimeout:          5 * time.Minute,
			MaxLifetime:          30 * time.Minute,
			IdleValidationWindow: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 0.5,
			VolumeThreshold:  10,
			ResetTimeout:     30 * time.Second,
			MonitoringWindow: 60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Ingestion: IngestionConfig{
			BatchSize:      100,
			FlushInterval:  time.Second,
			BufferCapacity: 10000,
			DeadLetterSize: 1000,
			BusRetryDelay:  5 * time.Second,
		},
		Subscriptions: SubscriptionConfig{
			DefaultBufferSize: 64,
			MaxIdle:           30 * time.Minute,
			SweepInterval:     time.Minute,
		},
		QueryService: QueryServiceConfig{
			MaxAttempts:    2,
			RetryBackoff:   500 * time.Millisecond,
			RecentTTL:      60 * time.Second,
			ClockSkewSlack: 5 * time.Minute,
		},
		Bus: BusConfig{
			Enabled:      false,
			EventBusName: "heimdall-events",
			Source:       "heimdall.ingestion",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
	}
}

// Validate checks cross-field invariants after loading.
func (c *Config) Validate() error {
	if c.Storage.MigrationBatch <= 0 {
		return fmt.Errorf("storage.migrationBatch must be positive")
	}
	if c.Storage.MaxParallelTiers <= 0 {
		return fmt.Errorf("storage.maxParallelTiers must be positive")
	}
	if c.Storage.HotRetention >= c.Storage.WarmRetention {
		return fmt.Errorf("hot retention (%s) must be shorter than warm retention (%s)",
			c.Storage.HotRetention, c.Storage.WarmRetention)
	}
	if c.Cache.L1Ratio <= 0 || c.Cache.L1Ratio >= 1 {
		return fmt.Errorf("cache.l1Ratio must be in (0,1)")
	}
	if c.Cache.MaxBytes > c.Resources.MaxCacheBytes {
		return fmt.Errorf("cache.maxBytes exceeds resources.maxCacheBytes")
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize <= 0 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool sizes invalid: min=%d max=%d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failureThreshold must be in (0,1]")
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker.halfOpenMaxCalls must be positive")
	}
	if c.Ingestion.BatchSize <= 0 || c.Ingestion.BufferCapacity < c.Ingestion.BatchSize {
		return fmt.Errorf("ingestion buffer capacity (%d) must hold at least one batch (%d)",
			c.Ingestion.BufferCapacity, c.Ingestion.BatchSize)
	}
	if c.Resources.PressureRatio <= 0 || c.Resources.PressureRatio >= 1 {
		return fmt.Errorf("resources.pressureRatio must be in (0,1)")
	}
	return nil
}
