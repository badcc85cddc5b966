package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, an optional YAML file, and the
// recognized environment variables (highest priority). The file is decoded
// strictly: unknown fields are an error.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// applyEnv overlays the enumerated environment variables. Unrecognized
// variables are ignored here; they are not part of the configuration surface.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(v)
	}

	// Backend endpoints
	setString(&cfg.Storage.HotEndpoint, "STORAGE_HOT_URL")
	setString(&cfg.Storage.WarmURL, "STORAGE_WARM_URL")
	setString(&cfg.Storage.ColdBucket, "STORAGE_COLD_BUCKET")
	setString(&cfg.Storage.ColdRegion, "STORAGE_COLD_REGION")
	setString(&cfg.Storage.HotTableName, "STORAGE_HOT_TABLE")

	// Lifecycle
	setDays(&cfg.Storage.HotRetention, "HOT_RETENTION_DAYS")
	setDays(&cfg.Storage.WarmRetention, "WARM_RETENTION_DAYS")
	setInt(&cfg.Storage.MigrationBatch, "MIGRATION_BATCH_SIZE")
	setHours(&cfg.Storage.MigrationInterval, "MIGRATION_INTERVAL_HOURS")

	// Resource ceilings
	setInt(&cfg.Resources.MaxMemoryMB, "MAX_MEMORY_MB")
	setInt(&cfg.Resources.MaxConnections, "MAX_CONNECTIONS")
	setInt(&cfg.Resources.MaxConcurrentQueries, "MAX_CONCURRENT_QUERIES")

	// Cache
	setInt64(&cfg.Cache.MaxBytes, "CACHE_MAX_BYTES")
	setMillis(&cfg.Cache.DefaultTTL, "CACHE_TTL_MS")
	setFloat(&cfg.Cache.L1Ratio, "CACHE_L1_RATIO")
	setIntFromInt64(&cfg.Cache.CompressionThreshold, "CACHE_COMPRESSION_THRESHOLD_BYTES")

	// Bus
	if v := os.Getenv("EVENT_BUS_NAME"); v != "" {
		cfg.Bus.EventBusName = v
		cfg.Bus.Enabled = true
	}
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setIntFromInt64(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDays(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * 24 * time.Hour
		}
	}
}

func setHours(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Hour
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
