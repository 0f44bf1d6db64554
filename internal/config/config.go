// Package config loads the process-wide environment mapping once at
// startup and converts it into explicit structs. Nothing downstream
// consults the environment directly — config is passed into
// constructors, never read from inside a library at random points
// (Design Notes, "No globally mutable singletons").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

// Recognized environment keys, documented here because viper will
// silently return zero values for anything misspelled.
const (
	KeyCacheBackend      = "partitioncache.cache_backend"
	KeyCacheDSN          = "partitioncache.cache_dsn"
	KeyCacheTablePrefix  = "partitioncache.cache_table_prefix"
	KeyBitstringWidth    = "partitioncache.bitstring_width"
	KeyDatasetDSN        = "partitioncache.dataset_dsn"
	KeyQueueDSN          = "partitioncache.queue_dsn"
	KeyQueueTablePrefix  = "partitioncache.queue_table_prefix"
	KeyMaxParallelJobs   = "partitioncache.processor.max_parallel_jobs"
	KeyProcessorFreq     = "partitioncache.processor.frequency"
	KeyProcessorTimeout  = "partitioncache.processor.timeout"
	KeyFragmentLimit     = "partitioncache.processor.row_limit"
	KeyEvictionStrategy  = "partitioncache.eviction.strategy"
	KeyEvictionThreshold = "partitioncache.eviction.threshold"
	KeyEvictionFrequency = "partitioncache.eviction.frequency"
	KeyBucketSteps       = "partitioncache.decomposer.bucket_steps"
	KeySchedulerEnabled  = "partitioncache.scheduler.enabled"
	KeySchedulerCron     = "partitioncache.scheduler.frequency"
	KeySchedulerDatabase = "partitioncache.scheduler.target_database"
	KeySchedulerPrefix   = "partitioncache.scheduler.table_prefix"
)

// CacheConfig describes how to reach the cache store.
type CacheConfig struct {
	Backend     string // "pgarray" | "pgbits" | "roaring" | "redis" | "bolt" | "file"
	DSN         string
	TablePrefix string
	// BitstringWidth is only consulted by the pgbits backend (I6).
	BitstringWidth int
}

// DatasetConfig describes the user's dataset database.
type DatasetConfig struct {
	DSN string
}

// QueueConfig describes the durable queue's backing store.
type QueueConfig struct {
	DSN         string
	TablePrefix string
}

// ProcessorConfig mirrors spec.md §3's ProcessorConfig entity.
type ProcessorConfig struct {
	Enabled         bool
	MaxParallelJobs int
	Frequency       time.Duration
	Timeout         time.Duration
	RowLimit        int
	TablePrefix     string
	TargetDatabase  string
}

// EvictionConfig configures the maintenance evictor (I5).
type EvictionConfig struct {
	Strategy  string // "oldest" | "lru"
	Threshold int
	Frequency time.Duration
}

// DecomposerConfig configures the fragment hasher's distance bucketing.
type DecomposerConfig struct {
	BucketSteps float64
}

// SchedulerConfig configures the in-database Scheduler Bridge (C8), the
// cron-driven alternative to a standing internal/processor.Pool. Frequency
// is a cron expression (spec §4.8), validated against robfig/cron/v3's
// standard parser rather than a fixed time.Duration.
type SchedulerConfig struct {
	Enabled        bool
	MaxParallelJobs int
	Frequency      string
	TargetDatabase string
	TablePrefix    string
}

// Config is the fully resolved, validated configuration for one
// process. Construct it once via Load and pass it down explicitly.
type Config struct {
	Cache      CacheConfig
	Dataset    DatasetConfig
	Queue      QueueConfig
	Processor  ProcessorConfig
	Scheduler  SchedulerConfig
	Eviction   EvictionConfig
	Decomposer DecomposerConfig
}

// Load reads the environment mapping (process env plus, if present,
// a dotenv-style file) and returns a validated Config. It is called
// exactly once, at process start.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyCacheBackend, "pgarray")
	v.SetDefault(KeyCacheTablePrefix, "pcache")
	v.SetDefault(KeyBitstringWidth, 100000)
	v.SetDefault(KeyQueueTablePrefix, "pcache_queue")
	v.SetDefault(KeyMaxParallelJobs, 4)
	v.SetDefault(KeyProcessorFreq, "5s")
	v.SetDefault(KeyProcessorTimeout, "5m")
	v.SetDefault(KeyFragmentLimit, 1_000_000)
	v.SetDefault(KeyEvictionStrategy, "oldest")
	v.SetDefault(KeyEvictionThreshold, 0)
	v.SetDefault(KeyEvictionFrequency, "1h")
	v.SetDefault(KeyBucketSteps, 1.0)
	v.SetDefault(KeySchedulerEnabled, false)
	v.SetDefault(KeySchedulerCron, "*/5 * * * *")
	v.SetDefault(KeySchedulerPrefix, "pcache")

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, &pcerrors.ConfigError{Op: "read_env_file", Option: envFile, Err: err}
		}
	}

	freq, err := time.ParseDuration(v.GetString(KeyProcessorFreq))
	if err != nil {
		return nil, &pcerrors.ConfigError{Op: "parse", Option: KeyProcessorFreq, Err: err}
	}
	timeout, err := time.ParseDuration(v.GetString(KeyProcessorTimeout))
	if err != nil {
		return nil, &pcerrors.ConfigError{Op: "parse", Option: KeyProcessorTimeout, Err: err}
	}
	evictFreq, err := time.ParseDuration(v.GetString(KeyEvictionFrequency))
	if err != nil {
		return nil, &pcerrors.ConfigError{Op: "parse", Option: KeyEvictionFrequency, Err: err}
	}

	cfg := &Config{
		Cache: CacheConfig{
			Backend:        v.GetString(KeyCacheBackend),
			DSN:            v.GetString(KeyCacheDSN),
			TablePrefix:    v.GetString(KeyCacheTablePrefix),
			BitstringWidth: v.GetInt(KeyBitstringWidth),
		},
		Dataset: DatasetConfig{DSN: v.GetString(KeyDatasetDSN)},
		Queue: QueueConfig{
			DSN:         v.GetString(KeyQueueDSN),
			TablePrefix: v.GetString(KeyQueueTablePrefix),
		},
		Processor: ProcessorConfig{
			Enabled:         true,
			MaxParallelJobs: v.GetInt(KeyMaxParallelJobs),
			Frequency:       freq,
			Timeout:         timeout,
			RowLimit:        v.GetInt(KeyFragmentLimit),
		},
		Eviction: EvictionConfig{
			Strategy:  v.GetString(KeyEvictionStrategy),
			Threshold: v.GetInt(KeyEvictionThreshold),
			Frequency: evictFreq,
		},
		Decomposer: DecomposerConfig{BucketSteps: v.GetFloat64(KeyBucketSteps)},
		Scheduler: SchedulerConfig{
			Enabled:         v.GetBool(KeySchedulerEnabled),
			MaxParallelJobs: v.GetInt(KeyMaxParallelJobs),
			Frequency:       v.GetString(KeySchedulerCron),
			TargetDatabase:  v.GetString(KeySchedulerDatabase),
			TablePrefix:     v.GetString(KeySchedulerPrefix),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "pgarray", "pgbits", "roaring", "redis", "bolt", "file":
	default:
		return &pcerrors.ConfigError{Op: "validate", Option: KeyCacheBackend,
			Err: fmt.Errorf("unknown backend %q", c.Cache.Backend)}
	}
	if c.Cache.Backend != "bolt" && c.Cache.Backend != "file" && c.Cache.DSN == "" {
		return &pcerrors.ConfigError{Op: "validate", Option: KeyCacheDSN, Err: fmt.Errorf("required for backend %q", c.Cache.Backend)}
	}
	if c.Processor.MaxParallelJobs < 1 {
		return &pcerrors.ConfigError{Op: "validate", Option: KeyMaxParallelJobs, Err: fmt.Errorf("must be >= 1")}
	}
	if c.Cache.Backend == "pgbits" && c.Cache.BitstringWidth < 1 {
		return &pcerrors.ConfigError{Op: "validate", Option: KeyBitstringWidth, Err: fmt.Errorf("must be >= 1")}
	}
	switch c.Eviction.Strategy {
	case "oldest", "lru":
	default:
		return &pcerrors.ConfigError{Op: "validate", Option: KeyEvictionStrategy, Err: fmt.Errorf("unknown strategy %q", c.Eviction.Strategy)}
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Frequency); err != nil {
			return &pcerrors.ConfigError{Op: "validate", Option: KeySchedulerCron, Err: err}
		}
	}
	return nil
}
