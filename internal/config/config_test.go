package config

import (
	"testing"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PARTITIONCACHE_CACHE_DSN", "postgres://localhost/cache")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cache.Backend != "pgarray" {
		t.Errorf("Cache.Backend = %q, want pgarray", cfg.Cache.Backend)
	}
	if cfg.Processor.MaxParallelJobs != 4 {
		t.Errorf("Processor.MaxParallelJobs = %d, want 4", cfg.Processor.MaxParallelJobs)
	}
	if cfg.Decomposer.BucketSteps != 1.0 {
		t.Errorf("Decomposer.BucketSteps = %v, want 1.0", cfg.Decomposer.BucketSteps)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("PARTITIONCACHE_CACHE_BACKEND", "not-a-backend")
	t.Setenv("PARTITIONCACHE_CACHE_DSN", "postgres://localhost/cache")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() expected error for unknown backend")
	}
	if kind, ok := pcerrors.ClassifyKind(err); !ok || kind != pcerrors.KindConfig {
		t.Errorf("ClassifyKind() = %v, %v, want KindConfig, true", kind, ok)
	}
}

func TestLoadRequiresDSNForDBBackends(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("Load() expected error when cache DSN is missing for pgarray backend")
	}
}

func TestLoadRejectsInvalidSchedulerCron(t *testing.T) {
	t.Setenv("PARTITIONCACHE_CACHE_DSN", "postgres://localhost/cache")
	t.Setenv("PARTITIONCACHE_SCHEDULER_ENABLED", "true")
	t.Setenv("PARTITIONCACHE_SCHEDULER_FREQUENCY", "not a cron expression")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() expected error for an invalid scheduler cron expression")
	}
}

func TestLoadSchedulerDisabledSkipsCronValidation(t *testing.T) {
	t.Setenv("PARTITIONCACHE_CACHE_DSN", "postgres://localhost/cache")
	t.Setenv("PARTITIONCACHE_SCHEDULER_FREQUENCY", "not a cron expression")

	if _, err := Load(""); err != nil {
		t.Fatalf("Load() error = %v, want nil since scheduler.enabled defaults to false", err)
	}
}

func TestLoadBoltNeedsNoDSN(t *testing.T) {
	t.Setenv("PARTITIONCACHE_CACHE_BACKEND", "bolt")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.DSN != "" {
		t.Errorf("Cache.DSN = %q, want empty", cfg.Cache.DSN)
	}
}
