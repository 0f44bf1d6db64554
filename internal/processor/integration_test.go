//go:build integration

package processor

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	connStr := fmt.Sprintf(
		"host=%s port=%s database=%s user=%s password=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGDATABASE", "postgres"),
		getEnv("PGUSER", "postgres"),
		getEnv("PGPASSWORD", ""),
	)

	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return pool
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestActiveJobsClaimReleaseSweep(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	schema := queue.SchemaName(fmt.Sprintf("test_p_%d", os.Getpid()))
	ctx := context.Background()

	pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema.Sanitize())
	defer pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema.Sanitize()+" CASCADE")

	jobs := NewActiveJobs(pool, schema)
	if err := jobs.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	ok, err := jobs.Claim(ctx, "frag1", "city_id", "worker-a")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if !ok {
		t.Fatal("Claim() = false, want true for first claimant")
	}

	ok, err = jobs.Claim(ctx, "frag1", "city_id", "worker-b")
	if err != nil {
		t.Fatalf("Claim() (dup) error = %v", err)
	}
	if ok {
		t.Error("Claim() (dup) = true, want false since frag1/city_id already held")
	}

	if err := jobs.Release(ctx, "frag1", "city_id"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	ok, err = jobs.Claim(ctx, "frag1", "city_id", "worker-b")
	if err != nil {
		t.Fatalf("Claim() (after release) error = %v", err)
	}
	if !ok {
		t.Error("Claim() (after release) = false, want true")
	}
}

func TestActiveJobsSweepReclaimsStale(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	schema := queue.SchemaName(fmt.Sprintf("test_p_%d", os.Getpid()+1))
	ctx := context.Background()

	pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema.Sanitize())
	defer pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema.Sanitize()+" CASCADE")

	jobs := NewActiveJobs(pool, schema)
	if err := jobs.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	if _, err := jobs.Claim(ctx, "stale", "city_id", "worker-a"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	reclaimed, err := jobs.Sweep(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].FragmentHash != "stale" || reclaimed[0].PartitionKey != "city_id" {
		t.Errorf("Sweep() = %+v, want one reclaimed (stale, city_id)", reclaimed)
	}

	reclaimed, err = jobs.Sweep(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Sweep() (second) error = %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("Sweep() (second) = %+v, want none left to reclaim", reclaimed)
	}

	ok, err := jobs.Claim(ctx, "stale", "city_id", "worker-b")
	if err != nil {
		t.Fatalf("Claim() (after sweep) error = %v", err)
	}
	if !ok {
		t.Error("Claim() (after sweep) = false, want true since the row was swept")
	}
}
