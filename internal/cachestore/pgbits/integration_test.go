//go:build integration

package pgbits

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
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

func TestEvictRemovesOnlyStaleOKEntries(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	defer pool.Close()
	s := New(pool, "public")
	partitionKey := "it_evict_city_id"
	t.Cleanup(func() {
		tbl, _ := s.tableName(partitionKey)
		pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS public.%s", tbl.Sanitize()))
	})

	if err := s.RegisterPartition(ctx, partitionKey, cachestore.Integer, cachestore.RegisterOptions{Width: 128}); err != nil {
		t.Fatalf("RegisterPartition() error = %v", err)
	}
	if err := s.PutSet(ctx, partitionKey, "stale-ok", cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{1}}); err != nil {
		t.Fatalf("PutSet(stale-ok) error = %v", err)
	}
	if err := s.PutStatus(ctx, partitionKey, "stale-failed", cachestore.StatusFailed, "boom"); err != nil {
		t.Fatalf("PutStatus(stale-failed) error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)

	if err := s.PutSet(ctx, partitionKey, "fresh-ok", cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{2}}); err != nil {
		t.Fatalf("PutSet(fresh-ok) error = %v", err)
	}

	removed, err := s.Evict(ctx, partitionKey, "oldest", cutoff)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Evict() removed = %d, want 1", removed)
	}
	if ok, _ := s.Exists(ctx, partitionKey, "stale-ok"); ok {
		t.Error("stale-ok still exists after eviction")
	}
	if ok, _ := s.Exists(ctx, partitionKey, "stale-failed"); !ok {
		t.Error("stale-failed was evicted, want it preserved (I5: non-ok entries survive eviction)")
	}
	if ok, _ := s.Exists(ctx, partitionKey, "fresh-ok"); !ok {
		t.Error("fresh-ok was evicted, want it preserved (written after cutoff)")
	}
}
