//go:build integration

package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
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

func TestManagerPushPopOriginal(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	schema := SchemaName(fmt.Sprintf("test_q_%d", os.Getpid()))
	mgr := NewManager(pool, schema)
	ctx := context.Background()

	pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema.Sanitize())
	defer pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema.Sanitize()+" CASCADE")

	if err := mgr.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	status, err := mgr.PushOriginal(ctx, OriginalItem{QueryText: "SELECT 1", PartitionKey: "city_id", Priority: 1})
	if err != nil {
		t.Fatalf("PushOriginal() error = %v", err)
	}
	if status != Inserted {
		t.Errorf("PushOriginal() status = %q, want inserted", status)
	}

	status, err = mgr.PushOriginal(ctx, OriginalItem{QueryText: "SELECT 1", PartitionKey: "city_id", Priority: 1})
	if err != nil {
		t.Fatalf("PushOriginal() (dup) error = %v", err)
	}
	if status != Bumped {
		t.Errorf("PushOriginal() (dup) status = %q, want bumped", status)
	}

	item, err := mgr.PopOriginal(ctx)
	if err != nil {
		t.Fatalf("PopOriginal() error = %v", err)
	}
	if item == nil {
		t.Fatal("PopOriginal() = nil, want an item")
	}
	if item.Priority < 2 {
		t.Errorf("PopOriginal() priority = %d, want >= 2", item.Priority)
	}

	if item2, err := mgr.PopOriginal(ctx); err != nil || item2 != nil {
		t.Errorf("PopOriginal() after claiming the only item = (%v, %v), want (nil, nil)", item2, err)
	}
}

func TestManagerLengthsAndClear(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	schema := SchemaName(fmt.Sprintf("test_q_%d", os.Getpid()+1))
	mgr := NewManager(pool, schema)
	ctx := context.Background()

	pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema.Sanitize())
	defer pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema.Sanitize()+" CASCADE")

	if err := mgr.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	mgr.PushOriginal(ctx, OriginalItem{QueryText: "SELECT 1", PartitionKey: "city_id", Priority: 1})
	mgr.PushFragments(ctx, []FragmentItem{{QueryText: "SELECT 1", FragmentHash: "h1", PartitionKey: "city_id", Priority: 1}})

	l, err := mgr.Lengths(ctx)
	if err != nil {
		t.Fatalf("Lengths() error = %v", err)
	}
	if l.Original != 1 || l.Fragment != 1 {
		t.Fatalf("Lengths() = %+v, want {1 1}", l)
	}

	if err := mgr.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	l, err = mgr.Lengths(ctx)
	if err != nil {
		t.Fatalf("Lengths() after clear error = %v", err)
	}
	if l.Original != 0 || l.Fragment != 0 {
		t.Fatalf("Lengths() after clear = %+v, want {0 0}", l)
	}
}

func TestManagerWaitTimesOutWithoutNotification(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	schema := SchemaName(fmt.Sprintf("test_q_%d", os.Getpid()+2))
	mgr := NewManager(pool, schema)
	ctx := context.Background()

	pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema.Sanitize())
	defer pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema.Sanitize()+" CASCADE")
	mgr.CreateSchema(ctx)

	start := time.Now()
	if err := mgr.WaitOriginal(ctx, 200*time.Millisecond); err != nil {
		t.Fatalf("WaitOriginal() error = %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("WaitOriginal() returned too early for an empty, silent queue")
	}
}
