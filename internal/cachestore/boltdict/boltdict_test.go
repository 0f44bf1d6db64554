package boltdict

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.RegisterPartition(ctx, "city_id", cachestore.Integer, cachestore.RegisterOptions{}); err != nil {
		t.Fatalf("RegisterPartition() error = %v", err)
	}
	ids := cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{1, 2, 3}}
	if err := s.PutSet(ctx, "city_id", "hash1", ids); err != nil {
		t.Fatalf("PutSet() error = %v", err)
	}

	res, err := s.Get(ctx, "city_id", "hash1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.Kind != cachestore.Set || res.Count != 3 {
		t.Fatalf("Get() = %+v, want Set of 3", res)
	}
}

func TestPutNullThenGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.RegisterPartition(ctx, "city_id", cachestore.Integer, cachestore.RegisterOptions{})

	if err := s.PutNull(ctx, "city_id", "hash2"); err != nil {
		t.Fatalf("PutNull() error = %v", err)
	}
	res, err := s.Get(ctx, "city_id", "hash2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.Kind != cachestore.NullMarker {
		t.Fatalf("Get() kind = %v, want NullMarker", res.Kind)
	}
}

func TestGetAbsent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.RegisterPartition(ctx, "city_id", cachestore.Integer, cachestore.RegisterOptions{})

	res, err := s.Get(ctx, "city_id", "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.Kind != cachestore.Absent {
		t.Fatalf("Get() kind = %v, want Absent", res.Kind)
	}
}

func TestIntersect(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.RegisterPartition(ctx, "city_id", cachestore.Integer, cachestore.RegisterOptions{})

	s.PutSet(ctx, "city_id", "a", cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{1, 2, 3}})
	s.PutSet(ctx, "city_id", "b", cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{2, 3, 4}})

	res, err := s.Intersect(ctx, "city_id", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Intersect() error = %v", err)
	}
	if res.Hits != 2 || res.IDs.Len() != 2 {
		t.Fatalf("Intersect() = %+v, want 2 hits, 2 ids", res)
	}
}

func TestDeleteAndFilterExisting(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.RegisterPartition(ctx, "city_id", cachestore.Integer, cachestore.RegisterOptions{})
	s.PutSet(ctx, "city_id", "a", cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{1}})

	existing, err := s.FilterExisting(ctx, "city_id", []string{"a", "b"})
	if err != nil {
		t.Fatalf("FilterExisting() error = %v", err)
	}
	if len(existing) != 1 || existing[0] != "a" {
		t.Fatalf("FilterExisting() = %v, want [a]", existing)
	}

	deleted, err := s.Delete(ctx, "city_id", "a")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !deleted {
		t.Error("Delete() = false, want true")
	}
}

func TestEvictRemovesOnlyStaleOKEntries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.RegisterPartition(ctx, "city_id", cachestore.Integer, cachestore.RegisterOptions{})

	s.PutSet(ctx, "city_id", "stale-ok", cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{1}})
	if err := s.PutStatus(ctx, "city_id", "stale-timeout", cachestore.StatusTimeout, "slow"); err != nil {
		t.Fatalf("PutStatus() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)

	s.PutSet(ctx, "city_id", "fresh-ok", cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{2}})

	removed, err := s.Evict(ctx, "city_id", "lru", cutoff)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Evict() removed = %d, want 1", removed)
	}
	if res, _ := s.Get(ctx, "city_id", "stale-ok"); res.Kind != cachestore.Absent {
		t.Errorf("stale-ok Kind = %v, want Absent after eviction", res.Kind)
	}
	if res, _ := s.Get(ctx, "city_id", "stale-timeout"); res.Kind == cachestore.Absent {
		t.Error("stale-timeout was evicted, want it preserved (I5: non-ok entries survive eviction)")
	}
	if res, _ := s.Get(ctx, "city_id", "fresh-ok"); res.Kind == cachestore.Absent {
		t.Error("fresh-ok was evicted, want it preserved (written after cutoff)")
	}
}

func TestRegisterPartitionDatatypeConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.RegisterPartition(ctx, "city_id", cachestore.Integer, cachestore.RegisterOptions{}); err != nil {
		t.Fatalf("RegisterPartition() error = %v", err)
	}
	err := s.RegisterPartition(ctx, "city_id", cachestore.Text, cachestore.RegisterOptions{})
	if err == nil {
		t.Fatal("RegisterPartition() with conflicting datatype: expected error")
	}
}
