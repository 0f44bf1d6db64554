package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.RegisterPartition(ctx, "city_id", cachestore.Text, cachestore.RegisterOptions{}); err != nil {
		t.Fatalf("RegisterPartition() error = %v", err)
	}
	ids := cachestore.IDSet{Datatype: cachestore.Text, Texts: []string{"a", "b"}}
	if err := s.PutSet(ctx, "city_id", "h1", ids); err != nil {
		t.Fatalf("PutSet() error = %v", err)
	}
	res, err := s.Get(ctx, "city_id", "h1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.Kind != cachestore.Set || res.Count != 2 {
		t.Fatalf("Get() = %+v, want Set of 2", res)
	}
}

func TestGetAbsentPartition(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	res, err := s.Get(ctx, "nope", "h1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.Kind != cachestore.Absent {
		t.Fatalf("Get() kind = %v, want Absent", res.Kind)
	}
}

func TestIntersectSmallestFirstKeepsCommonElements(t *testing.T) {
	sets := [][]string{{"1", "2", "3"}, {"2", "3", "4", "5"}, {"2", "3"}}
	got := intersectSmallestFirst(sets)
	if len(got) != 2 {
		t.Fatalf("intersectSmallestFirst() = %v, want 2 elements", got)
	}
}

func TestEvictRemovesOnlyStaleOKEntries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.RegisterPartition(ctx, "city_id", cachestore.Text, cachestore.RegisterOptions{}); err != nil {
		t.Fatalf("RegisterPartition() error = %v", err)
	}
	ids := cachestore.IDSet{Datatype: cachestore.Text, Texts: []string{"a"}}
	if err := s.PutSet(ctx, "city_id", "stale-ok", ids); err != nil {
		t.Fatalf("PutSet(stale-ok) error = %v", err)
	}
	if err := s.PutStatus(ctx, "city_id", "stale-failed", cachestore.StatusFailed, "boom"); err != nil {
		t.Fatalf("PutStatus(stale-failed) error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)

	if err := s.PutSet(ctx, "city_id", "fresh-ok", ids); err != nil {
		t.Fatalf("PutSet(fresh-ok) error = %v", err)
	}

	removed, err := s.Evict(ctx, "city_id", "oldest", cutoff)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Evict() removed = %d, want 1", removed)
	}

	if res, _ := s.Get(ctx, "city_id", "stale-ok"); res.Kind != cachestore.Absent {
		t.Errorf("stale-ok Kind = %v, want Absent after eviction", res.Kind)
	}
	if res, _ := s.Get(ctx, "city_id", "stale-failed"); res.Kind == cachestore.Absent {
		t.Error("stale-failed was evicted, want it preserved (I5: failed entries survive eviction)")
	}
}

func TestSanitizeStripsUnsafeChars(t *testing.T) {
	got := sanitize("a/b..c")
	if got != "a_b__c" {
		t.Errorf("sanitize() = %q, want %q", got, "a_b__c")
	}
}
