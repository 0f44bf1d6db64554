package cachestore

import (
	"bytes"
	"context"
	"testing"
)

// memStore is a minimal in-memory Store used only to exercise
// Export/Import's generic round-trip logic against the Store
// interface, without any particular back-end encoding.
type memStore struct {
	entries map[string]GetResult
}

func newMemStore() *memStore { return &memStore{entries: map[string]GetResult{}} }

func (m *memStore) RegisterPartition(context.Context, string, Datatype, RegisterOptions) error {
	return nil
}
func (m *memStore) PutSet(ctx context.Context, _, fragmentHash string, ids IDSet) error {
	m.entries[fragmentHash] = GetResult{Kind: Set, IDs: ids, Status: StatusOK}
	return nil
}
func (m *memStore) PutNull(ctx context.Context, _, fragmentHash string) error {
	m.entries[fragmentHash] = GetResult{Kind: NullMarker, Status: StatusOK}
	return nil
}
func (m *memStore) PutEntry(ctx context.Context, _, fragmentHash string, ids IDSet, sourceSQL string) error {
	m.entries[fragmentHash] = GetResult{Kind: Set, IDs: ids, Status: StatusOK, Source: sourceSQL}
	return nil
}
func (m *memStore) PutStatus(ctx context.Context, _, fragmentHash string, status EntryStatus, message string) error {
	m.entries[fragmentHash] = GetResult{Kind: NullMarker, Status: status, Source: message}
	return nil
}
func (m *memStore) Get(ctx context.Context, _, fragmentHash string) (GetResult, error) {
	if r, ok := m.entries[fragmentHash]; ok {
		return r, nil
	}
	return GetResult{Kind: Absent}, nil
}
func (m *memStore) Exists(ctx context.Context, _, fragmentHash string) (bool, error) {
	_, ok := m.entries[fragmentHash]
	return ok, nil
}
func (m *memStore) Delete(ctx context.Context, _, fragmentHash string) (bool, error) {
	_, ok := m.entries[fragmentHash]
	delete(m.entries, fragmentHash)
	return ok, nil
}
func (m *memStore) FilterExisting(ctx context.Context, _ string, hashes []string) ([]string, error) {
	return nil, nil
}
func (m *memStore) Intersect(ctx context.Context, _ string, hashes []string) (IntersectResult, error) {
	return IntersectResult{}, nil
}
func (m *memStore) ListPartitions(ctx context.Context) ([]PartitionInfo, error) { return nil, nil }
func (m *memStore) AllKeys(ctx context.Context, _ string) ([]string, error) {
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out, nil
}
func (m *memStore) Close() error { return nil }

var _ Store = (*memStore)(nil)

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newMemStore()
	src.entries["h1"] = GetResult{Kind: Set, Status: StatusOK, IDs: IDSet{Datatype: Integer, Ints: []int64{1, 2, 3}}, Source: "SELECT city_id FROM t"}
	src.entries["h2"] = GetResult{Kind: NullMarker, Status: StatusOK}
	src.entries["h3"] = GetResult{Kind: NullMarker, Status: StatusTimeout, Source: "fragment execution timed out"}

	var buf bytes.Buffer
	n, err := Export(ctx, src, "city_id", &buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Export() n = %d, want 3", n)
	}

	dst := newMemStore()
	n, err = Import(ctx, dst, "city_id", Integer, &buf)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Import() n = %d, want 3", n)
	}

	got, err := dst.Get(ctx, "city_id", "h1")
	if err != nil {
		t.Fatalf("Get(h1) error = %v", err)
	}
	if got.Kind != Set || got.IDs.Len() != 3 || got.Source != "SELECT city_id FROM t" {
		t.Errorf("Get(h1) = %+v, want a 3-element set with source preserved", got)
	}

	got, err = dst.Get(ctx, "city_id", "h2")
	if err != nil {
		t.Fatalf("Get(h2) error = %v", err)
	}
	if got.Kind != NullMarker || got.Status != StatusOK {
		t.Errorf("Get(h2) = %+v, want ok null marker", got)
	}

	got, err = dst.Get(ctx, "city_id", "h3")
	if err != nil {
		t.Fatalf("Get(h3) error = %v", err)
	}
	if got.Status != StatusTimeout {
		t.Errorf("Get(h3).Status = %q, want timeout", got.Status)
	}
}

func TestStringsToIDSetRejectsUnknownDatatype(t *testing.T) {
	if _, err := stringsToIDSet(Datatype("bogus"), []string{"x"}); err == nil {
		t.Error("stringsToIDSet() error = nil, want an error for an unknown datatype")
	}
}
