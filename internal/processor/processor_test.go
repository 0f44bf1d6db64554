package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

// fakeStore is a minimal in-memory cachestore.Store used to observe
// what applyOutcome writes, without a real backing database.
type fakeStore struct {
	cachestore.Store
	puts     map[string]cachestore.IDSet
	nulls    []string
	statuses map[string]cachestore.EntryStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		puts:     map[string]cachestore.IDSet{},
		statuses: map[string]cachestore.EntryStatus{},
	}
}

func (f *fakeStore) PutNull(_ context.Context, _, fragmentHash string) error {
	f.nulls = append(f.nulls, fragmentHash)
	return nil
}

func (f *fakeStore) PutEntry(_ context.Context, _, fragmentHash string, ids cachestore.IDSet, _ string) error {
	f.puts[fragmentHash] = ids
	return nil
}

func (f *fakeStore) PutStatus(_ context.Context, _, fragmentHash string, status cachestore.EntryStatus, _ string) error {
	f.statuses[fragmentHash] = status
	return nil
}

// fakeQueue records acks/releases so tests can assert on them.
type fakeQueue struct {
	ackedFragments []string
}

func (f *fakeQueue) PopOriginal(context.Context) (*queue.OriginalItem, error) { return nil, nil }
func (f *fakeQueue) PopFragment(context.Context) (*queue.FragmentItem, error) { return nil, nil }
func (f *fakeQueue) PushFragments(context.Context, []queue.FragmentItem) ([]queue.PushStatus, error) {
	return nil, nil
}
func (f *fakeQueue) AckOriginal(context.Context, string, string) error { return nil }
func (f *fakeQueue) AckFragment(_ context.Context, fragmentHash, _ string) error {
	f.ackedFragments = append(f.ackedFragments, fragmentHash)
	return nil
}
func (f *fakeQueue) ReleaseOriginal(context.Context, string, string) error  { return nil }
func (f *fakeQueue) ReleaseFragment(context.Context, string, string) error { return nil }
func (f *fakeQueue) WaitOriginal(context.Context, time.Duration) error     { return nil }
func (f *fakeQueue) WaitFragment(context.Context, time.Duration) error     { return nil }

var (
	_ queueClient     = (*fakeQueue)(nil)
	_ cachestore.Store = (*fakeStore)(nil)
)

func testPoolFor(store *fakeStore, q *fakeQueue) *Pool {
	return &Pool{queue: q, store: store, log: zerolog.Nop()}
}

func TestApplyOutcomeRowsFound(t *testing.T) {
	store, q := newFakeStore(), &fakeQueue{}
	p := testPoolFor(store, q)
	item := queue.FragmentItem{FragmentHash: "h1", PartitionKey: "city_id"}

	p.applyOutcome(context.Background(), zerolog.Nop(), item, cachestore.IDSet{Datatype: cachestore.Integer, Ints: []int64{1, 2}}, nil)

	if got := store.puts["h1"]; got.Len() != 2 {
		t.Errorf("PutEntry ids = %+v, want len 2", got)
	}
	if len(q.ackedFragments) != 1 || q.ackedFragments[0] != "h1" {
		t.Errorf("AckFragment not called as expected: %v", q.ackedFragments)
	}
}

func TestApplyOutcomeNoRows(t *testing.T) {
	store, q := newFakeStore(), &fakeQueue{}
	p := testPoolFor(store, q)
	item := queue.FragmentItem{FragmentHash: "h2", PartitionKey: "city_id"}

	p.applyOutcome(context.Background(), zerolog.Nop(), item, cachestore.IDSet{Datatype: cachestore.Integer}, nil)

	if len(store.nulls) != 1 || store.nulls[0] != "h2" {
		t.Errorf("PutNull not called as expected: %v", store.nulls)
	}
}

func TestApplyOutcomeLimit(t *testing.T) {
	store, q := newFakeStore(), &fakeQueue{}
	p := testPoolFor(store, q)
	item := queue.FragmentItem{FragmentHash: "h3", PartitionKey: "city_id"}

	p.applyOutcome(context.Background(), zerolog.Nop(), item, cachestore.IDSet{}, &pcerrors.ExecutionLimitError{Limit: 100})

	if store.statuses["h3"] != cachestore.StatusLimit {
		t.Errorf("status = %q, want limit", store.statuses["h3"])
	}
}

func TestApplyOutcomeTimeout(t *testing.T) {
	store, q := newFakeStore(), &fakeQueue{}
	p := testPoolFor(store, q)
	item := queue.FragmentItem{FragmentHash: "h4", PartitionKey: "city_id"}

	p.applyOutcome(context.Background(), zerolog.Nop(), item, cachestore.IDSet{}, &pcerrors.ExecutionTimeoutError{})

	if store.statuses["h4"] != cachestore.StatusTimeout {
		t.Errorf("status = %q, want timeout", store.statuses["h4"])
	}
}

func TestApplyOutcomeFailed(t *testing.T) {
	store, q := newFakeStore(), &fakeQueue{}
	p := testPoolFor(store, q)
	item := queue.FragmentItem{FragmentHash: "h5", PartitionKey: "city_id"}

	p.applyOutcome(context.Background(), zerolog.Nop(), item, cachestore.IDSet{}, errors.New("dial tcp: connection refused"))

	if store.statuses["h5"] != cachestore.StatusFailed {
		t.Errorf("status = %q, want failed", store.statuses["h5"])
	}
}
