// Package boltdict implements an embedded, single-file Cache Store
// back-end (C3) on bbolt: one bucket per partition key, keys are
// fragment hashes, values are gob-encoded entries. Useful for a
// single-process deployment with no external database dependency.
package boltdict

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

var metaBucket = []byte("_meta")

// entry is the gob-encoded value stored per fragment hash.
type entry struct {
	IsNull    bool
	Datatype  cachestore.Datatype
	Ints      []int64
	Floats    []float64
	Texts     []string
	Times     []time.Time
	Status    cachestore.EntryStatus
	SourceSQL string
	SeenAt    time.Time
}

// Store is the bbolt-backed store, opened against a single file.
type Store struct {
	db *bbolt.DB
}

var (
	_ cachestore.Store          = (*Store)(nil)
	_ cachestore.EvictableByAge = (*Store)(nil)
)

// Open opens (creating if absent) a bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, pcerrors.Wrap("open", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		return nil, pcerrors.Wrap("init_meta", path, err)
	}
	return &Store{db: db}, nil
}

func bucketName(partitionKey string) []byte { return []byte("pk:" + partitionKey) }

func (s *Store) RegisterPartition(_ context.Context, partitionKey string, dt cachestore.Datatype, _ cachestore.RegisterOptions) error {
	if !dt.Valid() {
		return &pcerrors.InvalidDatatypeError{Datatype: string(dt)}
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		existing := meta.Get([]byte(partitionKey))
		if existing != nil && string(existing) != string(dt) {
			return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(existing), Requested: string(dt)}
		}
		if err := meta.Put([]byte(partitionKey), []byte(dt)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketName(partitionKey))
		return err
	})
}

func (s *Store) PutSet(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet) error {
	return s.putEntry(partitionKey, fragmentHash, entryFromIDSet(ids, "", cachestore.StatusOK))
}

func (s *Store) PutNull(ctx context.Context, partitionKey, fragmentHash string) error {
	return s.putEntry(partitionKey, fragmentHash, entry{IsNull: true, Status: cachestore.StatusOK, SeenAt: time.Now()})
}

func (s *Store) PutEntry(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet, sourceSQL string) error {
	return s.putEntry(partitionKey, fragmentHash, entryFromIDSet(ids, sourceSQL, cachestore.StatusOK))
}

func (s *Store) PutStatus(ctx context.Context, partitionKey, fragmentHash string, status cachestore.EntryStatus, message string) error {
	return s.putEntry(partitionKey, fragmentHash, entry{IsNull: true, Status: status, SourceSQL: message, SeenAt: time.Now()})
}

func entryFromIDSet(ids cachestore.IDSet, sourceSQL string, status cachestore.EntryStatus) entry {
	return entry{
		Datatype:  ids.Datatype,
		Ints:      ids.Ints,
		Floats:    ids.Floats,
		Texts:     ids.Texts,
		Times:     ids.Times,
		Status:    status,
		SourceSQL: sourceSQL,
		SeenAt:    time.Now(),
	}
}

func (s *Store) putEntry(partitionKey, fragmentHash string, e entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return pcerrors.Wrap("encode_entry", partitionKey, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(partitionKey))
		if b == nil {
			return fmt.Errorf("partition %q not registered", partitionKey)
		}
		return b.Put([]byte(fragmentHash), buf.Bytes())
	})
	if err != nil {
		return pcerrors.Wrap("put_entry", partitionKey, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, partitionKey, fragmentHash string) (cachestore.GetResult, error) {
	var e entry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(partitionKey))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(fragmentHash))
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&e)
	})
	if err != nil {
		return cachestore.GetResult{}, pcerrors.Wrap("get", partitionKey, err)
	}
	if !found {
		return cachestore.GetResult{Kind: cachestore.Absent}, nil
	}
	if e.IsNull {
		return cachestore.GetResult{Kind: cachestore.NullMarker, Status: e.Status, Source: e.SourceSQL, Seen: e.SeenAt}, nil
	}
	ids := cachestore.IDSet{Datatype: e.Datatype, Ints: e.Ints, Floats: e.Floats, Texts: e.Texts, Times: e.Times}
	return cachestore.GetResult{Kind: cachestore.Set, Status: e.Status, IDs: ids, Source: e.SourceSQL, Seen: e.SeenAt, Count: ids.Len()}, nil
}

func (s *Store) Exists(ctx context.Context, partitionKey, fragmentHash string) (bool, error) {
	res, err := s.Get(ctx, partitionKey, fragmentHash)
	if err != nil {
		return false, err
	}
	return res.Kind != cachestore.Absent, nil
}

func (s *Store) Delete(_ context.Context, partitionKey, fragmentHash string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(partitionKey))
		if b == nil {
			return nil
		}
		existed = b.Get([]byte(fragmentHash)) != nil
		return b.Delete([]byte(fragmentHash))
	})
	if err != nil {
		return false, pcerrors.Wrap("delete", partitionKey, err)
	}
	return existed, nil
}

// Evict removes ok-status entries whose SeenAt predates olderThan
// (I5: failed/timeout entries are preserved). strategy is accepted
// for interface symmetry; bbolt tracks only SeenAt (last write), so
// "oldest" and "lru" evict identically here.
func (s *Store) Evict(_ context.Context, partitionKey, strategy string, olderThan time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(partitionKey))
		if b == nil {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var e entry
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
				return err
			}
			if e.Status == cachestore.StatusOK && e.SeenAt.Before(olderThan) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, pcerrors.Wrap("evict", partitionKey, err)
	}
	return removed, nil
}

func (s *Store) FilterExisting(ctx context.Context, partitionKey string, hashes []string) ([]string, error) {
	var out []string
	for _, h := range hashes {
		ok, err := s.Exists(ctx, partitionKey, h)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// Intersect reads every entry's set into memory and intersects,
// smallest-first (§4.3); bbolt offers no server-side set algebra.
func (s *Store) Intersect(ctx context.Context, partitionKey string, hashes []string) (cachestore.IntersectResult, error) {
	var sets [][]string
	hits := 0
	for _, h := range hashes {
		res, err := s.Get(ctx, partitionKey, h)
		if err != nil {
			return cachestore.IntersectResult{}, err
		}
		if res.Kind != cachestore.Set {
			continue
		}
		hits++
		sets = append(sets, idSetToStrings(res.IDs))
	}
	if len(sets) == 0 {
		return cachestore.IntersectResult{Hits: hits}, nil
	}
	return cachestore.IntersectResult{IDs: cachestore.IDSet{Datatype: cachestore.Text, Texts: intersectSmallestFirst(sets)}, Hits: hits}, nil
}

func idSetToStrings(ids cachestore.IDSet) []string {
	switch ids.Datatype {
	case cachestore.Integer:
		out := make([]string, len(ids.Ints))
		for i, v := range ids.Ints {
			out[i] = fmt.Sprintf("%d", v)
		}
		return out
	case cachestore.Float:
		out := make([]string, len(ids.Floats))
		for i, v := range ids.Floats {
			out[i] = fmt.Sprintf("%g", v)
		}
		return out
	case cachestore.Timestamp:
		out := make([]string, len(ids.Times))
		for i, v := range ids.Times {
			out[i] = v.Format(time.RFC3339Nano)
		}
		return out
	default:
		return ids.Texts
	}
}

func intersectSmallestFirst(sets [][]string) []string {
	for i := 1; i < len(sets); i++ {
		j := i
		for j > 0 && len(sets[j-1]) > len(sets[j]) {
			sets[j-1], sets[j] = sets[j], sets[j-1]
			j--
		}
	}
	acc := map[string]int{}
	for _, v := range sets[0] {
		acc[v] = 1
	}
	for i := 1; i < len(sets); i++ {
		present := map[string]bool{}
		for _, v := range sets[i] {
			present[v] = true
		}
		for k, c := range acc {
			if present[k] {
				acc[k] = c + 1
			}
		}
	}
	var out []string
	for k, c := range acc {
		if c == len(sets) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) ListPartitions(_ context.Context) ([]cachestore.PartitionInfo, error) {
	var out []cachestore.PartitionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		return meta.ForEach(func(k, v []byte) error {
			out = append(out, cachestore.PartitionInfo{Name: string(k), Datatype: cachestore.Datatype(v)})
			return nil
		})
	})
	if err != nil {
		return nil, pcerrors.Wrap("list_partitions", "", err)
	}
	return out, nil
}

func (s *Store) AllKeys(_ context.Context, partitionKey string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(partitionKey))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, pcerrors.Wrap("all_keys", partitionKey, err)
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }
