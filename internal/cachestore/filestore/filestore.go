// Package filestore implements a plain-filesystem Cache Store back-end
// (C3): one directory per partition key, one JSON file per fragment
// hash. Intended for local development and small deployments with no
// database or external cache dependency at all.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

type record struct {
	IsNull    bool                `json:"is_null"`
	Datatype  cachestore.Datatype `json:"datatype,omitempty"`
	Ints      []int64             `json:"ints,omitempty"`
	Floats    []float64           `json:"floats,omitempty"`
	Texts     []string            `json:"texts,omitempty"`
	Times     []time.Time         `json:"times,omitempty"`
	Status    cachestore.EntryStatus `json:"status"`
	SourceSQL string              `json:"source_sql,omitempty"`
	SeenAt    time.Time           `json:"seen_at"`
}

// Store is the filesystem-backed store, rooted at a base directory.
type Store struct {
	root string
	mu   sync.Mutex
}

var (
	_ cachestore.Store          = (*Store)(nil)
	_ cachestore.EvictableByAge = (*Store)(nil)
)

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pcerrors.Wrap("mkdir_root", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) partitionDir(partitionKey string) string {
	return filepath.Join(s.root, sanitize(partitionKey))
}

func (s *Store) entryPath(partitionKey, fragmentHash string) string {
	return filepath.Join(s.partitionDir(partitionKey), sanitize(fragmentHash)+".json")
}

func (s *Store) metaPath(partitionKey string) string {
	return filepath.Join(s.partitionDir(partitionKey), "_meta.json")
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

type meta struct {
	Datatype cachestore.Datatype `json:"datatype"`
}

func (s *Store) RegisterPartition(_ context.Context, partitionKey string, dt cachestore.Datatype, _ cachestore.RegisterOptions) error {
	if !dt.Valid() {
		return &pcerrors.InvalidDatatypeError{Datatype: string(dt)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.partitionDir(partitionKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pcerrors.Wrap("register_partition", partitionKey, err)
	}

	if existing, err := s.readMeta(partitionKey); err == nil && existing.Datatype != dt {
		return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(existing.Datatype), Requested: string(dt)}
	}

	buf, err := json.Marshal(meta{Datatype: dt})
	if err != nil {
		return pcerrors.Wrap("marshal_meta", partitionKey, err)
	}
	if err := os.WriteFile(s.metaPath(partitionKey), buf, 0o644); err != nil {
		return pcerrors.Wrap("write_meta", partitionKey, err)
	}
	return nil
}

func (s *Store) readMeta(partitionKey string) (meta, error) {
	buf, err := os.ReadFile(s.metaPath(partitionKey))
	if err != nil {
		return meta{}, err
	}
	var m meta
	err = json.Unmarshal(buf, &m)
	return m, err
}

func (s *Store) PutSet(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet) error {
	return s.write(partitionKey, fragmentHash, recordFromIDSet(ids, "", cachestore.StatusOK))
}

func (s *Store) PutNull(ctx context.Context, partitionKey, fragmentHash string) error {
	return s.write(partitionKey, fragmentHash, record{IsNull: true, Status: cachestore.StatusOK, SeenAt: time.Now()})
}

func (s *Store) PutEntry(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet, sourceSQL string) error {
	return s.write(partitionKey, fragmentHash, recordFromIDSet(ids, sourceSQL, cachestore.StatusOK))
}

func (s *Store) PutStatus(ctx context.Context, partitionKey, fragmentHash string, status cachestore.EntryStatus, message string) error {
	return s.write(partitionKey, fragmentHash, record{IsNull: true, Status: status, SourceSQL: message, SeenAt: time.Now()})
}

func recordFromIDSet(ids cachestore.IDSet, sourceSQL string, status cachestore.EntryStatus) record {
	return record{
		Datatype: ids.Datatype, Ints: ids.Ints, Floats: ids.Floats, Texts: ids.Texts, Times: ids.Times,
		Status: status, SourceSQL: sourceSQL, SeenAt: time.Now(),
	}
}

func (s *Store) write(partitionKey, fragmentHash string, r record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.partitionDir(partitionKey), 0o755); err != nil {
		return pcerrors.Wrap("write_entry", partitionKey, err)
	}
	buf, err := json.Marshal(r)
	if err != nil {
		return pcerrors.Wrap("marshal_entry", partitionKey, err)
	}
	tmp := s.entryPath(partitionKey, fragmentHash) + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return pcerrors.Wrap("write_entry", partitionKey, err)
	}
	if err := os.Rename(tmp, s.entryPath(partitionKey, fragmentHash)); err != nil {
		return pcerrors.Wrap("write_entry_rename", partitionKey, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, partitionKey, fragmentHash string) (cachestore.GetResult, error) {
	buf, err := os.ReadFile(s.entryPath(partitionKey, fragmentHash))
	if errors.Is(err, os.ErrNotExist) {
		return cachestore.GetResult{Kind: cachestore.Absent}, nil
	}
	if err != nil {
		return cachestore.GetResult{}, pcerrors.Wrap("get", partitionKey, err)
	}
	var r record
	if err := json.Unmarshal(buf, &r); err != nil {
		return cachestore.GetResult{}, pcerrors.Wrap("unmarshal_entry", partitionKey, err)
	}
	if r.IsNull {
		return cachestore.GetResult{Kind: cachestore.NullMarker, Status: r.Status, Source: r.SourceSQL, Seen: r.SeenAt}, nil
	}
	ids := cachestore.IDSet{Datatype: r.Datatype, Ints: r.Ints, Floats: r.Floats, Texts: r.Texts, Times: r.Times}
	return cachestore.GetResult{Kind: cachestore.Set, Status: r.Status, IDs: ids, Source: r.SourceSQL, Seen: r.SeenAt, Count: ids.Len()}, nil
}

func (s *Store) Exists(ctx context.Context, partitionKey, fragmentHash string) (bool, error) {
	res, err := s.Get(ctx, partitionKey, fragmentHash)
	if err != nil {
		return false, err
	}
	return res.Kind != cachestore.Absent, nil
}

func (s *Store) Delete(_ context.Context, partitionKey, fragmentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.entryPath(partitionKey, fragmentHash))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, pcerrors.Wrap("delete", partitionKey, err)
	}
	return true, nil
}

// Evict removes ok-status entries whose SeenAt predates olderThan
// (I5: failed/timeout entries are preserved). strategy is accepted
// for interface symmetry; this back-end tracks only SeenAt (last
// write), so "oldest" and "lru" evict identically here.
func (s *Store) Evict(ctx context.Context, partitionKey, strategy string, olderThan time.Time) (int, error) {
	hashes, err := s.AllKeys(ctx, partitionKey)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, h := range hashes {
		res, err := s.Get(ctx, partitionKey, h)
		if err != nil {
			return removed, err
		}
		if res.Status != cachestore.StatusOK || !res.Seen.Before(olderThan) {
			continue
		}
		if ok, err := s.Delete(ctx, partitionKey, h); err != nil {
			return removed, err
		} else if ok {
			removed++
		}
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
			out[i] = strconv.FormatInt(v, 10)
		}
		return out
	case cachestore.Float:
		out := make([]string, len(ids.Floats))
		for i, v := range ids.Floats {
			out[i] = strconv.FormatFloat(v, 'g', -1, 64)
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
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, pcerrors.Wrap("list_partitions", "", err)
	}
	var out []cachestore.PartitionInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.readMeta(e.Name())
		if err != nil {
			continue
		}
		out = append(out, cachestore.PartitionInfo{Name: e.Name(), Datatype: m.Datatype})
	}
	return out, nil
}

func (s *Store) AllKeys(_ context.Context, partitionKey string) ([]string, error) {
	entries, err := os.ReadDir(s.partitionDir(partitionKey))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, pcerrors.Wrap("all_keys", partitionKey, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == "_meta.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
