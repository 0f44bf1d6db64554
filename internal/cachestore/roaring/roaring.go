// Package roaring implements a compressed-bitmap Cache Store back-end
// (C3) for dense-ish integer identifier sets: each entry's IDSet is
// serialized as a RoaringBitmap and persisted as a BYTEA column.
// Intersection is computed client-side with the library's own
// And/AndCardinality — cheap relative to pgarray because the
// compressed representation stays small even for large ID spaces.
package roaring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

const maxIdentifierLength = 63

type partitionName string

func newPartitionName(key string) (partitionName, error) {
	p := partitionName("pc_roar_" + key)
	if !p.Valid() {
		return "", &pcerrors.InvalidIdentifierError{Name: key}
	}
	return p, nil
}

func (p partitionName) Valid() bool {
	s := string(p)
	if s == "" || len(s) > maxIdentifierLength {
		return false
	}
	first := s[0]
	return (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z') || first == '_'
}

func (p partitionName) Sanitize() string { return pgx.Identifier{string(p)}.Sanitize() }

// Store is the RoaringBitmap back-end. Like pgbits, it only supports
// Integer partition keys — the bitmap index IS the identifier.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

var (
	_ cachestore.Store          = (*Store)(nil)
	_ cachestore.EvictableByAge = (*Store)(nil)
)

func New(pool *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema}
}

func (s *Store) tableName(partitionKey string) (partitionName, error) {
	return newPartitionName(partitionKey)
}

func (s *Store) RegisterPartition(ctx context.Context, partitionKey string, dt cachestore.Datatype, _ cachestore.RegisterOptions) error {
	if dt != cachestore.Integer {
		return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(cachestore.Integer), Requested: string(dt)}
	}
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
		fragment_hash TEXT PRIMARY KEY,
		bitmap BYTEA,
		is_null BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'ok',
		source_sql TEXT,
		seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return pcerrors.Wrap("register_partition", partitionKey, err)
	}
	return nil
}

func toBitmap(ids []int64) (*roaring.Bitmap, error) {
	bm := roaring.New()
	for _, id := range ids {
		if id < 0 || id > 0xFFFFFFFF {
			return nil, &pcerrors.BitRangeError{Width: 1 << 32, ID: id}
		}
		bm.Add(uint32(id))
	}
	return bm, nil
}

func (s *Store) PutSet(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet) error {
	if ids.Datatype != cachestore.Integer {
		return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(cachestore.Integer), Requested: string(ids.Datatype)}
	}
	bm, err := toBitmap(ids.Ints)
	if err != nil {
		return err
	}
	buf, err := bm.ToBytes()
	if err != nil {
		return pcerrors.Wrap("serialize_bitmap", partitionKey, err)
	}
	return s.putEntry(ctx, partitionKey, fragmentHash, buf, "", cachestore.StatusOK)
}

func (s *Store) PutNull(ctx context.Context, partitionKey, fragmentHash string) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, nil, "", cachestore.StatusOK)
}

func (s *Store) PutEntry(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet, sourceSQL string) error {
	if ids.Datatype != cachestore.Integer {
		return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(cachestore.Integer), Requested: string(ids.Datatype)}
	}
	bm, err := toBitmap(ids.Ints)
	if err != nil {
		return err
	}
	buf, err := bm.ToBytes()
	if err != nil {
		return pcerrors.Wrap("serialize_bitmap", partitionKey, err)
	}
	return s.putEntry(ctx, partitionKey, fragmentHash, buf, sourceSQL, cachestore.StatusOK)
}

func (s *Store) PutStatus(ctx context.Context, partitionKey, fragmentHash string, status cachestore.EntryStatus, message string) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, nil, message, status)
}

func (s *Store) putEntry(ctx context.Context, partitionKey, fragmentHash string, bitmap []byte, sourceSQL string, status cachestore.EntryStatus) error {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return err
	}
	isNull := bitmap == nil
	q := fmt.Sprintf(`
		INSERT INTO %s.%s (fragment_hash, bitmap, is_null, status, source_sql, seen_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (fragment_hash) DO UPDATE SET
			bitmap = EXCLUDED.bitmap, is_null = EXCLUDED.is_null,
			status = EXCLUDED.status, source_sql = EXCLUDED.source_sql, seen_at = now()
	`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	if _, err := s.pool.Exec(ctx, q, fragmentHash, bitmap, isNull, string(status), sourceSQL); err != nil {
		return pcerrors.Wrap("put_entry", partitionKey, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, partitionKey, fragmentHash string) (cachestore.GetResult, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return cachestore.GetResult{}, err
	}
	q := fmt.Sprintf(`SELECT bitmap, is_null, status, source_sql FROM %s.%s WHERE fragment_hash = $1`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	var (
		buf    []byte
		isNull bool
		status string
		srcSQL *string
	)
	if err := s.pool.QueryRow(ctx, q, fragmentHash).Scan(&buf, &isNull, &status, &srcSQL); err != nil {
		if err == pgx.ErrNoRows {
			return cachestore.GetResult{Kind: cachestore.Absent}, nil
		}
		return cachestore.GetResult{}, pcerrors.Wrap("get", partitionKey, err)
	}
	if isNull {
		res := cachestore.GetResult{Kind: cachestore.NullMarker, Status: cachestore.EntryStatus(status)}
		if srcSQL != nil {
			res.Source = *srcSQL
		}
		return res, nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(buf); err != nil {
		return cachestore.GetResult{}, pcerrors.Wrap("deserialize_bitmap", partitionKey, err)
	}
	res := cachestore.GetResult{Kind: cachestore.Set, Status: cachestore.EntryStatus(status), IDs: bitmapToIDSet(bm)}
	if srcSQL != nil {
		res.Source = *srcSQL
	}
	res.Count = res.IDs.Len()
	return res, nil
}

func bitmapToIDSet(bm *roaring.Bitmap) cachestore.IDSet {
	ints := make([]int64, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ints = append(ints, int64(it.Next()))
	}
	return cachestore.IDSet{Datatype: cachestore.Integer, Ints: ints}
}

func (s *Store) Exists(ctx context.Context, partitionKey, fragmentHash string) (bool, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s.%s WHERE fragment_hash = $1)`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	var exists bool
	if err := s.pool.QueryRow(ctx, q, fragmentHash).Scan(&exists); err != nil {
		return false, pcerrors.Wrap("exists", partitionKey, err)
	}
	return exists, nil
}

func (s *Store) Delete(ctx context.Context, partitionKey, fragmentHash string) (bool, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`DELETE FROM %s.%s WHERE fragment_hash = $1`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	tag, err := s.pool.Exec(ctx, q, fragmentHash)
	if err != nil {
		return false, pcerrors.Wrap("delete", partitionKey, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Evict removes ok-status entries older than olderThan (I5). strategy
// is accepted for interface symmetry; this table tracks only seen_at
// (last write), so "oldest" and "lru" evict identically here.
func (s *Store) Evict(ctx context.Context, partitionKey, strategy string, olderThan time.Time) (int, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`DELETE FROM %s.%s WHERE status = 'ok' AND seen_at < $1`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	tag, err := s.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, pcerrors.Wrap("evict", partitionKey, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) FilterExisting(ctx context.Context, partitionKey string, hashes []string) ([]string, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT fragment_hash FROM %s.%s WHERE fragment_hash = ANY($1)`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	rows, err := s.pool.Query(ctx, q, hashes)
	if err != nil {
		return nil, pcerrors.Wrap("filter_existing", partitionKey, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Intersect fetches every bitmap and ANDs them client-side, in
// ascending cardinality order (cheapest first).
func (s *Store) Intersect(ctx context.Context, partitionKey string, hashes []string) (cachestore.IntersectResult, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return cachestore.IntersectResult{}, err
	}
	q := fmt.Sprintf(`SELECT bitmap, is_null FROM %s.%s WHERE fragment_hash = ANY($1)`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	rows, err := s.pool.Query(ctx, q, hashes)
	if err != nil {
		return cachestore.IntersectResult{}, pcerrors.Wrap("intersect", partitionKey, err)
	}
	defer rows.Close()

	var bitmaps []*roaring.Bitmap
	hits := 0
	for rows.Next() {
		var buf []byte
		var isNull bool
		if err := rows.Scan(&buf, &isNull); err != nil {
			return cachestore.IntersectResult{}, err
		}
		if isNull {
			continue
		}
		hits++
		bm := roaring.New()
		if err := bm.UnmarshalBinary(buf); err != nil {
			return cachestore.IntersectResult{}, pcerrors.Wrap("deserialize_bitmap", partitionKey, err)
		}
		bitmaps = append(bitmaps, bm)
	}
	if err := rows.Err(); err != nil {
		return cachestore.IntersectResult{}, err
	}
	if len(bitmaps) == 0 {
		return cachestore.IntersectResult{Hits: hits}, nil
	}

	sortByCardinality(bitmaps)
	merged := bitmaps[0].Clone()
	for _, bm := range bitmaps[1:] {
		merged.And(bm)
	}
	return cachestore.IntersectResult{IDs: bitmapToIDSet(merged), Hits: hits}, nil
}

// sortByCardinality insertion-sorts bitmaps ascending by cardinality
// so the intersection starts from the smallest set (§4.3).
func sortByCardinality(bitmaps []*roaring.Bitmap) {
	for i := 1; i < len(bitmaps); i++ {
		j := i
		for j > 0 && bitmaps[j-1].GetCardinality() > bitmaps[j].GetCardinality() {
			bitmaps[j-1], bitmaps[j] = bitmaps[j], bitmaps[j-1]
			j--
		}
	}
}

func (s *Store) ListPartitions(ctx context.Context) ([]cachestore.PartitionInfo, error) {
	q := `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_name LIKE 'pc_roar_%'`
	rows, err := s.pool.Query(ctx, q, s.schema)
	if err != nil {
		return nil, pcerrors.Wrap("list_partitions", "", err)
	}
	defer rows.Close()
	var out []cachestore.PartitionInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, cachestore.PartitionInfo{Name: strings.TrimPrefix(name, "pc_roar_"), Datatype: cachestore.Integer})
	}
	return out, rows.Err()
}

func (s *Store) AllKeys(ctx context.Context, partitionKey string) ([]string, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT fragment_hash FROM %s.%s`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, pcerrors.Wrap("all_keys", partitionKey, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return nil }
