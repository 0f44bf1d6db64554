// Package pgbits implements the fixed-width bitstring Cache Store
// back-end (C3): one table per partition key, one row per fragment
// hash, the identifier set stored as a Postgres varbit(width) column
// where bit i means "identifier i is present". Intersection is a
// single bitwise AND aggregate (C4), the cheapest of the back-ends.
package pgbits

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

const maxIdentifierLength = 63

type partitionName string

func newPartitionName(key string) (partitionName, error) {
	p := partitionName("pc_bits_" + key)
	if !partitionName(key).Valid() || !p.Valid() {
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

// Store is the fixed-width bitstring back-end. Only Integer partition
// keys are supported: the identifier space must be dense and bounded
// (I6).
type Store struct {
	pool   *pgxpool.Pool
	schema string

	mu      sync.RWMutex
	widths  map[string]int // partition key -> current width, cached
}

var (
	_ cachestore.Store           = (*Store)(nil)
	_ cachestore.LazyIntersector = (*Store)(nil)
	_ cachestore.EvictableByAge = (*Store)(nil)
)

func New(pool *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema, widths: make(map[string]int)}
}

func (s *Store) tableName(partitionKey string) (partitionName, error) {
	return newPartitionName(partitionKey)
}

// RegisterPartition creates the table with the requested bit width.
// Only Integer is supported; any other datatype is a DatatypeConflict.
func (s *Store) RegisterPartition(ctx context.Context, partitionKey string, dt cachestore.Datatype, opts cachestore.RegisterOptions) error {
	if dt != cachestore.Integer {
		return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(cachestore.Integer), Requested: string(dt)}
	}
	width := opts.Width
	if width <= 0 {
		width = 100000
	}
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
		fragment_hash TEXT PRIMARY KEY,
		bits VARBIT(%d),
		is_null BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'ok',
		source_sql TEXT,
		seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize(), width)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return pcerrors.Wrap("register_partition", partitionKey, err)
	}

	s.mu.Lock()
	s.widths[partitionKey] = width
	s.mu.Unlock()
	return nil
}

// width returns the cached width for partitionKey, loading it from
// the information schema on first use.
func (s *Store) width(ctx context.Context, partitionKey string) (int, error) {
	s.mu.RLock()
	w, ok := s.widths[partitionKey]
	s.mu.RUnlock()
	if ok {
		return w, nil
	}

	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return 0, err
	}
	q := `SELECT character_maximum_length FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = 'bits'`
	var width int
	if err := s.pool.QueryRow(ctx, q, s.schema, string(tbl)).Scan(&width); err != nil {
		return 0, pcerrors.Wrap("load_width", partitionKey, err)
	}
	s.mu.Lock()
	s.widths[partitionKey] = width
	s.mu.Unlock()
	return width, nil
}

// RewriteWidth grows the bit width for an existing partition key (I6).
// It takes an advisory lock on the partition key's hash to serialize
// concurrent readers/writers with the rewrite, per the spec's "atomic
// width-rewrite barrier" requirement: no writer may append to the old
// width while the ALTER is in flight.
func (s *Store) RewriteWidth(ctx context.Context, partitionKey string, newWidth int) error {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pcerrors.Wrap("rewrite_width_begin", partitionKey, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "pgbits:"+partitionKey); err != nil {
		return pcerrors.Wrap("rewrite_width_lock", partitionKey, err)
	}

	alter := fmt.Sprintf(`ALTER TABLE %s.%s ALTER COLUMN bits TYPE VARBIT(%d) USING (bits || REPEAT('0', %d)::VARBIT)`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize(), newWidth, newWidth)
	if _, err := tx.Exec(ctx, alter); err != nil {
		return pcerrors.Wrap("rewrite_width_alter", partitionKey, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pcerrors.Wrap("rewrite_width_commit", partitionKey, err)
	}

	s.mu.Lock()
	s.widths[partitionKey] = newWidth
	s.mu.Unlock()
	return nil
}

func bitstring(ids []int64, width int) (string, error) {
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = '0'
	}
	for _, id := range ids {
		if id < 0 || int(id) >= width {
			return "", nil // caller checks range beforehand via BitRangeError
		}
		buf[id] = '1'
	}
	return string(buf), nil
}

func (s *Store) PutSet(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet) error {
	if ids.Datatype != cachestore.Integer {
		return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(cachestore.Integer), Requested: string(ids.Datatype)}
	}
	width, err := s.width(ctx, partitionKey)
	if err != nil {
		return err
	}
	for _, id := range ids.Ints {
		if id < 0 || int(id) >= width {
			return &pcerrors.BitRangeError{PartitionKey: partitionKey, Width: width, ID: id}
		}
	}
	bits, _ := bitstring(ids.Ints, width)
	return s.putEntry(ctx, partitionKey, fragmentHash, &bits, "", cachestore.StatusOK)
}

func (s *Store) PutNull(ctx context.Context, partitionKey, fragmentHash string) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, nil, "", cachestore.StatusOK)
}

func (s *Store) PutEntry(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet, sourceSQL string) error {
	if ids.Datatype != cachestore.Integer {
		return &pcerrors.DatatypeConflictError{PartitionKey: partitionKey, Registered: string(cachestore.Integer), Requested: string(ids.Datatype)}
	}
	width, err := s.width(ctx, partitionKey)
	if err != nil {
		return err
	}
	for _, id := range ids.Ints {
		if id < 0 || int(id) >= width {
			return &pcerrors.BitRangeError{PartitionKey: partitionKey, Width: width, ID: id}
		}
	}
	bits, _ := bitstring(ids.Ints, width)
	return s.putEntry(ctx, partitionKey, fragmentHash, &bits, sourceSQL, cachestore.StatusOK)
}

func (s *Store) PutStatus(ctx context.Context, partitionKey, fragmentHash string, status cachestore.EntryStatus, message string) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, nil, message, status)
}

func (s *Store) putEntry(ctx context.Context, partitionKey, fragmentHash string, bits *string, sourceSQL string, status cachestore.EntryStatus) error {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return err
	}
	isNull := bits == nil
	var val any
	if bits != nil {
		val = *bits
	}
	q := fmt.Sprintf(`
		INSERT INTO %s.%s (fragment_hash, bits, is_null, status, source_sql, seen_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (fragment_hash) DO UPDATE SET
			bits = EXCLUDED.bits, is_null = EXCLUDED.is_null,
			status = EXCLUDED.status, source_sql = EXCLUDED.source_sql, seen_at = now()
	`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	if _, err := s.pool.Exec(ctx, q, fragmentHash, val, isNull, string(status), sourceSQL); err != nil {
		return pcerrors.Wrap("put_entry", partitionKey, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, partitionKey, fragmentHash string) (cachestore.GetResult, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return cachestore.GetResult{}, err
	}
	q := fmt.Sprintf(`SELECT bits, is_null, status, source_sql FROM %s.%s WHERE fragment_hash = $1`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())

	var (
		bits   *string
		isNull bool
		status string
		srcSQL *string
	)
	if err := s.pool.QueryRow(ctx, q, fragmentHash).Scan(&bits, &isNull, &status, &srcSQL); err != nil {
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

	res := cachestore.GetResult{Kind: cachestore.Set, Status: cachestore.EntryStatus(status)}
	if srcSQL != nil {
		res.Source = *srcSQL
	}
	if bits != nil {
		res.IDs = cachestore.IDSet{Datatype: cachestore.Integer, Ints: bitsToIDs(*bits)}
	}
	res.Count = res.IDs.Len()
	return res, nil
}

func bitsToIDs(bits string) []int64 {
	var out []int64
	for i, c := range bits {
		if c == '1' {
			out = append(out, int64(i))
		}
	}
	return out
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

// Intersect performs the bitwise AND aggregate server-side and pulls
// back only the resulting bitstring.
func (s *Store) Intersect(ctx context.Context, partitionKey string, hashes []string) (cachestore.IntersectResult, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return cachestore.IntersectResult{}, err
	}
	q := fmt.Sprintf(`SELECT BIT_AND(bits), COUNT(*) FILTER (WHERE NOT is_null)
		FROM %s.%s WHERE fragment_hash = ANY($1) AND NOT is_null`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	var bits *string
	var hits int
	if err := s.pool.QueryRow(ctx, q, hashes).Scan(&bits, &hits); err != nil {
		return cachestore.IntersectResult{}, pcerrors.Wrap("intersect", partitionKey, err)
	}
	if bits == nil {
		return cachestore.IntersectResult{Hits: hits}, nil
	}
	return cachestore.IntersectResult{
		IDs:  cachestore.IDSet{Datatype: cachestore.Integer, Ints: bitsToIDs(*bits)},
		Hits: hits,
	}, nil
}

// IntersectLazy implements C4: the BIT_AND aggregate itself becomes
// the subquery the rewriter inlines, avoiding a client round-trip.
func (s *Store) IntersectLazy(ctx context.Context, partitionKey string, hashes []string) (string, bool, int, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return "", false, 0, err
	}
	hits, err := s.FilterExisting(ctx, partitionKey, hashes)
	if err != nil {
		return "", false, 0, err
	}
	placeholders := make([]string, len(hashes))
	for i, h := range hashes {
		placeholders[i] = "'" + strings.ReplaceAll(h, "'", "''") + "'"
	}
	sub := fmt.Sprintf(`SELECT g.id
		FROM (
			SELECT BIT_AND(bits) AS bits FROM %s.%s
			WHERE fragment_hash IN (%s) AND NOT is_null
		) agg, generate_series(0, LENGTH(agg.bits) - 1) AS g(id)
		WHERE SUBSTRING(agg.bits FROM g.id + 1 FOR 1) = B'1'`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize(), strings.Join(placeholders, ","))
	return sub, true, len(hits), nil
}

func (s *Store) ListPartitions(ctx context.Context) ([]cachestore.PartitionInfo, error) {
	q := `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_name LIKE 'pc_bits_%'`
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
		out = append(out, cachestore.PartitionInfo{Name: strings.TrimPrefix(name, "pc_bits_"), Datatype: cachestore.Integer})
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
