// Package pgarray implements the sorted-array Cache Store back-end
// (C3): one table per partition key, one row per fragment hash, the
// identifier set stored as a native Postgres array column. It also
// implements LazyIntersector (C4): an intersection of N fragment
// hashes is expressed as a single SQL subquery that unnests the arrays
// and keeps the values present in every non-null row, never
// materialized client-side.
package pgarray

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

const maxIdentifierLength = 63

// partitionName is a validated SQL identifier derived from a partition
// key, mirroring the domain-typed-identifier idiom used for the queue
// tables.
type partitionName string

func newPartitionName(key string) (partitionName, error) {
	p := partitionName("pc_arr_" + key)
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
	if !((first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z') || first == '_') {
		return false
	}
	return true
}

func (p partitionName) Sanitize() string { return pgx.Identifier{string(p)}.Sanitize() }

// Store is the sorted-array back-end, backed by a pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

var (
	_ cachestore.Store           = (*Store)(nil)
	_ cachestore.LazyIntersector = (*Store)(nil)
	_ cachestore.EvictableByAge = (*Store)(nil)
)

// New creates a pgarray-backed Store. schema is the Postgres schema
// holding the per-partition tables (commonly "partitioncache").
func New(pool *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema}
}

func (s *Store) arrayColumn(dt cachestore.Datatype) (string, error) {
	switch dt {
	case cachestore.Integer:
		return "BIGINT[]", nil
	case cachestore.Float:
		return "DOUBLE PRECISION[]", nil
	case cachestore.Text:
		return "TEXT[]", nil
	case cachestore.Timestamp:
		return "TIMESTAMPTZ[]", nil
	default:
		return "", &pcerrors.InvalidDatatypeError{Datatype: string(dt)}
	}
}

func (s *Store) tableName(partitionKey string) (partitionName, error) {
	return newPartitionName(partitionKey)
}

// RegisterPartition creates the per-partition-key table if absent.
func (s *Store) RegisterPartition(ctx context.Context, partitionKey string, dt cachestore.Datatype, _ cachestore.RegisterOptions) error {
	if !dt.Valid() {
		return &pcerrors.InvalidDatatypeError{Datatype: string(dt)}
	}
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return err
	}
	col, err := s.arrayColumn(dt)
	if err != nil {
		return err
	}

	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(pgx.Identifier{s.schema}.Sanitize())
	ddl.WriteString(".")
	ddl.WriteString(tbl.Sanitize())
	ddl.WriteString(" (\n")
	ddl.WriteString("\tfragment_hash TEXT PRIMARY KEY,\n")
	ddl.WriteString("\tids " + col + ",\n")
	ddl.WriteString("\tis_null BOOLEAN NOT NULL DEFAULT FALSE,\n")
	ddl.WriteString("\tstatus TEXT NOT NULL DEFAULT 'ok',\n")
	ddl.WriteString("\tsource_sql TEXT,\n")
	ddl.WriteString("\tseen_at TIMESTAMPTZ NOT NULL DEFAULT now()\n")
	ddl.WriteString(")")

	if _, err := s.pool.Exec(ctx, ddl.String()); err != nil {
		return pcerrors.Wrap("register_partition", partitionKey, err)
	}

	var gin strings.Builder
	gin.WriteString("CREATE INDEX IF NOT EXISTS ")
	gin.WriteString(pgx.Identifier{string(tbl) + "_ids_gin"}.Sanitize())
	gin.WriteString(" ON ")
	gin.WriteString(pgx.Identifier{s.schema}.Sanitize())
	gin.WriteString(".")
	gin.WriteString(tbl.Sanitize())
	gin.WriteString(" USING GIN (ids)")
	if _, err := s.pool.Exec(ctx, gin.String()); err != nil {
		return pcerrors.Wrap("create_gin_index", partitionKey, err)
	}

	return nil
}

func idsToAny(ids cachestore.IDSet) any {
	switch ids.Datatype {
	case cachestore.Integer:
		return ids.Ints
	case cachestore.Float:
		return ids.Floats
	case cachestore.Text:
		return ids.Texts
	case cachestore.Timestamp:
		return ids.Times
	default:
		return nil
	}
}

func (s *Store) PutSet(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, &ids, "", cachestore.StatusOK)
}

func (s *Store) PutNull(ctx context.Context, partitionKey, fragmentHash string) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, nil, "", cachestore.StatusOK)
}

func (s *Store) PutEntry(ctx context.Context, partitionKey, fragmentHash string, ids cachestore.IDSet, sourceSQL string) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, &ids, sourceSQL, cachestore.StatusOK)
}

// PutStatus records a non-OK outcome with no materialized set, reusing
// the source_sql column to carry the failure message.
func (s *Store) PutStatus(ctx context.Context, partitionKey, fragmentHash string, status cachestore.EntryStatus, message string) error {
	return s.putEntry(ctx, partitionKey, fragmentHash, nil, message, status)
}

func (s *Store) putEntry(ctx context.Context, partitionKey, fragmentHash string, ids *cachestore.IDSet, sourceSQL string, status cachestore.EntryStatus) error {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return err
	}

	isNull := ids == nil
	var arr any
	if ids != nil {
		arr = idsToAny(*ids)
	}

	q := fmt.Sprintf(`
		INSERT INTO %s.%s (fragment_hash, ids, is_null, status, source_sql, seen_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (fragment_hash) DO UPDATE SET
			ids = EXCLUDED.ids, is_null = EXCLUDED.is_null,
			status = EXCLUDED.status, source_sql = EXCLUDED.source_sql, seen_at = now()
	`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())

	if _, err := s.pool.Exec(ctx, q, fragmentHash, arr, isNull, string(status), sourceSQL); err != nil {
		return pcerrors.Wrap("put_entry", partitionKey, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, partitionKey, fragmentHash string) (cachestore.GetResult, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return cachestore.GetResult{}, err
	}

	q := fmt.Sprintf(`SELECT ids, is_null, status, source_sql, seen_at FROM %s.%s WHERE fragment_hash = $1`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())

	row := s.pool.QueryRow(ctx, q, fragmentHash)
	var (
		isNull bool
		status string
		srcSQL *string
		seenAt any
	)
	var rawIDs any
	if err := row.Scan(&rawIDs, &isNull, &status, &srcSQL, &seenAt); err != nil {
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
	switch v := rawIDs.(type) {
	case []int64:
		res.IDs = cachestore.IDSet{Datatype: cachestore.Integer, Ints: v}
	case []float64:
		res.IDs = cachestore.IDSet{Datatype: cachestore.Float, Floats: v}
	case []string:
		res.IDs = cachestore.IDSet{Datatype: cachestore.Text, Texts: v}
	}
	res.Count = res.IDs.Len()
	return res, nil
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

// Evict removes ok-status entries older than olderThan (I5: failed and
// timeout entries are preserved so a future population attempt is not
// silently skipped as "already cached"). strategy is accepted for
// interface symmetry with other back-ends; this table only tracks
// seen_at (last write), so "oldest" and "lru" evict identically here.
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

// FilterExisting returns the subset of hashes already present (cached,
// including NULL markers) — used by the decomposer/processor to skip
// fragments that need no recomputation.
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
			return nil, pcerrors.Wrap("filter_existing_scan", partitionKey, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Intersect materializes the client-side intersection of the given
// fragment hashes' sets, smallest set first (spec §4.3 ordering hint).
func (s *Store) Intersect(ctx context.Context, partitionKey string, hashes []string) (cachestore.IntersectResult, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return cachestore.IntersectResult{}, err
	}

	q := fmt.Sprintf(`SELECT ids, is_null FROM %s.%s WHERE fragment_hash = ANY($1)`,
		pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize())
	rows, err := s.pool.Query(ctx, q, hashes)
	if err != nil {
		return cachestore.IntersectResult{}, pcerrors.Wrap("intersect", partitionKey, err)
	}
	defer rows.Close()

	var sets [][]string
	dt := cachestore.Text
	hits := 0
	for rows.Next() {
		var raw any
		var isNull bool
		if err := rows.Scan(&raw, &isNull); err != nil {
			return cachestore.IntersectResult{}, pcerrors.Wrap("intersect_scan", partitionKey, err)
		}
		if isNull {
			continue
		}
		hits++
		if len(sets) == 0 {
			dt = datatypeOf(raw)
		}
		sets = append(sets, toStrings(raw))
	}
	if err := rows.Err(); err != nil {
		return cachestore.IntersectResult{}, err
	}
	if len(sets) == 0 {
		return cachestore.IntersectResult{Hits: hits}, nil
	}

	merged := intersectSmallestFirst(sets)
	return cachestore.IntersectResult{
		IDs:  idSetFromStrings(dt, merged),
		Hits: hits,
	}, nil
}

// IntersectLazy implements C4: a pure-SQL array intersection over the
// backing table, never pulling rows to the client.
func (s *Store) IntersectLazy(ctx context.Context, partitionKey string, hashes []string) (string, bool, int, error) {
	tbl, err := s.tableName(partitionKey)
	if err != nil {
		return "", false, 0, err
	}

	placeholders := make([]string, len(hashes))
	for i, h := range hashes {
		placeholders[i] = "'" + strings.ReplaceAll(h, "'", "''") + "'"
	}

	hits, err := s.FilterExisting(ctx, partitionKey, hashes)
	if err != nil {
		return "", false, 0, err
	}

	sub := fmt.Sprintf(`SELECT u.id
		FROM (
			SELECT fragment_hash, UNNEST(ids) AS id FROM %[1]s.%[2]s
			WHERE fragment_hash IN (%[3]s) AND NOT is_null
		) u
		GROUP BY u.id
		HAVING COUNT(DISTINCT u.fragment_hash) = (
			SELECT COUNT(*) FROM %[1]s.%[2]s WHERE fragment_hash IN (%[3]s) AND NOT is_null
		)`, pgx.Identifier{s.schema}.Sanitize(), tbl.Sanitize(), strings.Join(placeholders, ","))

	return sub, true, len(hits), nil
}

func (s *Store) ListPartitions(ctx context.Context) ([]cachestore.PartitionInfo, error) {
	q := `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_name LIKE 'pc_arr_%'`
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
		out = append(out, cachestore.PartitionInfo{Name: strings.TrimPrefix(name, "pc_arr_")})
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

// datatypeOf infers the IDSet datatype from a scanned Postgres array
// value, mirroring Get's switch so Intersect never silently downgrades
// an integer/float partition's merged result to Text (which would
// make rewrite.Rewrite quote numeric literals).
func datatypeOf(raw any) cachestore.Datatype {
	switch raw.(type) {
	case []int64:
		return cachestore.Integer
	case []float64:
		return cachestore.Float
	default:
		return cachestore.Text
	}
}

// idSetFromStrings rebuilds a typed IDSet from the string-keyed
// intersection result, parsing back into the inferred datatype.
func idSetFromStrings(dt cachestore.Datatype, values []string) cachestore.IDSet {
	switch dt {
	case cachestore.Integer:
		out := make([]int64, 0, len(values))
		for _, v := range values {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, n)
		}
		return cachestore.IDSet{Datatype: cachestore.Integer, Ints: out}
	case cachestore.Float:
		out := make([]float64, 0, len(values))
		for _, v := range values {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			out = append(out, f)
		}
		return cachestore.IDSet{Datatype: cachestore.Float, Floats: out}
	default:
		return cachestore.IDSet{Datatype: cachestore.Text, Texts: values}
	}
}

func toStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []int64:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = fmt.Sprintf("%d", n)
		}
		return out
	case []float64:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = fmt.Sprintf("%g", n)
		}
		return out
	default:
		return nil
	}
}

// intersectSmallestFirst computes a multi-way set intersection,
// starting from the smallest set to minimize comparisons (§4.3).
func intersectSmallestFirst(sets [][]string) []string {
	sortBySize(sets)
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

func sortBySize(sets [][]string) {
	for i := 1; i < len(sets); i++ {
		j := i
		for j > 0 && len(sets[j-1]) > len(sets[j]) {
			sets[j-1], sets[j] = sets[j], sets[j-1]
			j--
		}
	}
}
