package queue

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	originalTable = "partitioncache_original_queue"
	fragmentTable = "partitioncache_fragment_queue"

	indexOriginalClaim = "_claim_idx"
	indexFragmentClaim = "_claim_idx"
)

// Manager owns the two queue tables within a single schema and
// implements the push/pop/lengths/clear contract of spec §4.6.
type Manager struct {
	pool   *pgxpool.Pool
	schema SchemaName
}

func NewManager(pool *pgxpool.Pool, schema SchemaName) *Manager {
	if schema == "" {
		schema = "public"
	}
	return &Manager{pool: pool, schema: schema}
}

// CreateSchema creates both queue tables and their claim-order
// indexes if they do not already exist.
func (m *Manager) CreateSchema(ctx context.Context) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin_tx", originalTable, err)
	}
	defer tx.Rollback(ctx)

	if err := m.createTable(ctx, tx, originalTable, true); err != nil {
		return err
	}
	if err := m.createTable(ctx, tx, fragmentTable, false); err != nil {
		return err
	}
	if err := m.createClaimIndex(ctx, tx, originalTable, indexOriginalClaim); err != nil {
		return err
	}
	if err := m.createClaimIndex(ctx, tx, fragmentTable, indexFragmentClaim); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit", originalTable, err)
	}
	return nil
}

func (m *Manager) createTable(ctx context.Context, tx pgx.Tx, table string, isOriginal bool) error {
	var sql strings.Builder
	sql.WriteString("CREATE TABLE IF NOT EXISTS ")
	sql.WriteString(m.schema.Sanitize())
	sql.WriteString(".")
	sql.WriteString(pgx.Identifier{table}.Sanitize())
	sql.WriteString(` (
		id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		query_text    TEXT        NOT NULL,
		partition_key TEXT        NOT NULL,
		datatype      TEXT,
		priority      INTEGER     NOT NULL DEFAULT 1,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		claimed_at    TIMESTAMPTZ,
	`)
	if isOriginal {
		sql.WriteString("\t\tUNIQUE (query_text, partition_key)\n")
	} else {
		sql.WriteString("\t\tfragment_hash TEXT NOT NULL,\n")
		sql.WriteString("\t\tUNIQUE (fragment_hash, partition_key)\n")
	}
	sql.WriteString(")")

	if _, err := tx.Exec(ctx, sql.String()); err != nil {
		return wrapErr("create_table", table, err)
	}
	return nil
}

func (m *Manager) createClaimIndex(ctx context.Context, tx pgx.Tx, table, suffix string) error {
	var sql strings.Builder
	sql.WriteString("CREATE INDEX IF NOT EXISTS ")
	sql.WriteString(pgx.Identifier{table + suffix}.Sanitize())
	sql.WriteString(" ON ")
	sql.WriteString(m.schema.Sanitize())
	sql.WriteString(".")
	sql.WriteString(pgx.Identifier{table}.Sanitize())
	sql.WriteString(" (priority DESC, created_at ASC) WHERE claimed_at IS NULL")

	if _, err := tx.Exec(ctx, sql.String()); err != nil {
		return wrapErr("create_claim_index", table, err)
	}
	return nil
}

func (m *Manager) qualified(table string) string {
	return m.schema.Sanitize() + "." + pgx.Identifier{table}.Sanitize()
}

// PushOriginal inserts an OriginalItem, or, if one with the same
// (query_text, partition_key) already exists, bumps its priority
// using the try-acquire primitive (spec's "priority bump under
// contention"): a non-blocking UPDATE guarded by the row's own lock,
// never the long-form upsert-then-retry dance.
func (m *Manager) PushOriginal(ctx context.Context, item OriginalItem) (PushStatus, error) {
	status, err := m.tryBump(ctx, originalTable, "query_text", item.QueryText, item.PartitionKey, item.Priority)
	if err != nil {
		return "", err
	}
	if status != "" {
		if err := m.notify(ctx, originalTable); err != nil {
			return status, err
		}
		return status, nil
	}

	q := `INSERT INTO ` + m.qualified(originalTable) + `
		(query_text, partition_key, datatype, priority)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (query_text, partition_key) DO NOTHING`
	tag, err := m.pool.Exec(ctx, q, item.QueryText, item.PartitionKey, nullable(item.Datatype), item.Priority)
	if err != nil {
		return "", wrapErr("push_original", originalTable, err)
	}
	if tag.RowsAffected() == 0 {
		return SkippedConcurrent, nil
	}
	if err := m.notify(ctx, originalTable); err != nil {
		return "", err
	}
	return Inserted, nil
}

// PushFragments is the batch form of PushOriginal for FragmentQueue.
func (m *Manager) PushFragments(ctx context.Context, items []FragmentItem) ([]PushStatus, error) {
	out := make([]PushStatus, len(items))
	for i, item := range items {
		st, err := m.pushFragment(ctx, item)
		if err != nil {
			return nil, err
		}
		out[i] = st
	}
	if err := m.notify(ctx, fragmentTable); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) pushFragment(ctx context.Context, item FragmentItem) (PushStatus, error) {
	status, err := m.tryBump(ctx, fragmentTable, "fragment_hash", item.FragmentHash, item.PartitionKey, item.Priority)
	if err != nil {
		return "", err
	}
	if status != "" {
		return status, nil
	}

	q := `INSERT INTO ` + m.qualified(fragmentTable) + `
		(query_text, fragment_hash, partition_key, datatype, priority)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fragment_hash, partition_key) DO NOTHING`
	tag, err := m.pool.Exec(ctx, q, item.QueryText, item.FragmentHash, item.PartitionKey, nullable(item.Datatype), item.Priority)
	if err != nil {
		return "", wrapErr("push_fragment", fragmentTable, err)
	}
	if tag.RowsAffected() == 0 {
		return SkippedConcurrent, nil
	}
	return Inserted, nil
}

// tryBump attempts the priority-bump path for an existing row keyed
// by (keyColumn, keyValue, partitionKey). Returns "" (no status) if
// no matching row exists yet, meaning the caller should INSERT.
func (m *Manager) tryBump(ctx context.Context, table, keyColumn, keyValue, partitionKey string, delta int) (PushStatus, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", wrapErr("bump_begin", table, err)
	}
	defer tx.Rollback(ctx)

	var id int64
	lockQ := `SELECT id FROM ` + m.qualified(table) + ` WHERE ` + keyColumn + ` = $1 AND partition_key = $2 FOR UPDATE SKIP LOCKED`
	err = tx.QueryRow(ctx, lockQ, keyValue, partitionKey).Scan(&id)
	if err == pgx.ErrNoRows {
		// Either absent, or present but locked by a concurrent bumper.
		var exists bool
		existsQ := `SELECT EXISTS (SELECT 1 FROM ` + m.qualified(table) + ` WHERE ` + keyColumn + ` = $1 AND partition_key = $2)`
		if err := m.pool.QueryRow(ctx, existsQ, keyValue, partitionKey).Scan(&exists); err != nil {
			return "", wrapErr("bump_exists_check", table, err)
		}
		if exists {
			return SkippedLocked, nil
		}
		return "", nil
	}
	if err != nil {
		return "", wrapErr("bump_lock", table, err)
	}

	updQ := `UPDATE ` + m.qualified(table) + ` SET priority = priority + $1, updated_at = now() WHERE id = $2`
	if _, err := tx.Exec(ctx, updQ, delta, id); err != nil {
		return "", wrapErr("bump_update", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", wrapErr("bump_commit", table, err)
	}
	return Bumped, nil
}

// PopOriginal claims and returns the highest-priority, oldest-created
// unclaimed OriginalItem, or nil if the queue is empty. Non-blocking:
// concurrent callers never contend on the same row.
func (m *Manager) PopOriginal(ctx context.Context) (*OriginalItem, error) {
	q := `
		UPDATE ` + m.qualified(originalTable) + ` SET claimed_at = now()
		WHERE id = (
			SELECT id FROM ` + m.qualified(originalTable) + `
			WHERE claimed_at IS NULL
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING query_text, partition_key, COALESCE(datatype, ''), priority`

	var item OriginalItem
	err := m.pool.QueryRow(ctx, q).Scan(&item.QueryText, &item.PartitionKey, &item.Datatype, &item.Priority)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("pop_original", originalTable, err)
	}
	return &item, nil
}

// PopFragment is the FragmentQueue analogue of PopOriginal.
func (m *Manager) PopFragment(ctx context.Context) (*FragmentItem, error) {
	q := `
		UPDATE ` + m.qualified(fragmentTable) + ` SET claimed_at = now()
		WHERE id = (
			SELECT id FROM ` + m.qualified(fragmentTable) + `
			WHERE claimed_at IS NULL
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING query_text, fragment_hash, partition_key, COALESCE(datatype, ''), priority`

	var item FragmentItem
	err := m.pool.QueryRow(ctx, q).Scan(&item.QueryText, &item.FragmentHash, &item.PartitionKey, &item.Datatype, &item.Priority)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("pop_fragment", fragmentTable, err)
	}
	return &item, nil
}

// AckOriginal removes a successfully decomposed OriginalItem.
func (m *Manager) AckOriginal(ctx context.Context, queryText, partitionKey string) error {
	q := `DELETE FROM ` + m.qualified(originalTable) + ` WHERE query_text = $1 AND partition_key = $2`
	if _, err := m.pool.Exec(ctx, q, queryText, partitionKey); err != nil {
		return wrapErr("ack_original", originalTable, err)
	}
	return nil
}

// AckFragment removes a successfully executed FragmentItem.
func (m *Manager) AckFragment(ctx context.Context, fragmentHash, partitionKey string) error {
	q := `DELETE FROM ` + m.qualified(fragmentTable) + ` WHERE fragment_hash = $1 AND partition_key = $2`
	if _, err := m.pool.Exec(ctx, q, fragmentHash, partitionKey); err != nil {
		return wrapErr("ack_fragment", fragmentTable, err)
	}
	return nil
}

// ReleaseOriginal un-claims an item (e.g. after a worker crash),
// making it eligible for PopOriginal again.
func (m *Manager) ReleaseOriginal(ctx context.Context, queryText, partitionKey string) error {
	q := `UPDATE ` + m.qualified(originalTable) + ` SET claimed_at = NULL WHERE query_text = $1 AND partition_key = $2`
	if _, err := m.pool.Exec(ctx, q, queryText, partitionKey); err != nil {
		return wrapErr("release_original", originalTable, err)
	}
	return nil
}

// ReleaseFragment is the FragmentQueue analogue of ReleaseOriginal.
func (m *Manager) ReleaseFragment(ctx context.Context, fragmentHash, partitionKey string) error {
	q := `UPDATE ` + m.qualified(fragmentTable) + ` SET claimed_at = NULL WHERE fragment_hash = $1 AND partition_key = $2`
	if _, err := m.pool.Exec(ctx, q, fragmentHash, partitionKey); err != nil {
		return wrapErr("release_fragment", fragmentTable, err)
	}
	return nil
}

// Lengths reports the unclaimed-item counts of both stages.
func (m *Manager) Lengths(ctx context.Context) (Lengths, error) {
	q := `SELECT
		(SELECT COUNT(*) FROM ` + m.qualified(originalTable) + ` WHERE claimed_at IS NULL),
		(SELECT COUNT(*) FROM ` + m.qualified(fragmentTable) + ` WHERE claimed_at IS NULL)`
	var l Lengths
	if err := m.pool.QueryRow(ctx, q).Scan(&l.Original, &l.Fragment); err != nil {
		return Lengths{}, wrapErr("lengths", originalTable, err)
	}
	return l, nil
}

// Clear truncates both queue tables. Destructive — callers confirm.
func (m *Manager) Clear(ctx context.Context) error {
	q := `TRUNCATE ` + m.qualified(originalTable) + `, ` + m.qualified(fragmentTable)
	if _, err := m.pool.Exec(ctx, q); err != nil {
		return wrapErr("clear", originalTable, err)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (m *Manager) Pool() *pgxpool.Pool {
	return m.pool
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
