// Package processor implements the Processor Pool (C7): decomposer and
// executor worker loops that drain the durable queue (C6), execute
// fragments against the user's dataset, and write results to the
// Cache Store (C3). It generalizes the teacher's table/DDL-builder
// idiom (see internal/queue) to a third table, ActiveJob, that
// enforces the at-most-one-in-flight invariant (I3, spec §4.7).
package processor

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

const activeJobTable = "partitioncache_active_job"

// ActiveJobs owns the uniqueness-constraint table that makes
// concurrent duplicate claims of the same (fragment_hash,
// partition_key) impossible (I3).
type ActiveJobs struct {
	pool   *pgxpool.Pool
	schema queue.SchemaName
}

func NewActiveJobs(pool *pgxpool.Pool, schema queue.SchemaName) *ActiveJobs {
	if schema == "" {
		schema = "public"
	}
	return &ActiveJobs{pool: pool, schema: schema}
}

func (a *ActiveJobs) qualified() string {
	return a.schema.Sanitize() + "." + pgx.Identifier{activeJobTable}.Sanitize()
}

// CreateSchema creates the ActiveJob table if absent.
func (a *ActiveJobs) CreateSchema(ctx context.Context) error {
	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(a.qualified())
	ddl.WriteString(` (
		fragment_hash TEXT        NOT NULL,
		partition_key TEXT        NOT NULL,
		worker_id     TEXT        NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (fragment_hash, partition_key)
	)`)
	if _, err := a.pool.Exec(ctx, ddl.String()); err != nil {
		return wrapErr("create_table", err)
	}
	return nil
}

// Claim attempts to insert the ActiveJob row for (fragmentHash,
// partitionKey). ok is false if a row already exists, meaning another
// worker holds the job; the caller must treat the fragment as already
// in flight and skip it rather than execute it twice (I3).
func (a *ActiveJobs) Claim(ctx context.Context, fragmentHash, partitionKey, workerID string) (ok bool, err error) {
	q := `INSERT INTO ` + a.qualified() + ` (fragment_hash, partition_key, worker_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (fragment_hash, partition_key) DO NOTHING`
	tag, err := a.pool.Exec(ctx, q, fragmentHash, partitionKey, workerID)
	if err != nil {
		return false, wrapErr("claim", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release deletes the ActiveJob row on completion (success, failure,
// or timeout), per spec §4.7.
func (a *ActiveJobs) Release(ctx context.Context, fragmentHash, partitionKey string) error {
	q := `DELETE FROM ` + a.qualified() + ` WHERE fragment_hash = $1 AND partition_key = $2`
	if _, err := a.pool.Exec(ctx, q, fragmentHash, partitionKey); err != nil {
		return wrapErr("release", err)
	}
	return nil
}

// Reclaimed identifies an ActiveJob row that Sweep found stale.
type Reclaimed struct {
	FragmentHash string
	PartitionKey string
}

// Sweep deletes ActiveJob rows older than olderThan, returning the
// (fragment_hash, partition_key) pairs it reclaimed so the caller can
// restore the FragmentQueue item and log a timeout status (spec
// §4.7 "Timeouts and recovery").
func (a *ActiveJobs) Sweep(ctx context.Context, olderThan time.Time) ([]Reclaimed, error) {
	q := `DELETE FROM ` + a.qualified() + ` WHERE started_at < $1 RETURNING fragment_hash, partition_key`
	rows, err := a.pool.Query(ctx, q, olderThan)
	if err != nil {
		return nil, wrapErr("sweep", err)
	}
	defer rows.Close()

	var out []Reclaimed
	for rows.Next() {
		var r Reclaimed
		if err := rows.Scan(&r.FragmentHash, &r.PartitionKey); err != nil {
			return nil, wrapErr("sweep_scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
