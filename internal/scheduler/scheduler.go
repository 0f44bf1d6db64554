// Package scheduler implements the Scheduler Bridge (C8): an
// in-database alternative to a standing internal/processor.Pool. The
// worker loop runs as N identical cron-driven jobs plus one
// timeout-sweeper job inside the cache database's own scheduler
// extension, rather than as Go goroutines in a long-lived process
// (spec §4.8). It generalizes the teacher's table/DDL-builder idiom
// (see internal/queue, internal/processor) to a config table plus a
// trigger function that (re)creates the scheduled jobs whenever the
// config row changes.
//
// The bridge only ever emits SQL and configuration; it never calls a
// scheduling service's own admin API over the network; "run SQL S in
// database D on schedule R" is the external collaborator's contract
// (spec §1), satisfied here by writing S, D and R into the config
// table and letting the trigger hand them to the in-database
// scheduler extension (pg_cron's `cron` schema, the most common
// Postgres-native implementation of that contract).
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

const (
	configTable  = "partitioncache_scheduler_config"
	syncFunction = "partitioncache_scheduler_sync"
	syncTrigger  = "partitioncache_scheduler_sync_trg"

	workerJobPrefix = "pcache_worker_"
	sweepJobName    = "pcache_sweep"
)

// JobConfig describes the N identical worker jobs and the one
// sweeper job the trigger (re)creates, per spec §4.8's "Parallelism
// is achieved by creating max_parallel_jobs identical scheduled jobs
// ... plus one timeout-sweeper job."
type JobConfig struct {
	// MaxParallelJobs is both the concurrency bound and the number of
	// identical worker jobs scheduled.
	MaxParallelJobs int
	// Frequency is a cron expression (spec's schedule R), validated
	// with robfig/cron/v3's standard parser before being written.
	Frequency string
	// TargetDatabase names the database the scheduler should run the
	// jobs against; it may differ from the cache database the config
	// table itself lives in (spec §4.8's cross-database scheduling).
	TargetDatabase string
	// ProcessSQL is the statement (S) each worker job runs per tick —
	// "pop and process at most one item" (spec §4.8).
	ProcessSQL string
	// SweepSQL is the statement the single sweeper job runs per tick to
	// reclaim stale ActiveJob rows (spec §4.7's housekeeping task).
	SweepSQL string
	// Active toggles the scheduled jobs on or off without touching
	// process lifetime (spec §4.8's "enabling/disabling toggles active
	// on the scheduled jobs").
	Active bool
}

// Bridge owns the scheduler config table within a single schema.
type Bridge struct {
	pool   *pgxpool.Pool
	schema queue.SchemaName
}

func New(pool *pgxpool.Pool, schema queue.SchemaName) *Bridge {
	if schema == "" {
		schema = "public"
	}
	return &Bridge{pool: pool, schema: schema}
}

func (b *Bridge) qualified(name string) string {
	return b.schema.Sanitize() + "." + pgx.Identifier{name}.Sanitize()
}

// DefaultProcessSQL builds the "pop and process at most one item"
// statement (spec §4.8) for a worker job: a call to a stored
// procedure the operator installs alongside this schema, which is
// expected to perform one PopFragment/execute/applyOutcome cycle
// equivalent to internal/processor.Pool.executeOne. Generating the
// procedure body itself is out of scope here — it is operator-defined
// SQL/PL-pgSQL driving the same C3/C6 tables this module owns, not
// something the Go bridge emits, per spec §1's "external queue/
// eviction schedulers" non-goal.
func DefaultProcessSQL(schema queue.SchemaName, procedure string) string {
	return fmt.Sprintf("CALL %s.%s()", schema.Sanitize(), pgx.Identifier{procedure}.Sanitize())
}

// DefaultSweepSQL builds the housekeeping-sweep statement (spec
// §4.7's timeout recovery, run on a schedule instead of a
// time.Ticker in the Scheduler Bridge variant).
func DefaultSweepSQL(schema queue.SchemaName, procedure string) string {
	return fmt.Sprintf("CALL %s.%s()", schema.Sanitize(), pgx.Identifier{procedure}.Sanitize())
}

// CreateSchema creates the config table, the sync function and its
// trigger, if they do not already exist.
func (b *Bridge) CreateSchema(ctx context.Context) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin_tx", err)
	}
	defer tx.Rollback(ctx)

	if err := b.createConfigTable(ctx, tx); err != nil {
		return err
	}
	if err := b.createSyncFunction(ctx, tx); err != nil {
		return err
	}
	if err := b.createSyncTrigger(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

func (b *Bridge) createConfigTable(ctx context.Context, tx pgx.Tx) error {
	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(b.qualified(configTable))
	ddl.WriteString(` (
		id                INTEGER     PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		max_parallel_jobs INTEGER     NOT NULL,
		frequency         TEXT        NOT NULL,
		target_database   TEXT        NOT NULL,
		process_sql       TEXT        NOT NULL,
		sweep_sql         TEXT        NOT NULL,
		active            BOOLEAN     NOT NULL DEFAULT true,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if _, err := tx.Exec(ctx, ddl.String()); err != nil {
		return wrapErr("create_config_table", err)
	}
	return nil
}

// createSyncFunction installs the PL/pgSQL trigger function that
// unschedules the previous worker/sweeper jobs and (re)creates them
// against the new config row. It degrades to a no-op (beyond keeping
// the config row itself) when the pg_cron extension's functions are
// not registered, so CreateSchema never fails on a cache database
// without a cron extension installed.
func (b *Bridge) createSyncFunction(ctx context.Context, tx pgx.Tx) error {
	var ddl strings.Builder
	fn := b.qualified(syncFunction)
	ddl.WriteString("CREATE OR REPLACE FUNCTION ")
	ddl.WriteString(fn)
	ddl.WriteString(`() RETURNS trigger AS $$
	DECLARE
		i INTEGER;
		job_name TEXT;
	BEGIN
		IF to_regprocedure('cron.schedule(text,text,text)') IS NULL THEN
			RETURN NEW;
		END IF;

		FOR job_name IN
			SELECT jobname FROM cron.job
			WHERE jobname LIKE '`)
	ddl.WriteString(workerJobPrefix)
	ddl.WriteString(`%' OR jobname = '`)
	ddl.WriteString(sweepJobName)
	ddl.WriteString(`'
		LOOP
			PERFORM cron.unschedule(job_name);
		END LOOP;

		IF NOT NEW.active THEN
			RETURN NEW;
		END IF;

		FOR i IN 1..NEW.max_parallel_jobs LOOP
			job_name := '`)
	ddl.WriteString(workerJobPrefix)
	ddl.WriteString(`' || i;
			PERFORM cron.schedule_in_database(job_name, NEW.frequency, NEW.process_sql, NEW.target_database);
		END LOOP;

		PERFORM cron.schedule_in_database('`)
	ddl.WriteString(sweepJobName)
	ddl.WriteString(`', NEW.frequency, NEW.sweep_sql, NEW.target_database);

		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`)

	if _, err := tx.Exec(ctx, ddl.String()); err != nil {
		return wrapErr("create_sync_function", err)
	}
	return nil
}

func (b *Bridge) createSyncTrigger(ctx context.Context, tx pgx.Tx) error {
	trigger := pgx.Identifier{syncTrigger}.Sanitize()
	var ddl strings.Builder
	fmt.Fprintf(&ddl, `DROP TRIGGER IF EXISTS %s ON %s`, trigger, b.qualified(configTable))
	if _, err := tx.Exec(ctx, ddl.String()); err != nil {
		return wrapErr("drop_sync_trigger", err)
	}

	ddl.Reset()
	fmt.Fprintf(&ddl, `CREATE TRIGGER %s
		AFTER INSERT OR UPDATE ON %s
		FOR EACH ROW EXECUTE FUNCTION %s()`, trigger, b.qualified(configTable), b.qualified(syncFunction))
	if _, err := tx.Exec(ctx, ddl.String()); err != nil {
		return wrapErr("create_sync_trigger", err)
	}
	return nil
}

// Configure upserts the single config row, validating cfg.Frequency
// as a standard cron expression before writing it — the same
// validation internal/config applies to SchedulerConfig.Frequency,
// repeated here since a Bridge may be driven directly by callers that
// bypass internal/config. Writing the row fires the sync trigger,
// which (re)creates the scheduled jobs.
func (b *Bridge) Configure(ctx context.Context, cfg JobConfig) error {
	if _, err := cron.ParseStandard(cfg.Frequency); err != nil {
		return wrapErr("validate_frequency", err)
	}

	q := `INSERT INTO ` + b.qualified(configTable) + `
		(id, max_parallel_jobs, frequency, target_database, process_sql, sweep_sql, active, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			max_parallel_jobs = EXCLUDED.max_parallel_jobs,
			frequency         = EXCLUDED.frequency,
			target_database   = EXCLUDED.target_database,
			process_sql       = EXCLUDED.process_sql,
			sweep_sql         = EXCLUDED.sweep_sql,
			active            = EXCLUDED.active,
			updated_at        = now()`
	if _, err := b.pool.Exec(ctx, q, cfg.MaxParallelJobs, cfg.Frequency, cfg.TargetDatabase, cfg.ProcessSQL, cfg.SweepSQL, cfg.Active); err != nil {
		return wrapErr("configure", err)
	}
	return nil
}

// SetActive toggles the scheduled jobs on or off without touching the
// row's SQL/frequency, per spec §4.8.
func (b *Bridge) SetActive(ctx context.Context, active bool) error {
	q := `UPDATE ` + b.qualified(configTable) + ` SET active = $1, updated_at = now() WHERE id = 1`
	tag, err := b.pool.Exec(ctx, q, active)
	if err != nil {
		return wrapErr("set_active", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("set_active", fmt.Errorf("no scheduler config row to update; call Configure first"))
	}
	return nil
}

// Remove first marks the config row inactive, whose update trigger
// unschedules every worker/sweeper job, then deletes the row.
func (b *Bridge) Remove(ctx context.Context) error {
	deactivate := `UPDATE ` + b.qualified(configTable) + ` SET active = false, updated_at = now() WHERE id = 1`
	if _, err := b.pool.Exec(ctx, deactivate); err != nil {
		return wrapErr("remove", err)
	}
	q := `DELETE FROM ` + b.qualified(configTable) + ` WHERE id = 1`
	if _, err := b.pool.Exec(ctx, q); err != nil {
		return wrapErr("remove", err)
	}
	return nil
}

// Status reports the current config row, or ok=false if none exists.
func (b *Bridge) Status(ctx context.Context) (cfg JobConfig, ok bool, err error) {
	q := `SELECT max_parallel_jobs, frequency, target_database, process_sql, sweep_sql, active
		FROM ` + b.qualified(configTable) + ` WHERE id = 1`
	row := b.pool.QueryRow(ctx, q)
	if scanErr := row.Scan(&cfg.MaxParallelJobs, &cfg.Frequency, &cfg.TargetDatabase, &cfg.ProcessSQL, &cfg.SweepSQL, &cfg.Active); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return JobConfig{}, false, nil
		}
		return JobConfig{}, false, wrapErr("status", scanErr)
	}
	return cfg, true, nil
}
