package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/config"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
	"github.com/MPoppinga/PartitionCache-sub000/internal/scheduler"
)

var (
	schedulerProcessProcedure string
	schedulerSweepProcedure   string
)

// schedulerCmd manages the in-database Scheduler Bridge (C8), the
// pg_cron-driven alternative to a standing "monitor" process.
var schedulerCmd = &cobra.Command{
	Use:   "scheduler {setup|remove|enable|disable|update-config|status|logs|manual-process|manual-run}",
	Short: "manage the in-database scheduler bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
		if err != nil {
			return &pcerrors.ConnectivityError{Op: "open_scheduler_pool", Target: "queue", Err: err}
		}
		defer pool.Close()
		schema := queue.SchemaName(cfg.Scheduler.TablePrefix)
		if schema == "" {
			schema = queue.SchemaName(cfg.Queue.TablePrefix)
		}
		bridge := scheduler.New(pool, schema)

		switch args[0] {
		case "setup":
			if err := bridge.CreateSchema(ctx); err != nil {
				return err
			}
			if err := bridge.Configure(ctx, jobConfigFromFlags(cfg, schema)); err != nil {
				return err
			}
			cmd.Println("scheduler schema ready and configured")
			return nil

		case "update-config":
			if err := bridge.Configure(ctx, jobConfigFromFlags(cfg, schema)); err != nil {
				return err
			}
			cmd.Println("scheduler config updated")
			return nil

		case "enable":
			if err := bridge.SetActive(ctx, true); err != nil {
				return err
			}
			cmd.Println("scheduler enabled")
			return nil

		case "disable":
			if err := bridge.SetActive(ctx, false); err != nil {
				return err
			}
			cmd.Println("scheduler disabled")
			return nil

		case "remove":
			if err := bridge.Remove(ctx); err != nil {
				return err
			}
			cmd.Println("scheduler removed")
			return nil

		case "status":
			jc, ok, err := bridge.Status(ctx)
			if err != nil {
				return err
			}
			if !ok {
				cmd.Println("scheduler: not configured")
				return nil
			}
			cmd.Printf("active=%t max_parallel_jobs=%d frequency=%q target_database=%q\n",
				jc.Active, jc.MaxParallelJobs, jc.Frequency, jc.TargetDatabase)
			return nil

		case "logs":
			// pg_cron's own job_run_details table, when its pg_cron
			// extension is installed, is the only run-history source;
			// the bridge itself persists no log (spec §4.8 treats cron
			// scheduling as operator-owned infrastructure).
			rows, err := pool.Query(ctx,
				`SELECT runid, status, start_time, end_time, return_message
				 FROM cron.job_run_details
				 WHERE command ILIKE '%' || $1 || '%'
				 ORDER BY start_time DESC LIMIT 20`, string(schema))
			if err != nil {
				return &pcerrors.ConnectivityError{Op: "scheduler_logs", Target: "cron.job_run_details", Err: err}
			}
			defer rows.Close()
			for rows.Next() {
				var runID int64
				var status, message string
				var start, end any
				if err := rows.Scan(&runID, &status, &start, &end, &message); err != nil {
					return err
				}
				cmd.Printf("run=%d status=%s start=%v end=%v message=%s\n", runID, status, start, end, message)
			}
			return rows.Err()

		case "manual-process":
			sql := scheduler.DefaultProcessSQL(schema, schedulerProcessProcedure)
			if _, err := pool.Exec(ctx, sql); err != nil {
				return &pcerrors.ConnectivityError{Op: "scheduler_manual_process", Target: schedulerProcessProcedure, Err: err}
			}
			cmd.Println("ran one process cycle")
			return nil

		case "manual-run":
			sql := scheduler.DefaultSweepSQL(schema, schedulerSweepProcedure)
			if _, err := pool.Exec(ctx, sql); err != nil {
				return &pcerrors.ConnectivityError{Op: "scheduler_manual_run", Target: schedulerSweepProcedure, Err: err}
			}
			cmd.Println("ran one sweep cycle")
			return nil

		default:
			return &pcerrors.ConfigError{Op: "scheduler", Option: "target",
				Err: fmt.Errorf("unknown target %q (want setup|remove|enable|disable|update-config|status|logs|manual-process|manual-run)", args[0])}
		}
	},
}

func jobConfigFromFlags(cfg *config.Config, schema queue.SchemaName) scheduler.JobConfig {
	return scheduler.JobConfig{
		MaxParallelJobs: cfg.Scheduler.MaxParallelJobs,
		Frequency:       cfg.Scheduler.Frequency,
		TargetDatabase:  cfg.Scheduler.TargetDatabase,
		ProcessSQL:      scheduler.DefaultProcessSQL(schema, schedulerProcessProcedure),
		SweepSQL:        scheduler.DefaultSweepSQL(schema, schedulerSweepProcedure),
		Active:          cfg.Scheduler.Enabled,
	}
}

func init() {
	schedulerCmd.Flags().StringVar(&schedulerProcessProcedure, "process-procedure", "process_one", "stored procedure a worker job calls per tick")
	schedulerCmd.Flags().StringVar(&schedulerSweepProcedure, "sweep-procedure", "sweep_stale", "stored procedure the sweeper job calls per tick")
	rootCmd.AddCommand(schedulerCmd)
}
