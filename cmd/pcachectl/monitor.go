package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/processor"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

var (
	monitorMaxProcesses int
	monitorRowLimit     int
	monitorQueryTimeout time.Duration
)

// monitorCmd runs the standing worker pool (spec §4.7): a decomposer
// loop over OriginalQueue, an executor loop over FragmentQueue, and
// the housekeeping sweeper, all in one process until interrupted.
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "run the worker pool that drains the queue and populates the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if monitorMaxProcesses > 0 {
			cfg.Processor.MaxParallelJobs = monitorMaxProcesses
		}
		if monitorRowLimit > 0 {
			cfg.Processor.RowLimit = monitorRowLimit
		}
		if monitorQueryTimeout > 0 {
			cfg.Processor.Timeout = monitorQueryTimeout
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		queuePool, err := pgxpool.New(ctx, cfg.Queue.DSN)
		if err != nil {
			return &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
		}
		defer queuePool.Close()

		datasetPool, err := pgxpool.New(ctx, cfg.Dataset.DSN)
		if err != nil {
			return &pcerrors.ConnectivityError{Op: "open_dataset_pool", Target: "dataset", Err: err}
		}
		defer datasetPool.Close()

		store, err := openCacheStore(ctx, cfg.Cache)
		if err != nil {
			return err
		}
		defer store.Close()

		schema := queue.SchemaName(cfg.Queue.TablePrefix)
		mgr := queue.NewManager(queuePool, schema)
		exec := processor.NewPGExecutor(datasetPool)

		pool := processor.New(queuePool, schema, mgr, store, exec, cfg.Processor, newLogger())
		if err := pool.CreateSchema(ctx); err != nil {
			return err
		}
		cmd.Println("monitor: running, press ctrl-c to stop")
		if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().IntVar(&monitorMaxProcesses, "max-processes", 0, "override configured MaxParallelJobs")
	monitorCmd.Flags().IntVar(&monitorRowLimit, "limit", 0, "override configured row limit per fragment execution")
	monitorCmd.Flags().DurationVar(&monitorQueryTimeout, "long-running-query-timeout", 0, "override configured stale-claim timeout")
	rootCmd.AddCommand(monitorCmd)
}
