package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status {env|tables|all}",
	Short: "report configuration and schema state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		target := args[0]
		if target != "env" && target != "tables" && target != "all" {
			return &pcerrors.ConfigError{Op: "status", Option: "target", Err: fmt.Errorf("unknown target %q (want env|tables|all)", target)}
		}

		if target == "env" || target == "all" {
			cmd.Printf("cache.backend=%s cache.table_prefix=%s\n", cfg.Cache.Backend, cfg.Cache.TablePrefix)
			cmd.Printf("queue.table_prefix=%s\n", cfg.Queue.TablePrefix)
			cmd.Printf("processor.max_parallel_jobs=%d processor.frequency=%s processor.timeout=%s\n",
				cfg.Processor.MaxParallelJobs, cfg.Processor.Frequency, cfg.Processor.Timeout)
			cmd.Printf("eviction.strategy=%s eviction.threshold=%d eviction.frequency=%s\n",
				cfg.Eviction.Strategy, cfg.Eviction.Threshold, cfg.Eviction.Frequency)
			cmd.Printf("scheduler.enabled=%t scheduler.frequency=%s\n", cfg.Scheduler.Enabled, cfg.Scheduler.Frequency)
		}

		if target == "tables" || target == "all" {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
			if err != nil {
				return &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
			}
			defer pool.Close()
			mgr := queue.NewManager(pool, queue.SchemaName(cfg.Queue.TablePrefix))
			lengths, err := mgr.Lengths(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("queue: original=%d fragment=%d\n", lengths.Original, lengths.Fragment)

			store, err := openCacheStore(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer store.Close()
			partitions, err := store.ListPartitions(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("cache: %d partition(s) registered\n", len(partitions))
			for _, p := range partitions {
				cmd.Printf("  %s (%s)\n", p.Name, p.Datatype)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
