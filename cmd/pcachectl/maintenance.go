package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/processor"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance {prune|evict|cleanup|partition}",
	Short: "housekeeping operations: stale-claim reclaim, eviction, partition drop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		switch args[0] {
		case "prune":
			pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
			if err != nil {
				return &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
			}
			defer pool.Close()
			jobs := processor.NewActiveJobs(pool, queue.SchemaName(cfg.Queue.TablePrefix))
			reclaimed, err := jobs.Sweep(ctx, time.Now().Add(-cfg.Processor.Timeout))
			if err != nil {
				return err
			}
			cmd.Printf("reclaimed %d stale claim(s)\n", len(reclaimed))
			return nil

		case "evict":
			store, err := openCacheStore(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer store.Close()
			evictor, ok := store.(cachestore.EvictableByAge)
			if !ok {
				return &pcerrors.ConfigError{Op: "maintenance_evict", Option: "cache_backend",
					Err: fmt.Errorf("backend %q does not support age-based eviction", cfg.Cache.Backend)}
			}
			cutoff := time.Now().Add(-cfg.Eviction.Frequency)
			removed, err := evictor.Evict(ctx, maintenancePartitionKey, cfg.Eviction.Strategy, cutoff)
			if err != nil {
				return err
			}
			cmd.Printf("evicted %d entries\n", removed)
			return nil

		case "cleanup":
			// Runs prune (claims older than the processor timeout) then
			// evict (entries older than the eviction frequency), the
			// single "do both housekeeping steps" convenience verb.
			pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
			if err != nil {
				return &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
			}
			jobs := processor.NewActiveJobs(pool, queue.SchemaName(cfg.Queue.TablePrefix))
			reclaimed, err := jobs.Sweep(ctx, time.Now().Add(-cfg.Processor.Timeout))
			pool.Close()
			if err != nil {
				return err
			}
			store, err := openCacheStore(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer store.Close()
			removed := 0
			if evictor, ok := store.(cachestore.EvictableByAge); ok {
				removed, err = evictor.Evict(ctx, maintenancePartitionKey, cfg.Eviction.Strategy, time.Now().Add(-cfg.Eviction.Frequency))
				if err != nil {
					return err
				}
			}
			cmd.Printf("reclaimed %d stale claim(s), evicted %d entries\n", len(reclaimed), removed)
			return nil

		case "partition":
			if maintenancePartitionKey == "" {
				return &pcerrors.ConfigError{Op: "maintenance_partition", Option: "--partition-key", Err: fmt.Errorf("required")}
			}
			store, err := openCacheStore(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer store.Close()
			hashes, err := store.AllKeys(ctx, maintenancePartitionKey)
			if err != nil {
				return err
			}
			dropped := 0
			for _, h := range hashes {
				ok, err := store.Delete(ctx, maintenancePartitionKey, h)
				if err != nil {
					return err
				}
				if ok {
					dropped++
				}
			}
			cmd.Printf("dropped partition %s (%d entries)\n", maintenancePartitionKey, dropped)
			return nil

		default:
			return &pcerrors.ConfigError{Op: "maintenance", Option: "target", Err: fmt.Errorf("unknown target %q (want prune|evict|cleanup|partition)", args[0])}
		}
	},
}

var maintenancePartitionKey string

func init() {
	maintenanceCmd.Flags().StringVar(&maintenancePartitionKey, "partition-key", "", "partition key (required for evict/partition)")
	rootCmd.AddCommand(maintenanceCmd)
}
