package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "inspect and manage the durable queue",
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "report unclaimed item counts for both queue stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, pool, err := openQueueManager(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()
		lengths, err := mgr.Lengths(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("original=%d fragment=%d\n", lengths.Original, lengths.Fragment)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "delete all queued items from both stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, pool, err := openQueueManager(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := mgr.Clear(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("cleared")
		return nil
	},
}

func openQueueManager(ctx context.Context) (*queue.Manager, *pgxpool.Pool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
	if err != nil {
		return nil, nil, &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
	}
	return queue.NewManager(pool, queue.SchemaName(cfg.Queue.TablePrefix)), pool, nil
}

func init() {
	queueCmd.AddCommand(queueCountCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
