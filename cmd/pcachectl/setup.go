package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

var setupCmd = &cobra.Command{
	Use:   "setup {all|cache|queue}",
	Short: "create the schema objects a back-end needs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		target := args[0]
		if target != "all" && target != "cache" && target != "queue" {
			return &pcerrors.ConfigError{Op: "setup", Option: "target", Err: fmt.Errorf("unknown target %q (want all|cache|queue)", target)}
		}

		if target == "all" || target == "cache" {
			store, err := openCacheStore(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer store.Close()
			cmd.Println("cache store ready:", cfg.Cache.Backend)
		}

		if target == "all" || target == "queue" {
			pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
			if err != nil {
				return &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
			}
			defer pool.Close()
			mgr := queue.NewManager(pool, queue.SchemaName(cfg.Queue.TablePrefix))
			if err := mgr.CreateSchema(ctx); err != nil {
				return err
			}
			cmd.Println("queue schema ready:", cfg.Queue.TablePrefix)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
