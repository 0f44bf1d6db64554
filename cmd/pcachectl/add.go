package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/decompose"
	"github.com/MPoppinga/PartitionCache-sub000/internal/fragment"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/processor"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

var (
	addDirect        bool
	addQueue         bool
	addQueueOriginal bool
	addQuery         string
	addQueryFile     string
	addPartitionKey  string
	addDatatype      string
	addCacheBackend  string
	addNoRecompose   bool
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "register a query for caching, directly or via the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := resolveQuery(addQuery, addQueryFile)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addCacheBackend != "" {
			cfg.Cache.Backend = addCacheBackend
		}
		dt := cachestore.Datatype(addDatatype)
		if !dt.Valid() {
			return &pcerrors.InvalidDatatypeError{Datatype: addDatatype}
		}
		ctx := context.Background()

		if addQueueOriginal {
			pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
			if err != nil {
				return &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
			}
			defer pool.Close()
			mgr := queue.NewManager(pool, queue.SchemaName(cfg.Queue.TablePrefix))
			status, err := mgr.PushOriginal(ctx, queue.OriginalItem{
				QueryText: query, PartitionKey: addPartitionKey, Datatype: string(dt), Priority: 1,
			})
			if err != nil {
				return err
			}
			cmd.Println(status)
			return nil
		}

		variants, err := decomposeQuery(query, addPartitionKey, addNoRecompose)
		if err != nil {
			return err
		}

		if addQueue {
			pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
			if err != nil {
				return &pcerrors.ConnectivityError{Op: "open_queue_pool", Target: "queue", Err: err}
			}
			defer pool.Close()
			mgr := queue.NewManager(pool, queue.SchemaName(cfg.Queue.TablePrefix))
			items := make([]queue.FragmentItem, len(variants))
			for i, v := range variants {
				items[i] = queue.FragmentItem{
					QueryText: v.SQL, FragmentHash: v.Hash.String(),
					PartitionKey: addPartitionKey, Datatype: string(dt), Priority: 1,
				}
			}
			statuses, err := mgr.PushFragments(ctx, items)
			if err != nil {
				return err
			}
			for i, s := range statuses {
				cmd.Printf("%s: %s\n", variants[i].Hash, s)
			}
			return nil
		}

		if addDirect {
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
			if err := store.RegisterPartition(ctx, addPartitionKey, dt, cachestore.RegisterOptions{Width: cfg.Cache.BitstringWidth}); err != nil {
				return err
			}
			exec := processor.NewPGExecutor(datasetPool)
			for _, v := range variants {
				ids, err := exec.Execute(ctx, addPartitionKey, v.SQL, dt, cfg.Processor.RowLimit)
				if err != nil {
					if kind, ok := pcerrors.ClassifyKind(err); ok {
						if putErr := store.PutStatus(ctx, addPartitionKey, v.Hash.String(), statusForKind(kind), err.Error()); putErr != nil {
							return putErr
						}
						cmd.Printf("%s: %s\n", v.Hash, kind)
						continue
					}
					return err
				}
				if err := store.PutEntry(ctx, addPartitionKey, v.Hash.String(), ids, v.SQL); err != nil {
					return err
				}
				cmd.Printf("%s: ok (%d ids)\n", v.Hash, ids.Len())
			}
			return nil
		}

		return &pcerrors.ConfigError{Op: "add", Option: "--direct|--queue|--queue-original",
			Err: fmt.Errorf("exactly one of --direct, --queue, --queue-original is required")}
	},
}

func resolveQuery(query, file string) (string, error) {
	if query != "" {
		return query, nil
	}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", &pcerrors.ConnectivityError{Op: "read_query_file", Target: file, Err: err}
		}
		return string(b), nil
	}
	return "", &pcerrors.ConfigError{Op: "resolve_query", Option: "--query|--query-file", Err: fmt.Errorf("required")}
}

// decomposeQuery parses query and either treats it as a single
// fragment (noRecompose) or enumerates its meaningful sub-SELECTs via
// the Query Decomposer (C2).
func decomposeQuery(query, partitionKey string, noRecompose bool) ([]decompose.Variant, error) {
	sel, err := fragment.Parse(query)
	if err != nil {
		return nil, err
	}
	if noRecompose {
		sql, hash, err := fragment.Canonicalize(sel, fragment.DefaultOptions())
		if err != nil {
			return nil, err
		}
		return []decompose.Variant{{SQL: sql, Hash: hash}}, nil
	}
	return decompose.Decompose(sel, partitionKey, decompose.DefaultOptions())
}

// statusForKind maps an execution-path error kind onto the cache
// entry status it is recorded under (spec §4.7 outcomes table).
func statusForKind(kind pcerrors.Kind) cachestore.EntryStatus {
	switch kind {
	case pcerrors.KindExecutionTimeout:
		return cachestore.StatusTimeout
	case pcerrors.KindExecutionLimit:
		return cachestore.StatusLimit
	default:
		return cachestore.StatusFailed
	}
}

func init() {
	addCmd.Flags().BoolVar(&addDirect, "direct", false, "execute and cache synchronously")
	addCmd.Flags().BoolVar(&addQueue, "queue", false, "decompose now, queue fragment execution")
	addCmd.Flags().BoolVar(&addQueueOriginal, "queue-original", false, "queue the raw query for later decomposition")
	addCmd.Flags().StringVar(&addQuery, "query", "", "SQL query text")
	addCmd.Flags().StringVar(&addQueryFile, "query-file", "", "path to a file containing the SQL query")
	addCmd.Flags().StringVar(&addPartitionKey, "partition-key", "", "partition key")
	addCmd.Flags().StringVar(&addDatatype, "partition-datatype", "", "integer|float|text|timestamp")
	addCmd.Flags().StringVar(&addCacheBackend, "cache-backend", "", "override the configured cache backend")
	addCmd.Flags().BoolVar(&addNoRecompose, "no-recompose", false, "cache the query as a single fragment, skip decomposition")
	rootCmd.AddCommand(addCmd)
}
