package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore/boltdict"
	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore/filestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore/pgarray"
	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore/pgbits"
	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore/redisset"
	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore/roaring"
	"github.com/MPoppinga/PartitionCache-sub000/internal/config"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

// openCacheStore is the one place that knows about all six concrete
// back-ends, so internal/cachestore itself never has to import them.
// Backends with no pgxpool.Pool requirement (bolt, file) open their
// own resource directly from cfg.DSN/TablePrefix.
func openCacheStore(ctx context.Context, cfg config.CacheConfig) (cachestore.Store, error) {
	switch cfg.Backend {
	case "pgarray", "pgbits", "roaring":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, &pcerrors.ConnectivityError{Op: "open_cache_pool", Target: cfg.Backend, Err: err}
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, &pcerrors.ConnectivityError{Op: "ping_cache_pool", Target: cfg.Backend, Err: err}
		}
		switch cfg.Backend {
		case "pgarray":
			return pgarray.New(pool, cfg.TablePrefix), nil
		case "pgbits":
			return pgbits.New(pool, cfg.TablePrefix), nil
		default:
			return roaring.New(pool, cfg.TablePrefix), nil
		}
	case "redis":
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, &pcerrors.ConfigError{Op: "parse_redis_dsn", Option: "cache_dsn", Err: err}
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, &pcerrors.ConnectivityError{Op: "ping_redis", Target: "redis", Err: err}
		}
		return redisset.New(rdb, cfg.TablePrefix), nil
	case "bolt":
		s, err := boltdict.Open(cfg.DSN)
		if err != nil {
			return nil, &pcerrors.ConnectivityError{Op: "open_bolt", Target: cfg.DSN, Err: err}
		}
		return s, nil
	case "file":
		s, err := filestore.New(cfg.DSN)
		if err != nil {
			return nil, &pcerrors.ConnectivityError{Op: "open_filestore", Target: cfg.DSN, Err: err}
		}
		return s, nil
	default:
		return nil, &pcerrors.ConfigError{Op: "open_cache_store", Option: "cache_backend", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
	}
}
