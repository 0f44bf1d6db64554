package processor

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
)

// DatasetExecutor runs a fragment's canonical SQL against the user's
// dataset database and reports the distinct partition-identifier
// values its single result column yields (spec §4.7: "execute the
// fragment against the user's dataset database"). Implementations
// must respect ctx cancellation so a fragment exceeding its timeout
// can be abandoned at the dataset-query level (spec §5).
type DatasetExecutor interface {
	Execute(ctx context.Context, partitionKey, fragmentSQL string, dt cachestore.Datatype, limit int) (cachestore.IDSet, error)
}

// PGExecutor runs fragments against a Postgres dataset database via
// pgx, the same driver the cache store back-ends use.
type PGExecutor struct {
	pool *pgxpool.Pool
}

func NewPGExecutor(pool *pgxpool.Pool) *PGExecutor {
	return &PGExecutor{pool: pool}
}

// Execute scans up to limit+1 rows of the fragment's single result
// column; a (limit+1)th row means the fragment exceeded the
// configured row limit and the caller should record status=limit
// (spec §4.7 outcomes table).
func (e *PGExecutor) Execute(ctx context.Context, partitionKey, fragmentSQL string, dt cachestore.Datatype, limit int) (cachestore.IDSet, error) {
	rows, err := e.pool.Query(ctx, fragmentSQL)
	if err != nil {
		return cachestore.IDSet{}, classifyExecErr(partitionKey, "", err)
	}
	defer rows.Close()

	ids := cachestore.IDSet{Datatype: dt}
	count := 0
	for rows.Next() {
		count++
		if limit > 0 && count > limit {
			return cachestore.IDSet{}, &pcerrors.ExecutionLimitError{PartitionKey: partitionKey, Limit: limit}
		}
		if err := scanInto(&ids, rows); err != nil {
			return cachestore.IDSet{}, classifyExecErr(partitionKey, "", err)
		}
	}
	if err := rows.Err(); err != nil {
		return cachestore.IDSet{}, classifyExecErr(partitionKey, "", err)
	}
	return ids, nil
}

func scanInto(ids *cachestore.IDSet, rows pgx.Rows) error {
	switch ids.Datatype {
	case cachestore.Integer:
		var v int64
		if err := rows.Scan(&v); err != nil {
			return err
		}
		ids.Ints = append(ids.Ints, v)
	case cachestore.Float:
		var v float64
		if err := rows.Scan(&v); err != nil {
			return err
		}
		ids.Floats = append(ids.Floats, v)
	case cachestore.Text:
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		ids.Texts = append(ids.Texts, v)
	case cachestore.Timestamp:
		var v time.Time
		if err := rows.Scan(&v); err != nil {
			return err
		}
		ids.Times = append(ids.Times, v)
	default:
		return &pcerrors.InvalidDatatypeError{Datatype: string(ids.Datatype)}
	}
	return nil
}

// classifyExecErr distinguishes a context-deadline failure (timeout
// outcome) from every other dataset-query error (failed outcome).
func classifyExecErr(partitionKey, fragmentHash string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &pcerrors.ExecutionTimeoutError{PartitionKey: partitionKey, FragmentHash: fragmentHash}
	}
	return &pcerrors.ExecutionFailedError{PartitionKey: partitionKey, FragmentHash: fragmentHash, Err: err}
}
