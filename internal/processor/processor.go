package processor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MPoppinga/PartitionCache-sub000/internal/cachestore"
	"github.com/MPoppinga/PartitionCache-sub000/internal/config"
	"github.com/MPoppinga/PartitionCache-sub000/internal/decompose"
	"github.com/MPoppinga/PartitionCache-sub000/internal/fragment"
	"github.com/MPoppinga/PartitionCache-sub000/internal/pcerrors"
	"github.com/MPoppinga/PartitionCache-sub000/internal/queue"
)

// queueClient is the subset of *queue.Manager the pool depends on,
// split out as an interface (the capability-query idiom used by
// internal/cachestore) so worker-loop logic can be exercised against
// a fake in unit tests without a Postgres connection.
type queueClient interface {
	PopOriginal(ctx context.Context) (*queue.OriginalItem, error)
	PopFragment(ctx context.Context) (*queue.FragmentItem, error)
	PushFragments(ctx context.Context, items []queue.FragmentItem) ([]queue.PushStatus, error)
	AckOriginal(ctx context.Context, queryText, partitionKey string) error
	AckFragment(ctx context.Context, fragmentHash, partitionKey string) error
	ReleaseOriginal(ctx context.Context, queryText, partitionKey string) error
	ReleaseFragment(ctx context.Context, fragmentHash, partitionKey string) error
	WaitOriginal(ctx context.Context, pollInterval time.Duration) error
	WaitFragment(ctx context.Context, pollInterval time.Duration) error
}

// activeJobClaimer is the ActiveJobs subset the pool depends on.
type activeJobClaimer interface {
	CreateSchema(ctx context.Context) error
	Claim(ctx context.Context, fragmentHash, partitionKey, workerID string) (bool, error)
	Release(ctx context.Context, fragmentHash, partitionKey string) error
	Sweep(ctx context.Context, olderThan time.Time) ([]Reclaimed, error)
}

var (
	_ queueClient      = (*queue.Manager)(nil)
	_ activeJobClaimer = (*ActiveJobs)(nil)
)

// Pool runs the two worker roles of spec §4.7 — decomposer workers
// over OriginalQueue and executor workers over FragmentQueue — plus a
// housekeeping sweeper, all bounded to cfg.MaxParallelJobs concurrent
// fragment executions via a weighted semaphore (the teacher has no
// worker pool of its own; this generalizes the errgroup+semaphore
// idiom used throughout the pack's service-style repos).
type Pool struct {
	queue      queueClient
	jobs       activeJobClaimer
	store      cachestore.Store
	dataset    DatasetExecutor
	cfg        config.ProcessorConfig
	log        zerolog.Logger
	workerID   string
	pollPeriod time.Duration
}

// New assembles a Pool from its collaborators. pool is the Postgres
// pool backing both the queue schema and the ActiveJob table.
func New(pool *pgxpool.Pool, schema queue.SchemaName, q *queue.Manager, store cachestore.Store, dataset DatasetExecutor, cfg config.ProcessorConfig, log zerolog.Logger) *Pool {
	return &Pool{
		queue:      q,
		jobs:       NewActiveJobs(pool, schema),
		store:      store,
		dataset:    dataset,
		cfg:        cfg,
		log:        log,
		workerID:   uuid.NewString(),
		pollPeriod: 2 * time.Second,
	}
}

// CreateSchema creates the ActiveJob table, idempotently.
func (p *Pool) CreateSchema(ctx context.Context) error {
	return p.jobs.CreateSchema(ctx)
}

// Run blocks until ctx is cancelled, running decomposer workers,
// executor workers, and the housekeeping sweeper concurrently. It
// returns the first non-context-cancellation error from any of them.
func (p *Pool) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	n := p.cfg.MaxParallelJobs
	if n < 1 {
		n = 1
	}

	eg.Go(func() error { return p.runDecomposerLoop(ctx, n) })
	eg.Go(func() error { return p.runExecutorLoop(ctx, n) })
	eg.Go(func() error { return p.runHousekeeping(ctx) })

	return eg.Wait()
}

// runDecomposerLoop pops OriginalQueue items one at a time (popping
// is a fast, already-locked database round trip) and fans each one
// out to its own goroutine, bounded to n concurrent decompositions by
// a weighted semaphore — the "bounded worker pool" shape named in
// spec §4.7's concurrency discipline. When the queue is empty it
// falls back to Wait-then-repoll (spec §4.6's polling fallback).
func (p *Pool) runDecomposerLoop(ctx context.Context, n int) error {
	sem := semaphore.NewWeighted(int64(n))
	eg, ctx := errgroup.WithContext(ctx)

	var loopErr error
	for ctx.Err() == nil {
		item, err := p.queue.PopOriginal(ctx)
		if err != nil {
			loopErr = err
			break
		}
		if item == nil {
			if err := p.queue.WaitOriginal(ctx, p.pollPeriod); err != nil && ctx.Err() == nil {
				loopErr = err
				break
			}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		it := *item
		eg.Go(func() error {
			defer sem.Release(1)
			p.decomposeOne(ctx, it)
			return nil
		})
	}
	_ = eg.Wait()
	return loopErr
}

func (p *Pool) decomposeOne(ctx context.Context, item queue.OriginalItem) {
	log := p.log.With().Str("partition_key", item.PartitionKey).Str("query", item.QueryText).Logger()

	sel, err := fragment.Parse(item.QueryText)
	if err != nil {
		log.Warn().Err(err).Msg("unsupported syntax, skipping decomposition")
		_ = p.queue.AckOriginal(ctx, item.QueryText, item.PartitionKey)
		return
	}

	variants, err := decompose.Decompose(sel, item.PartitionKey, decompose.DefaultOptions())
	if err != nil {
		log.Error().Err(err).Msg("decomposition failed")
		_ = p.queue.ReleaseOriginal(ctx, item.QueryText, item.PartitionKey)
		return
	}

	fragments := make([]queue.FragmentItem, 0, len(variants))
	for _, v := range variants {
		fragments = append(fragments, queue.FragmentItem{
			QueryText:    v.SQL,
			FragmentHash: v.Hash.String(),
			PartitionKey: item.PartitionKey,
			Datatype:     item.Datatype,
			Priority:     item.Priority,
		})
	}
	if len(fragments) > 0 {
		if _, err := p.queue.PushFragments(ctx, fragments); err != nil {
			log.Error().Err(err).Msg("failed to push fragments")
			_ = p.queue.ReleaseOriginal(ctx, item.QueryText, item.PartitionKey)
			return
		}
	}

	if err := p.queue.AckOriginal(ctx, item.QueryText, item.PartitionKey); err != nil {
		log.Error().Err(err).Msg("failed to ack original query")
		return
	}
	log.Info().Int("fragments", len(fragments)).Msg("decomposed query")
}

// runExecutorLoop is the FragmentQueue analogue of
// runDecomposerLoop: pop, claim the ActiveJob row (I3), and fan out
// to n concurrent executor goroutines.
func (p *Pool) runExecutorLoop(ctx context.Context, n int) error {
	sem := semaphore.NewWeighted(int64(n))
	eg, ctx := errgroup.WithContext(ctx)

	var loopErr error
	for ctx.Err() == nil {
		item, err := p.queue.PopFragment(ctx)
		if err != nil {
			loopErr = err
			break
		}
		if item == nil {
			if err := p.queue.WaitFragment(ctx, p.pollPeriod); err != nil && ctx.Err() == nil {
				loopErr = err
				break
			}
			continue
		}

		claimed, err := p.jobs.Claim(ctx, item.FragmentHash, item.PartitionKey, p.workerID)
		if err != nil {
			loopErr = err
			break
		}
		if !claimed {
			// Another worker already holds this fragment (I3); release our
			// claim on the queue row so it stays pickable once that
			// worker's ActiveJob row is released.
			_ = p.queue.ReleaseFragment(ctx, item.FragmentHash, item.PartitionKey)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		it := *item
		eg.Go(func() error {
			defer sem.Release(1)
			p.executeOne(ctx, it)
			return nil
		})
	}
	_ = eg.Wait()
	return loopErr
}

func (p *Pool) executeOne(ctx context.Context, item queue.FragmentItem) {
	defer func() { _ = p.jobs.Release(ctx, item.FragmentHash, item.PartitionKey) }()

	log := p.log.With().
		Str("partition_key", item.PartitionKey).
		Str("fragment_hash", item.FragmentHash).
		Logger()

	execCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	dt := cachestore.Datatype(item.Datatype)
	ids, err := p.dataset.Execute(execCtx, item.PartitionKey, item.QueryText, dt, p.cfg.RowLimit)
	p.applyOutcome(ctx, log, item, ids, err)
}

// applyOutcome maps a fragment's execution result onto the
// five-outcome table of spec §4.7: a cache write, a queue delete
// (always — the fragment is done being attempted either way), and a
// log event.
func (p *Pool) applyOutcome(ctx context.Context, log zerolog.Logger, item queue.FragmentItem, ids cachestore.IDSet, execErr error) {
	defer func() { _ = p.queue.AckFragment(ctx, item.FragmentHash, item.PartitionKey) }()

	if execErr == nil {
		if ids.Len() == 0 {
			if err := p.store.PutNull(ctx, item.PartitionKey, item.FragmentHash); err != nil {
				log.Error().Err(err).Msg("failed to record empty result")
				return
			}
			log.Info().Msg("fragment yielded no rows")
			return
		}
		if err := p.store.PutEntry(ctx, item.PartitionKey, item.FragmentHash, ids, item.QueryText); err != nil {
			log.Error().Err(err).Msg("failed to record result set")
			return
		}
		log.Info().Int("count", ids.Len()).Msg("fragment populated")
		return
	}

	kind, _ := pcerrors.ClassifyKind(execErr)
	switch kind {
	case pcerrors.KindExecutionLimit:
		if err := p.store.PutStatus(ctx, item.PartitionKey, item.FragmentHash, cachestore.StatusLimit, execErr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to record limit status")
		}
		log.Warn().Msg("fragment exceeded row limit")
	case pcerrors.KindExecutionTimeout:
		if err := p.store.PutStatus(ctx, item.PartitionKey, item.FragmentHash, cachestore.StatusTimeout, execErr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to record timeout status")
		}
		log.Warn().Msg("fragment execution timed out")
	default:
		if err := p.store.PutStatus(ctx, item.PartitionKey, item.FragmentHash, cachestore.StatusFailed, execErr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to record failed status")
		}
		log.Error().Err(execErr).Msg("fragment execution failed")
	}
}

// runHousekeeping periodically reclaims ActiveJob rows abandoned by a
// crashed or timed-out worker, restoring the FragmentQueue item and
// recording a timeout status (spec §4.7 "Timeouts and recovery").
func (p *Pool) runHousekeeping(ctx context.Context) error {
	period := p.cfg.Frequency
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.sweepOnce(ctx); err != nil {
				p.log.Error().Err(err).Msg("housekeeping sweep failed")
			}
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) error {
	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	reclaimed, err := p.jobs.Sweep(ctx, time.Now().Add(-timeout))
	if err != nil {
		return err
	}
	for _, r := range reclaimed {
		if err := p.queue.ReleaseFragment(ctx, r.FragmentHash, r.PartitionKey); err != nil {
			p.log.Error().Err(err).Str("fragment_hash", r.FragmentHash).Msg("failed to release timed-out fragment")
			continue
		}
		if err := p.store.PutStatus(ctx, r.PartitionKey, r.FragmentHash, cachestore.StatusTimeout, "reclaimed by housekeeping sweep"); err != nil {
			p.log.Error().Err(err).Str("fragment_hash", r.FragmentHash).Msg("failed to record timeout status")
			continue
		}
		p.log.Warn().Str("partition_key", r.PartitionKey).Str("fragment_hash", r.FragmentHash).Msg("reclaimed stale active job")
	}
	return nil
}
