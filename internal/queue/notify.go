package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

func channelName(table string) string {
	return "pc_" + table
}

// notify issues a best-effort NOTIFY on the table's channel so waiters
// blocked in Wait wake up immediately instead of relying solely on
// the polling fallback. A NOTIFY failure is not fatal to the push.
func (m *Manager) notify(ctx context.Context, table string) error {
	q := `SELECT pg_notify($1, '')`
	if _, err := m.pool.Exec(ctx, q, channelName(table)); err != nil {
		return wrapErr("notify", table, err)
	}
	return nil
}

// Wait blocks until either a NOTIFY arrives on table's channel, the
// poll interval elapses (the fallback for deployments where LISTEN
// isn't wired end-to-end, e.g. through certain connection poolers),
// or ctx is done. It never blocks indefinitely: callers loop calling
// Pop* after each Wait return.
func (m *Manager) Wait(ctx context.Context, table string, pollInterval time.Duration) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return wrapErr("wait_acquire", table, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channelName(table)}.Sanitize()); err != nil {
		return wrapErr("listen", table, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, pollInterval)
	defer cancel()

	_, err = conn.Conn().WaitForNotification(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Timed out waiting for a notification: fall through to the
	// polling fallback by simply returning nil, letting the caller's
	// loop re-check the queue.
	return nil
}

// WaitOriginal is sugar for Wait(ctx, originalTable, pollInterval).
func (m *Manager) WaitOriginal(ctx context.Context, pollInterval time.Duration) error {
	return m.Wait(ctx, originalTable, pollInterval)
}

// WaitFragment is sugar for Wait(ctx, fragmentTable, pollInterval).
func (m *Manager) WaitFragment(ctx context.Context, pollInterval time.Duration) error {
	return m.Wait(ctx, fragmentTable, pollInterval)
}
