package scheduler

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockKey is an arbitrary constant identifying the scheduler's
// leader lock; pg_advisory_lock locks are keyed by int64 and scoped to the
// session that took them, so only one gurtd process at a time can hold it.
const advisoryLockKey = 0x67757274 // "gurt" in hex, chosen for readability in pg_locks

// leaderElector holds a single pooled connection for the lifetime of
// leadership, since session-level advisory locks are tied to the
// connection that acquired them and would be silently released if pgxpool
// handed that connection back to another caller.
type leaderElector struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

func newLeaderElector(pool *pgxpool.Pool) *leaderElector {
	return &leaderElector{pool: pool}
}

// tryAcquire attempts to become leader, returning false if another process
// already holds the lock. Safe to call repeatedly; a process that is
// already leader simply re-confirms it still holds the connection.
func (e *leaderElector) tryAcquire(ctx context.Context) (bool, error) {
	if e.conn != nil {
		return true, nil
	}
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return false, err
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	e.conn = conn
	return true, nil
}

// release gives up leadership, unlocking and returning the connection to
// the pool.
func (e *leaderElector) release(ctx context.Context) {
	if e.conn == nil {
		return
	}
	_, _ = e.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey)
	e.conn.Release()
	e.conn = nil
}
