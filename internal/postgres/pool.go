// Package postgres is the relational store backing every durable entity in
// the data model: domains, urls, the two crawl queues, robots cache, fetch
// history, link graph, segment metadata, query cache, and rate limits. It
// is the single source of truth; row locks and SKIP LOCKED provide the
// at-most-once leasing the queue manager and rate limiter depend on.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CallTimeout bounds every individual database round-trip per §5.
const CallTimeout = 5 * time.Second

// Pool wraps a pgxpool.Pool. Repositories take a *Pool (or, in tests, the
// narrower Querier interface they actually need) rather than depending on
// pgxpool directly, so pgxmock can stand in for unit tests.
type Pool struct {
	*pgxpool.Pool
}

// Connect opens a pool against dsn and verifies connectivity with a ping.
func Connect(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

// Close releases all pooled connections.
func (p *Pool) Close() {
	p.Pool.Close()
}
