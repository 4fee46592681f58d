package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gurtd/gurtd/internal/errs"
)

// QueryCacheRow mirrors the QueryCacheEntry entity.
type QueryCacheRow struct {
	QueryHash         []byte
	Result            []byte // JSON-encoded query.Response
	SegmentGeneration int64
	ExpiresAt         *time.Time
	HitCount          int64
	LastAccessedAt    time.Time
}

// QueryCacheRepo persists the database-backed query result cache (§4.10,
// §9 open question on generation-based invalidation).
type QueryCacheRepo struct {
	db Querier
}

// NewQueryCacheRepo wraps a Querier.
func NewQueryCacheRepo(db Querier) *QueryCacheRepo { return &QueryCacheRepo{db: db} }

// Get returns the cached row if present and not expired, and atomically
// bumps hit_count/last_accessed_at (§3 QueryCacheEntry invariant).
func (r *QueryCacheRepo) Get(ctx context.Context, queryHash []byte) (QueryCacheRow, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `
UPDATE query_cache SET hit_count = hit_count + 1, last_accessed_at = now()
WHERE query_hash = $1 AND (expires_at IS NULL OR expires_at > now())
RETURNING query_hash, result, segment_generation, expires_at, hit_count, last_accessed_at`
	var row QueryCacheRow
	err := r.db.QueryRow(ctx, q, queryHash).Scan(&row.QueryHash, &row.Result, &row.SegmentGeneration, &row.ExpiresAt, &row.HitCount, &row.LastAccessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueryCacheRow{}, false, nil
	}
	if err != nil {
		return QueryCacheRow{}, false, errs.New(errs.Transient, "querycache.get", err)
	}
	return row, true, nil
}

// Put inserts or replaces a cache entry.
func (r *QueryCacheRepo) Put(ctx context.Context, queryHash []byte, result []byte, segmentGeneration int64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	expiresAt := time.Now().UTC().Add(ttl)
	const q = `
INSERT INTO query_cache (query_hash, result, segment_generation, expires_at, hit_count, last_accessed_at)
VALUES ($1, $2, $3, $4, 0, now())
ON CONFLICT (query_hash) DO UPDATE SET
	result = EXCLUDED.result, segment_generation = EXCLUDED.segment_generation,
	expires_at = EXCLUDED.expires_at, hit_count = 0, last_accessed_at = now()`
	if _, err := r.db.Exec(ctx, q, queryHash, result, segmentGeneration, expiresAt); err != nil {
		return errs.New(errs.Transient, "querycache.put", err)
	}
	return nil
}

// InvalidateGeneration deletes cache rows computed against a segment
// generation that no longer exists, complementing TTL-based expiry (§9).
func (r *QueryCacheRepo) InvalidateGeneration(ctx context.Context, generation int64) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `DELETE FROM query_cache WHERE segment_generation = $1`
	if _, err := r.db.Exec(ctx, q, generation); err != nil {
		return errs.New(errs.Transient, "querycache.invalidate", err)
	}
	return nil
}
