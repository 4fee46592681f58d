package postgres

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gurtd/gurtd/internal/errs"
)

// AcquireResult is the outcome of a token-bucket acquisition attempt.
type AcquireResult struct {
	Acquired   bool
	RetryAfter time.Duration
}

// RateLimitRepo implements the database-backed token bucket of §4.3.
type RateLimitRepo struct {
	db Querier
}

// NewRateLimitRepo wraps a Querier.
func NewRateLimitRepo(db Querier) *RateLimitRepo { return &RateLimitRepo{db: db} }

// EnsureBucket seeds a rate_limits row for a newly-ready domain if absent.
func (r *RateLimitRepo) EnsureBucket(ctx context.Context, domainID int64, limitPerSecond, burstCapacity float64) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `
INSERT INTO rate_limits (domain_id, limit_per_second, burst_capacity, tokens_remaining, last_refill_at)
VALUES ($1, $2, $3, $3, now())
ON CONFLICT (domain_id) DO NOTHING`
	if _, err := r.db.Exec(ctx, q, domainID, limitPerSecond, burstCapacity); err != nil {
		return errs.New(errs.Transient, "ratelimit.ensure", err)
	}
	return nil
}

// GetParams returns a domain's configured rate and burst, used by the
// in-process fast-path limiter to size its local token bucket the same as
// the database's.
func (r *RateLimitRepo) GetParams(ctx context.Context, domainID int64) (limitPerSecond, burstCapacity float64, err error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT limit_per_second, burst_capacity FROM rate_limits WHERE domain_id = $1`
	if scanErr := r.db.QueryRow(ctx, q, domainID).Scan(&limitPerSecond, &burstCapacity); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0.5, 2, nil
		}
		return 0, 0, errs.New(errs.Transient, "ratelimit.get_params", scanErr)
	}
	return limitPerSecond, burstCapacity, nil
}

// TryAcquire leases the row FOR UPDATE, refills tokens for elapsed time,
// and either decrements a token or returns how long to wait (§4.3). A
// lease never loses more than one token per attempt regardless of retries,
// because the refill computation and decrement happen in the same
// transaction as the row lock.
func (r *RateLimitRepo) TryAcquire(ctx context.Context, domainID int64) (AcquireResult, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return AcquireResult{}, errs.New(errs.Transient, "ratelimit.begin", err)
	}
	defer tx.Rollback(ctx)

	const sel = `SELECT limit_per_second, burst_capacity, tokens_remaining, last_refill_at FROM rate_limits WHERE domain_id = $1 FOR UPDATE`
	var limitPerSecond, burst, tokens float64
	var lastRefill time.Time
	if err := tx.QueryRow(ctx, sel, domainID).Scan(&limitPerSecond, &burst, &tokens, &lastRefill); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AcquireResult{}, errs.New(errs.Permanent, "ratelimit.try_acquire", errs.ErrNotFound)
		}
		return AcquireResult{}, errs.New(errs.Transient, "ratelimit.select", err)
	}

	now := time.Now().UTC()
	elapsed := now.Sub(lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(burst, tokens+elapsed*limitPerSecond)

	var result AcquireResult
	if tokens >= 1 {
		tokens -= 1
		result = AcquireResult{Acquired: true}
	} else if limitPerSecond > 0 {
		wait := (1 - tokens) / limitPerSecond
		result = AcquireResult{Acquired: false, RetryAfter: time.Duration(wait * float64(time.Second))}
	} else {
		result = AcquireResult{Acquired: false, RetryAfter: time.Hour}
	}

	const upd = `UPDATE rate_limits SET tokens_remaining = $2, last_refill_at = $3 WHERE domain_id = $1`
	if _, err := tx.Exec(ctx, upd, domainID, tokens, now); err != nil {
		return AcquireResult{}, errs.New(errs.Transient, "ratelimit.update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AcquireResult{}, errs.New(errs.Transient, "ratelimit.commit", err)
	}
	return result, nil
}
