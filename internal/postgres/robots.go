package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gurtd/gurtd/internal/errs"
)

// RobotsCacheRow mirrors the RobotsCacheEntry entity.
type RobotsCacheRow struct {
	DomainID            int64
	Body                []byte
	FetchedAt           time.Time
	ExpiresAt           *time.Time
	ETag                *string
	Checksum            []byte
	StatusCode          *int
	ConsecutiveFailures int
}

// RobotsRepo persists the one-row-per-domain robots policy cache.
type RobotsRepo struct {
	db Querier
}

// NewRobotsRepo wraps a Querier.
func NewRobotsRepo(db Querier) *RobotsRepo { return &RobotsRepo{db: db} }

// Get fetches the cached policy for a domain, if any.
func (r *RobotsRepo) Get(ctx context.Context, domainID int64) (RobotsCacheRow, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT domain_id, body, fetched_at, expires_at, etag, checksum, status_code, consecutive_failures FROM robots_cache WHERE domain_id = $1`
	var row RobotsCacheRow
	err := r.db.QueryRow(ctx, q, domainID).Scan(&row.DomainID, &row.Body, &row.FetchedAt, &row.ExpiresAt, &row.ETag, &row.Checksum, &row.StatusCode, &row.ConsecutiveFailures)
	if errors.Is(err, pgx.ErrNoRows) {
		return RobotsCacheRow{}, false, nil
	}
	if err != nil {
		return RobotsCacheRow{}, false, errs.New(errs.Transient, "robots.get", err)
	}
	return row, true, nil
}

// Upsert stores a freshly fetched (or revalidated) policy.
func (r *RobotsRepo) Upsert(ctx context.Context, row RobotsCacheRow) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `
INSERT INTO robots_cache (domain_id, body, fetched_at, expires_at, etag, checksum, status_code, consecutive_failures)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (domain_id) DO UPDATE SET
	body = EXCLUDED.body, fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at,
	etag = EXCLUDED.etag, checksum = EXCLUDED.checksum, status_code = EXCLUDED.status_code,
	consecutive_failures = EXCLUDED.consecutive_failures`
	if _, err := r.db.Exec(ctx, q, row.DomainID, row.Body, row.FetchedAt, row.ExpiresAt, row.ETag, row.Checksum, row.StatusCode, row.ConsecutiveFailures); err != nil {
		return errs.New(errs.Transient, "robots.upsert", err)
	}
	return nil
}

// ExtendExpiry advances expires_at without altering the stored body, used
// on 304 revalidation and on network-error backoff (§4.2).
func (r *RobotsRepo) ExtendExpiry(ctx context.Context, domainID int64, newExpiry time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `UPDATE robots_cache SET expires_at = $2 WHERE domain_id = $1`
	if _, err := r.db.Exec(ctx, q, domainID, newExpiry); err != nil {
		return errs.New(errs.Transient, "robots.extend_expiry", err)
	}
	return nil
}
