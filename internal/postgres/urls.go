package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gurtd/gurtd/internal/errs"
)

// Fetch outcomes per §3.
const (
	FetchOutcomePending  = "pending"
	FetchOutcomeSuccess  = "success"
	FetchOutcomeRedirect = "redirect"
	FetchOutcomeError    = "error"
)

// URL mirrors the URL entity.
type URL struct {
	ID               int64
	DomainID         int64
	CanonicalURL     string
	NormalizedHash   []byte
	FetchPriority    int
	LastFetchOutcome string
	LastFetchAt      *time.Time
	LastStatusCode   *int
	LastETag         *string
	LastModified     *string
	ContentHash      []byte
	RobotsBlocked    bool
	DiscoveredAt     time.Time
}

// URLRepo persists URL rows.
type URLRepo struct {
	db Querier
}

// NewURLRepo wraps a Querier.
func NewURLRepo(db Querier) *URLRepo { return &URLRepo{db: db} }

// EnsureURL inserts a URL row for (domainID, canonicalURL, normalizedHash)
// if absent, returning the (possibly pre-existing) row. The
// (domain_id, normalized_hash) unique constraint makes this safe under
// concurrent discovery by multiple parser goroutines (§8 URL uniqueness).
func (r *URLRepo) EnsureURL(ctx context.Context, domainID int64, canonicalURL string, normalizedHash []byte, priority int) (URL, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	const ins = `
INSERT INTO urls (domain_id, canonical_url, normalized_hash, fetch_priority)
VALUES ($1, $2, $3, $4)
ON CONFLICT (domain_id, normalized_hash) DO NOTHING
RETURNING id, domain_id, canonical_url, normalized_hash, fetch_priority, last_fetch_outcome, last_fetch_at, last_status_code, last_etag, last_modified, content_hash, robots_blocked, discovered_at`

	u, err := scanURL(r.db.QueryRow(ctx, ins, domainID, canonicalURL, normalizedHash, priority))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return URL{}, false, errs.New(errs.Transient, "urls.ensure", err)
	}

	const sel = `SELECT id, domain_id, canonical_url, normalized_hash, fetch_priority, last_fetch_outcome, last_fetch_at, last_status_code, last_etag, last_modified, content_hash, robots_blocked, discovered_at FROM urls WHERE domain_id = $1 AND normalized_hash = $2`
	existing, err := scanURL(r.db.QueryRow(ctx, sel, domainID, normalizedHash))
	if err != nil {
		return URL{}, false, errs.New(errs.Transient, "urls.ensure.reselect", err)
	}
	return existing, false, nil
}

// GetByID fetches a URL row by id.
func (r *URLRepo) GetByID(ctx context.Context, id int64) (URL, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT id, domain_id, canonical_url, normalized_hash, fetch_priority, last_fetch_outcome, last_fetch_at, last_status_code, last_etag, last_modified, content_hash, robots_blocked, discovered_at FROM urls WHERE id = $1`
	u, err := scanURL(r.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return URL{}, errs.New(errs.Permanent, "urls.get", errs.ErrNotFound)
	}
	if err != nil {
		return URL{}, errs.New(errs.Transient, "urls.get", err)
	}
	return u, nil
}

// GetByCanonicalURL fetches a URL row by its canonical form, used by the
// Query Planner to join a forward-store entry back to its authority row.
func (r *URLRepo) GetByCanonicalURL(ctx context.Context, canonicalURL string) (URL, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT id, domain_id, canonical_url, normalized_hash, fetch_priority, last_fetch_outcome, last_fetch_at, last_status_code, last_etag, last_modified, content_hash, robots_blocked, discovered_at FROM urls WHERE canonical_url = $1`
	u, err := scanURL(r.db.QueryRow(ctx, q, canonicalURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return URL{}, errs.New(errs.Permanent, "urls.get_by_canonical", errs.ErrNotFound)
	}
	if err != nil {
		return URL{}, errs.New(errs.Transient, "urls.get_by_canonical", err)
	}
	return u, nil
}

// RecordFetchResult updates the denormalized last_* fields after a fetch.
func (r *URLRepo) RecordFetchResult(ctx context.Context, id int64, outcome string, statusCode *int, etag, lastModified *string, contentHash []byte, robotsBlocked bool) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `
UPDATE urls SET last_fetch_outcome = $2, last_fetch_at = now(), last_status_code = $3,
	last_etag = $4, last_modified = $5, content_hash = $6, robots_blocked = $7
WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id, outcome, statusCode, etag, lastModified, contentHash, robotsBlocked); err != nil {
		return errs.New(errs.Transient, "urls.record_fetch", err)
	}
	return nil
}

func scanURL(row pgx.Row) (URL, error) {
	var u URL
	err := row.Scan(&u.ID, &u.DomainID, &u.CanonicalURL, &u.NormalizedHash, &u.FetchPriority, &u.LastFetchOutcome,
		&u.LastFetchAt, &u.LastStatusCode, &u.LastETag, &u.LastModified, &u.ContentHash, &u.RobotsBlocked, &u.DiscoveredAt)
	if err != nil {
		return URL{}, err
	}
	return u, nil
}
