package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gurtd/gurtd/internal/errs"
)

// Domain statuses per §3.
const (
	DomainPending = "pending"
	DomainReady   = "ready"
	DomainBlocked = "blocked"
	DomainError   = "error"
)

// Domain mirrors the Domain entity.
type Domain struct {
	ID                         int64
	Name                       string
	Status                     string
	CrawlIntervalSeconds       int64
	SubmissionSource           string
	RobotsConsecutiveFailures  int
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// DomainRepo persists Domain rows.
type DomainRepo struct {
	db Querier
}

// NewDomainRepo wraps a Querier.
func NewDomainRepo(db Querier) *DomainRepo { return &DomainRepo{db: db} }

// UpsertPending inserts name with status=pending, or returns the existing
// row unchanged if one already exists. Submission is idempotent (§8).
func (r *DomainRepo) UpsertPending(ctx context.Context, name, submissionSource string) (Domain, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	const q = `
INSERT INTO domains (name, status, submission_source)
VALUES ($1, 'pending', $2)
ON CONFLICT (name) DO NOTHING
RETURNING id, name, status, crawl_interval_seconds, submission_source, robots_consecutive_failures, created_at, updated_at`

	d, err := scanDomain(r.db.QueryRow(ctx, q, name, submissionSource))
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Domain{}, false, errs.New(errs.Transient, "domains.upsert", err)
	}

	existing, err := r.GetByName(ctx, name)
	if err != nil {
		return Domain{}, false, err
	}
	return existing, false, nil
}

// GetByName fetches a domain by its lowercased name.
func (r *DomainRepo) GetByName(ctx context.Context, name string) (Domain, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT id, name, status, crawl_interval_seconds, submission_source, robots_consecutive_failures, created_at, updated_at FROM domains WHERE name = $1`
	d, err := scanDomain(r.db.QueryRow(ctx, q, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Domain{}, errs.New(errs.Permanent, "domains.get", errs.ErrNotFound)
	}
	if err != nil {
		return Domain{}, errs.New(errs.Transient, "domains.get", err)
	}
	return d, nil
}

// GetByID fetches a domain by its primary key, used by the scheduler to
// resolve a queue entry's domain_id back to a name and rate parameters.
func (r *DomainRepo) GetByID(ctx context.Context, id int64) (Domain, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT id, name, status, crawl_interval_seconds, submission_source, robots_consecutive_failures, created_at, updated_at FROM domains WHERE id = $1`
	d, err := scanDomain(r.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Domain{}, errs.New(errs.Permanent, "domains.get_by_id", errs.ErrNotFound)
	}
	if err != nil {
		return Domain{}, errs.New(errs.Transient, "domains.get_by_id", err)
	}
	return d, nil
}

// MarkReady transitions a domain to ready once robots has resolved.
func (r *DomainRepo) MarkReady(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, DomainReady)
}

// MarkError transitions a domain to error after repeated robots failures.
func (r *DomainRepo) MarkError(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, DomainError)
}

func (r *DomainRepo) setStatus(ctx context.Context, id int64, status string) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `UPDATE domains SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id, status); err != nil {
		return errs.New(errs.Transient, "domains.set_status", err)
	}
	return nil
}

// IncrementRobotsFailures bumps the consecutive-failure counter and, past
// five failures, marks the domain errored (§4.2).
func (r *DomainRepo) IncrementRobotsFailures(ctx context.Context, id int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `UPDATE domains SET robots_consecutive_failures = robots_consecutive_failures + 1, updated_at = now() WHERE id = $1 RETURNING robots_consecutive_failures`
	var n int
	if err := r.db.QueryRow(ctx, q, id).Scan(&n); err != nil {
		return 0, errs.New(errs.Transient, "domains.inc_failures", err)
	}
	if n >= 5 {
		_ = r.setStatus(ctx, id, DomainError)
	}
	return n, nil
}

// ResetRobotsFailures clears the counter after a successful fetch.
func (r *DomainRepo) ResetRobotsFailures(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `UPDATE domains SET robots_consecutive_failures = 0, updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id); err != nil {
		return errs.New(errs.Transient, "domains.reset_failures", err)
	}
	return nil
}

// TrustedSeedIDs returns the URL IDs of pages on ready, trusted domains,
// which seed TrustRank (§4.9, §9).
func (r *DomainRepo) TrustedSeedIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT u.id FROM urls u JOIN domains d ON d.id = u.domain_id WHERE d.status = 'ready' AND d.submission_source = 'trusted'`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, errs.New(errs.Transient, "domains.trusted_seeds", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.New(errs.Internal, "domains.trusted_seeds.scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanDomain(row pgx.Row) (Domain, error) {
	var d Domain
	err := row.Scan(&d.ID, &d.Name, &d.Status, &d.CrawlIntervalSeconds, &d.SubmissionSource, &d.RobotsConsecutiveFailures, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Domain{}, err
	}
	return d, nil
}
