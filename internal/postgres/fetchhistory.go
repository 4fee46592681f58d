package postgres

import (
	"context"
	"time"

	"github.com/gurtd/gurtd/internal/errs"
)

// FetchHistoryRow mirrors the append-only FetchHistory entity.
type FetchHistoryRow struct {
	URLID       int64
	StatusCode  *int
	Outcome     string
	Reason      *string
	LatencyMS   int
	RetryCount  int
	ContentHash []byte
	Truncated   bool
}

// FetchHistoryRepo appends fetch attempt records. Rows are never mutated
// after insert (§3).
type FetchHistoryRepo struct {
	db Querier
}

// NewFetchHistoryRepo wraps a Querier.
func NewFetchHistoryRepo(db Querier) *FetchHistoryRepo { return &FetchHistoryRepo{db: db} }

// Record inserts a fetch_history row.
func (r *FetchHistoryRepo) Record(ctx context.Context, row FetchHistoryRow) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `
INSERT INTO fetch_history (url_id, status_code, outcome, reason, latency_ms, retry_count, content_hash, truncated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.Exec(ctx, q, row.URLID, row.StatusCode, row.Outcome, row.Reason, row.LatencyMS, row.RetryCount, row.ContentHash, row.Truncated); err != nil {
		return errs.New(errs.Transient, "fetch_history.record", err)
	}
	return nil
}

// LatestForURL returns fetch history rows for a URL, most recent first.
// The fetch worker builds its conditional-request headers from the URL
// row instead, and no API endpoint calls this.
func (r *FetchHistoryRepo) LatestForURL(ctx context.Context, urlID int64, limit int) ([]FetchHistoryRow, []time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT status_code, outcome, reason, latency_ms, retry_count, content_hash, truncated, fetched_at FROM fetch_history WHERE url_id = $1 ORDER BY fetched_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, q, urlID, limit)
	if err != nil {
		return nil, nil, errs.New(errs.Transient, "fetch_history.latest", err)
	}
	defer rows.Close()

	var out []FetchHistoryRow
	var times []time.Time
	for rows.Next() {
		var row FetchHistoryRow
		var fetchedAt time.Time
		if err := rows.Scan(&row.StatusCode, &row.Outcome, &row.Reason, &row.LatencyMS, &row.RetryCount, &row.ContentHash, &row.Truncated, &fetchedAt); err != nil {
			return nil, nil, errs.New(errs.Internal, "fetch_history.latest.scan", err)
		}
		row.URLID = urlID
		out = append(out, row)
		times = append(times, fetchedAt)
	}
	return out, times, rows.Err()
}
