package postgres

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gurtd/gurtd/internal/errs"
)

// QueueEntry mirrors CrawlQueueEntry/RecrawlQueueEntry, which share an
// identical protocol (§4.4).
type QueueEntry struct {
	ID                     int64
	URLID                  int64
	DomainID               int64
	Priority               int
	AvailableAt            time.Time
	Attempts               int
	MaxAttempts            int
	LockedBy               *string
	LockedAt               *time.Time
	RecrawlIntervalSeconds *int64 // only set for recrawl_queue rows
}

// QueueName selects between the two identically-shaped queues.
type QueueName string

const (
	CrawlQueue   QueueName = "crawl_queue"
	RecrawlQueue QueueName = "recrawl_queue"
)

// QueueRepo implements the lease/ack/nack/reap protocol of §4.4 against
// either crawl_queue or recrawl_queue.
type QueueRepo struct {
	db   Querier
	name QueueName
}

// NewQueueRepo binds a repo to one of the two queues.
func NewQueueRepo(db Querier, name QueueName) *QueueRepo {
	return &QueueRepo{db: db, name: name}
}

// Enqueue upserts an entry, only overwriting an existing row's
// (priority, available_at) when the new values are strictly more
// favorable (§4.4, §8 queue single-presence).
func (r *QueueRepo) Enqueue(ctx context.Context, urlID, domainID int64, priority int, availableAt time.Time, maxAttempts int) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	q := fmt.Sprintf(`
INSERT INTO %s (url_id, domain_id, priority, available_at, max_attempts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (url_id) DO UPDATE SET
	priority = EXCLUDED.priority,
	available_at = EXCLUDED.available_at
WHERE EXCLUDED.priority > %s.priority
	OR (EXCLUDED.priority = %s.priority AND EXCLUDED.available_at < %s.available_at)`, r.name, r.name, r.name, r.name)

	if _, err := r.db.Exec(ctx, q, urlID, domainID, priority, availableAt, maxAttempts); err != nil {
		return errs.New(errs.Transient, "queue.enqueue", err)
	}
	return nil
}

// Lease atomically claims up to batchSize available entries, excluding
// domains already at their in-flight cap, using SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent schedulers never double-lease a row (§8 lease
// exclusivity).
func (r *QueueRepo) Lease(ctx context.Context, workerID string, batchSize int, domainsAtCap []int64) ([]QueueEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, errs.New(errs.Transient, "queue.lease.begin", err)
	}
	defer tx.Rollback(ctx)

	excl := domainsAtCap
	if excl == nil {
		excl = []int64{}
	}

	selectSQL := fmt.Sprintf(`
SELECT id, url_id, domain_id, priority, available_at, attempts, max_attempts, locked_by, locked_at%s
FROM %s
WHERE locked_by IS NULL AND available_at <= now() AND domain_id != ALL($1)
ORDER BY priority DESC, available_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`, recrawlColumn(r.name), r.name)

	rows, err := tx.Query(ctx, selectSQL, excl, batchSize)
	if err != nil {
		return nil, errs.New(errs.Transient, "queue.lease.select", err)
	}

	var entries []QueueEntry
	var ids []int64
	for rows.Next() {
		e, scanErr := scanQueueEntry(rows, r.name)
		if scanErr != nil {
			rows.Close()
			return nil, errs.New(errs.Internal, "queue.lease.scan", scanErr)
		}
		entries = append(entries, e)
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Transient, "queue.lease.rows", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	updateSQL := fmt.Sprintf(`UPDATE %s SET locked_by = $1, locked_at = now(), attempts = attempts + 1 WHERE id = ANY($2)`, r.name)
	if _, err := tx.Exec(ctx, updateSQL, workerID, ids); err != nil {
		return nil, errs.New(errs.Transient, "queue.lease.update", err)
	}
	for i := range entries {
		entries[i].Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.New(errs.Transient, "queue.lease.commit", err)
	}
	return entries, nil
}

// Ack deletes a completed entry.
func (r *QueueRepo) Ack(ctx context.Context, entryID int64) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.name)
	if _, err := r.db.Exec(ctx, q, entryID); err != nil {
		return errs.New(errs.Transient, "queue.ack", err)
	}
	return nil
}

// Nack releases the lease for retry, or deletes the entry and records a
// terminal fetch_history error once max_attempts is exhausted (§4.4).
// retryAfter, when non-nil, overrides the exponential backoff (used for
// 429 responses and rate-limiter RetryAfter results).
func (r *QueueRepo) Nack(ctx context.Context, entryID, urlID int64, attempts, maxAttempts int, retryAfter *time.Duration, fh *FetchHistoryRepo, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	if attempts >= maxAttempts {
		delQ := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.name)
		if _, err := r.db.Exec(ctx, delQ, entryID); err != nil {
			return errs.New(errs.Transient, "queue.nack.delete", err)
		}
		if fh != nil {
			_ = fh.Record(ctx, FetchHistoryRow{
				URLID:   urlID,
				Outcome: FetchOutcomeError,
				Reason:  &reason,
			})
		}
		return nil
	}

	wait := retryAfter
	if wait == nil {
		d := Backoff(attempts)
		wait = &d
	}

	q := fmt.Sprintf(`UPDATE %s SET locked_by = NULL, locked_at = NULL, available_at = now() + $2 WHERE id = $1`, r.name)
	if _, err := r.db.Exec(ctx, q, entryID, *wait); err != nil {
		return errs.New(errs.Transient, "queue.nack.update", err)
	}
	return nil
}

// Reap unlocks entries whose lease has gone stale, making crashed
// workers' claims recoverable (§4.4, §8 crash recovery scenario).
func (r *QueueRepo) Reap(ctx context.Context, staleAfter time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	q := fmt.Sprintf(`UPDATE %s SET locked_by = NULL, locked_at = NULL WHERE locked_at < now() - $1::interval`, r.name)
	tag, err := r.db.Exec(ctx, q, staleAfter)
	if err != nil {
		return 0, errs.New(errs.Transient, "queue.reap", err)
	}
	return tag.RowsAffected(), nil
}

// DomainsAtCap returns domain IDs with at least cap in-flight (locked)
// entries across this queue, for the scheduler's per-domain cap (§4.5).
func (r *QueueRepo) DomainsAtCap(ctx context.Context, inFlightCap int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	q := fmt.Sprintf(`SELECT domain_id FROM %s WHERE locked_by IS NOT NULL GROUP BY domain_id HAVING count(*) >= $1`, r.name)
	rows, err := r.db.Query(ctx, q, inFlightCap)
	if err != nil {
		return nil, errs.New(errs.Transient, "queue.domains_at_cap", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.New(errs.Internal, "queue.domains_at_cap.scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Backoff implements backoff(n) = min(base * 2^(n-1), 1h) jittered ±20%
// (§4.4).
func Backoff(attempt int) time.Duration {
	const base = 30 * time.Second
	const max = time.Hour
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(base) * math.Pow(2, float64(attempt-1))
	if raw > float64(max) {
		raw = float64(max)
	}
	jitterRange := raw * 0.4
	n, err := rand.Int(rand.Reader, big.NewInt(int64(jitterRange)+1))
	jitter := 0.0
	if err == nil {
		jitter = float64(n.Int64())
	}
	return time.Duration(raw - jitterRange/2 + jitter)
}

func recrawlColumn(name QueueName) string {
	if name == RecrawlQueue {
		return ", recrawl_interval_seconds"
	}
	return ", NULL::bigint"
}

func scanQueueEntry(rows pgx.Rows, name QueueName) (QueueEntry, error) {
	var e QueueEntry
	var interval *int64
	err := rows.Scan(&e.ID, &e.URLID, &e.DomainID, &e.Priority, &e.AvailableAt, &e.Attempts, &e.MaxAttempts, &e.LockedBy, &e.LockedAt, &interval)
	if err != nil {
		return QueueEntry{}, err
	}
	if name == RecrawlQueue {
		e.RecrawlIntervalSeconds = interval
	}
	return e, nil
}
