package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gurtd/gurtd/internal/errs"
)

// SegmentRow mirrors the IndexSegment entity.
type SegmentRow struct {
	ID               int64
	SegmentID        uuid.UUID
	CommitGeneration int64
	Tier             int
	DocCount         int
	ByteSize         int64
	PublishedAt      *time.Time
	DeletedAt        *time.Time
}

// SegmentRepo persists index_segments and hands out generation numbers
// from the singleton index_meta row (§4.8).
type SegmentRepo struct {
	db Querier
}

// NewSegmentRepo wraps a Querier.
func NewSegmentRepo(db Querier) *SegmentRepo { return &SegmentRepo{db: db} }

// PublishSegment locks the index_meta singleton row, computes
// last_generation + 1, and inserts the segment row in the same
// transaction, so a crash between the two never leaks a generation.
func (r *SegmentRepo) PublishSegment(ctx context.Context, segmentID uuid.UUID, tier, docCount int, byteSize int64) (SegmentRow, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return SegmentRow{}, errs.New(errs.Transient, "segments.publish.begin", err)
	}
	defer tx.Rollback(ctx)

	var lastGen int64
	if err := tx.QueryRow(ctx, `SELECT last_generation FROM index_meta WHERE id = 1 FOR UPDATE`).Scan(&lastGen); err != nil {
		return SegmentRow{}, errs.New(errs.Transient, "segments.publish.lock_meta", err)
	}
	nextGen := lastGen + 1

	if _, err := tx.Exec(ctx, `UPDATE index_meta SET last_generation = $1 WHERE id = 1`, nextGen); err != nil {
		return SegmentRow{}, errs.New(errs.Transient, "segments.publish.bump", err)
	}

	const ins = `
INSERT INTO index_segments (segment_id, commit_generation, tier, doc_count, byte_size, published_at)
VALUES ($1, $2, $3, $4, $5, now())
RETURNING id, published_at`
	var row SegmentRow
	row.SegmentID = segmentID
	row.CommitGeneration = nextGen
	row.Tier = tier
	row.DocCount = docCount
	row.ByteSize = byteSize
	if err := tx.QueryRow(ctx, ins, segmentID, nextGen, tier, docCount, byteSize).Scan(&row.ID, &row.PublishedAt); err != nil {
		return SegmentRow{}, errs.New(errs.Transient, "segments.publish.insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SegmentRow{}, errs.New(errs.Transient, "segments.publish.commit", err)
	}
	return row, nil
}

// LiveSegments returns every segment that is published and not deleted,
// ordered by commit_generation, for the query planner's snapshot (§4.10).
func (r *SegmentRepo) LiveSegments(ctx context.Context) ([]SegmentRow, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT id, segment_id, commit_generation, tier, doc_count, byte_size, published_at, deleted_at FROM index_segments WHERE published_at IS NOT NULL AND deleted_at IS NULL ORDER BY commit_generation`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, errs.New(errs.Transient, "segments.live", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var s SegmentRow
		if err := rows.Scan(&s.ID, &s.SegmentID, &s.CommitGeneration, &s.Tier, &s.DocCount, &s.ByteSize, &s.PublishedAt, &s.DeletedAt); err != nil {
			return nil, errs.New(errs.Internal, "segments.live.scan", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SegmentsInTier returns live segments in a given tier, for the
// background merge policy (§4.8).
func (r *SegmentRepo) SegmentsInTier(ctx context.Context, tier int) ([]SegmentRow, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT id, segment_id, commit_generation, tier, doc_count, byte_size, published_at, deleted_at FROM index_segments WHERE tier = $1 AND published_at IS NOT NULL AND deleted_at IS NULL ORDER BY commit_generation`
	rows, err := r.db.Query(ctx, q, tier)
	if err != nil {
		return nil, errs.New(errs.Transient, "segments.in_tier", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var s SegmentRow
		if err := rows.Scan(&s.ID, &s.SegmentID, &s.CommitGeneration, &s.Tier, &s.DocCount, &s.ByteSize, &s.PublishedAt, &s.DeletedAt); err != nil {
			return nil, errs.New(errs.Internal, "segments.in_tier.scan", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkDeleted flags a segment as logically deleted once all readers have
// drained (§4.8, §9 refcount grace period).
func (r *SegmentRepo) MarkDeleted(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `UPDATE index_segments SET deleted_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, id); err != nil {
		return errs.New(errs.Transient, "segments.mark_deleted", err)
	}
	return nil
}
