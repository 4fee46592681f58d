package indexer

import (
	"context"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/errs"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/segment"
)

// Merger implements the §4.8 merge policy: segments are bucketed by the
// tier stored on their row (the indexer publishes at its Config.Tier, 0
// unless set, and a merge publishes one tier above its inputs), and a tier
// with MergeTierSize or more live segments gets compacted into a single
// segment one tier up. Tiers are not derived from doc_count. This keeps
// the query planner's per-query segment fan-out bounded without ever
// blocking ingestion on a stop-the-world rebuild.
type Merger struct {
	repo     *postgres.SegmentRepo
	segDir   string
	tierSize int
	maxTier  int
	logger   *zap.Logger
}

// NewMerger builds a Merger. maxTier bounds how many tiers are swept each
// run so a runaway backlog can't make one sweep unbounded.
func NewMerger(repo *postgres.SegmentRepo, segDir string, tierSize int, logger *zap.Logger) *Merger {
	if tierSize <= 0 {
		tierSize = 4
	}
	return &Merger{repo: repo, segDir: segDir, tierSize: tierSize, maxTier: 8, logger: logger}
}

// Sweep checks every tier from 0 upward and merges any tier that has
// crossed the fan-in threshold, repeating until no tier qualifies (a
// cascading merge can itself fill the next tier up).
func (m *Merger) Sweep(ctx context.Context) error {
	for pass := 0; pass < m.maxTier; pass++ {
		merged := false
		for tier := 0; tier < m.maxTier; tier++ {
			rows, err := m.repo.SegmentsInTier(ctx, tier)
			if err != nil {
				return errs.New(errs.Transient, "merger.list_tier", err)
			}
			if len(rows) < m.tierSize {
				continue
			}
			if err := m.mergeTier(ctx, tier, rows); err != nil {
				return err
			}
			merged = true
		}
		if !merged {
			return nil
		}
	}
	return nil
}

func (m *Merger) mergeTier(ctx context.Context, tier int, rows []postgres.SegmentRow) error {
	readers := make([]*segment.Reader, 0, len(rows))
	defer func() {
		for _, r := range readers {
			r.Release()
		}
	}()
	for _, row := range rows {
		r, err := segment.Open(SegmentPath(m.segDir, row.SegmentID))
		if err != nil {
			return errs.New(errs.Corruption, "merger.open", err)
		}
		readers = append(readers, r)
	}

	builder := segment.NewBuilder()
	for _, r := range readers {
		postingsByDoc := make(map[uint32][]segment.PostingTerm)
		for _, term := range r.Terms() {
			postings, _ := r.Postings(term)
			for _, p := range postings {
				for _, pos := range p.Positions {
					postingsByDoc[p.DocID] = append(postingsByDoc[p.DocID], segment.PostingTerm{Term: term, Position: int(pos)})
				}
			}
		}
		for docID := 0; docID < r.DocCount(); docID++ {
			entry, ok := r.Doc(uint32(docID))
			if !ok {
				continue
			}
			builder.AddDocument(entry.URL, entry.Title, entry.Text, postingsByDoc[uint32(docID)])
		}
	}

	segID := uuid.New()
	path := SegmentPath(m.segDir, segID)
	n, err := builder.WriteFile(path)
	if err != nil {
		return errs.New(errs.Transient, "merger.write", err)
	}

	newRow, err := m.repo.PublishSegment(ctx, segID, tier+1, builder.DocCount(), n)
	if err != nil {
		_ = os.Remove(path)
		return errs.New(errs.Transient, "merger.publish", err)
	}

	for _, row := range rows {
		if err := m.repo.MarkDeleted(ctx, row.ID); err != nil && m.logger != nil {
			m.logger.Warn("failed to mark merged segment deleted", zap.Int64("segment_row_id", row.ID), zap.Error(err))
		}
	}

	if m.logger != nil {
		m.logger.Info("segments merged",
			zap.Int("source_tier", tier),
			zap.Int("sources", len(rows)),
			zap.String("segment_id", segID.String()),
			zap.Int64("generation", newRow.CommitGeneration),
			zap.Int("docs", builder.DocCount()))
	}
	return nil
}
