// Package indexer batches parsed documents into immutable segments and
// publishes them through postgres.SegmentRepo's atomic generation counter
// (§4.8). A segment is flushed when it crosses whichever of MaxDocs,
// MaxBytes, or MaxAge trips first, matching the teacher's batching style
// of size-or-time flush triggers.
package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/errs"
	"github.com/gurtd/gurtd/internal/metrics"
	"github.com/gurtd/gurtd/internal/parser"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/segment"
	"github.com/gurtd/gurtd/internal/tokenize"
)

// Config controls flush triggers and file placement.
type Config struct {
	SegmentDir    string
	MaxDocs       int
	MaxBytes      int64
	MaxAge        time.Duration
	Tier          int
}

// Indexer accumulates ParsedDocs into a segment.Builder and flushes it to
// disk plus the segments repo once a threshold is crossed.
type Indexer struct {
	cfg    Config
	repo   *postgres.SegmentRepo
	cache  *postgres.QueryCacheRepo
	logger *zap.Logger

	mu        sync.Mutex
	builder   *segment.Builder
	openSince time.Time
	approxLen int64
}

// New builds an Indexer.
func New(cfg Config, repo *postgres.SegmentRepo, cache *postgres.QueryCacheRepo, logger *zap.Logger) *Indexer {
	if cfg.Tier == 0 {
		cfg.Tier = 0
	}
	return &Indexer{cfg: cfg, repo: repo, cache: cache, logger: logger, builder: segment.NewBuilder(), openSince: time.Now()}
}

// Add tokenizes and appends a parsed document to the open segment,
// flushing first if any threshold has already been crossed (§4.8 step 1).
func (idx *Indexer) Add(ctx context.Context, doc parser.ParsedDoc) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.shouldFlushLocked() {
		if err := idx.flushLocked(ctx); err != nil {
			return err
		}
	}

	if idx.builder.DocCount() == 0 {
		idx.openSince = time.Now()
	}

	tokens := tokenize.Tokenize(doc.Title + " " + doc.Text)
	terms := make([]segment.PostingTerm, len(tokens))
	for i, t := range tokens {
		terms[i] = segment.PostingTerm{Term: t.Term, Position: t.Position}
	}
	idx.builder.AddDocument(doc.CanonicalURL, doc.Title, doc.Text, terms)
	idx.approxLen += int64(len(doc.Text)) + int64(len(doc.Title))
	return nil
}

// FlushIfDue flushes the open segment when a time-based threshold has
// elapsed, called periodically by the app's cron schedule even when doc
// volume is low (§4.8 "time since first unflushed document").
func (idx *Indexer) FlushIfDue(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.builder.DocCount() == 0 {
		return nil
	}
	if time.Since(idx.openSince) < idx.cfg.MaxAge {
		return nil
	}
	return idx.flushLocked(ctx)
}

// Flush forces the current segment to publish regardless of thresholds,
// used at shutdown so in-flight documents are never silently dropped.
func (idx *Indexer) Flush(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.builder.DocCount() == 0 {
		return nil
	}
	return idx.flushLocked(ctx)
}

func (idx *Indexer) shouldFlushLocked() bool {
	if idx.builder.DocCount() == 0 {
		return false
	}
	if idx.cfg.MaxDocs > 0 && idx.builder.DocCount() >= idx.cfg.MaxDocs {
		return true
	}
	if idx.cfg.MaxBytes > 0 && idx.approxLen >= idx.cfg.MaxBytes {
		return true
	}
	if idx.cfg.MaxAge > 0 && time.Since(idx.openSince) >= idx.cfg.MaxAge {
		return true
	}
	return false
}

func (idx *Indexer) flushLocked(ctx context.Context) error {
	segID := uuid.New()
	path := SegmentPath(idx.cfg.SegmentDir, segID)

	n, err := idx.builder.WriteFile(path)
	if err != nil {
		return err
	}

	docCount := idx.builder.DocCount()
	row, err := idx.repo.PublishSegment(ctx, segID, idx.cfg.Tier, docCount, n)
	if err != nil {
		return errs.New(errs.Transient, "indexer.publish", err)
	}

	if idx.logger != nil {
		idx.logger.Info("segment published",
			zap.String("segment_id", segID.String()),
			zap.Int64("generation", row.CommitGeneration),
			zap.Int("docs", docCount),
			zap.Int64("bytes", n))
	}
	metrics.ObserveSegmentFlushed()

	idx.builder = segment.NewBuilder()
	idx.openSince = time.Now()
	idx.approxLen = 0
	return nil
}

// SegmentPath reproduces the on-disk path for a published segment, used
// by the query planner to open readers for live segments.
func SegmentPath(dir string, segID uuid.UUID) string {
	return filepath.Join(dir, fmt.Sprintf("seg-%s", segID))
}
