package query

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/gurtd/gurtd/internal/indexer"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/segment"
)

// SegmentStore opens and caches segment.Readers for whatever the database
// currently reports as live, implementing SegmentSource. It is the single
// place a query touches the filesystem, keeping Planner itself free of
// disk concerns.
type SegmentStore struct {
	dir  string
	repo *postgres.SegmentRepo

	mu      sync.Mutex
	readers map[int64]*segment.Reader // segment row id -> open reader
}

// NewSegmentStore builds a SegmentStore rooted at dir.
func NewSegmentStore(dir string, repo *postgres.SegmentRepo) *SegmentStore {
	return &SegmentStore{dir: dir, repo: repo, readers: make(map[int64]*segment.Reader)}
}

// Acquire opens (or reuses) a reader for every currently-live segment,
// bumping each one's refcount, and returns the highest commit_generation
// observed so the caller can tag its cache entry.
func (s *SegmentStore) Acquire(ctx context.Context) ([]*segment.Reader, int64, error) {
	rows, err := s.repo.LiveSegments(ctx)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var readers []*segment.Reader
	var maxGen int64
	for _, row := range rows {
		if row.CommitGeneration > maxGen {
			maxGen = row.CommitGeneration
		}
		r, ok := s.readers[row.ID]
		if !ok {
			path := indexer.SegmentPath(s.dir, row.SegmentID)
			opened, err := segment.Open(filepath.Clean(path))
			if err != nil {
				continue // a corrupt or not-yet-flushed segment is skipped, not fatal
			}
			s.readers[row.ID] = opened
			r = opened
		} else {
			r.Acquire()
		}
		readers = append(readers, r)
	}
	return readers, maxGen, nil
}

// Release drops the refcount taken by the matching Acquire call.
func (s *SegmentStore) Release(readers []*segment.Reader) {
	for _, r := range readers {
		r.Release()
	}
}

// Evict removes a segment's reader from the cache. The merge sweep does
// not call it.
func (s *SegmentStore) Evict(segmentRowID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readers, segmentRowID)
}
