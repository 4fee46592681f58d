// Package segment implements the immutable, append-only on-disk index
// segment format (§4.8, §6): a sorted-array term dictionary, delta-vbyte
// encoded postings, an optional gzip-compressed forward store, and a
// CRC32C footer. Segments are written once by the Indexer, published via
// postgres.SegmentRepo, and opened read-only and refcounted by the Query
// Planner for as long as a query may still be scanning them.
package segment

import "errors"

// magic identifies a gurtd segment file; version allows the format to
// evolve without a library like an FST being required to read it back
// (no FST/vellum-equivalent package exists anywhere in the examined
// third-party corpus, so the dictionary uses sorted-array binary search
// instead of a finite-state transducer).
var magic = [4]byte{'G', 'U', 'R', 'T'}

const formatVersion = 1

// ErrBadMagic/ErrBadVersion/ErrCorruptFooter are the parse-time failure
// modes the reader maps to errs.Corruption.
var (
	ErrBadMagic      = errors.New("segment: bad magic bytes")
	ErrBadVersion    = errors.New("segment: unsupported format version")
	ErrCorruptFooter = errors.New("segment: CRC32C footer mismatch")
)

// Posting is one occurrence of a term in a document, as accumulated by
// the indexer before a segment is written.
type Posting struct {
	DocID     uint32
	TermFreq  uint32
	Positions []uint32
}

// ForwardEntry is the stored document body the query planner uses for
// snippet extraction, keyed by the segment-local doc ID.
type ForwardEntry struct {
	DocID    uint32
	URL      string
	Title    string
	Text     string
	Length   uint32 // token count, used by BM25's length-normalization term
}

// dictEntry is one row of the sorted term dictionary: the term string,
// the byte offset of its postings list within the postings block, and
// the postings list's encoded length.
type dictEntry struct {
	term       string
	postingOff uint64
	postingLen uint64
	docFreq    uint32
}
