package segment

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/gurtd/gurtd/internal/errs"
)

// Reader is a refcounted, read-only handle onto one immutable segment
// file (§4.8, §9 refcount grace period). The query planner acquires a
// reader for the duration of one query and releases it afterward; a
// segment's bytes are only unmapped once the count reaches zero and the
// segment has been marked deleted.
type Reader struct {
	data    []byte
	dict    []dictEntry
	docBase int // byte offset of the forward store within data
	docIdx  map[uint32]int64
	refs    atomic.Int64
}

// Open memory-maps (via a plain read) a segment file and validates its
// footer before returning a Reader with an initial refcount of 1.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.Transient, "segment.open", err)
	}
	return OpenBytes(data)
}

// OpenBytes parses an in-memory segment image, used directly by tests and
// by callers that already hold the bytes.
func OpenBytes(data []byte) (*Reader, error) {
	if len(data) < 12+40 {
		return nil, errs.New(errs.Corruption, "segment.open.size", ErrCorruptFooter)
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, errs.New(errs.Corruption, "segment.open.magic", ErrBadMagic)
	}
	if binary.BigEndian.Uint32(data[4:8]) != formatVersion {
		return nil, errs.New(errs.Corruption, "segment.open.version", ErrBadVersion)
	}

	footer := data[len(data)-40:]
	dictOff := binary.BigEndian.Uint64(footer[0:8])
	dictLen := binary.BigEndian.Uint64(footer[8:16])
	forwardOff := binary.BigEndian.Uint64(footer[16:24])
	dictCount := binary.BigEndian.Uint32(footer[32:36])
	wantCRC := binary.BigEndian.Uint32(footer[36:40])

	gotCRC := crc32.Checksum(data[:len(data)-4], crc32cTable)
	if gotCRC != wantCRC {
		return nil, errs.New(errs.Corruption, "segment.open.crc", ErrCorruptFooter)
	}

	dict, err := readDict(data[dictOff:dictOff+dictLen], int(dictCount))
	if err != nil {
		return nil, errs.New(errs.Corruption, "segment.open.dict", err)
	}

	r := &Reader{data: data, dict: dict, docBase: int(forwardOff), docIdx: make(map[uint32]int64)}
	r.refs.Store(1)
	if err := r.indexForwardStore(int(forwardOff), data); err != nil {
		return nil, errs.New(errs.Corruption, "segment.open.forward", err)
	}
	return r, nil
}

// Acquire increments the refcount; callers must call Release exactly once
// per Acquire (and once for the implicit count Open/OpenBytes returns).
func (r *Reader) Acquire() { r.refs.Add(1) }

// Release decrements the refcount. A Reader whose count reaches zero
// holds no further guarantee against the underlying bytes being dropped
// by the caller.
func (r *Reader) Release() int64 { return r.refs.Add(-1) }

// RefCount reports the current reader count, used by merge/deletion logic
// to decide when a superseded segment's bytes may be reclaimed.
func (r *Reader) RefCount() int64 { return r.refs.Load() }

// DocCount reports how many documents this segment holds, used by the
// query planner's BM25 corpus-size approximation.
func (r *Reader) DocCount() int { return len(r.docIdx) }

// Postings returns the decoded postings list for term, or (nil, false) if
// the term is absent from this segment's dictionary.
func (r *Reader) Postings(term string) ([]Posting, bool) {
	i := sort.Search(len(r.dict), func(i int) bool { return r.dict[i].term >= term })
	if i >= len(r.dict) || r.dict[i].term != term {
		return nil, false
	}
	e := r.dict[i]
	const postingsBase = 12
	buf := r.data[postingsBase+e.postingOff : postingsBase+e.postingOff+e.postingLen]
	return decodePostingList(buf), true
}

// Terms returns every term in this segment's dictionary, in sorted order.
// The merge sweep uses this to walk a segment's full postings without
// needing a separate term-enumeration structure.
func (r *Reader) Terms() []string {
	terms := make([]string, len(r.dict))
	for i, e := range r.dict {
		terms[i] = e.term
	}
	return terms
}

// DocFreq returns the number of documents containing term in this
// segment, for BM25's IDF term.
func (r *Reader) DocFreq(term string) int {
	i := sort.Search(len(r.dict), func(i int) bool { return r.dict[i].term >= term })
	if i >= len(r.dict) || r.dict[i].term != term {
		return 0
	}
	return int(r.dict[i].docFreq)
}

// Doc returns the forward-store entry for a segment-local doc ID.
func (r *Reader) Doc(docID uint32) (ForwardEntry, bool) {
	off, ok := r.docIdx[docID]
	if !ok {
		return ForwardEntry{}, false
	}
	return decodeForwardEntry(r.data, off)
}

func readDict(buf []byte, count int) ([]dictEntry, error) {
	entries := make([]dictEntry, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		term, n, err := readString(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		off, n, err := readUvarint(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		plen, n, err := readUvarint(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		freq, n, err := readUvarint(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		entries = append(entries, dictEntry{term: term, postingOff: off, postingLen: plen, docFreq: uint32(freq)})
	}
	return entries, nil
}

func decodePostingList(buf []byte) []Posting {
	pos := 0
	count, n, _ := readUvarint(buf[pos:])
	pos += n
	out := make([]Posting, 0, count)
	var prevDoc uint32
	for i := uint64(0); i < count; i++ {
		delta, n, _ := readUvarint(buf[pos:])
		pos += n
		docID := prevDoc + uint32(delta)
		prevDoc = docID

		tf, n, _ := readUvarint(buf[pos:])
		pos += n
		posCount, n, _ := readUvarint(buf[pos:])
		pos += n
		positions := make([]uint32, 0, posCount)
		var prevPos uint32
		for j := uint64(0); j < posCount; j++ {
			pdelta, n, _ := readUvarint(buf[pos:])
			pos += n
			prevPos += uint32(pdelta)
			positions = append(positions, prevPos)
		}
		out = append(out, Posting{DocID: docID, TermFreq: uint32(tf), Positions: positions})
	}
	return out
}

func (r *Reader) indexForwardStore(off int, data []byte) error {
	pos := int64(off)
	end := int64(len(data) - 40)
	for pos < end {
		start := pos
		docID, n, err := readUvarint(data[pos:end])
		if err != nil {
			return err
		}
		pos += int64(n)

		for f := 0; f < 3; f++ {
			blen, n, err := readUvarint(data[pos:end])
			if err != nil {
				return err
			}
			pos += int64(n) + int64(blen)
		}
		lenN, n, err := readUvarint(data[pos:end])
		_ = lenN
		if err != nil {
			return err
		}
		pos += int64(n)

		r.docIdx[uint32(docID)] = start
	}
	return nil
}

func decodeForwardEntry(data []byte, off int64) (ForwardEntry, bool) {
	pos := off
	docID, n, err := readUvarint(data[pos:])
	if err != nil {
		return ForwardEntry{}, false
	}
	pos += int64(n)

	url, n, err := readString(data[pos:])
	if err != nil {
		return ForwardEntry{}, false
	}
	pos += int64(n)

	title, n, err := readString(data[pos:])
	if err != nil {
		return ForwardEntry{}, false
	}
	pos += int64(n)

	compressed, n, err := readBytes(data[pos:])
	if err != nil {
		return ForwardEntry{}, false
	}
	pos += int64(n)

	length, _, err := readUvarint(data[pos:])
	if err != nil {
		return ForwardEntry{}, false
	}

	text, err := gunzipBytes(compressed)
	if err != nil {
		return ForwardEntry{}, false
	}

	return ForwardEntry{DocID: uint32(docID), URL: url, Title: title, Text: string(text), Length: uint32(length)}, true
}

func readUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, fmt.Errorf("segment: truncated varint")
	}
	return v, n, nil
}

func readBytes(buf []byte) ([]byte, int, error) {
	blen, n, err := readUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	total := n + int(blen)
	if total > len(buf) {
		return nil, 0, fmt.Errorf("segment: truncated byte block")
	}
	return buf[n:total], total, nil
}

func readString(buf []byte) (string, int, error) {
	b, n, err := readBytes(buf)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}

func gunzipBytes(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
