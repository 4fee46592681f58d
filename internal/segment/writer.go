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

	"github.com/gurtd/gurtd/internal/errs"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Builder accumulates postings and forward-store entries for one segment
// before it is flushed to disk and published (§4.8 steps 1-4).
type Builder struct {
	postings map[string][]Posting
	docs     []ForwardEntry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{postings: make(map[string][]Posting)}
}

// AddDocument registers a parsed document's postings and forward-store
// text under the next segment-local doc ID, which it returns.
func (b *Builder) AddDocument(url, title, text string, terms []PostingTerm) uint32 {
	docID := uint32(len(b.docs))
	b.docs = append(b.docs, ForwardEntry{DocID: docID, URL: url, Title: title, Text: text, Length: uint32(len(terms))})

	grouped := make(map[string][]uint32)
	for _, t := range terms {
		grouped[t.Term] = append(grouped[t.Term], uint32(t.Position))
	}
	for term, positions := range grouped {
		b.postings[term] = append(b.postings[term], Posting{DocID: docID, TermFreq: uint32(len(positions)), Positions: positions})
	}
	return docID
}

// PostingTerm is a (term, position) pair; tokenize.Token satisfies this
// shape structurally, and callers convert explicitly to keep this package
// independent of the tokenizer.
type PostingTerm struct {
	Term     string
	Position int
}

// DocCount returns the number of documents added so far.
func (b *Builder) DocCount() int { return len(b.docs) }

// WriteTo serializes the accumulated postings, dictionary, forward store,
// and footer to w, returning the total byte size written.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	terms := make([]string, 0, len(b.postings))
	for t := range b.postings {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	var body bytes.Buffer
	header := make([]byte, 12)
	copy(header[0:4], magic[:])
	binary.BigEndian.PutUint32(header[4:8], formatVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(b.docs)))
	body.Write(header)

	postingsOff := body.Len()
	entries := make([]dictEntry, 0, len(terms))
	for _, term := range terms {
		plist := b.postings[term]
		sort.Slice(plist, func(i, j int) bool { return plist[i].DocID < plist[j].DocID })
		off := body.Len() - postingsOff
		writePostingList(&body, plist)
		entries = append(entries, dictEntry{
			term:       term,
			postingOff: uint64(off),
			postingLen: uint64(body.Len() - postingsOff - off),
			docFreq:    uint32(len(plist)),
		})
	}

	dictOff := uint64(body.Len())
	for _, e := range entries {
		writeString(&body, e.term)
		writeUvarint(&body, e.postingOff)
		writeUvarint(&body, e.postingLen)
		writeUvarint(&body, uint64(e.docFreq))
	}
	dictLen := uint64(body.Len()) - dictOff

	forwardOff := uint64(body.Len())
	sort.Slice(b.docs, func(i, j int) bool { return b.docs[i].DocID < b.docs[j].DocID })
	for _, d := range b.docs {
		writeUvarint(&body, uint64(d.DocID))
		writeString(&body, d.URL)
		writeString(&body, d.Title)
		compressed, err := gzipBytes([]byte(d.Text))
		if err != nil {
			return 0, errs.New(errs.Internal, "segment.write.gzip", err)
		}
		writeBytes(&body, compressed)
		writeUvarint(&body, uint64(d.Length))
	}
	forwardLen := uint64(body.Len()) - forwardOff

	footer := make([]byte, 40)
	binary.BigEndian.PutUint64(footer[0:8], dictOff)
	binary.BigEndian.PutUint64(footer[8:16], dictLen)
	binary.BigEndian.PutUint64(footer[16:24], forwardOff)
	binary.BigEndian.PutUint64(footer[24:32], forwardLen)
	binary.BigEndian.PutUint32(footer[32:36], uint32(len(entries)))
	body.Write(footer[:36])

	crc := crc32.Checksum(body.Bytes(), crc32cTable)
	binary.BigEndian.PutUint32(footer[36:40], crc)
	body.Write(footer[36:40])

	n, err := w.Write(body.Bytes())
	if err != nil {
		return 0, errs.New(errs.Transient, "segment.write", err)
	}
	return int64(n), nil
}

// WriteFile writes the segment to path, fsyncing before close so a
// published segment row never outlives its bytes on disk (§8 durability).
func (b *Builder) WriteFile(path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errs.New(errs.Transient, "segment.create", err)
	}
	defer f.Close()

	n, err := b.WriteTo(f)
	if err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, errs.New(errs.Transient, "segment.sync", err)
	}
	return n, nil
}

func writePostingList(buf *bytes.Buffer, plist []Posting) {
	writeUvarint(buf, uint64(len(plist)))
	var prevDoc uint32
	for _, p := range plist {
		writeUvarint(buf, uint64(p.DocID-prevDoc))
		prevDoc = p.DocID
		writeUvarint(buf, uint64(p.TermFreq))
		writeUvarint(buf, uint64(len(p.Positions)))
		var prevPos uint32
		for _, pos := range p.Positions {
			writeUvarint(buf, uint64(pos-prevPos))
			prevPos = pos
		}
	}
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func gzipBytes(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return out.Bytes(), nil
}
