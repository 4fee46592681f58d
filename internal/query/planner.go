// Package query implements the Query Planner (§4.10): normalize the
// query text the same way the Indexer tokenizes documents, check the
// two-tier cache (in-process LRU in front of the database query_cache
// table), intersect posting lists across every live segment, score with
// BM25 plus an authority boost, and extract a highlighted snippet.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/text/unicode/norm"

	"github.com/gurtd/gurtd/internal/metrics"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/segment"
	"github.com/gurtd/gurtd/internal/tokenize"
)

const (
	bm25K1          = 1.2
	bm25B           = 0.75
	authorityAlpha  = 2.0
	defaultLimit    = 20
	maxLimit        = 100
	cacheTTL        = 5 * time.Minute
	lruFrontSize    = 2048
	snippeRadius    = 120
	endToEndTimeout = 2 * time.Second
)

// Result is one ranked hit.
type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Response is the full query response, serialized verbatim into both the
// HTTP API body and the query_cache result blob.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Partial bool     `json:"partial"`
}

// SegmentSource opens live segment readers, reference-counted for the
// duration of one query (§4.10 "read-consistent snapshot").
type SegmentSource interface {
	Acquire(ctx context.Context) ([]*segment.Reader, int64, error)
	Release([]*segment.Reader)
}

// Planner answers search queries.
type Planner struct {
	segments SegmentSource
	cache    *postgres.QueryCacheRepo
	authority *postgres.LinkGraphRepo
	urls     *postgres.URLRepo

	mu   sync.Mutex
	lru  *lru.Cache
}

// New builds a Planner.
func New(segments SegmentSource, cache *postgres.QueryCacheRepo, authority *postgres.LinkGraphRepo, urls *postgres.URLRepo) *Planner {
	return &Planner{segments: segments, cache: cache, authority: authority, urls: urls, lru: lru.New(lruFrontSize)}
}

// Search runs the full query lifecycle for rawQuery, capping results at
// limit (clamped to [1, maxLimit], defaulting to defaultLimit when 0).
func (p *Planner) Search(ctx context.Context, rawQuery string, limit int) (Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, endToEndTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	terms := normalizeQuery(rawQuery)
	if len(terms) == 0 {
		return Response{Query: rawQuery, Results: []Result{}}, nil
	}

	cacheKey := queryHash(terms, limit)
	if resp, ok := p.lookupCache(ctx, cacheKey); ok {
		metrics.ObserveQueryCache(true)
		resp.Query = rawQuery
		return resp, nil
	}
	metrics.ObserveQueryCache(false)

	readers, generation, err := p.segments.Acquire(ctx)
	if err != nil {
		return Response{}, err
	}
	defer p.segments.Release(readers)

	candidates := intersectTerms(readers, terms)
	scored := p.score(ctx, readers, candidates, terms)

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].discoveredAt.After(scored[j].discoveredAt)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	partial := false
	select {
	case <-ctx.Done():
		partial = true
	default:
	}

	results := make([]Result, len(scored))
	for i, s := range scored {
		results[i] = Result{URL: s.url, Title: s.title, Snippet: s.snippet, Score: s.score}
	}
	resp := Response{Query: rawQuery, Results: results, Partial: partial}

	p.storeCache(ctx, cacheKey, resp, generation)
	metrics.ObserveSearch(partial, time.Since(start))
	return resp, nil
}

func normalizeQuery(raw string) []string {
	normalized := norm.NFC.String(strings.ToLower(strings.TrimSpace(raw)))
	tokens := tokenize.Tokenize(normalized)
	terms := tokenize.TermsOnly(tokens)
	if len(terms) > 0 {
		return terms
	}
	// A query entirely made of stopwords falls back to its raw
	// whitespace-split words. The indexer drops stopwords, so those words
	// have no postings and such a query matches no documents.
	return strings.Fields(normalized)
}

func queryHash(terms []string, limit int) []byte {
	h := sha256.New()
	for _, t := range terms {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "limit=%d", limit)
	return h.Sum(nil)
}

func (p *Planner) lookupCache(ctx context.Context, key []byte) (Response, bool) {
	p.mu.Lock()
	if v, ok := p.lru.Get(string(key)); ok {
		p.mu.Unlock()
		return v.(Response), true
	}
	p.mu.Unlock()

	row, found, err := p.cache.Get(ctx, key)
	if err != nil || !found {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(row.Result, &resp); err != nil {
		return Response{}, false
	}
	p.mu.Lock()
	p.lru.Add(string(key), resp)
	p.mu.Unlock()
	return resp, true
}

func (p *Planner) storeCache(ctx context.Context, key []byte, resp Response, generation int64) {
	p.mu.Lock()
	p.lru.Add(string(key), resp)
	p.mu.Unlock()

	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = p.cache.Put(ctx, key, encoded, generation, cacheTTL)
}

// docHit identifies one document within one segment reader.
type docHit struct {
	reader *segment.Reader
	docID  uint32
}

// intersectTerms performs the AND-query: a (reader, docID) pair survives
// only if every term has a posting for it in that reader.
func intersectTerms(readers []*segment.Reader, terms []string) []docHit {
	var hits []docHit
	for _, r := range readers {
		first, ok := r.Postings(terms[0])
		if !ok {
			continue
		}
		present := make(map[uint32]bool, len(first))
		for _, p := range first {
			present[p.DocID] = true
		}
		for _, term := range terms[1:] {
			postings, ok := r.Postings(term)
			if !ok {
				present = nil
				break
			}
			next := make(map[uint32]bool)
			for _, p := range postings {
				if present[p.DocID] {
					next[p.DocID] = true
				}
			}
			present = next
		}
		for docID := range present {
			hits = append(hits, docHit{reader: r, docID: docID})
		}
	}
	return hits
}

type scoredDoc struct {
	url          string
	title        string
	snippet      string
	score        float64
	discoveredAt time.Time
}

func (p *Planner) score(ctx context.Context, readers []*segment.Reader, hits []docHit, terms []string) []scoredDoc {
	totalDocs := 0
	avgDocLen := 0.0

	out := make([]scoredDoc, 0, len(hits))
	for _, h := range hits {
		entry, ok := h.reader.Doc(h.docID)
		if !ok {
			continue
		}
		totalDocs++
		avgDocLen += float64(entry.Length)

		var bm25Score float64
		firstPos := -1
		for _, term := range terms {
			postings, ok := h.reader.Postings(term)
			if !ok {
				continue
			}
			for _, posting := range postings {
				if posting.DocID != h.docID {
					continue
				}
				df := h.reader.DocFreq(term)
				bm25Score += bm25(posting.TermFreq, df, totalDocsOrOne(h.reader), float64(entry.Length), avgLenOrOne(avgDocLen, totalDocs))
				if firstPos < 0 && len(posting.Positions) > 0 {
					firstPos = int(posting.Positions[0])
				}
			}
		}

		authorityScore, discoveredAt := p.lookupAuthority(ctx, entry.URL)
		finalScore := bm25Score + authorityAlpha*math.Log(1+authorityScore)

		out = append(out, scoredDoc{
			url:          entry.URL,
			title:        entry.Title,
			snippet:      snippetAround(entry.Text, firstPos, terms),
			score:        finalScore,
			discoveredAt: discoveredAt,
		})
	}
	return out
}

func totalDocsOrOne(r *segment.Reader) int {
	n := r.DocCount()
	if n < 1 {
		return 1
	}
	return n
}

func avgLenOrOne(sum float64, n int) float64 {
	if n == 0 {
		return 1
	}
	avg := sum / float64(n)
	if avg <= 0 {
		return 1
	}
	return avg
}

func bm25(termFreq uint32, docFreq, totalDocs int, docLen, avgDocLen float64) float64 {
	if docFreq == 0 {
		return 0
	}
	idf := math.Log(1 + (float64(totalDocs)-float64(docFreq)+0.5)/(float64(docFreq)+0.5))
	tf := float64(termFreq)
	weight := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*docLen/avgDocLen))
	return idf * weight
}

// lookupAuthority resolves a forward-store URL back to its link_authority
// score, defaulting to 0 (no boost) when the URL or its authority row
// can't be found rather than failing the whole query over one lookup.
func (p *Planner) lookupAuthority(ctx context.Context, canonicalURL string) (float64, time.Time) {
	u, err := p.urls.GetByCanonicalURL(ctx, canonicalURL)
	if err != nil {
		return 0, time.Time{}
	}
	row, err := p.authority.GetAuthority(ctx, u.ID)
	if err != nil {
		return 0, u.DiscoveredAt
	}
	return row.Score, u.DiscoveredAt
}

func snippetAround(text string, pos int, terms []string) string {
	if text == "" {
		return ""
	}
	words := strings.Fields(text)
	if pos < 0 || pos >= len(words) {
		pos = 0
	}
	start := pos - 10
	if start < 0 {
		start = 0
	}
	end := pos + 10
	if end > len(words) {
		end = len(words)
	}
	window := strings.Join(words[start:end], " ")
	if len(window) > 2*snippeRadius {
		window = window[:2*snippeRadius]
	}
	return highlight(window, terms)
}

func highlight(text string, terms []string) string {
	out := text
	for _, t := range terms {
		if t == "" {
			continue
		}
		out = replaceCaseInsensitive(out, t, "**"+t+"**")
	}
	return out
}

func replaceCaseInsensitive(s, term, replacement string) string {
	lower := strings.ToLower(s)
	termLower := strings.ToLower(term)
	idx := strings.Index(lower, termLower)
	if idx < 0 {
		return s
	}
	return s[:idx] + replacement + s[idx+len(term):]
}
