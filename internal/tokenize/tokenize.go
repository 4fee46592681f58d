// Package tokenize turns document text into the stemmed term stream the
// indexer and query planner both key postings on (§4.7, §4.10). Word
// boundaries follow Unicode UAX#29 rather than whitespace-splitting, so
// CJK text and contractions tokenize the way a real search engine expects.
package tokenize

import (
	"strings"

	"github.com/clipperhouse/uax29/v2/words"
	"github.com/kljensen/snowball"
)

// stopwords is the small, fixed English stopword list filtered before
// stemming; it is deliberately short since over-filtering hurts short
// navigational queries more than it helps ranking.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "that": {}, "the": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {},
}

// Token is one stemmed term at a position, used to build positional
// postings. Query scoring does not read positions.
type Token struct {
	Term     string
	Position int
}

// Tokenize lowercases, word-segments, stopword-filters, and stems text,
// returning tokens in document order with their ordinal position.
func Tokenize(text string) []Token {
	var out []Token
	pos := 0
	seg := words.NewSegmenter([]byte(text))
	for seg.Next() {
		raw := seg.Bytes()
		if !isWordlike(raw) {
			continue
		}
		lower := strings.ToLower(string(raw))
		if _, stop := stopwords[lower]; stop {
			continue
		}
		stemmed, err := snowball.Stem(lower, "english", true)
		if err != nil || stemmed == "" {
			stemmed = lower
		}
		out = append(out, Token{Term: stemmed, Position: pos})
		pos++
	}
	return out
}

// TermsOnly discards positions, used by the query planner to build the
// lookup set for an AND query.
func TermsOnly(tokens []Token) []string {
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = t.Term
	}
	return terms
}

// isWordlike reports whether a UAX#29 word segment contains at least one
// letter or digit, filtering out pure punctuation/whitespace segments the
// segmenter still emits as their own tokens.
func isWordlike(b []byte) bool {
	for _, r := range string(b) {
		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') || r > 127 {
			return true
		}
	}
	return false
}
