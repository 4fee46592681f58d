// Package parser extracts a document's indexable text and outbound links
// from fetched HTML (§4.7), deduplicating links with a bloom filter so a
// page with thousands of repeated nav/footer links doesn't reinsert the
// same edge thousands of times before the dedup even reaches the database
// layer's ON CONFLICT DO NOTHING.
package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/gurtd/gurtd/internal/errs"
	"github.com/gurtd/gurtd/internal/normalize"
)

// Link is one outbound link discovered on a page, already normalized.
type Link struct {
	TargetURL  string
	TargetHash [32]byte
	AnchorText string
	Rel        string
}

// ParsedDoc is the result of parsing one fetched HTML document.
type ParsedDoc struct {
	CanonicalURL string
	Title        string
	Text         string
	Links        []Link
}

// bloomExpectedLinks and bloomFalsePositiveRate size the per-document
// dedup filter; a page rarely links the same URL more than a handful of
// times. At the 1% false-positive rate a distinct link is occasionally
// dropped as if it were a duplicate.
const (
	bloomExpectedLinks    = 2048
	bloomFalsePositiveRate = 0.01
)

// Parse extracts title, visible text, and normalized outbound links from
// HTML fetched at baseURL.
func Parse(baseURL string, html []byte) (ParsedDoc, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return ParsedDoc{}, errs.New(errs.Permanent, "parser.parse_html", err)
	}

	doc.Find("script, style, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := extractText(doc)
	links := extractLinks(doc, baseURL)

	return ParsedDoc{
		CanonicalURL: baseURL,
		Title:        title,
		Text:         text,
		Links:        links,
	}, nil
}

func extractText(doc *goquery.Document) string {
	var sb strings.Builder
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(collapseWhitespace(s.Text()))
	})
	if sb.Len() == 0 {
		sb.WriteString(collapseWhitespace(doc.Text()))
	}
	return strings.TrimSpace(sb.String())
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func extractLinks(doc *goquery.Document, baseURL string) []Link {
	filter := bloom.NewWithEstimates(bloomExpectedLinks, bloomFalsePositiveRate)
	var links []Link

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		resolved := resolveLink(baseURL, href)
		if resolved == "" {
			return
		}
		result, err := normalize.Normalize(resolved)
		if err != nil {
			return
		}

		key := []byte(result.CanonicalURL)
		if filter.Test(key) {
			return
		}
		filter.Add(key)

		rel, _ := s.Attr("rel")
		links = append(links, Link{
			TargetURL:  result.CanonicalURL,
			TargetHash: result.NormalizedHash,
			AnchorText: strings.TrimSpace(s.Text()),
			Rel:        rel,
		})
	})
	return links
}

// resolveLink joins a possibly-relative href against baseURL, keeping the
// gurt:// scheme when the href omits one.
func resolveLink(baseURL, href string) string {
	if strings.Contains(href, "://") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		scheme := schemeOf(baseURL)
		return fmt.Sprintf("%s:%s", scheme, href)
	}
	if strings.HasPrefix(href, "/") {
		return joinOrigin(baseURL) + href
	}
	return joinDir(baseURL) + href
}

func schemeOf(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i]
	}
	return "gurt"
}

func joinOrigin(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return u
	}
	rest := u[i+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return u[:i+3] + rest
}

func joinDir(u string) string {
	if idx := strings.LastIndex(u, "/"); idx > strings.Index(u, "://")+2 {
		return u[:idx+1]
	}
	return u + "/"
}
