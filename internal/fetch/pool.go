// Package fetch implements the Fetch Worker Pool (§4.6): a bounded set of
// goroutines that lease queue entries handed to them by the scheduler,
// fetch the page, parse it, hand the result to the indexer, discover
// outbound links, and enqueue newly-discovered URLs for their own future
// crawl. This is the teacher's worker-pool shape (a fixed goroutine count
// draining a work channel, reporting completion back through a result
// channel) generalized from "process one crawl job" to "fetch, parse,
// index, and recrawl one page".
package fetch

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/fetchclient"
	"github.com/gurtd/gurtd/internal/indexer"
	"github.com/gurtd/gurtd/internal/metrics"
	"github.com/gurtd/gurtd/internal/normalize"
	"github.com/gurtd/gurtd/internal/parser"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/robots"
)

// discoveredLinkPriority is the crawl_queue priority a link discovered
// mid-crawl enters at, below a freshly submitted site's root URL so
// submissions get fetched first.
const discoveredLinkPriority = 0

// defaultMaxAttempts bounds retries for a discovered URL before the queue
// gives up on it, matching crawl.max_crawl_attempts' usual configuration.
const defaultMaxAttempts = 5

// Job is one leased queue entry ready to fetch.
type Job struct {
	Entry      postgres.QueueEntry
	Queue      *postgres.QueueRepo
	DomainName string
	UserAgent  string
}

// Pool is a fixed-size fetch worker pool.
type Pool struct {
	client    *fetchclient.Client
	robots    *robots.Cache
	urls      *postgres.URLRepo
	history   *postgres.FetchHistoryRepo
	linkgraph *postgres.LinkGraphRepo
	crawlQ    *postgres.QueueRepo
	indexer   *indexer.Indexer
	logger    *zap.Logger

	// seen is a process-lifetime bloom filter of canonical URLs already
	// enqueued by this pool. Discovered links repeat constantly (every
	// page on a domain tends to share nav/footer links), and re-running
	// QueueRepo.Enqueue for an already-queued URL is a wasted round trip.
	// EnsureURL's created flag remains the authoritative new-URL signal,
	// so a bloom false positive only costs a missed re-enqueue of a URL
	// already known to be queued, never a dropped discovery.
	seenMu sync.Mutex
	seen   *bloom.BloomFilter

	jobs chan Job
	wg   sync.WaitGroup
}

// Config controls pool sizing.
type Config struct {
	Workers   int
	UserAgent string
}

// New builds a Pool with size workers, wired to the shared dependencies
// each worker needs to carry a job from lease through publish.
func New(
	client *fetchclient.Client,
	robotsCache *robots.Cache,
	urls *postgres.URLRepo,
	history *postgres.FetchHistoryRepo,
	linkgraph *postgres.LinkGraphRepo,
	crawlQ *postgres.QueueRepo,
	idx *indexer.Indexer,
	logger *zap.Logger,
	cfg Config,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	p := &Pool{
		client:    client,
		robots:    robotsCache,
		urls:      urls,
		history:   history,
		linkgraph: linkgraph,
		crawlQ:    crawlQ,
		indexer:   idx,
		logger:    logger,
		seen:      bloom.NewWithEstimates(1_000_000, 0.01),
		jobs:      make(chan Job, cfg.Workers*4),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

// Submit hands a leased job to a worker, blocking if all workers are busy
// and the buffer is full (backpressure onto the scheduler's tick loop).
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Close stops accepting jobs and waits for in-flight workers to finish.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.IncActiveWorkers()
		p.process(job)
		metrics.DecActiveWorkers()
	}
}

func (p *Pool) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	u, err := p.urls.GetByID(ctx, job.Entry.URLID)
	if err != nil {
		p.logAndNack(ctx, job, err, "url_lookup_failed")
		return
	}

	decision, err := p.robots.Check(ctx, job.Entry.DomainID, job.DomainName, job.UserAgent, pathOf(u.CanonicalURL))
	if err != nil {
		p.logAndNack(ctx, job, err, "robots_check_failed")
		return
	}
	if !decision.Allowed {
		_ = p.urls.RecordFetchResult(ctx, u.ID, postgres.FetchOutcomeError, nil, nil, nil, nil, true)
		_ = p.history.Record(ctx, postgres.FetchHistoryRow{URLID: u.ID, Outcome: postgres.FetchOutcomeError, Reason: strPtr("robots_disallow")})
		_ = job.Queue.Ack(ctx, job.Entry.ID)
		return
	}

	headers := http.Header{}
	if u.LastETag != nil && *u.LastETag != "" {
		headers.Set("If-None-Match", *u.LastETag)
	}
	if u.LastModified != nil && *u.LastModified != "" {
		headers.Set("If-Modified-Since", *u.LastModified)
	}

	start := time.Now()
	resp, err := p.client.Fetch(ctx, u.CanonicalURL, headers)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		p.recordFailureAndNack(ctx, job, u, latency, err)
		return
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_ = p.urls.RecordFetchResult(ctx, u.ID, postgres.FetchOutcomeSuccess, &resp.StatusCode, u.LastETag, u.LastModified, u.ContentHash, false)
		_ = p.history.Record(ctx, postgres.FetchHistoryRow{URLID: u.ID, StatusCode: &resp.StatusCode, Outcome: postgres.FetchOutcomeSuccess, LatencyMS: latency})
		metrics.ObserveFetch(job.DomainName, "not_modified", 0)
		_ = job.Queue.Ack(ctx, job.Entry.ID)
		return

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		_ = p.urls.RecordFetchResult(ctx, u.ID, postgres.FetchOutcomeRedirect, &resp.StatusCode, nil, nil, nil, false)
		_ = p.history.Record(ctx, postgres.FetchHistoryRow{URLID: u.ID, StatusCode: &resp.StatusCode, Outcome: postgres.FetchOutcomeRedirect, LatencyMS: latency})
		metrics.ObserveFetch(job.DomainName, "redirect", 0)
		if loc := resp.Headers.Get("Location"); loc != "" {
			p.enqueueDiscovered(ctx, job.Entry.DomainID, job.DomainName, u.CanonicalURL, loc)
		}
		_ = job.Queue.Ack(ctx, job.Entry.ID)
		return

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Headers.Get("Retry-After"))
		metrics.ObserveFetch(job.DomainName, "rate_limited", 0)
		_ = job.Queue.Nack(ctx, job.Entry.ID, u.ID, job.Entry.Attempts, job.Entry.MaxAttempts, &retryAfter, p.history, "rate_limited")
		return

	case resp.StatusCode >= 400:
		_ = p.urls.RecordFetchResult(ctx, u.ID, postgres.FetchOutcomeError, &resp.StatusCode, nil, nil, nil, false)
		_ = p.history.Record(ctx, postgres.FetchHistoryRow{URLID: u.ID, StatusCode: &resp.StatusCode, Outcome: postgres.FetchOutcomeError, LatencyMS: latency})
		metrics.ObserveFetch(job.DomainName, "http_error", 0)
		_ = job.Queue.Ack(ctx, job.Entry.ID)
		return
	}

	doc, err := parser.Parse(u.CanonicalURL, resp.Body)
	if err != nil {
		_ = p.urls.RecordFetchResult(ctx, u.ID, postgres.FetchOutcomeError, &resp.StatusCode, nil, nil, nil, false)
		metrics.ObserveFetch(job.DomainName, "parse_error", 0)
		_ = job.Queue.Ack(ctx, job.Entry.ID)
		return
	}

	contentHash := contentHashOf(resp.Body)
	etag := resp.Headers.Get("ETag")
	lastModified := resp.Headers.Get("Last-Modified")
	_ = p.urls.RecordFetchResult(ctx, u.ID, postgres.FetchOutcomeSuccess, &resp.StatusCode, strPtrOrNil(etag), strPtrOrNil(lastModified), contentHash, false)
	_ = p.history.Record(ctx, postgres.FetchHistoryRow{URLID: u.ID, StatusCode: &resp.StatusCode, Outcome: postgres.FetchOutcomeSuccess, LatencyMS: latency, ContentHash: contentHash, Truncated: resp.Truncated})
	metrics.ObserveFetch(job.DomainName, "success", len(resp.Body))

	if p.indexer != nil {
		if err := p.indexer.Add(ctx, doc); err != nil && p.logger != nil {
			p.logger.Warn("indexer add failed", zap.Error(err), zap.String("url", u.CanonicalURL))
		} else if err == nil {
			metrics.ObserveIndexed()
		}
	}

	p.recordLinks(ctx, job.Entry.DomainID, job.DomainName, u.ID, doc)

	_ = job.Queue.Ack(ctx, job.Entry.ID)
}

func (p *Pool) recordFailureAndNack(ctx context.Context, job Job, u postgres.URL, latency int, err error) {
	reason := err.Error()
	_ = p.history.Record(ctx, postgres.FetchHistoryRow{URLID: u.ID, Outcome: postgres.FetchOutcomeError, Reason: &reason, LatencyMS: latency})
	_ = job.Queue.Nack(ctx, job.Entry.ID, u.ID, job.Entry.Attempts, job.Entry.MaxAttempts, nil, p.history, reason)
}

func (p *Pool) logAndNack(ctx context.Context, job Job, err error, reason string) {
	if p.logger != nil {
		p.logger.Warn("fetch job failed before request", zap.Error(err), zap.String("reason", reason))
	}
	_ = job.Queue.Nack(ctx, job.Entry.ID, job.Entry.URLID, job.Entry.Attempts, job.Entry.MaxAttempts, nil, p.history, reason)
}

func (p *Pool) recordLinks(ctx context.Context, domainID int64, domainName string, srcURLID int64, doc parser.ParsedDoc) {
	var edges []postgres.LinkEdgeRow
	for _, link := range doc.Links {
		dstDomainID, dstURLID := p.enqueueDiscovered(ctx, domainID, domainName, doc.CanonicalURL, link.TargetURL)
		if dstURLID == 0 {
			continue
		}
		edgeType := "internal"
		if dstDomainID != domainID {
			edgeType = "external"
		}
		var anchor *string
		if link.AnchorText != "" {
			anchor = &link.AnchorText
		}
		edges = append(edges, postgres.LinkEdgeRow{SrcURLID: srcURLID, DstURLID: dstURLID, EdgeType: edgeType, AnchorText: anchor})
	}
	if len(edges) > 0 {
		_ = p.linkgraph.InsertEdges(ctx, edges)
	}
}

// enqueueDiscovered resolves a discovered link against srcURL, normalizes
// it, ensures its URL row exists under the source domain, and enqueues it
// for a future crawl. It returns 0, 0 when the link could not be
// normalized (unsupported scheme, oversize, etc), points at another host,
// or its URL row could not be ensured.
func (p *Pool) enqueueDiscovered(ctx context.Context, srcDomainID int64, srcDomainName, srcURL, rawTarget string) (int64, int64) {
	target := rawTarget
	if base, err := url.Parse(srcURL); err == nil {
		if ref, err := url.Parse(rawTarget); err == nil {
			target = base.ResolveReference(ref).String()
		}
	}
	result, err := normalize.Normalize(target)
	if err != nil {
		return 0, 0
	}
	// Only links on the source host are recorded and queued; a link to
	// another host creates no URL or domain row here.
	domainID := srcDomainID
	if result.Host != srcDomainName {
		return 0, 0
	}
	u, created, err := p.urls.EnsureURL(ctx, domainID, result.CanonicalURL, result.NormalizedHash[:], discoveredLinkPriority)
	if err != nil {
		return 0, 0
	}

	p.seenMu.Lock()
	alreadyQueued := p.seen.TestAndAdd(result.NormalizedHash[:])
	p.seenMu.Unlock()
	if created || !alreadyQueued {
		if err := p.crawlQ.Enqueue(ctx, u.ID, domainID, discoveredLinkPriority, time.Now(), defaultMaxAttempts); err != nil && p.logger != nil {
			p.logger.Warn("failed to enqueue discovered url", zap.Error(err), zap.String("url", result.CanonicalURL))
		}
	}
	return domainID, u.ID
}

func strPtr(s string) *string { return &s }
func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pathOf(canonicalURL string) string {
	u, err := url.Parse(canonicalURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func contentHashOf(body []byte) []byte {
	sum := sha256.Sum256(body)
	return sum[:]
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 30 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}
