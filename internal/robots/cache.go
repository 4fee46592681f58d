// Package robots implements the per-domain robots policy cache (§4.2):
// TTL/ETag revalidation against the database-backed RobotsCacheEntry, a
// small in-process LRU front-cache of parsed policies, and a single-flight
// latch so concurrent callers never issue two robots.txt fetches for the
// same domain at once.
package robots

import (
	"bufio"
	"context"
	"crypto/sha256"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gurtd/gurtd/internal/errs"
	"github.com/gurtd/gurtd/internal/fetchclient"
	"github.com/gurtd/gurtd/internal/postgres"
)

const (
	minTTL       = time.Hour
	errorTTL     = 24 * time.Hour
	maxBackoff   = 6 * time.Hour
	lruCacheSize = 4096
)

// Decision is the outcome of a policy check for one (user-agent, path).
type Decision struct {
	Allowed      bool
	CrawlDelayMS uint32
}

// SitemapHook is invoked with sitemap URLs discovered on first successful
// fetch (§2C), letting the caller seed them into crawl_queue without this
// package depending on the queue manager.
type SitemapHook func(ctx context.Context, domainID int64, domainName string, sitemapURLs []string)

// Cache is the robots policy cache.
type Cache struct {
	robotsRepo *postgres.RobotsRepo
	domainRepo *postgres.DomainRepo
	client     fetcher
	logger     *zap.Logger

	sf  singleflight.Group
	mu  sync.Mutex
	lru *lru.Cache

	onSitemap SitemapHook
}

type fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header) (fetchclient.Response, error)
}

type cacheEntry struct {
	data      *robotstxt.RobotsData
	expiresAt time.Time
}

// New builds a Cache.
func New(robotsRepo *postgres.RobotsRepo, domainRepo *postgres.DomainRepo, client fetcher, logger *zap.Logger, onSitemap SitemapHook) *Cache {
	return &Cache{
		robotsRepo: robotsRepo,
		domainRepo: domainRepo,
		client:     client,
		logger:     logger,
		lru:        lru.New(lruCacheSize),
		onSitemap:  onSitemap,
	}
}

// Check resolves whether (userAgent, path) is allowed on domainName,
// revalidating the cache first if it has expired (§4.2).
func (c *Cache) Check(ctx context.Context, domainID int64, domainName, userAgent, path string) (Decision, error) {
	data, err := c.resolve(ctx, domainID, domainName)
	if err != nil {
		return Decision{}, err
	}
	group := data.FindGroup(userAgent)
	allowed := group.Test(path)
	delayMS := uint32(group.CrawlDelay / time.Millisecond)
	return Decision{Allowed: allowed, CrawlDelayMS: delayMS}, nil
}

func (c *Cache) resolve(ctx context.Context, domainID int64, domainName string) (*robotstxt.RobotsData, error) {
	c.mu.Lock()
	if v, ok := c.lru.Get(domainID); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			c.mu.Unlock()
			return entry.data, nil
		}
	}
	c.mu.Unlock()

	row, found, err := c.robotsRepo.Get(ctx, domainID)
	if err != nil {
		return nil, err
	}
	if found && row.ExpiresAt != nil && time.Now().Before(*row.ExpiresAt) {
		data, parseErr := parseOrAllowAll(row.Body)
		if parseErr == nil {
			c.warm(domainID, data, *row.ExpiresAt)
			return data, nil
		}
	}

	// Single-flight: only one fetch per domain is ever in flight.
	v, err, _ := c.sf.Do(strconv.FormatInt(domainID, 10), func() (interface{}, error) {
		return c.revalidate(ctx, domainID, domainName, row, found)
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

func (c *Cache) revalidate(ctx context.Context, domainID int64, domainName string, prev postgres.RobotsCacheRow, hadPrev bool) (*robotstxt.RobotsData, error) {
	headers := http.Header{}
	if hadPrev && prev.ETag != nil && *prev.ETag != "" {
		headers.Set("If-None-Match", *prev.ETag)
	}

	robotsURL := (&url.URL{Scheme: "gurt", Host: domainName, Path: "/robots.txt"}).String()
	resp, err := c.client.Fetch(ctx, robotsURL, headers)
	if err != nil {
		return c.onFetchFailure(ctx, domainID, prev, hadPrev)
	}
	etag := resp.Headers.Get("ETag")
	maxAge := parseMaxAge(resp.Headers.Get("Cache-Control"))

	switch {
	case resp.StatusCode == http.StatusNotModified:
		newExpiry := time.Now().Add(ttlFor(maxAge))
		_ = c.robotsRepo.ExtendExpiry(ctx, domainID, newExpiry)
		_ = c.domainRepo.ResetRobotsFailures(ctx, domainID)
		data, _ := parseOrAllowAll(prev.Body)
		c.warm(domainID, data, newExpiry)
		return data, nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		expiry := time.Now().Add(errorTTL)
		_ = c.persist(ctx, domainID, nil, "", etag, expiry, resp.StatusCode)
		_ = c.domainRepo.MarkReady(ctx, domainID)
		data, _ := parseOrAllowAll(nil)
		c.warm(domainID, data, expiry)
		return data, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		expiry := time.Now().Add(ttlFor(maxAge))
		_ = c.persist(ctx, domainID, resp.Body, hexChecksum(resp.Body), etag, expiry, resp.StatusCode)
		_ = c.domainRepo.ResetRobotsFailures(ctx, domainID)
		_ = c.domainRepo.MarkReady(ctx, domainID)
		c.notifySitemaps(ctx, domainID, domainName, resp.Body)
		data, parseErr := parseOrAllowAll(resp.Body)
		if parseErr != nil {
			return nil, parseErr
		}
		c.warm(domainID, data, expiry)
		return data, nil

	default:
		return c.onFetchFailure(ctx, domainID, prev, hadPrev)
	}
}

// parseMaxAge extracts max-age from a Cache-Control header, returning 0
// (meaning "use minTTL") when absent or malformed.
func parseMaxAge(cacheControl string) int {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return 0
}

func (c *Cache) onFetchFailure(ctx context.Context, domainID int64, prev postgres.RobotsCacheRow, hadPrev bool) (*robotstxt.RobotsData, error) {
	failures, incErr := c.domainRepo.IncrementRobotsFailures(ctx, domainID)
	if incErr != nil && c.logger != nil {
		c.logger.Warn("robots failure counter update failed", zap.Error(incErr), zap.Int64("domain_id", domainID))
	}
	backoff := time.Duration(min(failures, 8)) * time.Hour
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	expiry := time.Now().Add(backoff)

	if hadPrev {
		_ = c.robotsRepo.ExtendExpiry(ctx, domainID, expiry)
		data, parseErr := parseOrAllowAll(prev.Body)
		if parseErr == nil {
			c.warm(domainID, data, expiry)
			return data, nil
		}
	}
	data, _ := parseOrAllowAll(nil)
	c.warm(domainID, data, expiry)
	return data, nil
}

func (c *Cache) persist(ctx context.Context, domainID int64, body []byte, checksumHex string, etag string, expiry time.Time, statusCode int) error {
	var etagPtr *string
	if etag != "" {
		etagPtr = &etag
	}
	var checksum []byte
	if checksumHex != "" {
		checksum = []byte(checksumHex)
	}
	return c.robotsRepo.Upsert(ctx, postgres.RobotsCacheRow{
		DomainID:   domainID,
		Body:       body,
		FetchedAt:  time.Now().UTC(),
		ExpiresAt:  &expiry,
		ETag:       etagPtr,
		Checksum:   checksum,
		StatusCode: &statusCode,
	})
}

func (c *Cache) warm(domainID int64, data *robotstxt.RobotsData, expiresAt time.Time) {
	c.mu.Lock()
	c.lru.Add(domainID, cacheEntry{data: data, expiresAt: expiresAt})
	c.mu.Unlock()
}

func (c *Cache) notifySitemaps(ctx context.Context, domainID int64, domainName string, body []byte) {
	if c.onSitemap == nil {
		return
	}
	var sitemaps []string
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(strings.ToLower(line), "sitemap:") {
			if u := strings.TrimSpace(line[len("sitemap:"):]); u != "" {
				sitemaps = append(sitemaps, u)
			}
		}
	}
	if len(sitemaps) > 0 {
		c.onSitemap(ctx, domainID, domainName, sitemaps)
	}
}

func parseOrAllowAll(body []byte) (*robotstxt.RobotsData, error) {
	if len(body) == 0 {
		return robotstxt.FromStatusAndString(http.StatusNotFound, "")
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, errs.New(errs.Permanent, "robots.parse", err)
	}
	return data, nil
}

func ttlFor(maxAgeSecs int) time.Duration {
	ttl := time.Duration(maxAgeSecs) * time.Second
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

func hexChecksum(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range sum {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}
