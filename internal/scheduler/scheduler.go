// Package scheduler runs the single logical scheduler (§4.5) that bridges
// the two crawl queues and the Fetch Worker Pool: a fixed-tick loop that
// reaps stale leases, leases available entries up to each domain's
// in-flight cap, gates them through the rate limiter, and dispatches what
// survives to the pool (which checks robots rules before fetching),
// round-robining across domains so one hot domain can't starve the rest of
// a tick's slots.
package scheduler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/fetch"
	"github.com/gurtd/gurtd/internal/metrics"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/ratelimit"
	"github.com/gurtd/gurtd/internal/robots"
)

// Config controls tick cadence and concurrency ceilings.
type Config struct {
	Tick          time.Duration
	MaxInFlight   int
	DomainCap     int
	BatchSize     int
	LeaseStaleFor time.Duration
	UserAgent     string
}

func (c *Config) setDefaults() {
	if c.Tick == 0 {
		c.Tick = 200 * time.Millisecond
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 32
	}
	if c.DomainCap == 0 {
		c.DomainCap = 2
	}
	if c.BatchSize == 0 {
		c.BatchSize = c.MaxInFlight
	}
	if c.LeaseStaleFor == 0 {
		c.LeaseStaleFor = 5 * time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = "gurtd-crawler"
	}
}

// Scheduler is the leader-elected tick loop described in §4.5.
type Scheduler struct {
	cfg Config

	crawlQ   *postgres.QueueRepo
	recrawlQ *postgres.QueueRepo
	domains  *postgres.DomainRepo
	rates    *postgres.RateLimitRepo
	robots   *robots.Cache
	limiter  *ratelimit.Limiter
	pool     *fetch.Pool
	logger   *zap.Logger

	leader *leaderElector
}

// New builds a Scheduler. pgPool supplies the dedicated connection used
// for session-scoped advisory-lock leader election; crawlQ/recrawlQ are
// QueueRepos bound to crawl_queue and recrawl_queue respectively.
func New(
	pgPool *pgxpool.Pool,
	crawlQ, recrawlQ *postgres.QueueRepo,
	domains *postgres.DomainRepo,
	rates *postgres.RateLimitRepo,
	robotsCache *robots.Cache,
	limiter *ratelimit.Limiter,
	pool *fetch.Pool,
	logger *zap.Logger,
	cfg Config,
) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:      cfg,
		crawlQ:   crawlQ,
		recrawlQ: recrawlQ,
		domains:  domains,
		rates:    rates,
		robots:   robotsCache,
		limiter:  limiter,
		pool:     pool,
		logger:   logger,
		leader:   newLeaderElector(pgPool),
	}
}

// Run blocks, ticking until ctx is cancelled. Only the process holding the
// leader lock performs any work; others spin at the tick interval
// re-attempting acquisition, so a standby gurtd instance costs nothing but
// a cheap advisory-lock probe per tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	defer s.leader.release(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leading, err := s.leader.tryAcquire(ctx)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("leader acquisition failed", zap.Error(err))
				}
				continue
			}
			if !leading {
				continue
			}
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, _ = s.crawlQ.Reap(ctx, s.cfg.LeaseStaleFor)
	_, _ = s.recrawlQ.Reap(ctx, s.cfg.LeaseStaleFor)

	free := s.cfg.BatchSize

	atCapCrawl, err := s.crawlQ.DomainsAtCap(ctx, s.cfg.DomainCap)
	if err != nil {
		s.warn("domains_at_cap crawl_queue failed", err)
		return
	}
	entries, err := s.crawlQ.Lease(ctx, "scheduler", free, atCapCrawl)
	if err != nil {
		s.warn("lease crawl_queue failed", err)
		return
	}
	if len(entries) < free {
		atCapRecrawl, err := s.recrawlQ.DomainsAtCap(ctx, s.cfg.DomainCap)
		if err == nil {
			more, err := s.recrawlQ.Lease(ctx, "scheduler", free-len(entries), atCapRecrawl)
			if err == nil {
				for _, e := range more {
					entries = append(entries, e)
				}
			}
		}
	}
	if len(entries) == 0 {
		return
	}

	for _, e := range fairOrder(entries) {
		queue := s.crawlQ
		if e.RecrawlIntervalSeconds != nil {
			queue = s.recrawlQ
		}
		s.dispatch(ctx, queue, e)
	}
}

// fairOrder reorders leased entries round-robin by domain so a domain
// that filled most of its cap doesn't also claim most of the dispatch
// order within the tick.
func fairOrder(entries []postgres.QueueEntry) []postgres.QueueEntry {
	byDomain := make(map[int64][]postgres.QueueEntry)
	var order []int64
	for _, e := range entries {
		if _, seen := byDomain[e.DomainID]; !seen {
			order = append(order, e.DomainID)
		}
		byDomain[e.DomainID] = append(byDomain[e.DomainID], e)
	}
	out := make([]postgres.QueueEntry, 0, len(entries))
	for len(out) < len(entries) {
		for _, d := range order {
			if len(byDomain[d]) == 0 {
				continue
			}
			out = append(out, byDomain[d][0])
			byDomain[d] = byDomain[d][1:]
		}
	}
	return out
}

func (s *Scheduler) dispatch(ctx context.Context, queue *postgres.QueueRepo, e postgres.QueueEntry) {
	domain, err := s.domains.GetByID(ctx, e.DomainID)
	if err != nil {
		s.warn("domain lookup failed", err)
		_ = queue.Nack(ctx, e.ID, e.URLID, e.Attempts, e.MaxAttempts, nil, nil, "domain_lookup_failed")
		return
	}

	limitPerSecond, burst, err := s.rates.GetParams(ctx, e.DomainID)
	if err != nil {
		s.warn("rate params lookup failed", err)
	} else if err := s.rates.EnsureBucket(ctx, e.DomainID, limitPerSecond, burst); err != nil {
		s.warn("rate bucket seed failed", err)
	}
	acquired, retryAfter, err := s.limiter.Allow(ctx, e.DomainID, limitPerSecond, burst)
	if err != nil {
		s.warn("rate limiter failed", err)
		_ = queue.Nack(ctx, e.ID, e.URLID, e.Attempts, e.MaxAttempts, nil, nil, "rate_limiter_error")
		return
	}
	if !acquired {
		metrics.ObserveRateLimitDelay(domain.Name, retryAfter)
		_ = queue.Nack(ctx, e.ID, e.URLID, e.Attempts, e.MaxAttempts, &retryAfter, nil, "rate_limited")
		return
	}

	s.pool.Submit(fetch.Job{
		Entry:      e,
		Queue:      queue,
		DomainName: domain.Name,
		UserAgent:  s.cfg.UserAgent,
	})
}

func (s *Scheduler) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, zap.Error(err))
	}
}
