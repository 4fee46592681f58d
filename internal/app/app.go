// Package app wires every long-lived gurtd service into one dependency
// injection container, the way the teacher's own App type wires storage,
// database, and queue providers from Viper-resolved configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/api"
	"github.com/gurtd/gurtd/internal/authority"
	"github.com/gurtd/gurtd/internal/config"
	"github.com/gurtd/gurtd/internal/fetch"
	"github.com/gurtd/gurtd/internal/fetchclient"
	"github.com/gurtd/gurtd/internal/indexer"
	"github.com/gurtd/gurtd/internal/logging"
	"github.com/gurtd/gurtd/internal/metrics"
	"github.com/gurtd/gurtd/internal/normalize"
	"github.com/gurtd/gurtd/internal/notify"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/query"
	"github.com/gurtd/gurtd/internal/ratelimit"
	"github.com/gurtd/gurtd/internal/robots"
	"github.com/gurtd/gurtd/internal/scheduler"
)

// App holds every shared, long-lived service. It is initialized once at
// startup by NewApp and passed to the cmd package's subcommands.
type App struct {
	logger *zap.Logger
	db     *postgres.Pool
	cfg    config.Config

	domains    *postgres.DomainRepo
	urls       *postgres.URLRepo
	crawlQ     *postgres.QueueRepo
	recrawlQ   *postgres.QueueRepo
	rateLimits *postgres.RateLimitRepo
	linkgraph  *postgres.LinkGraphRepo
	segments   *postgres.SegmentRepo

	robotsCache *robots.Cache
	limiter     *ratelimit.Limiter
	idx         *indexer.Indexer
	merger      *indexer.Merger
	pool        *fetch.Pool
	sched       *scheduler.Scheduler
	authorityEg *authority.Engine
	planner     *query.Planner
	server      *api.Server
	notifier    notify.Publisher
	closeNotify func() error

	cron *cron.Cron
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// Server returns the HTTP server, for cmd's serve subcommand.
func (a *App) Server() *api.Server { return a.server }

// Scheduler returns the fetch scheduler, for cmd's serve subcommand.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Reindex runs an authority recomputation followed by a segment merge
// sweep on demand, outside their normal cron cadence.
func (a *App) Reindex(ctx context.Context) error {
	if err := a.authorityEg.Run(ctx); err != nil {
		return err
	}
	return a.merger.Sweep(ctx)
}

// Config returns the resolved configuration.
func (a *App) Config() config.Config { return a.cfg }

// DB returns the database pool, for the migrate subcommand.
func (a *App) DB() *postgres.Pool { return a.db }

// NewApp initializes every service and wires them together, failing fast
// if any dependency cannot be reached.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development || cfg.Env == "development")
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	logger.Info("initializing gurtd services")
	metrics.Init()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	domains := postgres.NewDomainRepo(db)
	urls := postgres.NewURLRepo(db)
	crawlQ := postgres.NewQueueRepo(db, postgres.CrawlQueue)
	recrawlQ := postgres.NewQueueRepo(db, postgres.RecrawlQueue)
	rateLimits := postgres.NewRateLimitRepo(db)
	robotsRepo := postgres.NewRobotsRepo(db)
	linkgraph := postgres.NewLinkGraphRepo(db)
	segments := postgres.NewSegmentRepo(db)
	queryCache := postgres.NewQueryCacheRepo(db)
	history := postgres.NewFetchHistoryRepo(db)

	client := fetchclient.New(fetchclient.Config{
		UserAgent:      cfg.UserAgent,
		ConnectTimeout: cfg.Crawl.ConnectTimeout,
		TotalTimeout:   cfg.Crawl.FetchTimeout,
		MaxBodyBytes:   cfg.Crawl.MaxBodyBytes,
	})

	limiter := ratelimit.New(rateLimits)

	// Each same-host Sitemap: URL is seeded into crawl_queue at priority 1.
	// The sitemap documents are not parsed here, so the page URLs they list
	// are not seeded by this hook.
	robotsCache := robots.New(robotsRepo, domains, client, logger, func(ctx context.Context, domainID int64, domainName string, sitemapURLs []string) {
		for _, raw := range sitemapURLs {
			res, err := normalize.Normalize(raw)
			if err != nil || res.Host != domainName {
				continue
			}
			u, _, err := urls.EnsureURL(ctx, domainID, res.CanonicalURL, res.NormalizedHash[:], 1)
			if err != nil {
				logger.Warn("failed to seed sitemap URL", zap.String("url", raw), zap.Error(err))
				continue
			}
			if err := crawlQ.Enqueue(ctx, u.ID, domainID, 1, time.Now(), cfg.Crawl.MaxCrawlAttempts); err != nil {
				logger.Warn("failed to enqueue sitemap URL", zap.String("url", raw), zap.Error(err))
			}
		}
	})

	idx := indexer.New(indexer.Config{
		SegmentDir: cfg.SegmentDir,
		MaxDocs:    cfg.Index.MaxSegmentDocs,
		MaxBytes:   cfg.Index.MaxSegmentBytes,
		MaxAge:     cfg.Index.MaxSegmentAge,
	}, segments, queryCache, logger)
	merger := indexer.NewMerger(segments, cfg.SegmentDir, cfg.Index.MergeTierSize, logger)

	pool := fetch.New(client, robotsCache, urls, history, linkgraph, crawlQ, idx, logger, fetch.Config{
		Workers:   cfg.Crawl.FetchWorkers,
		UserAgent: cfg.UserAgent,
	})

	sched := scheduler.New(db.Pool, crawlQ, recrawlQ, domains, rateLimits, robotsCache, limiter, pool, logger, scheduler.Config{
		MaxInFlight:   cfg.Crawl.FetchWorkers,
		DomainCap:     cfg.Crawl.PerDomainInFlight,
		LeaseStaleFor: cfg.Crawl.StaleLeaseAfter,
		UserAgent:     cfg.UserAgent,
	})

	authorityEg := authority.New(linkgraph, domains, logger, authority.Config{})

	segStore := query.NewSegmentStore(cfg.SegmentDir, segments)
	planner := query.New(segStore, queryCache, linkgraph, urls)

	var notifier notify.Publisher = notify.Noop{}
	closeNotify := func() error { return nil }
	if cfg.PubSubTopic != "" {
		pub, err := notify.NewPubSub(ctx, pubsub.DetectProjectID, cfg.PubSubTopic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		notifier = pub
		closeNotify = pub.Close
	}

	server := api.NewServer(domains, urls, crawlQ, planner, notifier, cfg)

	c := cron.New()
	if _, err := c.AddFunc(durationSpec(cfg.Authority.Interval), func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := authorityEg.Run(runCtx); err != nil {
			logger.Error("authority run failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule authority run: %w", err)
	}
	if _, err := c.AddFunc(durationSpec(cfg.Index.MergeInterval), func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := merger.Sweep(runCtx); err != nil {
			logger.Error("segment merge sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule merge sweep: %w", err)
	}
	if _, err := c.AddFunc(durationSpec(cfg.Index.MaxSegmentAge), func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := idx.FlushIfDue(runCtx); err != nil {
			logger.Error("time-based segment flush failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule segment flush: %w", err)
	}

	logger.Info("gurtd services initialized")

	return &App{
		logger:      logger,
		db:          db,
		cfg:         cfg,
		domains:     domains,
		urls:        urls,
		crawlQ:      crawlQ,
		recrawlQ:    recrawlQ,
		rateLimits:  rateLimits,
		linkgraph:   linkgraph,
		segments:    segments,
		robotsCache: robotsCache,
		limiter:     limiter,
		idx:         idx,
		merger:      merger,
		pool:        pool,
		sched:       sched,
		authorityEg: authorityEg,
		planner:     planner,
		server:      server,
		notifier:    notifier,
		closeNotify: closeNotify,
		cron:        c,
	}, nil
}

// Run starts the scheduler, cron jobs, and HTTP server, blocking until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.cron.Start()
	go a.sched.Run(ctx)

	srv := &http.Server{Addr: a.cfg.Listen, Handler: a.server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases every held resource, flushing any buffered index segment
// so in-flight documents are never silently dropped.
func (a *App) Close() {
	a.cron.Stop()
	a.pool.Close()
	if err := a.idx.Flush(context.Background()); err != nil {
		a.logger.Warn("failed to flush index on shutdown", zap.Error(err))
	}
	if err := a.closeNotify(); err != nil {
		a.logger.Warn("failed to close pubsub publisher", zap.Error(err))
	}
	a.db.Close()
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("error syncing logger on shutdown", zap.Error(err))
	}
}

// durationSpec turns a Go duration into the "@every" form robfig/cron
// accepts, keeping authority/merge cadence configurable via the same
// config.Config fields the rest of the pipeline already reads.
func durationSpec(d time.Duration) string {
	if d <= 0 {
		d = time.Hour
	}
	return "@every " + d.String()
}
