// Package ratelimit gates outbound fetches against a domain's politeness
// budget (§4.3). postgres.RateLimitRepo.TryAcquire is the cross-process
// source of truth (its token bucket lives in the rate_limits row, leased
// FOR UPDATE), but calling it once per fetch attempt means every worker
// round-trips to Postgres even while a domain is fully exhausted. Limiter
// fronts that call with a per-domain golang.org/x/time/rate.Limiter, the
// same local-cache-in-front-of-shared-store shape as internal/robots'
// LRU: a local Allow() that already says "no" skips the database call
// entirely, so DB pressure tracks allowed throughput, not attempted
// throughput.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gurtd/gurtd/internal/postgres"
)

// Limiter combines a local fast-reject cache with the database's
// authoritative per-domain token bucket.
type Limiter struct {
	repo *postgres.RateLimitRepo

	mu    sync.Mutex
	local map[int64]*rate.Limiter
}

// New builds a Limiter backed by repo.
func New(repo *postgres.RateLimitRepo) *Limiter {
	return &Limiter{repo: repo, local: make(map[int64]*rate.Limiter)}
}

// Allow reports whether domainID may be fetched right now, given its
// configured limitPerSecond and burstCapacity. When the local bucket is
// already empty, Allow returns false without touching the database.
// Otherwise it defers to the database bucket, which remains authoritative
// across multiple scheduler processes.
func (l *Limiter) Allow(ctx context.Context, domainID int64, limitPerSecond, burstCapacity float64) (bool, time.Duration, error) {
	local := l.localLimiter(domainID, limitPerSecond, burstCapacity)
	if !local.Allow() {
		wait := time.Second
		if limitPerSecond > 0 {
			wait = time.Duration(float64(time.Second) / limitPerSecond)
		}
		return false, wait, nil
	}

	result, err := l.repo.TryAcquire(ctx, domainID)
	if err != nil {
		return false, 0, err
	}
	return result.Acquired, result.RetryAfter, nil
}

// Forget drops a domain's local bucket, used when its configured rate
// changes so the next Allow call rebuilds it with fresh parameters.
func (l *Limiter) Forget(domainID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.local, domainID)
}

func (l *Limiter) localLimiter(domainID int64, limitPerSecond, burstCapacity float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.local[domainID]
	if !ok {
		burst := int(burstCapacity)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(limitPerSecond), burst)
		l.local[domainID] = lim
	}
	return lim
}
