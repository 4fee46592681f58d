// Package metrics exposes Prometheus collectors for the crawl, index,
// query, and authority pipelines.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchOutcomesTotal          *prometheus.CounterVec
	fetchBytesTotal             *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	robotsFetchTimeoutsTotal    prometheus.Counter
	fetchActiveWorkers          prometheus.Gauge
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	indexDocsTotal              prometheus.Counter
	indexSegmentsFlushedTotal   prometheus.Counter
	querySearchesTotal          *prometheus.CounterVec
	queryLatencySeconds         prometheus.Histogram
	queryCacheHitsTotal         *prometheus.CounterVec
	authorityRunsTotal          prometheus.Counter
	authorityRunDurationSeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gurtd_fetch_outcomes_total",
				Help: "Total number of page fetches, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gurtd_fetch_bytes_total",
				Help: "Total number of response bytes fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsFetchTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gurtd_robots_fetch_timeouts_total",
				Help: "Total timeouts encountered while fetching robots.txt.",
			},
		)

		fetchActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gurtd_fetch_active_workers",
				Help: "Number of fetch worker pool goroutines currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gurtd_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by domain.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		indexDocsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gurtd_index_docs_total",
				Help: "Total number of documents added to the index.",
			},
		)

		indexSegmentsFlushedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gurtd_index_segments_flushed_total",
				Help: "Total number of segment files flushed to disk.",
			},
		)

		querySearchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gurtd_query_searches_total",
				Help: "Total number of searches served, labeled by whether the result was partial.",
			},
			[]string{"partial"},
		)

		queryLatencySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gurtd_query_latency_seconds",
				Help:    "Histogram of end-to-end search latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		queryCacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gurtd_query_cache_hits_total",
				Help: "Total number of query cache lookups, labeled by hit or miss.",
			},
			[]string{"result"},
		)

		authorityRunsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gurtd_authority_runs_total",
				Help: "Total number of PageRank/TrustRank recomputation runs.",
			},
		)

		authorityRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gurtd_authority_run_duration_seconds",
				Help:    "Histogram of PageRank/TrustRank recomputation durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 300},
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch increments the fetch outcome metrics.
func ObserveFetch(domain, outcome string, bytesFetched int) {
	sanitized := SanitizeSite(domain)
	fetchOutcomesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFetchTimeout increments the robots.txt fetch timeout counter.
func ObserveRobotsFetchTimeout() {
	robotsFetchTimeoutsTotal.Inc()
}

// IncActiveWorkers increments the active fetch worker gauge.
func IncActiveWorkers() {
	fetchActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active fetch worker gauge.
func DecActiveWorkers() {
	fetchActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveIndexed increments the indexed document counter.
func ObserveIndexed() {
	indexDocsTotal.Inc()
}

// ObserveSegmentFlushed increments the flushed segment counter.
func ObserveSegmentFlushed() {
	indexSegmentsFlushedTotal.Inc()
}

// ObserveSearch records one completed search.
func ObserveSearch(partial bool, duration time.Duration) {
	querySearchesTotal.WithLabelValues(strconv.FormatBool(partial)).Inc()
	queryLatencySeconds.Observe(duration.Seconds())
}

// ObserveQueryCache records a query cache lookup outcome.
func ObserveQueryCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	queryCacheHitsTotal.WithLabelValues(result).Inc()
}

// ObserveAuthorityRun records one PageRank/TrustRank recomputation.
func ObserveAuthorityRun(duration time.Duration) {
	authorityRunsTotal.Inc()
	authorityRunDurationSeconds.Observe(duration.Seconds())
}
