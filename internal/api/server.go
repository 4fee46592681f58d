// Package api exposes the HTTP interface for gurtd: site submission and
// search (§4.11).
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gurtd/gurtd/internal/config"
	"github.com/gurtd/gurtd/internal/errs"
	"github.com/gurtd/gurtd/internal/metrics"
	"github.com/gurtd/gurtd/internal/normalize"
	"github.com/gurtd/gurtd/internal/notify"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/query"
)

// domainPattern enforces the submission shape of §4.11: a bare
// registrable-looking name, no scheme, no path.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// submissionQueuePriority is the crawl_queue priority a freshly submitted
// site's root URL enters at (§4.11): above routine recrawls, below
// nothing, since a first fetch has no history to prioritize against.
const submissionQueuePriority = 5

// Server wires HTTP handlers to the query planner and domain submission.
type Server struct {
	router   chi.Router
	domains  *postgres.DomainRepo
	urls     *postgres.URLRepo
	queue    *postgres.QueueRepo
	planner  *query.Planner
	notifier notify.Publisher
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes. notifier
// receives a DomainSubmitted event for every newly accepted submission;
// pass notify.Noop{} when no Pub/Sub topic is configured.
func NewServer(domains *postgres.DomainRepo, urls *postgres.URLRepo, crawlQueue *postgres.QueueRepo, planner *query.Planner, notifier notify.Publisher, cfg config.Config) *Server {
	s := &Server{
		domains:  domains,
		urls:     urls,
		queue:    crawlQueue,
		planner:  planner,
		notifier: notifier,
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)
	r.Get("/robots.txt", s.serveRobotsTxt)
	r.Get("/", s.searchPage)
	r.Get("/search", s.searchPage)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sites", s.submitSite)
		r.Get("/search", s.apiSearch)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) serveRobotsTxt(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
}

type submitSiteRequest struct {
	Domain string `json:"domain"`
}

type submitSiteResponse struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
}

// submitSite implements POST /api/sites (§4.11): validates the submitted
// domain, upserts it as pending, and seeds its root URL into the crawl
// queue so the scheduler picks it up on the next tick.
func (s *Server) submitSite(w http.ResponseWriter, r *http.Request) {
	var req submitSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	name := strings.ToLower(strings.TrimSpace(req.Domain))
	if name == "" || len(name) > 255 || !domainPattern.MatchString(name) {
		writeError(w, http.StatusBadRequest, "domain must be a bare registrable hostname, e.g. example.gurt")
		return
	}

	domain, created, err := s.domains.UpsertPending(r.Context(), name, "submitted")
	if err != nil {
		writeError(w, errs.HTTPStatus(err), "failed to record domain submission")
		return
	}

	if created {
		if err := s.seedRootURL(r.Context(), domain); err != nil {
			slog.Default().Error("failed to seed root URL for submitted domain", "domain", name, "error", err)
		}
		if _, err := s.notifier.Publish(r.Context(), s.cfg.PubSubTopic, notify.DomainSubmitted{Domain: domain.Name, Status: domain.Status}); err != nil {
			slog.Default().Warn("failed to publish domain submission event", "domain", name, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, submitSiteResponse{Domain: domain.Name, Status: domain.Status})
}

func (s *Server) seedRootURL(ctx context.Context, domain postgres.Domain) error {
	result, err := normalize.Normalize("gurt://" + domain.Name + "/")
	if err != nil {
		return err
	}
	u, _, err := s.urls.EnsureURL(ctx, domain.ID, result.CanonicalURL, result.NormalizedHash[:], submissionQueuePriority)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, u.ID, domain.ID, submissionQueuePriority, time.Now(), s.cfg.Crawl.MaxCrawlAttempts)
}

// apiSearch implements GET /api/search?q=&limit= (§4.10/§4.11).
func (s *Server) apiSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := s.cfg.Query.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	resp, err := s.planner.Search(r.Context(), q, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// searchPage implements GET / and GET /search: a minimal server-rendered
// results page, since gurtd has no separate frontend build.
func (s *Server) searchPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html><html><head><title>gurtd</title></head><body>`)
	fmt.Fprint(w, `<form action="/search" method="get"><input name="q" value="`, htmlEscape(q), `"><button type="submit">Search</button></form>`)

	if strings.TrimSpace(q) == "" {
		fmt.Fprint(w, `</body></html>`)
		return
	}

	resp, err := s.planner.Search(r.Context(), q, s.cfg.Query.DefaultLimit)
	if err != nil {
		fmt.Fprint(w, `<p>search failed</p></body></html>`)
		return
	}
	fmt.Fprint(w, `<ol>`)
	for _, res := range resp.Results {
		fmt.Fprintf(w, `<li><a href="%s">%s</a><p>%s</p></li>`, htmlEscape(res.URL), htmlEscape(res.Title), res.Snippet)
	}
	fmt.Fprint(w, `</ol>`)
	if resp.Partial {
		fmt.Fprint(w, `<p><em>results truncated by the query deadline</em></p>`)
	}
	fmt.Fprint(w, `</body></html>`)
}

func htmlEscape(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return replacer.String(s)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	logger := slog.Default()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	logger := slog.Default()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", "error", rec)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("write JSON failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
