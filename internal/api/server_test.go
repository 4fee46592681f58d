package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/gurtd/gurtd/internal/config"
	"github.com/gurtd/gurtd/internal/notify"
	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/query"
	"github.com/gurtd/gurtd/internal/segment"
)

type emptySegmentSource struct{}

func (emptySegmentSource) Acquire(context.Context) ([]*segment.Reader, int64, error) {
	return nil, 0, nil
}
func (emptySegmentSource) Release([]*segment.Reader) {}

func testConfig() config.Config {
	return config.Config{
		DatabaseURL: "postgres://test",
		SegmentDir:  "/tmp",
		Crawl:       config.CrawlConfig{MaxCrawlAttempts: 5},
		Query:       config.QueryConfig{DefaultLimit: 20, MaxLimit: 100},
	}
}

func newTestServer(t *testing.T, mock pgxmock.PgxPoolIface) *Server {
	t.Helper()
	domains := postgres.NewDomainRepo(mock)
	urls := postgres.NewURLRepo(mock)
	crawlQueue := postgres.NewQueueRepo(mock, postgres.CrawlQueue)
	planner := query.New(emptySegmentSource{}, postgres.NewQueryCacheRepo(mock), postgres.NewLinkGraphRepo(mock), urls)
	return NewServer(domains, urls, crawlQueue, planner, notify.Noop{}, testConfig())
}

func TestHealthzAndReadyz(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	srv := newTestServer(t, mock)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitSiteRejectsInvalidDomain(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	srv := newTestServer(t, mock)

	body, _ := json.Marshal(submitSiteRequest{Domain: "not a domain/"})
	req := httptest.NewRequest(http.MethodPost, "/api/sites", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitSiteCreatesPendingDomainAndSeedsQueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)

	now := "2026-01-01 00:00:00"
	domainCols := []string{"id", "name", "status", "crawl_interval_seconds", "submission_source", "robots_consecutive_failures", "created_at", "updated_at"}
	mock.ExpectQuery("INSERT INTO domains").
		WillReturnRows(pgxmock.NewRows(domainCols).AddRow(int64(1), "example.gurt", "pending", int64(604800), "submitted", 0, now, now))

	urlCols := []string{"id", "domain_id", "canonical_url", "normalized_hash", "fetch_priority", "last_fetch_outcome", "last_fetch_at", "last_status_code", "last_etag", "last_modified", "content_hash", "robots_blocked", "discovered_at"}
	mock.ExpectQuery("INSERT INTO urls").
		WillReturnRows(pgxmock.NewRows(urlCols).AddRow(int64(1), int64(1), "gurt://example.gurt/", []byte{1}, 5, "pending", nil, nil, nil, nil, nil, false, now))

	mock.ExpectExec("INSERT INTO crawl_queue").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	srv := newTestServer(t, mock)

	body, _ := json.Marshal(submitSiteRequest{Domain: "example.gurt"})
	req := httptest.NewRequest(http.MethodPost, "/api/sites", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp submitSiteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "example.gurt", resp.Domain)
	require.Equal(t, "pending", resp.Status)
}

func TestAPISearchRequiresQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	srv := newTestServer(t, mock)

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPISearchReturnsEmptyResultsWhenNoSegments(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("UPDATE query_cache").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO query_cache").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	srv := newTestServer(t, mock)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=hello", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp query.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "hello", resp.Query)
	require.Empty(t, resp.Results)
}
