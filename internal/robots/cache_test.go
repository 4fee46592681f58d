package robots

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/fetchclient"
	"github.com/gurtd/gurtd/internal/postgres"
)

type stubFetcher struct {
	resp fetchclient.Response
	err  error
	n    int
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) (fetchclient.Response, error) {
	s.n++
	return s.resp, s.err
}

func TestCheckFetchesAndParsesOnFirstCall(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT domain_id, body").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO robots_cache").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE domains SET robots_consecutive_failures = 0").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE domains SET status").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	body := []byte("User-agent: *\nDisallow: /private\nSitemap: gurt://example.gurt/sitemap.xml\n")
	fetcher := &stubFetcher{resp: fetchclient.Response{StatusCode: 200, Body: body, Headers: http.Header{}}}

	var seeded []string
	hook := func(ctx context.Context, domainID int64, domainName string, sitemapURLs []string) {
		seeded = sitemapURLs
	}

	c := New(postgres.NewRobotsRepo(mock), postgres.NewDomainRepo(mock), fetcher, zap.NewNop(), hook)
	decision, err := c.Check(context.Background(), 1, "example.gurt", "gurtbot", "/private/page")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 1, fetcher.n)
	require.Equal(t, []string{"gurt://example.gurt/sitemap.xml"}, seeded)

	decision2, err := c.Check(context.Background(), 1, "example.gurt", "gurtbot", "/public/page")
	require.NoError(t, err)
	require.True(t, decision2.Allowed)
	require.Equal(t, 1, fetcher.n, "second check should be served from the warm LRU, no second fetch")
}

func TestOnFetchFailureFallsBackToAllowAllWithoutPriorPolicy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT domain_id, body").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("UPDATE domains SET robots_consecutive_failures").
		WillReturnRows(pgxmock.NewRows([]string{"robots_consecutive_failures"}).AddRow(1))

	fetcher := &stubFetcher{err: context.DeadlineExceeded}
	c := New(postgres.NewRobotsRepo(mock), postgres.NewDomainRepo(mock), fetcher, zap.NewNop(), nil)

	decision, err := c.Check(context.Background(), 2, "slow.gurt", "gurtbot", "/anything")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestParseMaxAge(t *testing.T) {
	require.Equal(t, 3600, parseMaxAge("public, max-age=3600"))
	require.Equal(t, 0, parseMaxAge("no-cache"))
}

func TestTTLForFloorsAtMinTTL(t *testing.T) {
	require.Equal(t, minTTL, ttlFor(10))
	require.Equal(t, 2*time.Hour, ttlFor(7200))
}

