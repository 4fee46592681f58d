package query

import (
	"bytes"
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/gurtd/gurtd/internal/postgres"
	"github.com/gurtd/gurtd/internal/segment"
)

type stubSource struct {
	readers []*segment.Reader
	gen     int64
}

func (s *stubSource) Acquire(ctx context.Context) ([]*segment.Reader, int64, error) {
	return s.readers, s.gen, nil
}
func (s *stubSource) Release([]*segment.Reader) {}

func buildTestReader(t *testing.T) *segment.Reader {
	t.Helper()
	b := segment.NewBuilder()
	b.AddDocument("gurt://example.gurt/fox", "About Foxes", "the quick fox jumps over the lazy dog", []segment.PostingTerm{
		{Term: "quick", Position: 1}, {Term: "fox", Position: 2}, {Term: "jump", Position: 3}, {Term: "lazi", Position: 6}, {Term: "dog", Position: 7},
	})
	b.AddDocument("gurt://example.gurt/other", "Other Page", "nothing relevant here", []segment.PostingTerm{
		{Term: "nothing", Position: 0}, {Term: "relev", Position: 1},
	})
	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)
	r, err := segment.OpenBytes(buf.Bytes())
	require.NoError(t, err)
	return r
}

func TestSearchReturnsMatchingDocumentRankedAboveNonMatching(t *testing.T) {
	reader := buildTestReader(t)
	src := &stubSource{readers: []*segment.Reader{reader}, gen: 1}

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("UPDATE query_cache").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id, domain_id, canonical_url").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO query_cache").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	planner := New(src, postgres.NewQueryCacheRepo(mock), postgres.NewLinkGraphRepo(mock), postgres.NewURLRepo(mock))

	resp, err := planner.Search(context.Background(), "quick fox", 10)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "gurt://example.gurt/fox", resp.Results[0].URL)
	require.Contains(t, resp.Results[0].Snippet, "fox")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeQueryStemsAndLowercases(t *testing.T) {
	terms := normalizeQuery("Quick FOXES jumping")
	require.Contains(t, terms, "quick")
}
