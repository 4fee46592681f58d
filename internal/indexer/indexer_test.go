package indexer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/parser"
	"github.com/gurtd/gurtd/internal/postgres"
)

func TestAddFlushesOnMaxDocs(t *testing.T) {
	dir := t.TempDir()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_generation").
		WillReturnRows(pgxmock.NewRows([]string{"last_generation"}).AddRow(int64(0)))
	mock.ExpectExec("UPDATE index_meta").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO index_segments").
		WillReturnRows(pgxmock.NewRows([]string{"id", "published_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectCommit()

	idx := New(Config{SegmentDir: dir, MaxDocs: 2, MaxAge: time.Hour}, postgres.NewSegmentRepo(mock), postgres.NewQueryCacheRepo(mock), zap.NewNop())

	require.NoError(t, idx.Add(context.Background(), parser.ParsedDoc{CanonicalURL: "gurt://a.gurt/", Title: "A", Text: "hello world"}))
	require.NoError(t, idx.Add(context.Background(), parser.ParsedDoc{CanonicalURL: "gurt://b.gurt/", Title: "B", Text: "goodbye world"}))
	// Third Add crosses MaxDocs=2, triggering a flush of the first two docs
	// before this one is appended to a fresh builder.
	require.NoError(t, idx.Add(context.Background(), parser.ParsedDoc{CanonicalURL: "gurt://c.gurt/", Title: "C", Text: "another doc"}))

	require.NoError(t, mock.ExpectationsWereMet())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
