package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestLeaseClaimsAvailableEntries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, url_id").
		WillReturnRows(pgxmock.NewRows([]string{"id", "url_id", "domain_id", "priority", "available_at", "attempts", "max_attempts", "locked_by", "locked_at", "recrawl_interval_seconds"}).
			AddRow(int64(1), int64(10), int64(100), 5, now, 0, 5, nil, nil, nil))
	mock.ExpectExec("UPDATE crawl_queue SET locked_by").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	repo := NewQueueRepo(mock, CrawlQueue)
	entries, err := repo.Lease(context.Background(), "worker-1", 10, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1), entries[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseReturnsEmptyWithoutUpdateWhenNothingAvailable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, url_id").
		WillReturnRows(pgxmock.NewRows([]string{"id", "url_id", "domain_id", "priority", "available_at", "attempts", "max_attempts", "locked_by", "locked_at", "recrawl_interval_seconds"}))
	mock.ExpectCommit()

	repo := NewQueueRepo(mock, CrawlQueue)
	entries, err := repo.Lease(context.Background(), "worker-1", 10, nil)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	d1 := Backoff(1)
	d5 := Backoff(10)
	require.Less(t, d1, time.Hour)
	require.LessOrEqual(t, d5, time.Hour+12*time.Minute)
}

func TestAckDeletesRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM crawl_queue").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 1))

	repo := NewQueueRepo(mock, CrawlQueue)
	require.NoError(t, repo.Ack(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}
