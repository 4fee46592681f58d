package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireGrantsWhenTokensAvailable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT limit_per_second").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"limit_per_second", "burst_capacity", "tokens_remaining", "last_refill_at"}).
			AddRow(1.0, 2.0, 2.0, now.Add(-time.Second)))
	mock.ExpectExec("UPDATE rate_limits").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	repo := NewRateLimitRepo(mock)
	res, err := repo.TryAcquire(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, res.Acquired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAcquireReturnsRetryAfterWhenExhausted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT limit_per_second").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"limit_per_second", "burst_capacity", "tokens_remaining", "last_refill_at"}).
			AddRow(1.0, 1.0, 0.0, now))
	mock.ExpectExec("UPDATE rate_limits").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	repo := NewRateLimitRepo(mock)
	res, err := repo.TryAcquire(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, res.Acquired)
	require.Greater(t, res.RetryAfter, time.Duration(0))
	require.NoError(t, mock.ExpectationsWereMet())
}
