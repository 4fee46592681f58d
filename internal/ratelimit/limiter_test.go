package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/gurtd/gurtd/internal/postgres"
)

func TestAllowRejectsLocallyWithoutHittingDatabase(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT limit_per_second").
		WillReturnRows(pgxmock.NewRows([]string{"limit_per_second", "burst_capacity", "tokens_remaining", "last_refill_at"}).
			AddRow(1.0, 1.0, 1.0, time.Now()))
	mock.ExpectExec("UPDATE rate_limits").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	l := New(postgres.NewRateLimitRepo(mock))

	ok, _, err := l.Allow(context.Background(), 1, 1, 1)
	require.NoError(t, err)
	require.True(t, ok, "first call drains the local burst token and confirms against the database")

	// Local bucket is now empty; the second call must reject locally and
	// never reach the mock pool, so no further expectations are registered.
	ok, wait, err := l.Allow(context.Background(), 1, 1, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))

	require.NoError(t, mock.ExpectationsWereMet())
}
