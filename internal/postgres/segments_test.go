package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPublishSegmentAssignsNextGeneration(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	segID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_generation").
		WillReturnRows(pgxmock.NewRows([]string{"last_generation"}).AddRow(int64(4)))
	mock.ExpectExec("UPDATE index_meta").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO index_segments").
		WithArgs(segID, int64(5), 0, 100, int64(2048)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "published_at"}).AddRow(int64(9), now))
	mock.ExpectCommit()

	repo := NewSegmentRepo(mock)
	row, err := repo.PublishSegment(context.Background(), segID, 0, 100, 2048)
	require.NoError(t, err)
	require.Equal(t, int64(5), row.CommitGeneration)
	require.Equal(t, int64(9), row.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
