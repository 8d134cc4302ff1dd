package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/queueflow/internal/models"
)

const testTicketID = "0190f5d2-7f3a-7c21-9a4b-1d2e3f405162"

func newSQLMock(t *testing.T, driver string) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, driver), mock
}

func ticketRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "external_code", "holder_name", "category", "status",
		"created_at", "started_at", "completed_at",
	})
}

func TestTicketSQLRepository_Create(t *testing.T) {
	t.Run("inserts with rebound placeholders", func(t *testing.T) {
		db, mock := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		ticket := &models.Ticket{
			ExternalCode: "BK-1",
			Name:         "Ada",
			Category:     "Fever",
			Status:       models.StatusWaiting,
			CreatedAt:    &created,
		}

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tickets")).
			WithArgs(sqlmock.AnyArg(), "BK-1",
				sql.NullString{String: "Ada", Valid: true},
				sql.NullString{String: "Fever", Valid: true},
				sql.NullString{String: "waiting", Valid: true},
				sql.NullTime{Time: created, Valid: true},
				sql.NullTime{},
				sql.NullTime{}).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(context.Background(), ticket))
		assert.NotEmpty(t, ticket.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violation to ErrDuplicateCode", func(t *testing.T) {
		db, mock := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tickets")).
			WillReturnError(&pq.Error{Code: "23505"})

		err := repo.Create(context.Background(), &models.Ticket{ExternalCode: "BK-1", Status: models.StatusWaiting})
		assert.ErrorIs(t, err, ErrDuplicateCode)
	})

	t.Run("wraps other errors", func(t *testing.T) {
		db, mock := newSQLMock(t, "mysql")
		repo := NewTicketSQLRepository(db)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tickets")).
			WillReturnError(errors.New("connection reset"))

		err := repo.Create(context.Background(), &models.Ticket{ExternalCode: "BK-1"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDuplicateCode)
		assert.Contains(t, err.Error(), "failed to insert ticket")
	})
}

func TestTicketSQLRepository_FindByExternalCode(t *testing.T) {
	t.Run("prefers the active record", func(t *testing.T) {
		db, mock := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		older := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		newer := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		rows := ticketRows().
			AddRow("0190f5d2-0000-7000-8000-000000000001", "BK-1", "Ada", "Fever", "waiting", older, nil, nil).
			AddRow("0190f5d2-0000-7000-8000-000000000002", "BK-1", "Ada", "Fever", "completed", newer, newer, newer)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE external_code = $1")).
			WithArgs("BK-1").
			WillReturnRows(rows)

		ticket, err := repo.FindByExternalCode(context.Background(), "BK-1")
		require.NoError(t, err)
		assert.Equal(t, "0190f5d2-0000-7000-8000-000000000001", ticket.ID)
		assert.Equal(t, models.StatusWaiting, ticket.Status)
		assert.Nil(t, ticket.StartedAt)
	})

	t.Run("reports missing code", func(t *testing.T) {
		db, mock := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE external_code = $1")).
			WithArgs("NOPE").
			WillReturnRows(ticketRows())

		_, err := repo.FindByExternalCode(context.Background(), "NOPE")
		assert.ErrorIs(t, err, ErrTicketNotFound)
	})

	t.Run("keeps NULL status and created_at unset", func(t *testing.T) {
		db, mock := newSQLMock(t, "sqlite3")
		repo := NewTicketSQLRepository(db)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE external_code = ?")).
			WithArgs("LEGACY").
			WillReturnRows(ticketRows().AddRow(testTicketID, "LEGACY", nil, nil, nil, nil, nil, nil))

		ticket, err := repo.FindByExternalCode(context.Background(), "LEGACY")
		require.NoError(t, err)
		assert.Equal(t, models.TicketStatus(""), ticket.Status)
		assert.Nil(t, ticket.CreatedAt)
	})
}

func TestTicketSQLRepository_FindByID(t *testing.T) {
	db, mock := newSQLMock(t, "postgres")
	repo := NewTicketSQLRepository(db)

	t.Run("rejects malformed id without a query", func(t *testing.T) {
		_, err := repo.FindByID(context.Background(), "not-a-uuid")
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("maps no rows to ErrTicketNotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
			WithArgs(testTicketID).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.FindByID(context.Background(), testTicketID)
		assert.ErrorIs(t, err, ErrTicketNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketSQLRepository_UpdateOne(t *testing.T) {
	t.Run("builds a guarded update", func(t *testing.T) {
		db, mock := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		started := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE tickets SET status = $1, started_at = $2 WHERE id = $3 AND status = $4")).
			WithArgs("in_service", started, testTicketID, "waiting").
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := repo.UpdateOne(context.Background(), testTicketID,
			TicketFilter{Status: models.StatusWaiting},
			TicketChanges{Status: models.StatusInService, StartedAt: &started})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("guards on missing fields", func(t *testing.T) {
		db, mock := newSQLMock(t, "mysql")
		repo := NewTicketSQLRepository(db)

		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE tickets SET status = ? WHERE id = ? AND (status IS NULL OR status = '')")).
			WithArgs("waiting", testTicketID).
			WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := repo.UpdateOne(context.Background(), testTicketID,
			TicketFilter{StatusMissing: true},
			TicketChanges{Status: models.StatusWaiting})
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("backfills an empty status on postgres", func(t *testing.T) {
		db, mock := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE tickets SET status = $1, created_at = $2 WHERE id = $3 AND (status IS NULL OR status = '') AND created_at IS NULL")).
			WithArgs("waiting", created, testTicketID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := repo.UpdateOne(context.Background(), testTicketID,
			TicketFilter{StatusMissing: true, CreatedAtMissing: true},
			TicketChanges{Status: models.StatusWaiting, CreatedAt: &created})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a backward transition without touching the database", func(t *testing.T) {
		db, mock := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		_, err := repo.UpdateOne(context.Background(), testTicketID,
			TicketFilter{Status: models.StatusCompleted},
			TicketChanges{Status: models.StatusWaiting})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects empty changes", func(t *testing.T) {
		db, _ := newSQLMock(t, "postgres")
		repo := NewTicketSQLRepository(db)

		_, err := repo.UpdateOne(context.Background(), testTicketID, TicketFilter{}, TicketChanges{})
		assert.Error(t, err)
	})
}

func TestTicketSQLRepository_Counts(t *testing.T) {
	db, mock := newSQLMock(t, "postgres")
	repo := NewTicketSQLRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM tickets WHERE status = $1")).
		WithArgs("in_service").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	n, err := repo.CountByStatus(context.Background(), models.StatusInService)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	since := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND completed_at >= $2")).
		WithArgs("completed", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err = repo.CountCompletedSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeMarkerSQLRepository(t *testing.T) {
	db, mock := newSQLMock(t, "postgres")
	repo := NewChangeMarkerSQLRepository(db)
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 9, 0, 0, 123000000, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ticket_updates (ts) VALUES ($1)")).
		WithArgs(at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.InsertMarker(ctx, at))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ts FROM ticket_updates ORDER BY ts DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"ts"}).AddRow(at))
	latest, ok, err := repo.LatestMarker(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, latest.Equal(at))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ts FROM ticket_updates")).
		WillReturnError(sql.ErrNoRows)
	_, ok, err = repo.LatestMarker(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ticket_updates WHERE ts < $1")).
		WithArgs(at).
		WillReturnResult(sqlmock.NewResult(0, 7))
	removed, err := repo.PruneMarkers(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)

	require.NoError(t, mock.ExpectationsWereMet())
}
