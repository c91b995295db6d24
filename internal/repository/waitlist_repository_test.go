package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

var waitlistRowColumns = []string{"offering_id", "student_id", "position", "joined_at", "status", "promoted_at"}

func expectOfferingLock(mock sqlmock.Sqlmock, offeringID string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(offeringID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestWaitlistRepositoryJoinAppendsAtTail(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWaitlistRepository(db)
	now := time.Now().UTC()

	expectOfferingLock(mock, "off-1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("off-1", "stu-9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM waitlist_entries")).
		WithArgs("off-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO waitlist_entries")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := repo.Join(context.Background(), "off-1", "stu-9", now)
	require.NoError(t, err)
	assert.Equal(t, 5, entry.Position)
	assert.Equal(t, models.WaitlistStatusWaitlisted, entry.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistRepositoryJoinDuplicate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWaitlistRepository(db)

	expectOfferingLock(mock, "off-1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("off-1", "stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := repo.Join(context.Background(), "off-1", "stu-1", time.Now())
	require.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistRepositoryPromoteRedensesQueue(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWaitlistRepository(db)
	joined := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	now := joined.Add(time.Hour)

	expectOfferingLock(mock, "off-1")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE offering_id = $1 AND student_id = $2 FOR UPDATE")).
		WithArgs("off-1", "stu-2").
		WillReturnRows(sqlmock.NewRows(waitlistRowColumns).AddRow("off-1", "stu-2", 2, joined, "waitlisted", nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE waitlist_entries SET status = 'promoted'")).
		WithArgs(now, "off-1", "stu-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET position = position - 1")).
		WithArgs("off-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	entry, err := repo.Promote(context.Background(), "off-1", "stu-2", now)
	require.NoError(t, err)
	assert.Equal(t, models.WaitlistStatusPromoted, entry.Status)
	assert.Zero(t, entry.Position)
	require.NotNil(t, entry.PromotedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistRepositoryPromoteAlreadyPromoted(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWaitlistRepository(db)
	joined := time.Now().Add(-time.Hour)

	expectOfferingLock(mock, "off-1")
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("off-1", "stu-2").
		WillReturnRows(sqlmock.NewRows(waitlistRowColumns).AddRow("off-1", "stu-2", 0, joined, "promoted", joined))
	mock.ExpectRollback()

	_, err := repo.Promote(context.Background(), "off-1", "stu-2", time.Now())
	require.ErrorIs(t, err, ErrNotWaitlisted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistRepositoryLeaveUnknownStudent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWaitlistRepository(db)

	expectOfferingLock(mock, "off-1")
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("off-1", "ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.Leave(context.Background(), "off-1", "ghost")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
