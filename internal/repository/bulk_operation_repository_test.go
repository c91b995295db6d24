package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
		db.Close()
	}
	return sqlxDB, mock, cleanup
}

var bulkOperationRowColumns = []string{
	"id", "operation_name", "operation_type", "status", "total_items", "processed_items", "failed_items",
	"progress_percentage", "operation_data", "error_log", "succeeded_items", "rollback_data", "can_rollback",
	"cancel_requested", "created_by", "created_at", "started_at", "completed_at", "updated_at",
}

func bulkOperationRow(id string, status models.BulkOperationStatus, processed, failed int) *sqlmock.Rows {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	data := []byte(`{"type":"add_members","add_members":{"team_id":"team-1","members":[{"user_id":"u1"},{"user_id":"u2"},{"user_id":"u3"}]}}`)
	return sqlmock.NewRows(bulkOperationRowColumns).
		AddRow(id, "onboard", "add_members", string(status), 3, processed, failed, 0,
			data, []byte(`[]`), []byte(`[]`), nil, false, false, "admin-1", now, nil, nil, now)
}

func TestBulkOperationRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewBulkOperationRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bulk_operations")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	op := models.NewBulkOperation("onboard", models.OperationData{
		Type:       models.BulkOperationAddMembers,
		AddMembers: &models.AddMembersPayload{TeamID: "team-1", Members: []models.MemberRef{{UserID: "u1"}}},
	}, "admin-1", false, nil, time.Now().UTC())
	require.NoError(t, repo.Create(context.Background(), op))
	assert.NotEmpty(t, op.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkOperationRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewBulkOperationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bulk_operations WHERE id = $1")).
		WithArgs("op-1").
		WillReturnRows(bulkOperationRow("op-1", models.BulkStatusInProgress, 1, 0))

	op, err := repo.GetByID(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID)
	assert.Equal(t, models.BulkStatusInProgress, op.Status)
	require.NotNil(t, op.OperationData.AddMembers)
	assert.Len(t, op.OperationData.AddMembers.Members, 3)
	assert.Nil(t, op.RollbackData)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkOperationRepositoryGetByIDNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewBulkOperationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bulk_operations WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestBulkOperationRepositoryListAppliesFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewBulkOperationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ($1,$2) AND created_by = $3 ORDER BY created_at DESC LIMIT 10 OFFSET 0")).
		WithArgs(models.BulkStatusPending, models.BulkStatusInProgress, "admin-1").
		WillReturnRows(bulkOperationRow("op-1", models.BulkStatusPending, 0, 0))

	ops, err := repo.List(context.Background(), models.BulkOperationFilter{
		Status:    []models.BulkOperationStatus{models.BulkStatusPending, models.BulkStatusInProgress},
		CreatedBy: "admin-1",
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkOperationRepositoryMutateCommits(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewBulkOperationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM bulk_operations WHERE id = $1 FOR UPDATE")).
		WithArgs("op-1").
		WillReturnRows(bulkOperationRow("op-1", models.BulkStatusInProgress, 1, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bulk_operations SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	op, err := repo.Mutate(context.Background(), "op-1", func(op *models.BulkOperation) error {
		_, err := op.RecordResult(models.ItemResult{Seq: 2, Key: "team:team-1/user:u2"}, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, op.ProcessedItems)
	assert.Equal(t, models.SeqList{2}, op.SucceededItems)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkOperationRepositoryMutateRollsBackOnCallbackError(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewBulkOperationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("op-1").
		WillReturnRows(bulkOperationRow("op-1", models.BulkStatusCompleted, 3, 0))
	mock.ExpectRollback()

	_, err := repo.Mutate(context.Background(), "op-1", func(op *models.BulkOperation) error {
		_, err := op.RecordResult(models.ItemResult{Seq: 1}, time.Now().UTC())
		return err
	})
	require.True(t, errors.Is(err, models.ErrOperationTerminal))
	require.NoError(t, mock.ExpectationsWereMet())
}
