package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

var workflowRowColumns = []string{
	"id", "instance_name", "entity_type", "entity_id", "workflow_status", "required_approvals", "initiated_by",
	"initiated_at", "sla_deadline", "escalated_at", "completed_at", "updated_at",
}

var approvalRowColumns = []string{"id", "instance_id", "approver_id", "decision", "notes", "decided_at"}

func workflowRow(id string, status models.WorkflowStatus) *sqlmock.Rows {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(48 * time.Hour)
	return sqlmock.NewRows(workflowRowColumns).
		AddRow(id, "Add provider", "provider_assignment", "entity-1", string(status), 1, "admin-1",
			now, deadline, nil, nil, now)
}

func TestWorkflowRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWorkflowRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_instances")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	instance := &models.WorkflowInstance{InstanceName: "Add provider", EntityType: models.WorkflowEntityProviderAssignment, EntityID: "entity-1"}
	require.NoError(t, repo.Create(context.Background(), instance))
	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, models.WorkflowStatusPending, instance.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowRepositoryListEscalationCandidates(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWorkflowRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("escalated_at IS NULL")).
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wf-1").AddRow("wf-2"))

	ids, err := repo.ListEscalationCandidates(context.Background(), now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1", "wf-2"}, ids)
}

func TestWorkflowRepositoryTransitionRecordsApproval(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWorkflowRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_instances WHERE id = $1 FOR UPDATE")).
		WithArgs("wf-1").
		WillReturnRows(workflowRow("wf-1", models.WorkflowStatusPending))
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_approvals WHERE instance_id = $1")).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows(approvalRowColumns))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_approvals")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_instances SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	instance, err := repo.Transition(context.Background(), "wf-1", func(instance *models.WorkflowInstance, approvals []models.WorkflowApproval) (*models.WorkflowApproval, error) {
		require.Empty(t, approvals)
		instance.Status = models.WorkflowStatusCompleted
		return &models.WorkflowApproval{InstanceID: instance.ID, ApproverID: "lead-1", Decision: models.DecisionApprove}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, instance.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowRepositoryTransitionMapsUniqueViolation(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWorkflowRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("wf-1").
		WillReturnRows(workflowRow("wf-1", models.WorkflowStatusInProgress))
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_approvals")).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows(approvalRowColumns))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_approvals")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), "wf-1", func(instance *models.WorkflowInstance, _ []models.WorkflowApproval) (*models.WorkflowApproval, error) {
		return &models.WorkflowApproval{InstanceID: instance.ID, ApproverID: "lead-1", Decision: models.DecisionApprove}, nil
	})
	require.True(t, errors.Is(err, ErrDuplicate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowRepositoryTransitionNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewWorkflowRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), "missing", func(*models.WorkflowInstance, []models.WorkflowApproval) (*models.WorkflowApproval, error) {
		t.Fatal("transition must not run")
		return nil, nil
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
