package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

// ErrDuplicate signals a unique constraint violation.
var ErrDuplicate = errors.New("duplicate record")

const workflowColumns = `id, instance_name, entity_type, entity_id, workflow_status, required_approvals, initiated_by,
       initiated_at, sla_deadline, escalated_at, completed_at, updated_at`

const approvalColumns = `id, instance_id, approver_id, decision, notes, decided_at`

// WorkflowTransition mutates a locked instance given its recorded approvals.
// A non-nil approval is inserted in the same transaction.
type WorkflowTransition func(instance *models.WorkflowInstance, approvals []models.WorkflowApproval) (*models.WorkflowApproval, error)

// WorkflowRepository persists workflow instances and approvals.
type WorkflowRepository struct {
	db *sqlx.DB
}

// NewWorkflowRepository constructs the repository.
func NewWorkflowRepository(db *sqlx.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a new workflow instance.
func (r *WorkflowRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	if instance.Status == "" {
		instance.Status = models.WorkflowStatusPending
	}
	if instance.InitiatedAt.IsZero() {
		instance.InitiatedAt = time.Now().UTC()
	}
	if instance.UpdatedAt.IsZero() {
		instance.UpdatedAt = instance.InitiatedAt
	}
	const query = `INSERT INTO workflow_instances
	(id, instance_name, entity_type, entity_id, workflow_status, required_approvals, initiated_by, initiated_at,
	 sla_deadline, escalated_at, completed_at, updated_at)
	VALUES (:id, :instance_name, :entity_type, :entity_id, :workflow_status, :required_approvals, :initiated_by, :initiated_at,
	 :sla_deadline, :escalated_at, :completed_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, instance); err != nil {
		return fmt.Errorf("create workflow instance: %w", err)
	}
	return nil
}

// GetByID fetches a workflow instance.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_instances WHERE id = $1`
	var instance models.WorkflowInstance
	if err := r.db.GetContext(ctx, &instance, query, id); err != nil {
		return nil, err
	}
	return &instance, nil
}

// List returns workflow instances matching the filter, newest first.
func (r *WorkflowRepository) List(ctx context.Context, filter models.WorkflowFilter) ([]models.WorkflowInstance, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(`SELECT ` + workflowColumns + ` FROM workflow_instances`)

	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("workflow_status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if filter.Initiator != "" {
		args = append(args, filter.Initiator)
		conditions = append(conditions, fmt.Sprintf("initiated_by = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY initiated_at DESC")
	builder.WriteString(limitOffset(filter.Limit, filter.Offset))

	var instances []models.WorkflowInstance
	if err := r.db.SelectContext(ctx, &instances, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list workflow instances: %w", err)
	}
	return instances, nil
}

// ListApprovals returns the decisions recorded for an instance in decision order.
func (r *WorkflowRepository) ListApprovals(ctx context.Context, instanceID string) ([]models.WorkflowApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM workflow_approvals WHERE instance_id = $1 ORDER BY decided_at ASC, id ASC`
	var approvals []models.WorkflowApproval
	if err := r.db.SelectContext(ctx, &approvals, query, instanceID); err != nil {
		return nil, fmt.Errorf("list workflow approvals: %w", err)
	}
	return approvals, nil
}

// ListEscalationCandidates returns ids of non-terminal, overdue instances that
// have not been flagged yet.
func (r *WorkflowRepository) ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id FROM workflow_instances
	WHERE workflow_status IN ('pending', 'in_progress') AND escalated_at IS NULL
	  AND sla_deadline IS NOT NULL AND sla_deadline < $1
	ORDER BY sla_deadline ASC LIMIT $2`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, fmt.Errorf("list escalation candidates: %w", err)
	}
	return ids, nil
}

// Transition locks the instance, lets fn decide the next state, records an
// optional approval and persists the instance atomically.
func (r *WorkflowRepository) Transition(ctx context.Context, id string, fn WorkflowTransition) (result *models.WorkflowInstance, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin workflow transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var instance models.WorkflowInstance
	selectQuery := `SELECT ` + workflowColumns + ` FROM workflow_instances WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &instance, selectQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock workflow instance: %w", err)
	}
	var approvals []models.WorkflowApproval
	approvalQuery := `SELECT ` + approvalColumns + ` FROM workflow_approvals WHERE instance_id = $1 ORDER BY decided_at ASC, id ASC`
	if err = tx.SelectContext(ctx, &approvals, approvalQuery, id); err != nil {
		return nil, fmt.Errorf("load workflow approvals: %w", err)
	}

	approval, err := fn(&instance, approvals)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		if approval.ID == "" {
			approval.ID = uuid.NewString()
		}
		const insertQuery = `INSERT INTO workflow_approvals (id, instance_id, approver_id, decision, notes, decided_at)
	VALUES (:id, :instance_id, :approver_id, :decision, :notes, :decided_at)`
		if _, err = tx.NamedExecContext(ctx, insertQuery, approval); err != nil {
			if isUniqueViolation(err) {
				err = ErrDuplicate
				return nil, err
			}
			return nil, fmt.Errorf("insert workflow approval: %w", err)
		}
	}

	const updateQuery = `UPDATE workflow_instances SET workflow_status = :workflow_status, escalated_at = :escalated_at,
	completed_at = :completed_at, updated_at = :updated_at WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, updateQuery, &instance); err != nil {
		return nil, fmt.Errorf("update workflow instance: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit workflow transition: %w", err)
	}
	return &instance, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
