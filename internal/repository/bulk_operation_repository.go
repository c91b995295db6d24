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

	"github.com/noah-isme/training-ops-engine/internal/models"
)

const bulkOperationColumns = `id, operation_name, operation_type, status, total_items, processed_items, failed_items,
       progress_percentage, operation_data, error_log, succeeded_items, rollback_data, can_rollback, cancel_requested,
       created_by, created_at, started_at, completed_at, updated_at`

// BulkOperationRepository persists bulk operation records.
type BulkOperationRepository struct {
	db *sqlx.DB
}

// NewBulkOperationRepository constructs the repository.
func NewBulkOperationRepository(db *sqlx.DB) *BulkOperationRepository {
	return &BulkOperationRepository{db: db}
}

// Create inserts a new bulk operation row.
func (r *BulkOperationRepository) Create(ctx context.Context, op *models.BulkOperation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = models.BulkStatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = op.CreatedAt
	}
	const query = `INSERT INTO bulk_operations
	(id, operation_name, operation_type, status, total_items, processed_items, failed_items, progress_percentage,
	 operation_data, error_log, succeeded_items, rollback_data, can_rollback, cancel_requested, created_by,
	 created_at, started_at, completed_at, updated_at)
	VALUES (:id, :operation_name, :operation_type, :status, :total_items, :processed_items, :failed_items, :progress_percentage,
	 :operation_data, :error_log, :succeeded_items, :rollback_data, :can_rollback, :cancel_requested, :created_by,
	 :created_at, :started_at, :completed_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, op); err != nil {
		return fmt.Errorf("create bulk operation: %w", err)
	}
	return nil
}

// GetByID fetches a bulk operation by identifier.
func (r *BulkOperationRepository) GetByID(ctx context.Context, id string) (*models.BulkOperation, error) {
	query := `SELECT ` + bulkOperationColumns + ` FROM bulk_operations WHERE id = $1`
	var op models.BulkOperation
	if err := r.db.GetContext(ctx, &op, query, id); err != nil {
		return nil, err
	}
	return &op, nil
}

// List returns bulk operations matching the filter, newest first.
func (r *BulkOperationRepository) List(ctx context.Context, filter models.BulkOperationFilter) ([]models.BulkOperation, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(`SELECT ` + bulkOperationColumns + ` FROM bulk_operations`)

	conditions := make([]string, 0, 3)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("operation_type = $%d", len(args)))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")
	builder.WriteString(limitOffset(filter.Limit, filter.Offset))

	var ops []models.BulkOperation
	if err := r.db.SelectContext(ctx, &ops, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list bulk operations: %w", err)
	}
	return ops, nil
}

// Mutate applies fn to the locked row and writes the result back in the same
// transaction. An error from fn aborts without writing.
func (r *BulkOperationRepository) Mutate(ctx context.Context, id string, fn func(op *models.BulkOperation) error) (result *models.BulkOperation, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk operation transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var op models.BulkOperation
	selectQuery := `SELECT ` + bulkOperationColumns + ` FROM bulk_operations WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &op, selectQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock bulk operation: %w", err)
	}
	if err = fn(&op); err != nil {
		return nil, err
	}

	const updateQuery = `UPDATE bulk_operations SET status = :status, total_items = :total_items,
	processed_items = :processed_items, failed_items = :failed_items, progress_percentage = :progress_percentage,
	error_log = :error_log, succeeded_items = :succeeded_items, rollback_data = :rollback_data,
	can_rollback = :can_rollback, cancel_requested = :cancel_requested, started_at = :started_at,
	completed_at = :completed_at, updated_at = :updated_at
	WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, updateQuery, &op); err != nil {
		return nil, fmt.Errorf("update bulk operation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk operation: %w", err)
	}
	return &op, nil
}

func limitOffset(limit, offset int) string {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}
