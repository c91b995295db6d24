package dto

import (
	"encoding/json"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

// SubmitBulkOperationRequest describes a new batch.
type SubmitBulkOperationRequest struct {
	OperationName    string               `json:"operation_name" validate:"required,max=200"`
	OperationData    models.OperationData `json:"operation_data"`
	EnableRollback   bool                 `json:"enable_rollback"`
	RollbackSnapshot json.RawMessage      `json:"rollback_snapshot,omitempty"`
}

// BulkOperationQuery mirrors supported listing filters.
type BulkOperationQuery struct {
	Status    []models.BulkOperationStatus
	Type      models.BulkOperationType
	CreatedBy string
	Limit     int
	Offset    int
}

// BulkOperationResponse is a batch snapshot with derived progress.
type BulkOperationResponse struct {
	*models.BulkOperation
	Progress   models.Progress `json:"progress"`
	HasErrors  bool            `json:"has_errors"`
	ETASeconds *float64        `json:"eta_seconds,omitempty"`
}
