package dto

import (
	"time"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

// InitiateWorkflowRequest opens a new approval workflow.
type InitiateWorkflowRequest struct {
	InstanceName      string                    `json:"instance_name" validate:"required,max=200"`
	EntityType        models.WorkflowEntityType `json:"entity_type" validate:"required"`
	EntityID          string                    `json:"entity_id" validate:"required"`
	RequiredApprovals int                       `json:"required_approvals" validate:"omitempty,min=1,max=20"`
	SLADeadline       *time.Time                `json:"sla_deadline,omitempty"`
}

// DecideWorkflowRequest captures an approver verdict.
type DecideWorkflowRequest struct {
	Decision models.Decision `json:"decision" validate:"required"`
	Notes    string          `json:"notes" validate:"max=2000"`
}

// WorkflowQuery mirrors supported listing filters.
type WorkflowQuery struct {
	Status     []models.WorkflowStatus
	EntityType models.WorkflowEntityType
	EntityID   string
	Initiator  string
	Limit      int
	Offset     int
}

// WorkflowDetailResponse bundles an instance with its approvals.
type WorkflowDetailResponse struct {
	*models.WorkflowInstance
	Overdue   bool                      `json:"overdue"`
	Approvals []models.WorkflowApproval `json:"approvals"`
}
