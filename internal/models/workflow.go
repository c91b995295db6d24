package models

import "time"

// WorkflowEntityType names the business object placed under approval.
type WorkflowEntityType string

const (
	WorkflowEntityTeamMembership     WorkflowEntityType = "team_membership"
	WorkflowEntityProviderAssignment WorkflowEntityType = "provider_assignment"
	WorkflowEntityEnrollment         WorkflowEntityType = "enrollment"
	WorkflowEntityCoursePublication  WorkflowEntityType = "course_publication"
	WorkflowEntityBulkOperation      WorkflowEntityType = "bulk_operation"
)

// Valid reports whether t is a known entity type.
func (t WorkflowEntityType) Valid() bool {
	switch t {
	case WorkflowEntityTeamMembership, WorkflowEntityProviderAssignment, WorkflowEntityEnrollment,
		WorkflowEntityCoursePublication, WorkflowEntityBulkOperation:
		return true
	default:
		return false
	}
}

// WorkflowStatus captures approval workflow states.
type WorkflowStatus string

const (
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusRejected   WorkflowStatus = "rejected"
	WorkflowStatusEscalated  WorkflowStatus = "escalated"
)

// Terminal reports whether the status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusRejected
}

// Decision is an approver verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// WorkflowInstance is one approvable unit of work.
type WorkflowInstance struct {
	ID                string             `db:"id" json:"id"`
	InstanceName      string             `db:"instance_name" json:"instance_name"`
	EntityType        WorkflowEntityType `db:"entity_type" json:"entity_type"`
	EntityID          string             `db:"entity_id" json:"entity_id"`
	Status            WorkflowStatus     `db:"workflow_status" json:"workflow_status"`
	RequiredApprovals int                `db:"required_approvals" json:"required_approvals"`
	InitiatedBy       string             `db:"initiated_by" json:"initiated_by"`
	InitiatedAt       time.Time          `db:"initiated_at" json:"initiated_at"`
	SLADeadline       *time.Time         `db:"sla_deadline" json:"sla_deadline,omitempty"`
	EscalatedAt       *time.Time         `db:"escalated_at" json:"escalated_at,omitempty"`
	CompletedAt       *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt         time.Time          `db:"updated_at" json:"updated_at"`
}

// Overdue reports whether the SLA deadline has passed at now.
func (w *WorkflowInstance) Overdue(now time.Time) bool {
	return w.SLADeadline != nil && now.After(*w.SLADeadline)
}

// EscalationDue reports a non-terminal, overdue instance not yet flagged.
func (w *WorkflowInstance) EscalationDue(now time.Time) bool {
	return !w.Status.Terminal() && w.EscalatedAt == nil && w.Overdue(now)
}

// WorkflowApproval records one approver decision.
type WorkflowApproval struct {
	ID         string    `db:"id" json:"id"`
	InstanceID string    `db:"instance_id" json:"instance_id"`
	ApproverID string    `db:"approver_id" json:"approver_id"`
	Decision   Decision  `db:"decision" json:"decision"`
	Notes      string    `db:"notes" json:"notes"`
	DecidedAt  time.Time `db:"decided_at" json:"decided_at"`
}

// WorkflowFilter constrains listing queries.
type WorkflowFilter struct {
	Status     []WorkflowStatus
	EntityType WorkflowEntityType
	EntityID   string
	Initiator  string
	Limit      int
	Offset     int
}
