package models

import "time"

// EventType names notifications emitted by the engine.
type EventType string

const (
	EventBulkOperationCompleted  EventType = "bulk_operation.completed"
	EventBulkOperationFailed     EventType = "bulk_operation.failed"
	EventBulkOperationRolledBack EventType = "bulk_operation.rolled_back"
	EventWorkflowDecided         EventType = "workflow.decided"
	EventWorkflowEscalated       EventType = "workflow.escalated"
	EventWaitlistPromoted        EventType = "waitlist.promoted"
)

// Event is a fire-and-forget notification payload.
type Event struct {
	Type       EventType         `json:"type"`
	ResourceID string            `json:"resource_id"`
	ActorID    string            `json:"actor_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
