package platform

import (
	"context"

	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/internal/service"
)

var _ service.AssignmentGateway = (*Client)(nil)

// Executors maps every bulk operation type onto its platform call.
func (c *Client) Executors() map[models.BulkOperationType]service.ItemExecutor {
	return map[models.BulkOperationType]service.ItemExecutor{
		models.BulkOperationAddMembers: service.ItemExecutorFunc(func(ctx context.Context, item models.WorkItem) error {
			return c.AddMember(ctx, item.TeamID, item.UserID, item.Role)
		}),
		models.BulkOperationRemoveMembers: service.ItemExecutorFunc(func(ctx context.Context, item models.WorkItem) error {
			return c.RemoveMember(ctx, item.TeamID, item.UserID)
		}),
		models.BulkOperationUpdateRoles: service.ItemExecutorFunc(func(ctx context.Context, item models.WorkItem) error {
			return c.UpdateRole(ctx, item.TeamID, item.UserID, item.Role)
		}),
		models.BulkOperationTransferMembers: service.ItemExecutorFunc(func(ctx context.Context, item models.WorkItem) error {
			return c.TransferMember(ctx, item.TeamID, item.TargetTeamID, item.UserID)
		}),
	}
}

// Compensators undo successful items during rollback. Role updates have no
// inverse because the previous role is not part of the work item. A removed
// member is re-added with the role from PreviousRoles, or the platform
// default role when none was recorded.
func (c *Client) Compensators() map[models.BulkOperationType]service.ItemCompensator {
	return map[models.BulkOperationType]service.ItemCompensator{
		models.BulkOperationAddMembers: service.ItemCompensatorFunc(func(ctx context.Context, item models.WorkItem) error {
			return c.RemoveMember(ctx, item.TeamID, item.UserID)
		}),
		models.BulkOperationRemoveMembers: service.ItemCompensatorFunc(func(ctx context.Context, item models.WorkItem) error {
			return c.AddMember(ctx, item.TeamID, item.UserID, item.Role)
		}),
		models.BulkOperationTransferMembers: service.ItemCompensatorFunc(func(ctx context.Context, item models.WorkItem) error {
			return c.TransferMember(ctx, item.TargetTeamID, item.TeamID, item.UserID)
		}),
	}
}
