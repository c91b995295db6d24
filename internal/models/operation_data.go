package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// OperationData is the typed payload of a bulk operation. Exactly one variant
// matching Type must be set.
type OperationData struct {
	Type            BulkOperationType       `json:"type"`
	AddMembers      *AddMembersPayload      `json:"add_members,omitempty"`
	RemoveMembers   *RemoveMembersPayload   `json:"remove_members,omitempty"`
	UpdateRoles     *UpdateRolesPayload     `json:"update_roles,omitempty"`
	TransferMembers *TransferMembersPayload `json:"transfer_members,omitempty"`
}

// MemberRef identifies a member and the role they receive.
type MemberRef struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role,omitempty"`
}

// AddMembersPayload adds users to a team.
type AddMembersPayload struct {
	TeamID  string      `json:"team_id" validate:"required"`
	Members []MemberRef `json:"members" validate:"dive"`
}

// RemoveMembersPayload removes users from a team. PreviousRoles is optional;
// rollback re-adds a member with the role recorded there.
type RemoveMembersPayload struct {
	TeamID        string            `json:"team_id" validate:"required"`
	UserIDs       []string          `json:"user_ids" validate:"dive,required"`
	PreviousRoles map[string]string `json:"previous_roles,omitempty"`
}

// RoleChange moves a member to a new role.
type RoleChange struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"required"`
}

// UpdateRolesPayload changes member roles within a team.
type UpdateRolesPayload struct {
	TeamID  string       `json:"team_id" validate:"required"`
	Changes []RoleChange `json:"changes" validate:"dive"`
}

// TransferMembersPayload moves users between teams.
type TransferMembersPayload struct {
	FromTeamID string   `json:"from_team_id" validate:"required"`
	ToTeamID   string   `json:"to_team_id" validate:"required,nefield=FromTeamID"`
	UserIDs    []string `json:"user_ids" validate:"dive,required"`
}

// WorkItem is one independently executable unit of a batch.
type WorkItem struct {
	Seq          int               `json:"seq"`
	Key          string            `json:"key"`
	Type         BulkOperationType `json:"type"`
	TeamID       string            `json:"team_id"`
	UserID       string            `json:"user_id"`
	Role         string            `json:"role,omitempty"`
	TargetTeamID string            `json:"target_team_id,omitempty"`
}

// Validate checks that the payload variant matches the declared type.
func (d OperationData) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("unsupported operation type %q", d.Type)
	}
	set := 0
	for _, present := range []bool{d.AddMembers != nil, d.RemoveMembers != nil, d.UpdateRoles != nil, d.TransferMembers != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one payload variant must be set, got %d", set)
	}
	var ok bool
	switch d.Type {
	case BulkOperationAddMembers:
		ok = d.AddMembers != nil
	case BulkOperationRemoveMembers:
		ok = d.RemoveMembers != nil
	case BulkOperationUpdateRoles:
		ok = d.UpdateRoles != nil
	case BulkOperationTransferMembers:
		ok = d.TransferMembers != nil
	}
	if !ok {
		return fmt.Errorf("payload does not match operation type %q", d.Type)
	}
	keys := make(map[string]struct{})
	for _, item := range d.WorkItems() {
		if _, dup := keys[item.Key]; dup {
			return fmt.Errorf("duplicate work item %s", item.Key)
		}
		keys[item.Key] = struct{}{}
	}
	return nil
}

// WorkItems expands the payload into ordered work items with 1-based seqs.
func (d OperationData) WorkItems() []WorkItem {
	items := make([]WorkItem, 0)
	add := func(item WorkItem) {
		item.Seq = len(items) + 1
		item.Type = d.Type
		items = append(items, item)
	}
	switch {
	case d.Type == BulkOperationAddMembers && d.AddMembers != nil:
		for _, m := range d.AddMembers.Members {
			add(WorkItem{Key: itemKey(d.AddMembers.TeamID, m.UserID), TeamID: d.AddMembers.TeamID, UserID: m.UserID, Role: m.Role})
		}
	case d.Type == BulkOperationRemoveMembers && d.RemoveMembers != nil:
		for _, userID := range d.RemoveMembers.UserIDs {
			add(WorkItem{Key: itemKey(d.RemoveMembers.TeamID, userID), TeamID: d.RemoveMembers.TeamID, UserID: userID, Role: d.RemoveMembers.PreviousRoles[userID]})
		}
	case d.Type == BulkOperationUpdateRoles && d.UpdateRoles != nil:
		for _, c := range d.UpdateRoles.Changes {
			add(WorkItem{Key: itemKey(d.UpdateRoles.TeamID, c.UserID), TeamID: d.UpdateRoles.TeamID, UserID: c.UserID, Role: c.Role})
		}
	case d.Type == BulkOperationTransferMembers && d.TransferMembers != nil:
		p := d.TransferMembers
		for _, userID := range p.UserIDs {
			add(WorkItem{Key: itemKey(p.FromTeamID, userID) + "->" + p.ToTeamID, TeamID: p.FromTeamID, UserID: userID, TargetTeamID: p.ToTeamID})
		}
	}
	return items
}

func itemKey(teamID, userID string) string {
	return fmt.Sprintf("team:%s/user:%s", strings.TrimSpace(teamID), strings.TrimSpace(userID))
}

// Value marshals the payload for persistence.
func (d OperationData) Value() (driver.Value, error) {
	return marshalJSON(d, "operation data")
}

// Scan unmarshals a JSON payload.
func (d *OperationData) Scan(value interface{}) error {
	*d = OperationData{}
	return scanJSON(value, d, "operation data")
}
