package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkflowEscalationDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name     string
		instance WorkflowInstance
		want     bool
	}{
		{"overdue pending", WorkflowInstance{Status: WorkflowStatusPending, SLADeadline: &past}, true},
		{"overdue in progress", WorkflowInstance{Status: WorkflowStatusInProgress, SLADeadline: &past}, true},
		{"not yet due", WorkflowInstance{Status: WorkflowStatusPending, SLADeadline: &future}, false},
		{"no deadline", WorkflowInstance{Status: WorkflowStatusPending}, false},
		{"terminal", WorkflowInstance{Status: WorkflowStatusCompleted, SLADeadline: &past}, false},
		{"already flagged", WorkflowInstance{Status: WorkflowStatusEscalated, SLADeadline: &past, EscalatedAt: &past}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.instance.EscalationDue(now))
		})
	}
}

func TestDecisionValid(t *testing.T) {
	require.True(t, DecisionApprove.Valid())
	require.True(t, DecisionReject.Valid())
	require.False(t, Decision("abstain").Valid())
}
