package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func addMembersData(userIDs ...string) OperationData {
	members := make([]MemberRef, 0, len(userIDs))
	for _, id := range userIDs {
		members = append(members, MemberRef{UserID: id, Role: "member"})
	}
	return OperationData{
		Type:       BulkOperationAddMembers,
		AddMembers: &AddMembersPayload{TeamID: "team-1", Members: members},
	}
}

func TestComputeProgressMatchesRoundedRatio(t *testing.T) {
	for total := 1; total <= 40; total++ {
		for processed := 0; processed <= total; processed++ {
			for failed := 0; processed+failed <= total; failed++ {
				p := ComputeProgress(total, processed, failed)
				want := int(math.Floor(100*float64(processed+failed)/float64(total) + 0.5))
				require.Equal(t, want, p.Percentage, "total=%d processed=%d failed=%d", total, processed, failed)
				require.Equal(t, total-processed-failed, p.Remaining)
			}
		}
	}
	require.Equal(t, 100, ComputeProgress(0, 0, 0).Percentage)
}

func TestEstimateProgressETA(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	op := &BulkOperation{TotalItems: 10, ProcessedItems: 3, FailedItems: 1, StartedAt: &start}

	p := EstimateProgress(op, start.Add(40*time.Second))
	require.Equal(t, 6, p.Remaining)
	require.Equal(t, time.Minute, p.ETA)
}

func TestNewBulkOperationEmptyCompletesImmediately(t *testing.T) {
	now := time.Now().UTC()
	op := NewBulkOperation("noop", addMembersData(), "admin-1", false, nil, now)

	require.Equal(t, BulkStatusCompleted, op.Status)
	require.Zero(t, op.TotalItems)
	require.Equal(t, 100, op.ProgressPercentage)
	require.NotNil(t, op.CompletedAt)
}

func TestRecordResultPartialFailureCompletes(t *testing.T) {
	now := time.Now().UTC()
	op := NewBulkOperation("onboard", addMembersData("u1", "u2", "u3", "u4", "u5"), "admin-1", true, nil, now)
	require.Equal(t, BulkStatusPending, op.Status)
	require.True(t, op.CanRollback)

	items := op.OperationData.WorkItems()
	for _, item := range items {
		result := ItemResult{Seq: item.Seq, Key: item.Key}
		if item.Seq == 2 || item.Seq == 4 {
			result.Err = "user not found"
		}
		changed, err := op.RecordResult(result, now)
		require.NoError(t, err)
		require.True(t, changed)
		require.LessOrEqual(t, op.Attempted(), op.TotalItems)
		if op.Attempted() < op.TotalItems {
			require.NotEqual(t, BulkStatusCompleted, op.Status)
		}
	}

	require.Equal(t, BulkStatusCompleted, op.Status)
	require.Equal(t, 3, op.ProcessedItems)
	require.Equal(t, 2, op.FailedItems)
	require.Len(t, op.ErrorLog, 2)
	require.Equal(t, items[1].Key, op.ErrorLog[0].Item)
	require.Equal(t, items[3].Key, op.ErrorLog[1].Item)
	require.Equal(t, SeqList{1, 3, 5}, op.SucceededItems)
	require.True(t, op.HasErrors())

	_, err := op.RecordResult(ItemResult{Seq: 99}, now)
	require.ErrorIs(t, err, ErrOperationTerminal)
}

func TestRecordResultIgnoresReplayedSeq(t *testing.T) {
	now := time.Now().UTC()
	op := NewBulkOperation("onboard", addMembersData("u1", "u2"), "admin-1", false, nil, now)

	changed, err := op.RecordResult(ItemResult{Seq: 1, Key: "a"}, now)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = op.RecordResult(ItemResult{Seq: 1, Key: "a", Err: "late failure"}, now)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, op.ProcessedItems)
	require.Zero(t, op.FailedItems)
}

func TestSkipRemainingCompletesCancelledBatch(t *testing.T) {
	now := time.Now().UTC()
	op := NewBulkOperation("onboard", addMembersData("u1", "u2", "u3", "u4"), "admin-1", false, nil, now)
	_, err := op.RecordResult(ItemResult{Seq: 1, Key: "a"}, now)
	require.NoError(t, err)

	require.ErrorIs(t, op.SkipRemaining(4, now), ErrItemOverflow)
	require.NoError(t, op.SkipRemaining(3, now))
	require.Equal(t, 1, op.TotalItems)
	require.Equal(t, BulkStatusCompleted, op.Status)
	require.Equal(t, 100, op.ProgressPercentage)
}

func TestConsumeRollbackClearsFlag(t *testing.T) {
	now := time.Now().UTC()
	op := NewBulkOperation("onboard", addMembersData("u1"), "admin-1", true, []byte(`{"members":[]}`), now)
	require.True(t, op.CanRollback)

	op.ConsumeRollback([]ItemError{{Seq: 1, Item: "x", Reason: "boom"}}, now)
	require.False(t, op.CanRollback)
	require.True(t, op.RollbackData.Consumed)
	require.Len(t, op.RollbackData.Failures, 1)
}

func TestOperationDataValidate(t *testing.T) {
	require.NoError(t, addMembersData("u1", "u2").Validate())

	mismatched := OperationData{Type: BulkOperationRemoveMembers, AddMembers: &AddMembersPayload{TeamID: "t"}}
	require.Error(t, mismatched.Validate())

	both := addMembersData("u1")
	both.RemoveMembers = &RemoveMembersPayload{TeamID: "t"}
	require.Error(t, both.Validate())

	require.Error(t, addMembersData("u1", "u1").Validate())
	require.Error(t, OperationData{Type: "merge_teams"}.Validate())
}

func TestTransferWorkItemsCarryTarget(t *testing.T) {
	data := OperationData{
		Type: BulkOperationTransferMembers,
		TransferMembers: &TransferMembersPayload{
			FromTeamID: "team-a",
			ToTeamID:   "team-b",
			UserIDs:    []string{"u1", "u2"},
		},
	}
	items := data.WorkItems()
	require.Len(t, items, 2)
	require.Equal(t, 2, items[1].Seq)
	require.Equal(t, "team-b", items[1].TargetTeamID)
	require.Equal(t, "team:team-a/user:u2->team-b", items[1].Key)
}

func TestErrorLogScanRoundTrip(t *testing.T) {
	var log ErrorLog
	require.NoError(t, log.Scan([]byte(`[{"seq":2,"item":"team:t/user:u","reason":"timeout","at":"2026-01-01T00:00:00Z"}]`)))
	require.Len(t, log, 1)
	require.Equal(t, "timeout", log[0].Reason)

	var empty SeqList
	require.NoError(t, empty.Scan(nil))
	require.Empty(t, empty)
}
