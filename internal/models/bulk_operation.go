package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BulkOperationType enumerates supported bulk member operations.
type BulkOperationType string

const (
	BulkOperationAddMembers      BulkOperationType = "add_members"
	BulkOperationRemoveMembers   BulkOperationType = "remove_members"
	BulkOperationUpdateRoles     BulkOperationType = "update_roles"
	BulkOperationTransferMembers BulkOperationType = "transfer_members"
)

// Valid reports whether t is a known operation type.
func (t BulkOperationType) Valid() bool {
	switch t {
	case BulkOperationAddMembers, BulkOperationRemoveMembers, BulkOperationUpdateRoles, BulkOperationTransferMembers:
		return true
	default:
		return false
	}
}

// BulkOperationStatus captures batch lifecycle states.
type BulkOperationStatus string

const (
	BulkStatusPending    BulkOperationStatus = "pending"
	BulkStatusInProgress BulkOperationStatus = "in_progress"
	BulkStatusCompleted  BulkOperationStatus = "completed"
	BulkStatusFailed     BulkOperationStatus = "failed"
)

// Terminal reports whether no further item results can be recorded.
func (s BulkOperationStatus) Terminal() bool {
	return s == BulkStatusCompleted || s == BulkStatusFailed
}

var (
	// ErrItemOverflow signals a result that would push attempted items past total_items.
	ErrItemOverflow = errors.New("item result exceeds total items")
	// ErrOperationTerminal signals a mutation against a completed or failed batch.
	ErrOperationTerminal = errors.New("bulk operation already terminal")
)

// BulkOperation is the persisted record of one batch.
type BulkOperation struct {
	ID                 string              `db:"id" json:"id"`
	OperationName      string              `db:"operation_name" json:"operation_name"`
	OperationType      BulkOperationType   `db:"operation_type" json:"operation_type"`
	Status             BulkOperationStatus `db:"status" json:"status"`
	TotalItems         int                 `db:"total_items" json:"total_items"`
	ProcessedItems     int                 `db:"processed_items" json:"processed_items"`
	FailedItems        int                 `db:"failed_items" json:"failed_items"`
	ProgressPercentage int                 `db:"progress_percentage" json:"progress_percentage"`
	OperationData      OperationData       `db:"operation_data" json:"operation_data"`
	ErrorLog           ErrorLog            `db:"error_log" json:"error_log"`
	SucceededItems     SeqList             `db:"succeeded_items" json:"succeeded_items"`
	RollbackData       *RollbackData       `db:"rollback_data" json:"rollback_data,omitempty"`
	CanRollback        bool                `db:"can_rollback" json:"can_rollback"`
	CancelRequested    bool                `db:"cancel_requested" json:"cancel_requested"`
	CreatedBy          string              `db:"created_by" json:"created_by"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	StartedAt          *time.Time          `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// Attempted returns processed plus failed items.
func (o *BulkOperation) Attempted() int {
	return o.ProcessedItems + o.FailedItems
}

// HasErrors reports a batch that completed with at least one failed item.
func (o *BulkOperation) HasErrors() bool {
	return o.FailedItems > 0
}

// AttemptedSeqs returns the set of item sequence numbers that already have a recorded outcome.
func (o *BulkOperation) AttemptedSeqs() map[int]struct{} {
	seen := make(map[int]struct{}, len(o.SucceededItems)+len(o.ErrorLog))
	for _, seq := range o.SucceededItems {
		seen[seq] = struct{}{}
	}
	for _, entry := range o.ErrorLog {
		seen[entry.Seq] = struct{}{}
	}
	return seen
}

// Start moves a pending batch to in_progress.
func (o *BulkOperation) Start(now time.Time) error {
	switch o.Status {
	case BulkStatusInProgress:
		return nil
	case BulkStatusPending:
	default:
		return ErrOperationTerminal
	}
	o.Status = BulkStatusInProgress
	o.StartedAt = &now
	o.UpdatedAt = now
	return nil
}

// Fail marks a batch that could not start.
func (o *BulkOperation) Fail(reason string, now time.Time) {
	o.Status = BulkStatusFailed
	o.ErrorLog = append(o.ErrorLog, ItemError{Seq: -1, Item: "operation", Reason: reason, At: now})
	o.CompletedAt = &now
	o.UpdatedAt = now
	o.refreshRollback()
}

// RecordResult applies one item outcome. Re-recording an already attempted
// seq is a no-op so crash-resume replays stay idempotent.
func (o *BulkOperation) RecordResult(result ItemResult, now time.Time) (bool, error) {
	if o.Status.Terminal() {
		return false, ErrOperationTerminal
	}
	if _, seen := o.AttemptedSeqs()[result.Seq]; seen {
		return false, nil
	}
	if o.Attempted()+1 > o.TotalItems {
		return false, ErrItemOverflow
	}
	if o.Status == BulkStatusPending {
		o.Status = BulkStatusInProgress
		o.StartedAt = &now
	}
	if result.Err == "" {
		o.ProcessedItems++
		o.SucceededItems = append(o.SucceededItems, result.Seq)
	} else {
		o.FailedItems++
		o.ErrorLog = append(o.ErrorLog, ItemError{Seq: result.Seq, Item: result.Key, Reason: result.Err, At: now})
	}
	o.settle(now)
	return true, nil
}

// SkipRemaining shrinks total_items by the number of items a cancellation
// prevented from dispatching.
func (o *BulkOperation) SkipRemaining(skipped int, now time.Time) error {
	if o.Status.Terminal() {
		return ErrOperationTerminal
	}
	if skipped <= 0 {
		return nil
	}
	if o.TotalItems-skipped < o.Attempted() {
		return ErrItemOverflow
	}
	o.TotalItems -= skipped
	o.settle(now)
	return nil
}

func (o *BulkOperation) settle(now time.Time) {
	o.ProgressPercentage = ComputeProgress(o.TotalItems, o.ProcessedItems, o.FailedItems).Percentage
	if o.Attempted() == o.TotalItems {
		o.Status = BulkStatusCompleted
		o.CompletedAt = &now
	}
	o.UpdatedAt = now
	o.refreshRollback()
}

func (o *BulkOperation) refreshRollback() {
	o.CanRollback = o.RollbackData != nil && !o.RollbackData.Consumed
}

// ConsumeRollback records a finished compensation pass.
func (o *BulkOperation) ConsumeRollback(failures []ItemError, now time.Time) {
	if o.RollbackData == nil {
		o.RollbackData = &RollbackData{}
	}
	o.RollbackData.Consumed = true
	o.RollbackData.ConsumedAt = &now
	o.RollbackData.Failures = failures
	o.UpdatedAt = now
	o.refreshRollback()
}

// NewBulkOperation builds a pending record for the given payload. Empty
// payloads complete immediately.
func NewBulkOperation(name string, data OperationData, createdBy string, withRollback bool, snapshot json.RawMessage, now time.Time) *BulkOperation {
	op := &BulkOperation{
		OperationName:  name,
		OperationType:  data.Type,
		Status:         BulkStatusPending,
		TotalItems:     len(data.WorkItems()),
		OperationData:  data,
		ErrorLog:       ErrorLog{},
		SucceededItems: SeqList{},
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if withRollback {
		op.RollbackData = &RollbackData{Snapshot: snapshot}
	}
	op.settle(now)
	return op
}

// ItemResult is the outcome of one executed work item. An empty Err means success.
type ItemResult struct {
	Seq int
	Key string
	Err string
}

// ItemError records one failed item in the error log.
type ItemError struct {
	Seq    int       `json:"seq"`
	Item   string    `json:"item"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ErrorLog is persisted as a JSON array.
type ErrorLog []ItemError

// Value marshals the log for persistence.
func (l ErrorLog) Value() (driver.Value, error) {
	if l == nil {
		l = ErrorLog{}
	}
	return marshalJSON(l, "error log")
}

// Scan unmarshals a JSON array.
func (l *ErrorLog) Scan(value interface{}) error {
	*l = ErrorLog{}
	return scanJSON(value, l, "error log")
}

// SeqList is a JSON array of item sequence numbers.
type SeqList []int

// Value marshals the list for persistence.
func (l SeqList) Value() (driver.Value, error) {
	if l == nil {
		l = SeqList{}
	}
	return marshalJSON(l, "seq list")
}

// Scan unmarshals a JSON array.
func (l *SeqList) Scan(value interface{}) error {
	*l = SeqList{}
	return scanJSON(value, l, "seq list")
}

// RollbackData holds the caller snapshot and the outcome of a compensation pass.
type RollbackData struct {
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	Consumed   bool            `json:"consumed"`
	ConsumedAt *time.Time      `json:"consumed_at,omitempty"`
	Failures   []ItemError     `json:"failures,omitempty"`
}

// Value marshals rollback data; a nil pointer is stored as SQL NULL.
func (r *RollbackData) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return marshalJSON(r, "rollback data")
}

// Scan unmarshals rollback data.
func (r *RollbackData) Scan(value interface{}) error {
	*r = RollbackData{}
	return scanJSON(value, r, "rollback data")
}

// BulkOperationFilter constrains listing queries.
type BulkOperationFilter struct {
	Status    []BulkOperationStatus
	Type      BulkOperationType
	CreatedBy string
	Limit     int
	Offset    int
}

func marshalJSON(v interface{}, label string) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", label, err)
	}
	return data, nil
}

func scanJSON(value interface{}, dest interface{}, label string) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for %s", value, label)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", label, err)
	}
	return nil
}
