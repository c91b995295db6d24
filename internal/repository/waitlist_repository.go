package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

// ErrNotWaitlisted signals an entry that exists but already left the waitlisted set.
var ErrNotWaitlisted = errors.New("entry is not waitlisted")

const waitlistColumns = `offering_id, student_id, position, joined_at, status, promoted_at`

// WaitlistRepository persists waitlist entries. Every mutation takes a
// transaction-scoped advisory lock on the offering so positions stay dense.
type WaitlistRepository struct {
	db *sqlx.DB
}

// NewWaitlistRepository constructs the repository.
func NewWaitlistRepository(db *sqlx.DB) *WaitlistRepository {
	return &WaitlistRepository{db: db}
}

// List returns waitlisted entries for an offering ordered by position.
func (r *WaitlistRepository) List(ctx context.Context, offeringID string) ([]models.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE offering_id = $1 AND status = 'waitlisted' ORDER BY position ASC`
	var entries []models.WaitlistEntry
	if err := r.db.SelectContext(ctx, &entries, query, offeringID); err != nil {
		return nil, fmt.Errorf("list waitlist entries: %w", err)
	}
	return entries, nil
}

// Join appends a student to the end of the offering's waitlist.
func (r *WaitlistRepository) Join(ctx context.Context, offeringID, studentID string, now time.Time) (entry *models.WaitlistEntry, err error) {
	tx, err := r.lockOffering(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists bool
	const existsQuery = `SELECT EXISTS (SELECT 1 FROM waitlist_entries WHERE offering_id = $1 AND student_id = $2)`
	if err = tx.GetContext(ctx, &exists, existsQuery, offeringID, studentID); err != nil {
		return nil, fmt.Errorf("check waitlist entry: %w", err)
	}
	if exists {
		err = ErrDuplicate
		return nil, err
	}
	var count int
	const countQuery = `SELECT COUNT(*) FROM waitlist_entries WHERE offering_id = $1 AND status = 'waitlisted'`
	if err = tx.GetContext(ctx, &count, countQuery, offeringID); err != nil {
		return nil, fmt.Errorf("count waitlist entries: %w", err)
	}

	entry = &models.WaitlistEntry{
		OfferingID: offeringID,
		StudentID:  studentID,
		Position:   count + 1,
		JoinedAt:   now,
		Status:     models.WaitlistStatusWaitlisted,
	}
	const insertQuery = `INSERT INTO waitlist_entries (offering_id, student_id, position, joined_at, status, promoted_at)
	VALUES (:offering_id, :student_id, :position, :joined_at, :status, :promoted_at)`
	if _, err = tx.NamedExecContext(ctx, insertQuery, entry); err != nil {
		if isUniqueViolation(err) {
			err = ErrDuplicate
			return nil, err
		}
		return nil, fmt.Errorf("insert waitlist entry: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit waitlist join: %w", err)
	}
	return entry, nil
}

// Promote flips a waitlisted student to promoted and closes the gap behind them.
func (r *WaitlistRepository) Promote(ctx context.Context, offeringID, studentID string, now time.Time) (*models.WaitlistEntry, error) {
	const query = `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE offering_id = $1 AND student_id = $2 FOR UPDATE`
	return r.removeFromWaitlist(ctx, offeringID, query, []interface{}{offeringID, studentID}, func(tx *sqlx.Tx, entry *models.WaitlistEntry) error {
		entry.Status = models.WaitlistStatusPromoted
		entry.Position = 0
		entry.PromotedAt = &now
		const update = `UPDATE waitlist_entries SET status = 'promoted', position = 0, promoted_at = $1 WHERE offering_id = $2 AND student_id = $3`
		if _, err := tx.ExecContext(ctx, update, now, entry.OfferingID, entry.StudentID); err != nil {
			return fmt.Errorf("promote waitlist entry: %w", err)
		}
		return nil
	})
}

// PromoteHead promotes whoever holds position 1.
func (r *WaitlistRepository) PromoteHead(ctx context.Context, offeringID string, now time.Time) (*models.WaitlistEntry, error) {
	const query = `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE offering_id = $1 AND status = 'waitlisted' ORDER BY position ASC LIMIT 1 FOR UPDATE`
	return r.removeFromWaitlist(ctx, offeringID, query, []interface{}{offeringID}, func(tx *sqlx.Tx, entry *models.WaitlistEntry) error {
		entry.Status = models.WaitlistStatusPromoted
		entry.Position = 0
		entry.PromotedAt = &now
		const update = `UPDATE waitlist_entries SET status = 'promoted', position = 0, promoted_at = $1 WHERE offering_id = $2 AND student_id = $3`
		if _, err := tx.ExecContext(ctx, update, now, entry.OfferingID, entry.StudentID); err != nil {
			return fmt.Errorf("promote waitlist entry: %w", err)
		}
		return nil
	})
}

// Leave deletes a waitlisted entry and closes the gap behind it.
func (r *WaitlistRepository) Leave(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error) {
	const query = `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE offering_id = $1 AND student_id = $2 FOR UPDATE`
	return r.removeFromWaitlist(ctx, offeringID, query, []interface{}{offeringID, studentID}, func(tx *sqlx.Tx, entry *models.WaitlistEntry) error {
		const del = `DELETE FROM waitlist_entries WHERE offering_id = $1 AND student_id = $2`
		if _, err := tx.ExecContext(ctx, del, entry.OfferingID, entry.StudentID); err != nil {
			return fmt.Errorf("delete waitlist entry: %w", err)
		}
		return nil
	})
}

func (r *WaitlistRepository) removeFromWaitlist(ctx context.Context, offeringID, selectQuery string, args []interface{}, apply func(tx *sqlx.Tx, entry *models.WaitlistEntry) error) (result *models.WaitlistEntry, err error) {
	tx, err := r.lockOffering(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var entry models.WaitlistEntry
	if err = tx.GetContext(ctx, &entry, selectQuery, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock waitlist entry: %w", err)
	}
	if entry.Status != models.WaitlistStatusWaitlisted {
		err = ErrNotWaitlisted
		return nil, err
	}
	removed := entry.Position
	if err = apply(tx, &entry); err != nil {
		return nil, err
	}
	const redense = `UPDATE waitlist_entries SET position = position - 1
	WHERE offering_id = $1 AND status = 'waitlisted' AND position > $2`
	if _, err = tx.ExecContext(ctx, redense, offeringID, removed); err != nil {
		return nil, fmt.Errorf("redense waitlist: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit waitlist change: %w", err)
	}
	return &entry, nil
}

func (r *WaitlistRepository) lockOffering(ctx context.Context, offeringID string) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin waitlist transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, offeringID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("lock waitlist offering: %w", err)
	}
	return tx, nil
}
