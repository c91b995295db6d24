package models

import "time"

// WaitlistStatus captures the lifecycle of a waitlisted enrollee.
type WaitlistStatus string

const (
	WaitlistStatusWaitlisted WaitlistStatus = "waitlisted"
	WaitlistStatusPromoted   WaitlistStatus = "promoted"
)

// WaitlistEntry is a student's place in an offering's waitlist. Position is
// zero once the entry leaves the waitlisted set.
type WaitlistEntry struct {
	OfferingID string         `db:"offering_id" json:"offering_id"`
	StudentID  string         `db:"student_id" json:"student_id"`
	Position   int            `db:"position" json:"position"`
	JoinedAt   time.Time      `db:"joined_at" json:"joined_at"`
	Status     WaitlistStatus `db:"status" json:"status"`
	PromotedAt *time.Time     `db:"promoted_at" json:"promoted_at,omitempty"`
}
