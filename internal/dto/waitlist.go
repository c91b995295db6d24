package dto

// JoinWaitlistRequest adds a student to an offering waitlist.
type JoinWaitlistRequest struct {
	StudentID string `json:"student_id" validate:"required"`
}
