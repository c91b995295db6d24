package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/training-ops-engine/internal/dto"
	"github.com/noah-isme/training-ops-engine/internal/models"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
	"github.com/noah-isme/training-ops-engine/pkg/response"
)

type waitlistService interface {
	Join(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error)
	Promote(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error)
	PromoteNext(ctx context.Context, offeringID string) (*models.WaitlistEntry, error)
	Leave(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error)
	List(ctx context.Context, offeringID string) ([]models.WaitlistEntry, error)
}

// WaitlistHandler exposes offering waitlist endpoints.
type WaitlistHandler struct {
	service waitlistService
}

// NewWaitlistHandler constructs the handler.
func NewWaitlistHandler(service waitlistService) *WaitlistHandler {
	return &WaitlistHandler{service: service}
}

// List godoc
// @Summary Waitlist for an offering
// @Tags Waitlists
// @Produce json
// @Param offeringId path string true "Offering ID"
// @Success 200 {object} response.Envelope
// @Router /waitlists/{offeringId} [get]
func (h *WaitlistHandler) List(c *gin.Context) {
	entries, err := h.service.List(c.Request.Context(), c.Param("offeringId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Join godoc
// @Summary Add a student to the waitlist
// @Tags Waitlists
// @Accept json
// @Produce json
// @Param offeringId path string true "Offering ID"
// @Param payload body dto.JoinWaitlistRequest true "Student"
// @Success 201 {object} response.Envelope
// @Router /waitlists/{offeringId}/entries [post]
func (h *WaitlistHandler) Join(c *gin.Context) {
	var req dto.JoinWaitlistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.StudentID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "student_id is required"))
		return
	}
	entry, err := h.service.Join(c.Request.Context(), c.Param("offeringId"), req.StudentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entry)
}

// Promote godoc
// @Summary Promote a waitlisted student
// @Tags Waitlists
// @Produce json
// @Param offeringId path string true "Offering ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /waitlists/{offeringId}/entries/{studentId}/promote [post]
func (h *WaitlistHandler) Promote(c *gin.Context) {
	entry, err := h.service.Promote(c.Request.Context(), c.Param("offeringId"), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

// PromoteNext godoc
// @Summary Promote the head of the waitlist
// @Tags Waitlists
// @Produce json
// @Param offeringId path string true "Offering ID"
// @Success 200 {object} response.Envelope
// @Router /waitlists/{offeringId}/promote-next [post]
func (h *WaitlistHandler) PromoteNext(c *gin.Context) {
	entry, err := h.service.PromoteNext(c.Request.Context(), c.Param("offeringId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

// Leave godoc
// @Summary Withdraw a student from the waitlist
// @Tags Waitlists
// @Param offeringId path string true "Offering ID"
// @Param studentId path string true "Student ID"
// @Success 204
// @Router /waitlists/{offeringId}/entries/{studentId} [delete]
func (h *WaitlistHandler) Leave(c *gin.Context) {
	if _, err := h.service.Leave(c.Request.Context(), c.Param("offeringId"), c.Param("studentId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
