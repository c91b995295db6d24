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

type assignmentWizard interface {
	Advance(ctx context.Context, state models.AssignmentWizardState, input models.WizardInput) (models.AssignmentWizardState, error)
	Back(state models.AssignmentWizardState) models.AssignmentWizardState
}

// AssignmentWizardHandler drives the provider/team assignment wizard. The
// state is held by the client and echoed back on every call.
type AssignmentWizardHandler struct {
	wizard assignmentWizard
}

// NewAssignmentWizardHandler constructs the handler.
func NewAssignmentWizardHandler(wizard assignmentWizard) *AssignmentWizardHandler {
	return &AssignmentWizardHandler{wizard: wizard}
}

// Advance godoc
// @Summary Execute the current wizard step
// @Tags AssignmentWizard
// @Accept json
// @Produce json
// @Param payload body dto.AdvanceWizardRequest true "State and step input"
// @Success 200 {object} response.Envelope
// @Router /assignment-wizard/advance [post]
func (h *AssignmentWizardHandler) Advance(c *gin.Context) {
	var req dto.AdvanceWizardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid wizard payload"))
		return
	}
	state, err := h.wizard.Advance(c.Request.Context(), req.State, req.Input)
	if err != nil {
		// Committed side effects are in state; the client needs it to retry.
		response.ErrorWithData(c, err, dto.WizardResponse{State: state, Error: appErrors.FromError(err).Message})
		return
	}
	response.JSON(c, http.StatusOK, dto.WizardResponse{State: state}, nil)
}

// Back godoc
// @Summary Step the wizard back
// @Tags AssignmentWizard
// @Accept json
// @Produce json
// @Param payload body dto.BackWizardRequest true "State"
// @Success 200 {object} response.Envelope
// @Router /assignment-wizard/back [post]
func (h *AssignmentWizardHandler) Back(c *gin.Context) {
	var req dto.BackWizardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid wizard payload"))
		return
	}
	response.JSON(c, http.StatusOK, dto.WizardResponse{State: h.wizard.Back(req.State)}, nil)
}
