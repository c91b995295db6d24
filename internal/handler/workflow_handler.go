package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/training-ops-engine/internal/dto"
	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/pkg/clock"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
	"github.com/noah-isme/training-ops-engine/pkg/response"
)

type workflowService interface {
	Initiate(ctx context.Context, req dto.InitiateWorkflowRequest, initiatorID string) (*models.WorkflowInstance, error)
	Decide(ctx context.Context, id string, req dto.DecideWorkflowRequest, approverID string) (*models.WorkflowInstance, error)
	CheckEscalations(ctx context.Context) ([]string, error)
	Escalate(ctx context.Context, id string) (*models.WorkflowInstance, error)
	Get(ctx context.Context, id string) (*models.WorkflowInstance, error)
	Approvals(ctx context.Context, id string) ([]models.WorkflowApproval, error)
	List(ctx context.Context, query dto.WorkflowQuery) ([]models.WorkflowInstance, error)
}

// WorkflowHandler exposes approval workflow endpoints.
type WorkflowHandler struct {
	service workflowService
	clock   clock.Clock
}

// NewWorkflowHandler constructs the handler.
func NewWorkflowHandler(service workflowService, clk clock.Clock) *WorkflowHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &WorkflowHandler{service: service, clock: clk}
}

// Initiate godoc
// @Summary Open an approval workflow
// @Tags Workflows
// @Accept json
// @Produce json
// @Param payload body dto.InitiateWorkflowRequest true "Workflow"
// @Success 201 {object} response.Envelope
// @Router /workflows [post]
func (h *WorkflowHandler) Initiate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.InitiateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid workflow payload"))
		return
	}
	instance, err := h.service.Initiate(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, instance)
}

// List godoc
// @Summary List workflows
// @Tags Workflows
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param entity_type query string false "Entity type"
// @Param entity_id query string false "Entity ID"
// @Success 200 {object} response.Envelope
// @Router /workflows [get]
func (h *WorkflowHandler) List(c *gin.Context) {
	query := dto.WorkflowQuery{
		EntityType: models.WorkflowEntityType(c.Query("entity_type")),
		EntityID:   c.Query("entity_id"),
		Initiator:  c.Query("initiated_by"),
		Limit:      queryInt(c, "limit", 20),
		Offset:     queryInt(c, "offset", 0),
	}
	for _, status := range queryList(c, "status") {
		query.Status = append(query.Status, models.WorkflowStatus(status))
	}
	instances, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, instances, pagination(query.Limit, query.Offset, len(instances)))
}

// Get godoc
// @Summary Workflow detail with approvals
// @Tags Workflows
// @Produce json
// @Param id path string true "Workflow ID"
// @Success 200 {object} response.Envelope
// @Router /workflows/{id} [get]
func (h *WorkflowHandler) Get(c *gin.Context) {
	instance, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	approvals, err := h.service.Approvals(c.Request.Context(), instance.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.WorkflowDetailResponse{
		WorkflowInstance: instance,
		Overdue:          !instance.Status.Terminal() && instance.Overdue(h.clock.Now()),
		Approvals:        approvals,
	}, nil)
}

// Decide godoc
// @Summary Approve or reject a workflow
// @Tags Workflows
// @Accept json
// @Produce json
// @Param id path string true "Workflow ID"
// @Param payload body dto.DecideWorkflowRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Router /workflows/{id}/decisions [post]
func (h *WorkflowHandler) Decide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DecideWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
		return
	}
	instance, err := h.service.Decide(c.Request.Context(), c.Param("id"), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, instance, nil)
}

// Escalations godoc
// @Summary List overdue workflows awaiting escalation
// @Tags Workflows
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /workflows/escalations [get]
func (h *WorkflowHandler) Escalations(c *gin.Context) {
	ids, err := h.service.CheckEscalations(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	response.JSON(c, http.StatusOK, ids, nil)
}

// Escalate godoc
// @Summary Flag an overdue workflow
// @Tags Workflows
// @Produce json
// @Param id path string true "Workflow ID"
// @Success 200 {object} response.Envelope
// @Router /workflows/{id}/escalate [post]
func (h *WorkflowHandler) Escalate(c *gin.Context) {
	instance, err := h.service.Escalate(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, instance, nil)
}
