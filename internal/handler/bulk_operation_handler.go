package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/training-ops-engine/internal/dto"
	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/pkg/clock"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
	"github.com/noah-isme/training-ops-engine/pkg/export"
	"github.com/noah-isme/training-ops-engine/pkg/response"
)

type bulkOperationService interface {
	Submit(ctx context.Context, req dto.SubmitBulkOperationRequest, actorID string) (*models.BulkOperation, error)
	Status(ctx context.Context, id string) (*models.BulkOperation, error)
	Subscribe(id string) (<-chan models.BulkOperation, func())
	Cancel(ctx context.Context, id string) (*models.BulkOperation, error)
	Rollback(ctx context.Context, id, actorID string) (*models.BulkOperation, error)
	List(ctx context.Context, query dto.BulkOperationQuery) ([]models.BulkOperation, error)
}

// BulkOperationHandler exposes batch submission and tracking endpoints.
type BulkOperationHandler struct {
	service bulkOperationService
	clock   clock.Clock
}

// NewBulkOperationHandler constructs the handler.
func NewBulkOperationHandler(service bulkOperationService, clk clock.Clock) *BulkOperationHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &BulkOperationHandler{service: service, clock: clk}
}

// Submit godoc
// @Summary Submit a bulk operation
// @Tags BulkOperations
// @Accept json
// @Produce json
// @Param payload body dto.SubmitBulkOperationRequest true "Bulk operation"
// @Success 202 {object} response.Envelope
// @Router /bulk-operations [post]
func (h *BulkOperationHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SubmitBulkOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid bulk operation payload"))
		return
	}
	op, err := h.service.Submit(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, h.toResponse(op))
}

// List godoc
// @Summary List bulk operations
// @Tags BulkOperations
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param type query string false "Operation type"
// @Param created_by query string false "Submitter"
// @Success 200 {object} response.Envelope
// @Router /bulk-operations [get]
func (h *BulkOperationHandler) List(c *gin.Context) {
	query := dto.BulkOperationQuery{
		Type:      models.BulkOperationType(c.Query("type")),
		CreatedBy: c.Query("created_by"),
		Limit:     queryInt(c, "limit", 20),
		Offset:    queryInt(c, "offset", 0),
	}
	for _, status := range queryList(c, "status") {
		query.Status = append(query.Status, models.BulkOperationStatus(status))
	}
	ops, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	out := make([]dto.BulkOperationResponse, 0, len(ops))
	for i := range ops {
		out = append(out, h.toResponse(&ops[i]))
	}
	response.JSON(c, http.StatusOK, out, pagination(query.Limit, query.Offset, len(out)))
}

// Status godoc
// @Summary Bulk operation status
// @Tags BulkOperations
// @Produce json
// @Param id path string true "Bulk operation ID"
// @Success 200 {object} response.Envelope
// @Router /bulk-operations/{id} [get]
func (h *BulkOperationHandler) Status(c *gin.Context) {
	op, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.toResponse(op), nil)
}

// Events streams progress snapshots as server-sent events until the batch
// finishes or the client disconnects.
func (h *BulkOperationHandler) Events(c *gin.Context) {
	id := c.Param("id")
	updates, cancel := h.service.Subscribe(id)
	defer cancel()

	current, err := h.service.Status(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.SSEvent("progress", h.toResponse(current))
	if current.Status.Terminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case op, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("progress", h.toResponse(&op))
			return !op.Status.Terminal()
		}
	})
}

// Cancel godoc
// @Summary Cancel a bulk operation
// @Tags BulkOperations
// @Produce json
// @Param id path string true "Bulk operation ID"
// @Success 200 {object} response.Envelope
// @Router /bulk-operations/{id}/cancel [post]
func (h *BulkOperationHandler) Cancel(c *gin.Context) {
	op, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.toResponse(op), nil)
}

// Rollback godoc
// @Summary Roll back a finished bulk operation
// @Tags BulkOperations
// @Produce json
// @Param id path string true "Bulk operation ID"
// @Success 200 {object} response.Envelope
// @Router /bulk-operations/{id}/rollback [post]
func (h *BulkOperationHandler) Rollback(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	op, err := h.service.Rollback(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.toResponse(op), nil)
}

// ErrorReport godoc
// @Summary Download failed items of a bulk operation as CSV
// @Tags BulkOperations
// @Produce text/csv
// @Param id path string true "Bulk operation ID"
// @Success 200 {string} string "CSV"
// @Router /bulk-operations/{id}/errors.csv [get]
func (h *BulkOperationHandler) ErrorReport(c *gin.Context) {
	op, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, errorReportTable(op)); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render error report"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "bulk-operation-"+op.ID+"-errors.csv"))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func errorReportTable(op *models.BulkOperation) export.Table {
	table := export.Table{Columns: []string{"phase", "seq", "item", "reason", "at"}}
	appendRows := func(phase string, entries []models.ItemError) {
		for _, entry := range entries {
			table.Rows = append(table.Rows, []string{
				phase,
				strconv.Itoa(entry.Seq),
				entry.Item,
				entry.Reason,
				entry.At.UTC().Format(time.RFC3339),
			})
		}
	}
	appendRows("execute", op.ErrorLog)
	if op.RollbackData != nil {
		appendRows("rollback", op.RollbackData.Failures)
	}
	return table
}

func (h *BulkOperationHandler) toResponse(op *models.BulkOperation) dto.BulkOperationResponse {
	progress := models.EstimateProgress(op, h.clock.Now())
	resp := dto.BulkOperationResponse{
		BulkOperation: op,
		Progress:      progress,
		HasErrors:     op.HasErrors(),
	}
	if progress.ETA > 0 {
		eta := progress.ETA.Seconds()
		resp.ETASeconds = &eta
	}
	return resp
}
