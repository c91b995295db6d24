package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-ops-engine/internal/dto"
	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/pkg/clock"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

type fakeWorkflowService struct {
	instance   *models.WorkflowInstance
	approvals  []models.WorkflowApproval
	err        error
	decision   dto.DecideWorkflowRequest
	approverID string
	escalation []string
}

func (f *fakeWorkflowService) Initiate(context.Context, dto.InitiateWorkflowRequest, string) (*models.WorkflowInstance, error) {
	return f.instance, f.err
}

func (f *fakeWorkflowService) Decide(_ context.Context, _ string, req dto.DecideWorkflowRequest, approverID string) (*models.WorkflowInstance, error) {
	f.decision = req
	f.approverID = approverID
	return f.instance, f.err
}

func (f *fakeWorkflowService) CheckEscalations(context.Context) ([]string, error) {
	return f.escalation, f.err
}

func (f *fakeWorkflowService) Escalate(context.Context, string) (*models.WorkflowInstance, error) {
	return f.instance, f.err
}

func (f *fakeWorkflowService) Get(context.Context, string) (*models.WorkflowInstance, error) {
	return f.instance, f.err
}

func (f *fakeWorkflowService) Approvals(context.Context, string) ([]models.WorkflowApproval, error) {
	return f.approvals, nil
}

func (f *fakeWorkflowService) List(context.Context, dto.WorkflowQuery) ([]models.WorkflowInstance, error) {
	return nil, f.err
}

func TestWorkflowHandlerGetFlagsOverdue(t *testing.T) {
	deadline := handlerNow.Add(-time.Hour)
	svc := &fakeWorkflowService{
		instance:  &models.WorkflowInstance{ID: "wf-1", Status: models.WorkflowStatusPending, SLADeadline: &deadline},
		approvals: []models.WorkflowApproval{{InstanceID: "wf-1", ApproverID: "a1", Decision: models.DecisionApprove}},
	}
	handler := NewWorkflowHandler(svc, clock.NewManual(handlerNow))
	rec := httptest.NewRecorder()
	c := newGinContext(rec, http.MethodGet, "/workflows/wf-1", nil, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "wf-1"}}

	handler.Get(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var body dto.WorkflowDetailResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &body))
	assert.True(t, body.Overdue)
	assert.Len(t, body.Approvals, 1)
}

func TestWorkflowHandlerDecidePassesApprover(t *testing.T) {
	svc := &fakeWorkflowService{instance: &models.WorkflowInstance{ID: "wf-1", Status: models.WorkflowStatusCompleted}}
	handler := NewWorkflowHandler(svc, nil)
	rec := httptest.NewRecorder()
	c := newGinContext(rec, http.MethodPost, "/workflows/wf-1/decisions", map[string]string{"decision": "approve", "notes": "ok"}, adminClaims)

	handler.Decide(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin-1", svc.approverID)
	assert.Equal(t, models.DecisionApprove, svc.decision.Decision)
}

func TestWorkflowHandlerDecideAlreadyDecided(t *testing.T) {
	svc := &fakeWorkflowService{err: appErrors.ErrAlreadyDecided}
	handler := NewWorkflowHandler(svc, nil)
	rec := httptest.NewRecorder()
	c := newGinContext(rec, http.MethodPost, "/workflows/wf-1/decisions", map[string]string{"decision": "reject"}, adminClaims)

	handler.Decide(c)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_DECIDED", decodeEnvelope(t, rec).Error.Code)
}

func TestWorkflowHandlerEscalationsNeverNull(t *testing.T) {
	handler := NewWorkflowHandler(&fakeWorkflowService{}, nil)
	rec := httptest.NewRecorder()
	c := newGinContext(rec, http.MethodGet, "/workflows/escalations", nil, adminClaims)

	handler.Escalations(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decodeEnvelope(t, rec).Data))
}
