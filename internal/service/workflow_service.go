package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/dto"
	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/internal/repository"
	"github.com/noah-isme/training-ops-engine/pkg/clock"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

type workflowStore interface {
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	List(ctx context.Context, filter models.WorkflowFilter) ([]models.WorkflowInstance, error)
	ListApprovals(ctx context.Context, instanceID string) ([]models.WorkflowApproval, error)
	ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]string, error)
	Transition(ctx context.Context, id string, fn repository.WorkflowTransition) (*models.WorkflowInstance, error)
}

// QuorumPolicy resolves an instance outcome from every approval recorded so
// far, including the one being added. It returns completed, rejected, or
// in_progress while undecided.
type QuorumPolicy interface {
	Resolve(instance *models.WorkflowInstance, approvals []models.WorkflowApproval) models.WorkflowStatus
}

// QuorumPolicyFunc allows using plain functions.
type QuorumPolicyFunc func(instance *models.WorkflowInstance, approvals []models.WorkflowApproval) models.WorkflowStatus

// Resolve implements QuorumPolicy.
func (f QuorumPolicyFunc) Resolve(instance *models.WorkflowInstance, approvals []models.WorkflowApproval) models.WorkflowStatus {
	return f(instance, approvals)
}

// FirstDecisionWins settles the instance on its first decision.
func FirstDecisionWins() QuorumPolicy {
	return QuorumPolicyFunc(func(_ *models.WorkflowInstance, approvals []models.WorkflowApproval) models.WorkflowStatus {
		if len(approvals) == 0 {
			return models.WorkflowStatusInProgress
		}
		return outcomeOf(approvals[0].Decision)
	})
}

// MinimumApprovals completes after n approvals; any reject rejects. A
// non-positive n defers to the instance's required_approvals.
func MinimumApprovals(n int) QuorumPolicy {
	return QuorumPolicyFunc(func(instance *models.WorkflowInstance, approvals []models.WorkflowApproval) models.WorkflowStatus {
		required := n
		if required <= 0 {
			required = instance.RequiredApprovals
		}
		if required <= 0 {
			required = 1
		}
		approved := 0
		for _, approval := range approvals {
			if approval.Decision == models.DecisionReject {
				return models.WorkflowStatusRejected
			}
			approved++
		}
		if approved >= required {
			return models.WorkflowStatusCompleted
		}
		return models.WorkflowStatusInProgress
	})
}

func outcomeOf(decision models.Decision) models.WorkflowStatus {
	if decision == models.DecisionApprove {
		return models.WorkflowStatusCompleted
	}
	return models.WorkflowStatusRejected
}

const escalationScanSize = 500

var (
	errAlreadyDecided = errors.New("already decided")
	errNotEscalatable = errors.New("not escalatable")
)

// WorkflowService runs approval workflows: initiation, decisions under a
// quorum policy, and SLA escalation.
type WorkflowService struct {
	store         workflowStore
	validator     *validator.Validate
	policies      map[models.WorkflowEntityType]QuorumPolicy
	defaultPolicy QuorumPolicy
	defaultSLA    time.Duration
	storeRetry    StoreRetryPolicy
	notifier      Notifier
	metrics       *MetricsService
	clock         clock.Clock
	logger        *zap.Logger
}

// WorkflowServiceOption configures the service.
type WorkflowServiceOption func(*WorkflowService)

// WithQuorumPolicies sets per entity type policies.
func WithQuorumPolicies(policies map[models.WorkflowEntityType]QuorumPolicy) WorkflowServiceOption {
	return func(s *WorkflowService) {
		for k, v := range policies {
			if v != nil {
				s.policies[k] = v
			}
		}
	}
}

// WithDefaultQuorumPolicy replaces FirstDecisionWins as the fallback.
func WithDefaultQuorumPolicy(policy QuorumPolicy) WorkflowServiceOption {
	return func(s *WorkflowService) {
		if policy != nil {
			s.defaultPolicy = policy
		}
	}
}

// WithDefaultSLA applies a deadline to instances initiated without one.
func WithDefaultSLA(sla time.Duration) WorkflowServiceOption {
	return func(s *WorkflowService) {
		s.defaultSLA = sla
	}
}

// WithWorkflowStoreRetry bounds retries of failed store writes.
func WithWorkflowStoreRetry(policy StoreRetryPolicy) WorkflowServiceOption {
	return func(s *WorkflowService) {
		s.storeRetry = policy
	}
}

// WithWorkflowNotifier sets the event sink.
func WithWorkflowNotifier(notifier Notifier) WorkflowServiceOption {
	return func(s *WorkflowService) {
		s.notifier = notifier
	}
}

// WithWorkflowMetrics sets the metrics collector.
func WithWorkflowMetrics(metrics *MetricsService) WorkflowServiceOption {
	return func(s *WorkflowService) {
		s.metrics = metrics
	}
}

// WithWorkflowClock overrides the clock.
func WithWorkflowClock(c clock.Clock) WorkflowServiceOption {
	return func(s *WorkflowService) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewWorkflowService constructs the service with defaults.
func NewWorkflowService(store workflowStore, validate *validator.Validate, logger *zap.Logger, opts ...WorkflowServiceOption) *WorkflowService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &WorkflowService{
		store:         store,
		validator:     validate,
		policies:      make(map[models.WorkflowEntityType]QuorumPolicy),
		defaultPolicy: FirstDecisionWins(),
		storeRetry:    DefaultStoreRetryPolicy,
		clock:         clock.Real(),
		logger:        logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Initiate opens a pending workflow instance.
func (s *WorkflowService) Initiate(ctx context.Context, req dto.InitiateWorkflowRequest, initiatorID string) (*models.WorkflowInstance, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid workflow request")
	}
	if !req.EntityType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported entity type %s", req.EntityType))
	}
	now := s.clock.Now()
	required := req.RequiredApprovals
	if required <= 0 {
		required = 1
	}
	instance := &models.WorkflowInstance{
		InstanceName:      strings.TrimSpace(req.InstanceName),
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		Status:            models.WorkflowStatusPending,
		RequiredApprovals: required,
		InitiatedBy:       initiatorID,
		InitiatedAt:       now,
		UpdatedAt:         now,
	}
	switch {
	case req.SLADeadline != nil:
		deadline := req.SLADeadline.UTC()
		instance.SLADeadline = &deadline
	case s.defaultSLA > 0:
		deadline := now.Add(s.defaultSLA)
		instance.SLADeadline = &deadline
	}
	err := retryStore(ctx, s.storeRetry, func() error {
		return s.store.Create(ctx, instance)
	}, repository.ErrDuplicate)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to create workflow")
	}
	s.logger.Info("workflow initiated",
		zap.String("workflow_id", instance.ID),
		zap.String("entity_type", string(instance.EntityType)),
		zap.String("entity_id", instance.EntityID))
	return instance, nil
}

// Decide records an approver verdict and applies the quorum policy in one
// transaction. Decisions on terminal instances and repeat decisions by the
// same approver are rejected with AlreadyDecided and write nothing.
func (s *WorkflowService) Decide(ctx context.Context, id string, req dto.DecideWorkflowRequest, approverID string) (*models.WorkflowInstance, error) {
	if !req.Decision.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "decision must be approve or reject")
	}
	notes := strings.TrimSpace(req.Notes)
	if req.Decision == models.DecisionReject && notes == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "notes are required when rejecting")
	}
	if strings.TrimSpace(approverID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "approver is required")
	}

	// A commit that succeeded but reported failure replays as errAlreadyDecided.
	var instance *models.WorkflowInstance
	err := retryStore(ctx, s.storeRetry, func() error {
		var txErr error
		instance, txErr = s.store.Transition(ctx, id, s.decision(req.Decision, notes, approverID))
		return txErr
	}, errAlreadyDecided, repository.ErrDuplicate, sql.ErrNoRows)
	if err != nil {
		switch {
		case errors.Is(err, errAlreadyDecided), errors.Is(err, repository.ErrDuplicate):
			s.logger.Info("decision ignored, workflow already decided",
				zap.String("workflow_id", id),
				zap.String("approver_id", approverID))
			return nil, appErrors.Clone(appErrors.ErrAlreadyDecided, "workflow already decided by this approver or closed")
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "workflow not found")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to record decision")
		}
	}

	s.metrics.RecordWorkflowDecision(string(instance.EntityType), string(req.Decision))
	s.logger.Info("workflow decision recorded",
		zap.String("workflow_id", instance.ID),
		zap.String("decision", string(req.Decision)),
		zap.String("status", string(instance.Status)))
	emitEvent(ctx, s.notifier, s.logger, models.Event{
		Type:       models.EventWorkflowDecided,
		ResourceID: instance.ID,
		ActorID:    approverID,
		Attributes: map[string]string{
			"decision":    string(req.Decision),
			"status":      string(instance.Status),
			"entity_type": string(instance.EntityType),
			"entity_id":   instance.EntityID,
		},
		OccurredAt: s.clock.Now(),
	})
	return instance, nil
}

// CheckEscalations lists non-terminal, overdue instances not yet flagged. It
// changes nothing; applying the flag is the caller's job.
func (s *WorkflowService) CheckEscalations(ctx context.Context) ([]string, error) {
	ids, err := s.store.ListEscalationCandidates(ctx, s.clock.Now(), escalationScanSize)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to check escalations")
	}
	return ids, nil
}

// Escalate flags an overdue instance. The instance may still be decided afterwards.
func (s *WorkflowService) Escalate(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var (
		reason   string
		instance *models.WorkflowInstance
	)
	escalate := func(instance *models.WorkflowInstance, _ []models.WorkflowApproval) (*models.WorkflowApproval, error) {
		now := s.clock.Now()
		if !instance.EscalationDue(now) {
			switch {
			case instance.Status.Terminal():
				reason = "workflow already decided"
			case instance.EscalatedAt != nil:
				reason = "workflow already escalated"
			default:
				reason = "workflow is not overdue"
			}
			return nil, errNotEscalatable
		}
		instance.Status = models.WorkflowStatusEscalated
		instance.EscalatedAt = &now
		instance.UpdatedAt = now
		return nil, nil
	}
	err := retryStore(ctx, s.storeRetry, func() error {
		var txErr error
		instance, txErr = s.store.Transition(ctx, id, escalate)
		return txErr
	}, errNotEscalatable, sql.ErrNoRows)
	if err != nil {
		switch {
		case errors.Is(err, errNotEscalatable):
			return nil, appErrors.Clone(appErrors.ErrInvalidState, reason)
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "workflow not found")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to escalate workflow")
		}
	}

	s.metrics.RecordEscalation()
	s.logger.Warn("workflow escalated",
		zap.String("workflow_id", instance.ID),
		zap.Time("sla_deadline", *instance.SLADeadline))
	emitEvent(ctx, s.notifier, s.logger, models.Event{
		Type:       models.EventWorkflowEscalated,
		ResourceID: instance.ID,
		Attributes: map[string]string{
			"entity_type":  string(instance.EntityType),
			"entity_id":    instance.EntityID,
			"overdue_secs": strconv.FormatInt(int64(instance.EscalatedAt.Sub(*instance.SLADeadline).Seconds()), 10),
		},
		OccurredAt: s.clock.Now(),
	})
	return instance, nil
}

// Get returns a single instance.
func (s *WorkflowService) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	instance, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "workflow not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load workflow")
	}
	return instance, nil
}

// Approvals returns the decisions recorded on an instance.
func (s *WorkflowService) Approvals(ctx context.Context, id string) ([]models.WorkflowApproval, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approvals")
	}
	return approvals, nil
}

// List returns instances matching the query.
func (s *WorkflowService) List(ctx context.Context, query dto.WorkflowQuery) ([]models.WorkflowInstance, error) {
	instances, err := s.store.List(ctx, models.WorkflowFilter{
		Status:     query.Status,
		EntityType: query.EntityType,
		EntityID:   query.EntityID,
		Initiator:  query.Initiator,
		Limit:      query.Limit,
		Offset:     query.Offset,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list workflows")
	}
	return instances, nil
}

// decision builds the transition recording one verdict. It reads only its
// arguments and the locked rows, so it may be replayed.
func (s *WorkflowService) decision(decision models.Decision, notes, approverID string) repository.WorkflowTransition {
	return func(instance *models.WorkflowInstance, approvals []models.WorkflowApproval) (*models.WorkflowApproval, error) {
		if instance.Status.Terminal() {
			return nil, errAlreadyDecided
		}
		for _, existing := range approvals {
			if existing.ApproverID == approverID {
				return nil, errAlreadyDecided
			}
		}
		now := s.clock.Now()
		approval := &models.WorkflowApproval{
			InstanceID: instance.ID,
			ApproverID: approverID,
			Decision:   decision,
			Notes:      notes,
			DecidedAt:  now,
		}
		all := make([]models.WorkflowApproval, 0, len(approvals)+1)
		all = append(all, approvals...)
		all = append(all, *approval)

		switch outcome := s.policyFor(instance.EntityType).Resolve(instance, all); outcome {
		case models.WorkflowStatusCompleted, models.WorkflowStatusRejected:
			instance.Status = outcome
			instance.CompletedAt = &now
		default:
			if instance.Status == models.WorkflowStatusPending {
				instance.Status = models.WorkflowStatusInProgress
			}
		}
		instance.UpdatedAt = now
		return approval, nil
	}
}

func (s *WorkflowService) policyFor(entityType models.WorkflowEntityType) QuorumPolicy {
	if policy, ok := s.policies[entityType]; ok {
		return policy
	}
	return s.defaultPolicy
}
