package service

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/models"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

// AssignmentGateway performs the committing side effects of the wizard.
type AssignmentGateway interface {
	AssignProviderToLocation(ctx context.Context, providerID, locationID string) error
	CreateTeam(ctx context.Context, draft models.TeamDraft, locationID, providerID string) (string, error)
	AddTeamAdmin(ctx context.Context, teamID, providerID string) error
}

// AssignmentWizard drives the location, provider, team sequence. The state is
// owned by the caller; each call returns the next state. Side effects that
// committed before a failure stay recorded in the returned state and are not
// undone.
type AssignmentWizard struct {
	gateway   AssignmentGateway
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAssignmentWizard constructs the wizard.
func NewAssignmentWizard(gateway AssignmentGateway, validate *validator.Validate, logger *zap.Logger) *AssignmentWizard {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssignmentWizard{gateway: gateway, validator: validate, logger: logger}
}

// Advance performs the current step's side effect and moves forward. On
// failure the step is unchanged and the returned state carries any partial
// commits so a retry resumes after them.
func (w *AssignmentWizard) Advance(ctx context.Context, state models.AssignmentWizardState, input models.WizardInput) (models.AssignmentWizardState, error) {
	if state.CurrentStep < models.WizardStepChooseLocation {
		state.CurrentStep = models.WizardStepChooseLocation
	}

	switch state.CurrentStep {
	case models.WizardStepChooseLocation:
		return w.chooseLocation(state, input)
	case models.WizardStepAssignProvider:
		return w.assignProvider(ctx, state, input)
	case models.WizardStepCreateTeam:
		return w.createTeam(ctx, state, input)
	case models.WizardStepComplete:
		return state, appErrors.Clone(appErrors.ErrInvalidState, "assignment wizard already complete")
	default:
		return state, appErrors.Clone(appErrors.ErrValidation, "unknown wizard step")
	}
}

// Back returns to the previous step. Commits are kept; a completed wizard
// stays complete.
func (w *AssignmentWizard) Back(state models.AssignmentWizardState) models.AssignmentWizardState {
	switch {
	case state.CurrentStep >= models.WizardStepComplete:
		state.CurrentStep = models.WizardStepComplete
	case state.CurrentStep > models.WizardStepChooseLocation:
		state.CurrentStep--
	default:
		state.CurrentStep = models.WizardStepChooseLocation
	}
	return state
}

func (w *AssignmentWizard) chooseLocation(state models.AssignmentWizardState, input models.WizardInput) (models.AssignmentWizardState, error) {
	locationID := strings.TrimSpace(input.LocationID)
	if locationID == "" {
		return state, appErrors.Clone(appErrors.ErrValidation, "location_id is required")
	}
	if state.ProviderAssigned && state.LocationID != locationID {
		return state, appErrors.Clone(appErrors.ErrInvalidState, "provider already assigned to a different location")
	}
	state.LocationID = locationID
	state.CurrentStep = models.WizardStepAssignProvider
	return state, nil
}

func (w *AssignmentWizard) assignProvider(ctx context.Context, state models.AssignmentWizardState, input models.WizardInput) (models.AssignmentWizardState, error) {
	providerID := strings.TrimSpace(input.ProviderID)
	if providerID == "" {
		return state, appErrors.Clone(appErrors.ErrValidation, "provider_id is required")
	}
	if state.LocationID == "" {
		return state, appErrors.Clone(appErrors.ErrInvalidState, "location has not been chosen")
	}
	if state.ProviderAssigned {
		if state.ProviderID != providerID {
			return state, appErrors.Clone(appErrors.ErrInvalidState, "a different provider is already assigned")
		}
		state.CurrentStep = models.WizardStepCreateTeam
		return state, nil
	}

	if err := w.gateway.AssignProviderToLocation(ctx, providerID, state.LocationID); err != nil {
		w.logger.Warn("provider assignment failed",
			zap.String("provider_id", providerID),
			zap.String("location_id", state.LocationID),
			zap.Error(err))
		return state, appErrors.Wrap(err, appErrors.ErrExecution.Code, appErrors.ErrExecution.Status, "failed to assign provider to location")
	}
	state.ProviderID = providerID
	state.ProviderAssigned = true
	state.CurrentStep = models.WizardStepCreateTeam
	return state, nil
}

func (w *AssignmentWizard) createTeam(ctx context.Context, state models.AssignmentWizardState, input models.WizardInput) (models.AssignmentWizardState, error) {
	if !state.ProviderAssigned {
		return state, appErrors.Clone(appErrors.ErrInvalidState, "provider has not been assigned")
	}

	if state.TeamID == "" {
		draft := input.Team
		if draft == nil {
			draft = state.TeamDraft
		}
		if draft == nil {
			return state, appErrors.Clone(appErrors.ErrValidation, "team is required")
		}
		if err := w.validator.Struct(draft); err != nil {
			return state, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid team")
		}
		state.TeamDraft = draft

		teamID, err := w.gateway.CreateTeam(ctx, *draft, state.LocationID, state.ProviderID)
		if err != nil {
			w.logger.Warn("team creation failed", zap.String("location_id", state.LocationID), zap.Error(err))
			return state, appErrors.Wrap(err, appErrors.ErrExecution.Code, appErrors.ErrExecution.Status, "failed to create team")
		}
		state.TeamID = teamID
	}

	if !state.TeamAdminAdded {
		if err := w.gateway.AddTeamAdmin(ctx, state.TeamID, state.ProviderID); err != nil {
			w.logger.Warn("team admin assignment failed",
				zap.String("team_id", state.TeamID),
				zap.String("provider_id", state.ProviderID),
				zap.Error(err))
			return state, appErrors.Wrap(err, appErrors.ErrExecution.Code, appErrors.ErrExecution.Status, "team created but provider could not be added as admin")
		}
		state.TeamAdminAdded = true
	}

	state.CurrentStep = models.WizardStepComplete
	w.logger.Info("assignment wizard completed",
		zap.String("team_id", state.TeamID),
		zap.String("provider_id", state.ProviderID),
		zap.String("location_id", state.LocationID))
	return state, nil
}
