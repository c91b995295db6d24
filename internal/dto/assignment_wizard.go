package dto

import "github.com/noah-isme/training-ops-engine/internal/models"

// AdvanceWizardRequest carries the client-held state and the current step input.
type AdvanceWizardRequest struct {
	State models.AssignmentWizardState `json:"state"`
	Input models.WizardInput           `json:"input"`
}

// BackWizardRequest steps the client-held state back by one.
type BackWizardRequest struct {
	State models.AssignmentWizardState `json:"state"`
}

// WizardResponse returns the new state together with a failure, if any, so the
// client can keep partial commits.
type WizardResponse struct {
	State models.AssignmentWizardState `json:"state"`
	Error string                       `json:"error,omitempty"`
}
