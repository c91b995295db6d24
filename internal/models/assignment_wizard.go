package models

// WizardStep enumerates the provider/team assignment steps.
type WizardStep int

const (
	WizardStepChooseLocation WizardStep = 1
	WizardStepAssignProvider WizardStep = 2
	WizardStepCreateTeam     WizardStep = 3
	WizardStepComplete       WizardStep = 4
)

// TeamDraft is the team a wizard run will create.
type TeamDraft struct {
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=1000"`
}

// AssignmentWizardState is held by the caller between steps. The committed
// flags survive Back so retries never repeat a side effect.
type AssignmentWizardState struct {
	CurrentStep      WizardStep `json:"current_step"`
	LocationID       string     `json:"location_id,omitempty"`
	ProviderID       string     `json:"provider_id,omitempty"`
	ProviderAssigned bool       `json:"provider_assigned"`
	TeamDraft        *TeamDraft `json:"team_draft,omitempty"`
	TeamID           string     `json:"team_id,omitempty"`
	TeamAdminAdded   bool       `json:"team_admin_added"`
}

// WizardInput carries the data for the current step.
type WizardInput struct {
	LocationID string     `json:"location_id,omitempty"`
	ProviderID string     `json:"provider_id,omitempty"`
	Team       *TeamDraft `json:"team,omitempty"`
}
