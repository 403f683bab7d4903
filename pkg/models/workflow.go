package models

import (
	"time"
)

// Step is a position in the service-creation wizard. The backend is the only
// authority on which step an instance is at.
type Step string

const (
	StepDescribe      Step = "describe"
	StepSelectTools   Step = "selectTools"
	StepConfigureEnv  Step = "configureEnv"
	StepConfigureAuth Step = "configureAuth"
	StepDeploy        Step = "deploy"
	StepComplete      Step = "complete"
)

// Valid reports whether s is one of the known wizard steps.
func (s Step) Valid() bool {
	switch s {
	case StepDescribe, StepSelectTools, StepConfigureEnv, StepConfigureAuth, StepDeploy, StepComplete:
		return true
	}
	return false
}

// Tool is a tool the backend suggests for the generated service.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// WorkflowInstance is the authoritative state of one wizard run as last
// reported by the generation backend.
type WorkflowInstance struct {
	InstanceID     string    `json:"instance_id"`
	TenantID       string    `json:"tenant_id"` // Multi-tenancy isolation, immutable
	Step           Step      `json:"step"`
	Processing     bool      `json:"processing"`
	Error          string    `json:"error,omitempty"`
	Retryable      bool      `json:"retryable,omitempty"`
	CodeReady      bool      `json:"code_ready,omitempty"`
	SuggestedTools []Tool    `json:"suggested_tools,omitempty"`
	ServiceURL     string    `json:"service_url,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Failed reports whether the backend surfaced an error for the instance.
func (w WorkflowInstance) Failed() bool {
	return w.Error != ""
}

// Terminal reports whether polling has nothing left to observe.
func (w WorkflowInstance) Terminal() bool {
	return !w.Processing || (w.Failed() && !w.Retryable)
}

// SessionEntry is one in-progress wizard run remembered for a tenant, with
// the last state the server observed for it.
type SessionEntry struct {
	TenantID      string    `json:"tenant_id"`
	InstanceID    string    `json:"instance_id"`
	LastKnownStep Step      `json:"last_known_step"`
	Processing    bool      `json:"processing"`
	Error         string    `json:"error,omitempty"`
	Retryable     bool      `json:"retryable,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Observe copies the state fields of inst into the entry and reports whether
// anything changed.
// An empty step in inst keeps the step already known.
func (e *SessionEntry) Observe(inst WorkflowInstance) bool {
	step := inst.Step
	if step == "" {
		step = e.LastKnownStep
	}
	if e.LastKnownStep == step && e.Processing == inst.Processing &&
		e.Error == inst.Error && e.Retryable == inst.Retryable {
		return false
	}
	e.LastKnownStep = step
	e.Processing = inst.Processing
	e.Error = inst.Error
	e.Retryable = inst.Retryable
	return true
}

// Instance converts the entry into the last-known view of its instance.
func (e SessionEntry) Instance() WorkflowInstance {
	return WorkflowInstance{
		InstanceID: e.InstanceID,
		TenantID:   e.TenantID,
		Step:       e.LastKnownStep,
		Processing: e.Processing,
		Error:      e.Error,
		Retryable:  e.Retryable,
		UpdatedAt:  e.UpdatedAt,
	}
}
