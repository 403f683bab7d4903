package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mcp-forge/backend/pkg/models"
)

func TestCanApply(t *testing.T) {
	at := func(step models.Step) models.WorkflowInstance {
		return models.WorkflowInstance{InstanceID: "i-1", TenantID: "org_a", Step: step}
	}
	processing := at(models.StepDeploy)
	processing.Processing = true
	ready := at(models.StepDeploy)
	ready.CodeReady = true
	retryable := at(models.StepDeploy)
	retryable.Error, retryable.Retryable = "timeout", true
	fatal := at(models.StepDeploy)
	fatal.Error = "bad input"

	tests := []struct {
		name  string
		t     Transition
		inst  models.WorkflowInstance
		legal bool
	}{
		{"start fresh", TransitionStart, models.WorkflowInstance{}, true},
		{"start existing", TransitionStart, at(models.StepDescribe), false},
		{"refine at describe", TransitionRefine, at(models.StepDescribe), true},
		{"refine at deploy", TransitionRefine, at(models.StepDeploy), false},
		{"select at describe", TransitionSelectTools, at(models.StepDescribe), true},
		{"select at configureAuth", TransitionSelectTools, at(models.StepConfigureAuth), false},
		{"env at configureEnv", TransitionConfigureEnv, at(models.StepConfigureEnv), true},
		{"env at describe", TransitionConfigureEnv, at(models.StepDescribe), false},
		{"auth at configureAuth", TransitionConfigureAuth, at(models.StepConfigureAuth), true},
		{"generate at deploy", TransitionGenerateCode, at(models.StepDeploy), true},
		{"generate while processing", TransitionGenerateCode, processing, false},
		{"generate when ready", TransitionGenerateCode, ready, false},
		{"activate when ready", TransitionActivate, ready, true},
		{"activate before code", TransitionActivate, at(models.StepDeploy), false},
		{"activate while processing", TransitionActivate, processing, false},
		{"retry retryable", TransitionRetry, retryable, true},
		{"retry fatal", TransitionRetry, fatal, false},
		{"retry healthy", TransitionRetry, at(models.StepDeploy), false},
		{"generate after failure", TransitionGenerateCode, retryable, false},
		{"anything at complete", TransitionActivate, at(models.StepComplete), false},
		{"unknown", Transition("teleport"), at(models.StepDescribe), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanApply(tt.t, tt.inst)
			if tt.legal {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
			}
		})
	}
}

func TestAvailable(t *testing.T) {
	inst := models.WorkflowInstance{InstanceID: "i-1", TenantID: "org_a", Step: models.StepDescribe}
	assert.Equal(t, []Transition{TransitionRefine, TransitionSelectTools}, Available(inst))

	inst.Step = models.StepDeploy
	inst.Processing = true
	assert.Empty(t, Available(inst))

	inst.Processing = false
	inst.Error, inst.Retryable = "timeout", true
	assert.Equal(t, []Transition{TransitionRetry}, Available(inst))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&TransportError{Op: "get", Err: assert.AnError}))
	assert.True(t, IsTransient(&BackendError{Status: 503}))
	assert.True(t, IsTransient(&BackendError{Status: 429}))
	assert.False(t, IsTransient(&BackendError{Status: 404}))
	assert.False(t, IsTransient(ErrTenantMismatch))
	assert.False(t, IsTransient(nil))
}
