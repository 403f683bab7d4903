// Package workflow drives wizard instances through the generation backend.
// The transition table here only guards calls; the next step always comes
// from the backend's response.
package workflow

import (
	"fmt"

	"mcp-forge/backend/pkg/models"
)

// Transition names a remote call that may move an instance forward.
type Transition string

const (
	TransitionStart         Transition = "start"
	TransitionRefine        Transition = "refine"
	TransitionSelectTools   Transition = "selectTools"
	TransitionConfigureEnv  Transition = "configureEnv"
	TransitionConfigureAuth Transition = "configureAuth"
	TransitionGenerateCode  Transition = "generateCode"
	TransitionActivate      Transition = "activate"
	TransitionRetry         Transition = "retry"
)

type precondition func(models.WorkflowInstance) bool

func atStep(step models.Step) precondition {
	return func(w models.WorkflowInstance) bool {
		return w.Step == step && !w.Processing && !w.Failed()
	}
}

var legal = map[Transition]precondition{
	TransitionRefine:        atStep(models.StepDescribe),
	TransitionSelectTools:   atStep(models.StepDescribe),
	TransitionConfigureEnv:  atStep(models.StepConfigureEnv),
	TransitionConfigureAuth: atStep(models.StepConfigureAuth),
	TransitionGenerateCode: func(w models.WorkflowInstance) bool {
		return atStep(models.StepDeploy)(w) && !w.CodeReady
	},
	TransitionActivate: func(w models.WorkflowInstance) bool {
		return atStep(models.StepDeploy)(w) && w.CodeReady
	},
	TransitionRetry: func(w models.WorkflowInstance) bool {
		return w.Failed() && w.Retryable && !w.Processing
	},
}

// CanApply reports whether t is legal for inst. Start is only legal without
// an existing instance.
func CanApply(t Transition, inst models.WorkflowInstance) error {
	if t == TransitionStart {
		if inst.InstanceID != "" {
			return fmt.Errorf("%w: %s on existing instance %s", ErrIllegalTransition, t, inst.InstanceID)
		}
		return nil
	}
	check, ok := legal[t]
	if !ok {
		return fmt.Errorf("%w: unknown transition %q", ErrIllegalTransition, t)
	}
	if !check(inst) {
		return fmt.Errorf("%w: %s from step %s (processing=%t, error=%q)",
			ErrIllegalTransition, t, inst.Step, inst.Processing, inst.Error)
	}
	return nil
}

// Available lists the transitions legal for inst, in wizard order.
func Available(inst models.WorkflowInstance) []Transition {
	order := []Transition{
		TransitionRefine, TransitionSelectTools, TransitionConfigureEnv,
		TransitionConfigureAuth, TransitionGenerateCode, TransitionActivate, TransitionRetry,
	}
	var out []Transition
	for _, t := range order {
		if legal[t](inst) {
			out = append(out, t)
		}
	}
	return out
}
