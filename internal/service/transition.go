package service

import (
	"fmt"
	"strings"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
)

// Action is a reviewer decision on an assignment.
type Action uint8

const (
	ActionApprove Action = iota + 1
	ActionReject
	ActionReturn
)

func (a Action) String() string {
	switch a {
	case ActionApprove:
		return repository.HistoryApprove
	case ActionReject:
		return repository.HistoryReject
	case ActionReturn:
		return repository.HistoryReturn
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// ParseAction converts the wire form of an action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve":
		return ActionApprove, nil
	case "reject":
		return ActionReject, nil
	case "return":
		return ActionReturn, nil
	}
	return 0, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", s))
}

// Outcome is the result of applying an action to a request.
type Outcome struct {
	NewStatus repository.Status
	// FanOutStep is the index of the step that receives new assignments,
	// or -1 when none are created.
	FanOutStep int
	// DispatchPipeline is set when the request enters ready for the first time.
	DispatchPipeline bool
}

// Transition decides where a request goes when a reviewer acting on the
// step at stepIdx takes action while the request is in status current.
// It has no side effects.
//
// The last step is terminal and releases in two phases: the first approval
// moves the request to ready and re-routes the step for a release approval;
// an approval while ready releases it.
func Transition(def *repository.WorkflowDefinition, stepIdx int, current repository.Status, action Action) (Outcome, error) {
	if stepIdx < 0 || stepIdx >= len(def.Steps) {
		return Outcome{}, errors.InvalidTransition(fmt.Sprintf("step index %d outside workflow %s", stepIdx, def.Category))
	}
	if current.Terminal() {
		return Outcome{}, errors.InvalidTransition(fmt.Sprintf("request is already %s", current))
	}

	switch action {
	case ActionReject:
		return Outcome{NewStatus: repository.StatusRejected, FanOutStep: -1}, nil

	case ActionReturn:
		return Outcome{NewStatus: repository.StatusReturned, FanOutStep: IntakeStepIndex(def)}, nil

	case ActionApprove:
		last := len(def.Steps) - 1
		if stepIdx == last {
			if current == repository.StatusReady {
				return Outcome{NewStatus: repository.StatusReleased, FanOutStep: -1}, nil
			}
			return Outcome{NewStatus: repository.StatusReady, FanOutStep: last, DispatchPipeline: true}, nil
		}
		next := def.Steps[stepIdx+1]
		return Outcome{
			NewStatus:        next.TargetStatus,
			FanOutStep:       stepIdx + 1,
			DispatchPipeline: next.TargetStatus == repository.StatusReady && current != repository.StatusReady,
		}, nil
	}

	return Outcome{}, errors.InvalidTransition(fmt.Sprintf("unsupported action %s", action))
}

// IntakeStepIndex returns the step new and returned requests are routed to:
// the first step requiring approval, else the configured default step, else
// the first step.
func IntakeStepIndex(def *repository.WorkflowDefinition) int {
	for i, s := range def.Steps {
		if s.RequiresApproval {
			return i
		}
	}
	if idx := StepIndex(def, def.DefaultStepID); idx >= 0 {
		return idx
	}
	return 0
}

// StepIndex finds a step by id, returning -1 when absent.
func StepIndex(def *repository.WorkflowDefinition, stepID string) int {
	if stepID == "" {
		return -1
	}
	for i, s := range def.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// StepForStatus maps a request status back to the step that owns it, or nil
// when no step does.
func StepForStatus(def *repository.WorkflowDefinition, status repository.Status) *repository.Step {
	idx := stepIndexForStatus(def, status)
	if idx < 0 {
		return nil
	}
	return &def.Steps[idx]
}

func stepIndexForStatus(def *repository.WorkflowDefinition, status repository.Status) int {
	if len(def.Steps) == 0 || status.Terminal() {
		return -1
	}

	byTarget := make(map[repository.Status]int, len(def.Steps))
	for i, s := range def.Steps {
		if _, dup := byTarget[s.TargetStatus]; !dup {
			byTarget[s.TargetStatus] = i
		}
	}

	switch status {
	case repository.StatusSubmitted, repository.StatusReturned:
		return IntakeStepIndex(def)
	case repository.StatusReady:
		if idx, ok := byTarget[status]; ok {
			return idx
		}
		return len(def.Steps) - 1
	}

	if idx, ok := byTarget[status]; ok {
		return idx
	}
	return -1
}

// Assignees returns the reviewers of a step, falling back to the
// definition's configured fallback reviewers when the step has none.
func Assignees(def *repository.WorkflowDefinition, step repository.Step) []string {
	if len(step.AssignedReviewers) > 0 {
		return dedupe(step.AssignedReviewers)
	}
	return dedupe(def.FallbackReviewers)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
