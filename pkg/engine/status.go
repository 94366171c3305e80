package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the status of a single provisioning or teardown step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not been attempted.
	StepStatusPending StepStatus = "PENDING"

	// StepStatusInProgress indicates the step's action is being invoked.
	StepStatusInProgress StepStatus = "IN_PROGRESS"

	// StepStatusSuccess indicates the step's action answered 200.
	StepStatusSuccess StepStatus = "SUCCESS"

	// StepStatusFailed indicates the step's action answered anything else.
	StepStatusFailed StepStatus = "FAILED"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailed
}

// CanTransitionTo reports whether a step may move from s to next.
// Steps go PENDING, IN_PROGRESS, then a terminal status; rewriting the same status is allowed.
// An absent status counts as PENDING.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	if s == "" {
		s = StepStatusPending
	}
	if s == next {
		return true
	}
	switch s {
	case StepStatusPending:
		return next == StepStatusInProgress
	case StepStatusInProgress:
		return next.IsTerminal()
	default:
		return false
	}
}

// CanStepTransition applies CanTransitionTo to step, additionally letting a failed
// removal step restart so a repeated cleanup can retry it.
func CanStepTransition(step string, from, to StepStatus) bool {
	if from == StepStatusFailed && to == StepStatusInProgress && IsRemoveStep(step) {
		return true
	}
	return from.CanTransitionTo(to)
}

// IsRemoveStep reports whether step belongs to the cleanup workflow.
func IsRemoveStep(step string) bool {
	return step == StepRemoveUser || step == StepRemoveNamespace
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusSuccess, StepStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// WorkflowStatus represents the overall status of the provisioning or teardown workflow.
type WorkflowStatus string

const (
	// WorkflowStatusPending indicates the deployment was dispatched but not yet started.
	WorkflowStatusPending WorkflowStatus = "PENDING"

	// WorkflowStatusInProgress indicates the workflow is running.
	WorkflowStatusInProgress WorkflowStatus = "IN_PROGRESS"

	// WorkflowStatusSucceeded indicates every provisioning step succeeded.
	WorkflowStatusSucceeded WorkflowStatus = "SUCCEEDED"

	// WorkflowStatusPartial indicates some provisioning steps failed.
	WorkflowStatusPartial WorkflowStatus = "PARTIAL"

	// WorkflowStatusCompleted indicates every applicable removal was attempted.
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"

	// WorkflowStatusFailed indicates the workflow aborted with an error.
	WorkflowStatusFailed WorkflowStatus = "FAILED"
)

// IsTerminal returns true if the workflow status represents a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusSucceeded, WorkflowStatusPartial, WorkflowStatusCompleted, WorkflowStatusFailed:
		return true
	}
	return false
}

// Validate checks if the workflow status is valid.
func (s WorkflowStatus) Validate() error {
	switch s {
	case WorkflowStatusPending, WorkflowStatusInProgress, WorkflowStatusSucceeded,
		WorkflowStatusPartial, WorkflowStatusCompleted, WorkflowStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s WorkflowStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *WorkflowStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = WorkflowStatus(str)
	return s.Validate()
}

// Workflow names one of the two workflows a deployment goes through.
type Workflow string

const (
	// WorkflowDeployment is the create path, tracked in deployment_status.
	WorkflowDeployment Workflow = "deployment_status"

	// WorkflowCleanup is the remove path, tracked in cleanup_status.
	WorkflowCleanup Workflow = "cleanup_status"
)

// Validate checks if the workflow is known.
func (w Workflow) Validate() error {
	switch w {
	case WorkflowDeployment, WorkflowCleanup:
		return nil
	default:
		return fmt.Errorf("invalid workflow: %s", w)
	}
}

// Step names as persisted in the state store.
const (
	StepPreAction       = "pre_action"
	StepCreateNamespace = "create_namespace"
	StepCreateUser      = "create_user"
	StepPostAction      = "post_action"
	StepRemoveUser      = "remove_user"
	StepRemoveNamespace = "remove_namespace"
)

// EventType represents the type of deployment lifecycle event.
type EventType string

const (
	EventTypeDeploymentDispatched EventType = "deployment.dispatched"
	EventTypeDeploymentStarted    EventType = "deployment.started"
	EventTypeStepUpdated          EventType = "step.updated"
	EventTypeDeploymentCompleted  EventType = "deployment.completed"
	EventTypeDeploymentFailed     EventType = "deployment.failed"
	EventTypeCleanupStarted       EventType = "cleanup.started"
	EventTypeCleanupCompleted     EventType = "cleanup.completed"
	EventTypeCleanupFailed        EventType = "cleanup.failed"
	EventTypeDeploymentExpired    EventType = "deployment.expired"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeDeploymentFailed, EventTypeCleanupFailed:
		return "error"
	case EventTypeDeploymentExpired:
		return "warning"
	default:
		return "info"
	}
}
