package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ActionNames maps each provisioning step to the external action implementing it.
type ActionNames struct {
	CreateNamespace string `json:"create_namespace" validate:"required"`
	CreateUser      string `json:"create_user" validate:"required"`
	RemoveNamespace string `json:"remove_namespace" validate:"required"`
	RemoveUser      string `json:"remove_user" validate:"required"`
}

func (a ActionNames) requireCreate() error {
	missing := lo.Compact([]string{
		lo.Ternary(a.CreateNamespace == "", "create_namespace", ""),
		lo.Ternary(a.CreateUser == "", "create_user", ""),
	})
	if len(missing) > 0 {
		return NewConfigurationError(fmt.Sprintf("missing action names: %v", missing), nil)
	}
	return nil
}

func (a ActionNames) requireRemove() error {
	missing := lo.Compact([]string{
		lo.Ternary(a.RemoveNamespace == "", "remove_namespace", ""),
		lo.Ternary(a.RemoveUser == "", "remove_user", ""),
	})
	if len(missing) > 0 {
		return NewConfigurationError(fmt.Sprintf("missing action names: %v", missing), nil)
	}
	return nil
}

// Options carries the collaborators shared by both workflows and the entry point.
type Options struct {
	Invoker   ActionInvoker
	Store     StateStore
	Labs      LabSource
	Actions   ActionNames
	Publisher EventPublisher
	Recorder  Recorder
	Logger    zerolog.Logger

	// ProbeAttempts and ProbeDelay configure the post-creation probe.
	ProbeAttempts int
	ProbeDelay    time.Duration

	// ProbeWait overrides the sleep between probe attempts.
	ProbeWait func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.Publisher == nil {
		o.Publisher = nopPublisher{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = DefaultRetryAttempts
	}
	return o
}

// stepRunner executes one tracked step: mark IN_PROGRESS, invoke, record outcome.
type stepRunner struct {
	store     StateStore
	publisher EventPublisher
	recorder  Recorder
	logger    zerolog.Logger

	// retryFailed re-runs steps whose prior status is FAILED.
	retryFailed bool
}

// stepOutcome is the recorded status of one step and whether it ran in this invocation.
type stepOutcome struct {
	Status  StepStatus
	Skipped bool
}

// run executes step unless prior already holds a terminal status for it, or a
// FAILED status when the runner retries failures.
// ActionFailed and RetryExhausted are recorded as FAILED; any other error aborts.
func (r *stepRunner) run(
	ctx context.Context,
	depID, step, startDetails string,
	prior StepStatus,
	invoke func(ctx context.Context) (ActionResult, error),
) (stepOutcome, error) {
	logger := r.logger.With().Str("deployment_id", depID).Str("step", step).Logger()

	if prior == StepStatusSuccess || (prior == StepStatusFailed && !r.retryFailed) {
		logger.Info().Str("status", string(prior)).Msg("Step already recorded, skipping")
		return stepOutcome{Status: prior, Skipped: true}, nil
	}

	if err := r.store.UpdateStep(ctx, depID, step, StepStatusInProgress, startDetails); err != nil {
		return stepOutcome{}, err
	}
	r.publishStep(ctx, depID, step, StepStatusInProgress, startDetails)

	result, err := invoke(ctx)

	status := StepStatusSuccess
	details := result.Body
	switch {
	case err != nil && (HasCode(err, ErrCodeActionFailed) || HasCode(err, ErrCodeRetryExhausted)):
		status = StepStatusFailed
		details = err.Error()
	case err != nil:
		return stepOutcome{}, fmt.Errorf("step %s: %w", step, err)
	case !result.OK():
		status = StepStatusFailed
	}

	if err := r.store.UpdateStep(ctx, depID, step, status, details); err != nil {
		return stepOutcome{}, err
	}

	r.recorder.RecordStep(step, status)
	r.publishStep(ctx, depID, step, status, details)

	ev := logger.Info()
	if status == StepStatusFailed {
		ev = logger.Warn()
	}
	ev.Int("status_code", result.StatusCode).Str("status", string(status)).Msg("Step finished")

	return stepOutcome{Status: status}, nil
}

func (r *stepRunner) publishStep(ctx context.Context, depID, step string, status StepStatus, details string) {
	publish(ctx, r.publisher, r.logger, &Event{
		Type:         EventTypeStepUpdated,
		DeploymentID: depID,
		Step:         step,
		Status:       string(status),
		Message:      details,
	})
}

// publish sends event, filling ID and timestamp. Publishing failures are logged only.
func publish(ctx context.Context, publisher EventPublisher, logger zerolog.Logger, event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}

// markFailed records a workflow failure, keeping the original error as the result.
func markFailed(ctx context.Context, store StateStore, logger zerolog.Logger, depID string, workflow Workflow, cause error) {
	if err := store.SetWorkflowStatus(ctx, depID, workflow, WorkflowStatusFailed, cause.Error()); err != nil {
		logger.Error().Err(err).Str("deployment_id", depID).Str("workflow", string(workflow)).
			Msg("Failed to record workflow failure")
	}
}

// lookupLab resolves labID, converting an unknown lab into a ConfigurationError.
func lookupLab(ctx context.Context, labs LabSource, labID string) (*LabConfiguration, error) {
	if labs == nil {
		return nil, NewConfigurationError("no lab configuration source", nil)
	}
	lab, err := labs.GetLab(ctx, labID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewConfigurationError(fmt.Sprintf("lab %q is not configured", labID), err)
		}
		return nil, err
	}
	return lab, nil
}
