package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Teardown runs the remove path of a deployment, driven by the ground-truth flags.
type Teardown struct {
	invoker   ActionInvoker
	store     StateStore
	actions   ActionNames
	publisher EventPublisher
	recorder  Recorder
	logger    zerolog.Logger
	steps     *stepRunner
}

// NewTeardown creates a Teardown from opts.
func NewTeardown(opts Options) *Teardown {
	opts = opts.withDefaults()
	logger := opts.Logger.With().Str("component", "teardown").Logger()
	return &Teardown{
		invoker:   opts.Invoker,
		store:     opts.Store,
		actions:   opts.Actions,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		logger:    logger,
		steps: &stepRunner{
			store:       opts.Store,
			publisher:   opts.Publisher,
			recorder:    opts.Recorder,
			logger:      logger,
			retryFailed: true,
		},
	}
}

// Run removes what the deployment created: the user first, then the namespace.
// A removal whose flag is still set runs again even if an earlier run recorded it FAILED.
// An unknown deployment fails without invoking or marking anything.
func (t *Teardown) Run(ctx context.Context, depID string) error {
	if depID == "" {
		return NewValidationError("deployment id is required")
	}
	logger := t.logger.With().Str("deployment_id", depID).Logger()
	start := time.Now()

	record, err := t.store.GetRecord(ctx, depID)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot load deployment for cleanup")
		return err
	}

	if err := t.teardown(ctx, record, logger); err != nil {
		markFailed(ctx, t.store, logger, depID, WorkflowCleanup, err)
		t.recorder.RecordWorkflow(WorkflowCleanup, WorkflowStatusFailed, time.Since(start))
		publish(ctx, t.publisher, logger, &Event{
			Type:         EventTypeCleanupFailed,
			DeploymentID: depID,
			Status:       string(WorkflowStatusFailed),
			Message:      err.Error(),
		})
		logger.Error().Err(err).Msg("Cleanup failed")
		return err
	}

	t.recorder.RecordWorkflow(WorkflowCleanup, WorkflowStatusCompleted, time.Since(start))
	publish(ctx, t.publisher, logger, &Event{
		Type:         EventTypeCleanupCompleted,
		DeploymentID: depID,
		Status:       string(WorkflowStatusCompleted),
	})
	logger.Info().Dur("duration", time.Since(start)).Msg("Cleanup completed")
	return nil
}

func (t *Teardown) teardown(ctx context.Context, record *DeploymentRecord, logger zerolog.Logger) error {
	depID := record.DeploymentID

	if err := t.store.SetWorkflowStatus(ctx, depID, WorkflowCleanup, WorkflowStatusInProgress, "Starting cleanup"); err != nil {
		return err
	}
	publish(ctx, t.publisher, logger, &Event{
		Type:         EventTypeCleanupStarted,
		DeploymentID: depID,
		Status:       string(WorkflowStatusInProgress),
	})

	if err := t.actions.requireRemove(); err != nil {
		return err
	}
	if t.invoker == nil {
		return NewConfigurationError("no action invoker configured", nil)
	}

	if record.CreatedUser {
		payload := map[string]interface{}{
			"ssm_base_path": record.SSMBasePath,
			"email":         record.Email,
		}
		if _, err := t.steps.run(ctx, depID, StepRemoveUser, "Removing user",
			record.StepStatus(StepRemoveUser), t.invokeFunc(t.actions.RemoveUser, payload)); err != nil {
			return err
		}
	}

	if record.CreatedNamespace {
		payload := map[string]interface{}{
			"ssm_base_path":  record.SSMBasePath,
			"namespace_name": record.Petname,
		}
		if _, err := t.steps.run(ctx, depID, StepRemoveNamespace, "Removing namespace",
			record.StepStatus(StepRemoveNamespace), t.invokeFunc(t.actions.RemoveNamespace, payload)); err != nil {
			return err
		}
	}

	return t.store.SetWorkflowStatus(ctx, depID, WorkflowCleanup, WorkflowStatusCompleted, "Cleanup completed successfully")
}

func (t *Teardown) invokeFunc(action string, payload map[string]interface{}) func(ctx context.Context) (ActionResult, error) {
	return func(ctx context.Context) (ActionResult, error) {
		return t.invoker.Invoke(ctx, action, payload)
	}
}
