package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// AdminRole is granted to the created user on their own namespace.
const AdminRole = "ves-io-admin"

// Provisioner runs the create path of a deployment.
type Provisioner struct {
	invoker   ActionInvoker
	store     StateStore
	labs      LabSource
	actions   ActionNames
	publisher EventPublisher
	recorder  Recorder
	logger    zerolog.Logger
	steps     *stepRunner

	probeAttempts int
	probeDelay    time.Duration
	probeWait     func(ctx context.Context, d time.Duration) error
}

// NewProvisioner creates a Provisioner from opts.
func NewProvisioner(opts Options) *Provisioner {
	opts = opts.withDefaults()
	logger := opts.Logger.With().Str("component", "provisioner").Logger()
	return &Provisioner{
		invoker:       opts.Invoker,
		store:         opts.Store,
		labs:          opts.Labs,
		actions:       opts.Actions,
		publisher:     opts.Publisher,
		recorder:      opts.Recorder,
		logger:        logger,
		probeAttempts: opts.ProbeAttempts,
		probeDelay:    opts.ProbeDelay,
		probeWait:     opts.ProbeWait,
		steps: &stepRunner{
			store:     opts.Store,
			publisher: opts.Publisher,
			recorder:  opts.Recorder,
			logger:    logger,
		},
	}
}

// ProvisionResult summarises a finished create path.
type ProvisionResult struct {
	DeploymentID     string
	Status           WorkflowStatus
	CreatedNamespace bool
	CreatedUser      bool
	Steps            map[string]StepStatus
}

// Provision runs every applicable step for the inserted record.
// Step failures are recorded and do not stop later steps; store, transport
// and configuration errors abort, mark deployment_status FAILED and are returned.
func (p *Provisioner) Provision(ctx context.Context, in DeploymentRecord) (*ProvisionResult, error) {
	depID := in.DeploymentID
	if depID == "" {
		return nil, NewValidationError("deployment id is required")
	}
	logger := p.logger.With().Str("deployment_id", depID).Str("lab_id", in.LabID).Logger()
	start := time.Now()

	logger.Info().Msg("Starting deployment")

	result, err := p.provision(ctx, in, logger)
	if err != nil {
		markFailed(ctx, p.store, logger, depID, WorkflowDeployment, err)
		p.recorder.RecordWorkflow(WorkflowDeployment, WorkflowStatusFailed, time.Since(start))
		publish(ctx, p.publisher, logger, &Event{
			Type:         EventTypeDeploymentFailed,
			DeploymentID: depID,
			Status:       string(WorkflowStatusFailed),
			Message:      err.Error(),
		})
		logger.Error().Err(err).Msg("Deployment failed")
		return nil, err
	}

	p.recorder.RecordWorkflow(WorkflowDeployment, result.Status, time.Since(start))
	publish(ctx, p.publisher, logger, &Event{
		Type:         EventTypeDeploymentCompleted,
		DeploymentID: depID,
		Status:       string(result.Status),
		Data: map[string]interface{}{
			"created_namespace": result.CreatedNamespace,
			"created_user":      result.CreatedUser,
		},
	})
	logger.Info().
		Str("status", string(result.Status)).
		Bool("created_namespace", result.CreatedNamespace).
		Bool("created_user", result.CreatedUser).
		Dur("duration", time.Since(start)).
		Msg("Deployment finished")

	return result, nil
}

func (p *Provisioner) provision(ctx context.Context, in DeploymentRecord, logger zerolog.Logger) (*ProvisionResult, error) {
	depID := in.DeploymentID

	if err := p.store.SetWorkflowStatus(ctx, depID, WorkflowDeployment, WorkflowStatusInProgress, "Starting deployment"); err != nil {
		return nil, err
	}
	publish(ctx, p.publisher, logger, &Event{
		Type:         EventTypeDeploymentStarted,
		DeploymentID: depID,
		Status:       string(WorkflowStatusInProgress),
	})

	if err := p.actions.requireCreate(); err != nil {
		return nil, err
	}
	if p.invoker == nil {
		return nil, NewConfigurationError("no action invoker configured", nil)
	}

	lab, err := lookupLab(ctx, p.labs, in.LabID)
	if err != nil {
		return nil, err
	}

	prior, err := p.store.GetRecord(ctx, depID)
	if err != nil {
		return nil, err
	}

	in.SSMBasePath = lab.SSMBasePath
	if err := p.store.SetIdentity(ctx, &in); err != nil {
		return nil, err
	}

	// Roles are extended per invocation; the lab configuration may be shared.
	cfg := lab.Clone()
	res := &ProvisionResult{
		DeploymentID:     depID,
		CreatedNamespace: prior.CreatedNamespace,
		CreatedUser:      prior.CreatedUser,
		Steps:            make(map[string]StepStatus),
	}

	if cfg.PreAction != "" {
		payload := map[string]interface{}{
			"ssm_base_path": cfg.SSMBasePath,
			"email":         in.Email,
			"petname":       in.Petname,
		}
		out, err := p.steps.run(ctx, depID, StepPreAction, "Running pre-provisioning action",
			prior.StepStatus(StepPreAction), p.invokeFunc(cfg.PreAction, payload))
		if err != nil {
			return nil, err
		}
		res.Steps[StepPreAction] = out.Status
	}

	if cfg.UserNamespace {
		payload := map[string]interface{}{
			"ssm_base_path":  cfg.SSMBasePath,
			"namespace_name": in.Petname,
			"description":    fmt.Sprintf("Namespace for %s", depID),
		}
		out, err := p.steps.run(ctx, depID, StepCreateNamespace, "Creating namespace",
			prior.StepStatus(StepCreateNamespace), p.invokeFunc(p.actions.CreateNamespace, payload))
		if err != nil {
			return nil, err
		}
		res.Steps[StepCreateNamespace] = out.Status
		if out.Status == StepStatusSuccess {
			res.CreatedNamespace = true
			cfg.NamespaceRoles = append(cfg.NamespaceRoles, NamespaceRole{Namespace: in.Petname, Role: AdminRole})
		} else {
			logger.Warn().Msg("Namespace already exists or failed")
		}
	}

	groups := cfg.GroupNames
	if groups == nil {
		groups = []string{}
	}
	roles := cfg.NamespaceRoles
	if roles == nil {
		roles = []NamespaceRole{}
	}
	userPayload := map[string]interface{}{
		"ssm_base_path":   cfg.SSMBasePath,
		"first_name":      LocalPart(in.Email),
		"last_name":       "User",
		"email":           in.Email,
		"group_names":     groups,
		"namespace_roles": roles,
	}
	out, err := p.steps.run(ctx, depID, StepCreateUser, "Creating user",
		prior.StepStatus(StepCreateUser), p.invokeFunc(p.actions.CreateUser, userPayload))
	if err != nil {
		return nil, err
	}
	res.Steps[StepCreateUser] = out.Status
	if out.Status == StepStatusSuccess {
		res.CreatedUser = true
	} else {
		logger.Warn().Msg("User already exists or failed")
	}

	if cfg.PostAction != "" && res.CreatedUser {
		payload := map[string]interface{}{
			"ssm_base_path": cfg.SSMBasePath,
			"email":         in.Email,
			"petname":       in.Petname,
		}
		out, err := p.steps.run(ctx, depID, StepPostAction, "Waiting for account readiness",
			prior.StepStatus(StepPostAction), p.probeFunc(cfg.PostAction, payload, logger))
		if err != nil {
			return nil, err
		}
		res.Steps[StepPostAction] = out.Status
	}

	if err := p.store.SetFlags(ctx, depID, res.CreatedNamespace, res.CreatedUser); err != nil {
		return nil, err
	}

	res.Status = summarize(res.Steps)
	if err := p.store.SetWorkflowStatus(ctx, depID, WorkflowDeployment, res.Status, summaryDetails(res)); err != nil {
		return nil, err
	}

	return res, nil
}

func (p *Provisioner) invokeFunc(action string, payload map[string]interface{}) func(ctx context.Context) (ActionResult, error) {
	return func(ctx context.Context) (ActionResult, error) {
		return p.invoker.Invoke(ctx, action, payload)
	}
}

// probeFunc invokes action through the retry policy that tolerates a freshly
// created account not being authorized yet.
func (p *Provisioner) probeFunc(action string, payload map[string]interface{}, logger zerolog.Logger) func(ctx context.Context) (ActionResult, error) {
	policy := NewProbePolicy(action, p.probeAttempts, p.probeDelay)
	policy.Wait = p.probeWait
	policy.OnRetry = func(attempt, maxAttempts int, last error) {
		p.recorder.RecordRetry(action)
		logger.Info().Err(last).Str("action", action).
			Msgf("Auth not ready yet; retrying (%d/%d)", attempt, maxAttempts)
	}
	return func(ctx context.Context) (ActionResult, error) {
		return WithRetry(ctx, policy, p.invokeFunc(action, payload))
	}
}

// summarize computes the overall status from the step outcomes.
func summarize(steps map[string]StepStatus) WorkflowStatus {
	var succeeded, failed int
	for _, s := range steps {
		switch s {
		case StepStatusSuccess:
			succeeded++
		case StepStatusFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return WorkflowStatusSucceeded
	case succeeded > 0:
		return WorkflowStatusPartial
	default:
		return WorkflowStatusFailed
	}
}

func summaryDetails(res *ProvisionResult) string {
	var failed []string
	for step, s := range res.Steps {
		if s == StepStatusFailed {
			failed = append(failed, step)
		}
	}
	if len(failed) == 0 {
		return "Deployment completed successfully"
	}
	slices.Sort(failed)
	return fmt.Sprintf("Deployment finished with failed steps: %v", failed)
}
