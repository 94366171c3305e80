package engine

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// DeploymentRecord represents one user's provisioning and cleanup lifecycle.
type DeploymentRecord struct {
	// DeploymentID is the unique, immutable identifier of the deployment.
	DeploymentID string `json:"depID"`

	// LabID selects the lab configuration.
	LabID string `json:"labID"`

	// Email is the address of the user being provisioned.
	Email string `json:"email"`

	// Petname is the label used as namespace name and display identifier.
	Petname string `json:"petname"`

	// SSMBasePath is the credential lookup prefix copied from the lab configuration.
	SSMBasePath string `json:"ssm_base_path,omitempty"`

	// CreatedNamespace is set only after the namespace action reported success.
	CreatedNamespace bool `json:"created_namespace"`

	// CreatedUser is set only after the user action reported success.
	CreatedUser bool `json:"created_user"`

	// StepStatuses maps step names to their status.
	StepStatuses map[string]StepStatus `json:"step_statuses,omitempty"`

	// StepDetails maps step names to the last diagnostic text recorded for them.
	StepDetails map[string]string `json:"step_details,omitempty"`

	// DeploymentStatus is the overall status of the create path.
	DeploymentStatus WorkflowStatus `json:"deployment_status,omitempty"`

	// CleanupStatus is the overall status of the remove path.
	CleanupStatus WorkflowStatus `json:"cleanup_status,omitempty"`

	// Details is the most recent diagnostic text.
	Details string `json:"details,omitempty"`

	// CreatedAt is when the record was first written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is when the record becomes eligible for the expiry sweep.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// StepStatus returns the recorded status of step, or PENDING when absent.
func (r *DeploymentRecord) StepStatus(step string) StepStatus {
	if s, ok := r.StepStatuses[step]; ok {
		return s
	}
	return StepStatusPending
}

// FailedSteps returns the names of steps recorded as FAILED.
func (r *DeploymentRecord) FailedSteps() []string {
	return lo.Filter(lo.Keys(r.StepStatuses), func(step string, _ int) bool {
		return r.StepStatuses[step] == StepStatusFailed
	})
}

// Expired reports whether the record's TTL has passed at now.
func (r *DeploymentRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// NamespaceRole grants a role in a namespace to a created user.
type NamespaceRole struct {
	Namespace string `json:"namespace" yaml:"namespace" validate:"required"`
	Role      string `json:"role" yaml:"role" validate:"required"`
}

// LabConfiguration holds the static per-lab settings.
type LabConfiguration struct {
	// LabID identifies the lab.
	LabID string `json:"lab_id" yaml:"lab_id" validate:"required"`

	// SSMBasePath is the credential lookup prefix handed to every action.
	SSMBasePath string `json:"ssm_base_path" yaml:"ssm_base_path" validate:"required,startswith=/"`

	// GroupNames are the groups the created user joins.
	GroupNames []string `json:"group_names" yaml:"group_names"`

	// NamespaceRoles are the roles the created user receives.
	NamespaceRoles []NamespaceRole `json:"namespace_roles" yaml:"namespace_roles" validate:"dive"`

	// UserNamespace requests a per-user namespace named after the petname.
	UserNamespace bool `json:"user_ns" yaml:"user_ns"`

	// PreAction is an optional action invoked before the namespace step.
	PreAction string `json:"pre_lambda,omitempty" yaml:"pre_lambda,omitempty"`

	// PostAction is an optional readiness probe invoked after the user is created.
	PostAction string `json:"post_lambda,omitempty" yaml:"post_lambda,omitempty"`

	// Disabled labs are refused by the admission policy.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Clone returns a copy whose slices can be mutated without touching the original.
func (c LabConfiguration) Clone() LabConfiguration {
	out := c
	out.GroupNames = append([]string(nil), c.GroupNames...)
	out.NamespaceRoles = append([]NamespaceRole(nil), c.NamespaceRoles...)
	return out
}

// ActionResult is the structured answer of every provisioning action.
type ActionResult struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// OK reports whether the action succeeded.
func (r ActionResult) OK() bool {
	return r.StatusCode == 200
}

// StatusSet is a set of status codes accepted as success at one call site.
type StatusSet map[int]struct{}

// NewStatusSet builds a StatusSet from codes.
func NewStatusSet(codes ...int) StatusSet {
	s := make(StatusSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Contains reports whether code is in the set.
func (s StatusSet) Contains(code int) bool {
	_, ok := s[code]
	return ok
}

// Event is a deployment lifecycle event published while workflows run.
type Event struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	DeploymentID string                 `json:"deployment_id"`
	Step         string                 `json:"step,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// LocalPart returns the part of email before the first '@', verbatim.
func LocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
