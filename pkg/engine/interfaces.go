package engine

import (
	"context"
	"time"
)

// ActionInvoker invokes a named external provisioning action synchronously.
// A non-200 ActionResult is a normal outcome; an error means the action
// could not be reached.
type ActionInvoker interface {
	Invoke(ctx context.Context, name string, payload map[string]interface{}) (ActionResult, error)
}

// StateStore persists deployment records with field-level updates.
type StateStore interface {
	// UpdateStep sets one step's status, creating the record if absent.
	UpdateStep(ctx context.Context, depID, step string, status StepStatus, details string) error

	// SetWorkflowStatus sets deployment_status or cleanup_status.
	SetWorkflowStatus(ctx context.Context, depID string, workflow Workflow, status WorkflowStatus, details string) error

	// SetFlags records the ground-truth flags consumed by teardown.
	SetFlags(ctx context.Context, depID string, createdNamespace, createdUser bool) error

	// SetIdentity records labID, email, petname and ssm_base_path.
	SetIdentity(ctx context.Context, record *DeploymentRecord) error

	// GetRecord returns the record or an error matching ErrNotFound.
	GetRecord(ctx context.Context, depID string) (*DeploymentRecord, error)
}

// DeploymentRepository extends StateStore with the lifecycle operations used
// by dispatch and the expiry sweep.
type DeploymentRepository interface {
	StateStore

	// CreateDeployment inserts a PENDING record expiring at expiresAt.
	CreateDeployment(ctx context.Context, record *DeploymentRecord) error

	// ExtendTTL moves the expiry of an existing record.
	ExtendTTL(ctx context.Context, depID string, expiresAt time.Time) error

	// ListExpired returns records whose expiry is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*DeploymentRecord, error)

	// DeleteDeployment removes a record and its history.
	DeleteDeployment(ctx context.Context, depID string) error
}

// LabSource resolves lab configurations by ID.
type LabSource interface {
	GetLab(ctx context.Context, labID string) (*LabConfiguration, error)
}

// EventPublisher publishes deployment lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// AdmissionReviewer decides whether a dispatched deployment may be created.
// It returns the list of reasons for refusal; an empty list admits.
type AdmissionReviewer interface {
	Review(ctx context.Context, record *DeploymentRecord, lab *LabConfiguration) ([]string, error)
}

// Recorder receives workflow measurements. Implementations must be safe for
// concurrent use; a nil Recorder is replaced by a no-op.
type Recorder interface {
	RecordEvent(eventName, result string)
	RecordWorkflow(workflow Workflow, status WorkflowStatus, duration time.Duration)
	RecordStep(step string, status StepStatus)
	RecordRetry(action string)
	RecordDispatch(result string)
	RecordExpired(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(string, string)                              {}
func (nopRecorder) RecordWorkflow(Workflow, WorkflowStatus, time.Duration) {}
func (nopRecorder) RecordStep(string, StepStatus)                          {}
func (nopRecorder) RecordRetry(string)                                     {}
func (nopRecorder) RecordDispatch(string)                                  {}
func (nopRecorder) RecordExpired(int)                                      {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *Event) error { return nil }
