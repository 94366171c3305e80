package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/labctl/pkg/engine"
)

// HistoryEntry is one append-only record of a status write.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"depID"`
	Field        string    `json:"field"` // step name, deployment_status or cleanup_status
	Status       string    `json:"status"`
	Details      string    `json:"details,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ListFilter narrows ListDeployments.
type ListFilter struct {
	DeploymentStatus engine.WorkflowStatus
	CleanupStatus    engine.WorkflowStatus
	LabID            string
	Limit            int
	Offset           int
}

// LegacyBool decodes flags written either as JSON booleans or as the
// "True"/"False" strings of older deployment tables.
type LegacyBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *LegacyBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*b = false
	case bool:
		*b = LegacyBool(t)
	case string:
		*b = LegacyBool(strings.EqualFold(t, "true") || t == "1")
	case float64:
		*b = t != 0
	case map[string]interface{}:
		// typed attribute: {"S": "True"} or {"BOOL": true}
		if s, ok := t["S"].(string); ok {
			*b = LegacyBool(strings.EqualFold(s, "true"))
		} else if v, ok := t["BOOL"].(bool); ok {
			*b = LegacyBool(v)
		}
	default:
		return fmt.Errorf("unsupported flag value: %s", string(data))
	}
	return nil
}

// RecordDocument is the export/import form of a deployment record.
type RecordDocument struct {
	DeploymentID     string                       `json:"depID"`
	LabID            string                       `json:"labID"`
	Email            string                       `json:"email"`
	Petname          string                       `json:"petname"`
	SSMBasePath      string                       `json:"ssm_base_path,omitempty"`
	CreatedNamespace LegacyBool                   `json:"created_namespace"`
	CreatedUser      LegacyBool                   `json:"created_user"`
	StepStatuses     map[string]engine.StepStatus `json:"step_statuses,omitempty"`
	StepDetails      map[string]string            `json:"step_details,omitempty"`
	DeploymentStatus engine.WorkflowStatus        `json:"deployment_status,omitempty"`
	CleanupStatus    engine.WorkflowStatus        `json:"cleanup_status,omitempty"`
	Details          string                       `json:"details,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
	ExpiresAt        time.Time                    `json:"expires_at,omitempty"`
}

// ToRecord converts the document into an engine record.
func (d *RecordDocument) ToRecord() *engine.DeploymentRecord {
	return &engine.DeploymentRecord{
		DeploymentID:     d.DeploymentID,
		LabID:            d.LabID,
		Email:            d.Email,
		Petname:          d.Petname,
		SSMBasePath:      d.SSMBasePath,
		CreatedNamespace: bool(d.CreatedNamespace),
		CreatedUser:      bool(d.CreatedUser),
		StepStatuses:     d.StepStatuses,
		StepDetails:      d.StepDetails,
		DeploymentStatus: d.DeploymentStatus,
		CleanupStatus:    d.CleanupStatus,
		Details:          d.Details,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		ExpiresAt:        d.ExpiresAt,
	}
}

// OperationObserver receives the duration of every store operation.
type OperationObserver interface {
	ObserveStoreOperation(operation string, duration time.Duration, err error)
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.DeploymentRepository
	engine.LabSource

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Deployment queries
	ListDeployments(ctx context.Context, filter ListFilter) ([]*engine.DeploymentRecord, error)
	History(ctx context.Context, depID string, limit int) ([]*HistoryEntry, error)
	ImportRecord(ctx context.Context, record *engine.DeploymentRecord) error

	// Lab configuration operations
	PutLab(ctx context.Context, lab *engine.LabConfiguration) error
	ListLabs(ctx context.Context) ([]*engine.LabConfiguration, error)
	DeleteLab(ctx context.Context, labID string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
