package policy

import (
	"time"

	"github.com/openfroyo/labctl/pkg/engine"
)

// AdmissionPackage is the Rego package every admission policy must live in
// or below.
const AdmissionPackage = "labctl.admission"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning violations are logged but do not block a deployment.
	SeverityWarning Severity = "warning"

	// SeverityError violations block a deployment.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s != SeverityWarning
}

// Policy is one Rego module producing deny messages.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is taken from the leading comment of a policy file.
	Description string `json:"description,omitempty"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity is applied to deny messages that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Builtin policies are kept across reloads of policy files.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was read from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one deny message.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the result of evaluating every enabled policy.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the messages of blocking violations.
func (d *Decision) Messages() []string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Message)
	}
	return msgs
}

// Input is the document policies see as input.
type Input struct {
	Deployment DeploymentInput          `json:"deployment"`
	Lab        *engine.LabConfiguration `json:"lab"`
	Context    InputContext             `json:"context"`
}

// DeploymentInput carries the dispatch message fields.
type DeploymentInput struct {
	DeploymentID string `json:"depID"`
	LabID        string `json:"labID"`
	Email        string `json:"email"`
	Petname      string `json:"petname"`
}

// InputContext carries evaluation metadata.
type InputContext struct {
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment,omitempty"`
}

// NewInput builds the policy input for a dispatched record. lab is nil when
// the lab is not configured.
func NewInput(record *engine.DeploymentRecord, lab *engine.LabConfiguration) *Input {
	return &Input{
		Deployment: DeploymentInput{
			DeploymentID: record.DeploymentID,
			LabID:        record.LabID,
			Email:        record.Email,
			Petname:      record.Petname,
		},
		Lab:     lab,
		Context: InputContext{Timestamp: time.Now().UTC()},
	}
}
