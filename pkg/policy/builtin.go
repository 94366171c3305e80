package policy

import (
	"time"
)

// GetBuiltinPolicies returns the built-in admission policies.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		emailFormatPolicy(),
		petnameLabelPolicy(),
		labAvailablePolicy(),
	}
	for i := range policies {
		policies[i].Builtin = true
		policies[i].Enabled = true
		policies[i].Severity = SeverityError
		policies[i].LoadedAt = now
	}
	return policies
}

func emailFormatPolicy() Policy {
	return Policy{
		Name:        "email-format",
		Description: "The deployment email must be a single well-formed address",
		Rego: `package labctl.admission

import rego.v1

deny contains msg if {
	not regex.match("^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$", input.deployment.email)
	msg := sprintf("email %q is not a valid address", [input.deployment.email])
}
`,
	}
}

// The petname becomes a namespace name, so it has to be a DNS-1123 label.
func petnameLabelPolicy() Policy {
	return Policy{
		Name:        "petname-label",
		Description: "The petname must be a DNS-1123 label",
		Rego: `package labctl.admission

import rego.v1

deny contains msg if {
	not regex.match("^[a-z0-9]([-a-z0-9]*[a-z0-9])?$", input.deployment.petname)
	msg := sprintf("petname %q must consist of lower case alphanumeric characters or '-', and start and end with an alphanumeric character", [input.deployment.petname])
}

deny contains msg if {
	count(input.deployment.petname) > 63
	msg := sprintf("petname %q must be no more than 63 characters", [input.deployment.petname])
}
`,
	}
}

func labAvailablePolicy() Policy {
	return Policy{
		Name:        "lab-available",
		Description: "The lab must be configured and enabled",
		Rego: `package labctl.admission

import rego.v1

deny contains msg if {
	input.lab == null
	msg := sprintf("lab %q is not configured", [input.deployment.labID])
}

deny contains msg if {
	input.lab.disabled == true
	msg := sprintf("lab %q is disabled", [input.deployment.labID])
}
`,
	}
}
