// Package policy decides whether a dispatched deployment may be created,
// using Open Policy Agent.
//
// Every policy is a Rego module in package labctl.admission (or a package
// below it) producing deny messages:
//
//	package labctl.admission.corp
//
//	import rego.v1
//
//	deny contains msg if {
//		not endswith(input.deployment.email, "@corp.example")
//		msg := "only corporate addresses are admitted"
//	}
//
// The input document is:
//
//	{
//	  "deployment": {"depID": "...", "labID": "...", "email": "...", "petname": "..."},
//	  "lab": {...} or null,
//	  "context": {"timestamp": "...", "environment": "..."}
//	}
//
// A deny value is a string or an object with "message" and "severity" keys.
// Warning severity is logged without blocking; a "# severity: warning"
// comment at the top of a file sets that default for the whole policy.
//
// Three policies are built in: email-format, petname-label and
// lab-available. Extra files are loaded with Engine.LoadPolicies and
// reloaded on change with Engine.Watch. Any policy can be switched off with
// DisablePolicy.
package policy
