package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

func TestStepStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		want     bool
	}{
		{"", StepStatusInProgress, true},
		{"", StepStatusPending, true},
		{"", StepStatusSuccess, false},
		{StepStatusPending, StepStatusInProgress, true},
		{StepStatusPending, StepStatusFailed, false},
		{StepStatusPending, StepStatusSuccess, false},
		{StepStatusInProgress, StepStatusSuccess, true},
		{StepStatusInProgress, StepStatusFailed, true},
		{StepStatusInProgress, StepStatusPending, false},
		{StepStatusSuccess, StepStatusSuccess, true},
		{StepStatusSuccess, StepStatusInProgress, false},
		{StepStatusFailed, StepStatusSuccess, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanStepTransition(t *testing.T) {
	tests := []struct {
		step     string
		from, to StepStatus
		want     bool
	}{
		{StepRemoveUser, StepStatusFailed, StepStatusInProgress, true},
		{StepRemoveNamespace, StepStatusFailed, StepStatusInProgress, true},
		{StepRemoveUser, StepStatusSuccess, StepStatusInProgress, false},
		{StepRemoveUser, StepStatusFailed, StepStatusSuccess, false},
		{StepCreateUser, StepStatusFailed, StepStatusInProgress, false},
		{StepPostAction, StepStatusFailed, StepStatusInProgress, false},
		{StepCreateUser, StepStatusInProgress, StepStatusSuccess, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s:%s->%s", tt.step, tt.from, tt.to), func(t *testing.T) {
			if got := CanStepTransition(tt.step, tt.from, tt.to); got != tt.want {
				t.Errorf("CanStepTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusJSON(t *testing.T) {
	var s StepStatus
	if err := json.Unmarshal([]byte(`"SUCCESS"`), &s); err != nil || s != StepStatusSuccess {
		t.Errorf("Unmarshal SUCCESS = %v, %v", s, err)
	}
	if err := json.Unmarshal([]byte(`"DONE"`), &s); err == nil {
		t.Error("Unmarshal accepted an unknown step status")
	}

	var w WorkflowStatus
	if err := json.Unmarshal([]byte(`"PARTIAL"`), &w); err != nil || w != WorkflowStatusPartial {
		t.Errorf("Unmarshal PARTIAL = %v, %v", w, err)
	}
	if !WorkflowStatusCompleted.IsTerminal() || WorkflowStatusInProgress.IsTerminal() {
		t.Error("IsTerminal() wrong for workflow statuses")
	}
	if err := Workflow("other").Validate(); err == nil {
		t.Error("Validate accepted an unknown workflow")
	}
}

func TestEventSeverity(t *testing.T) {
	if EventTypeDeploymentFailed.Severity() != "error" || EventTypeDeploymentExpired.Severity() != "warning" ||
		EventTypeStepUpdated.Severity() != "info" {
		t.Error("unexpected event severities")
	}
}

func TestDeploymentRecordHelpers(t *testing.T) {
	now := time.Now()
	r := &DeploymentRecord{
		StepStatuses: map[string]StepStatus{
			StepCreateNamespace: StepStatusFailed,
			StepCreateUser:      StepStatusSuccess,
			StepPostAction:      StepStatusFailed,
		},
		ExpiresAt: now.Add(-time.Second),
	}

	if r.StepStatus(StepPreAction) != StepStatusPending {
		t.Errorf("absent step = %s, want PENDING", r.StepStatus(StepPreAction))
	}
	failed := r.FailedSteps()
	sort.Strings(failed)
	if len(failed) != 2 || failed[0] != StepCreateNamespace || failed[1] != StepPostAction {
		t.Errorf("FailedSteps() = %v", failed)
	}
	if !r.Expired(now) {
		t.Error("Expired() = false for a past TTL")
	}
	if (&DeploymentRecord{}).Expired(now) {
		t.Error("Expired() = true without a TTL")
	}
}

func TestLocalPart(t *testing.T) {
	tests := map[string]string{
		"ada.lovelace@example.com": "ada.lovelace",
		"First.Last+tag@x.io":      "First.Last+tag",
		"no-at-sign":               "no-at-sign",
		"a@b@c":                    "a",
	}
	for in, want := range tests {
		if got := LocalPart(in); got != want {
			t.Errorf("LocalPart(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusSet(t *testing.T) {
	s := NewStatusSet(401, 403)
	if !s.Contains(401) || !s.Contains(403) || s.Contains(200) {
		t.Errorf("StatusSet = %v", s)
	}
	if !(ActionResult{StatusCode: 200}).OK() || (ActionResult{StatusCode: 201}).OK() {
		t.Error("OK() must accept only 200")
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("disk I/O error")
	tests := []struct {
		name      string
		err       error
		transient bool
		retryable bool
		notFound  bool
		store     bool
	}{
		{"invocation", NewInvocationError("a", cause), true, true, false, false},
		{"exhausted", NewRetryExhaustedError("a", 5, cause), true, true, false, false},
		{"store", NewStoreUnavailableError("get", cause), false, true, false, true},
		{"not found", NewNotFoundError("deployment", "x"), false, false, true, false},
		{"wrapped not found", fmt.Errorf("outer: %w", NewNotFoundError("lab", "y")), false, false, true, false},
		{"action failed", NewActionFailedError("a", ActionResult{StatusCode: 500}), false, false, false, false},
		{"plain", cause, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsTransient(tt.err) != tt.transient {
				t.Errorf("IsTransient() = %v", !tt.transient)
			}
			if IsRetryable(tt.err) != tt.retryable {
				t.Errorf("IsRetryable() = %v", !tt.retryable)
			}
			if IsNotFound(tt.err) != tt.notFound {
				t.Errorf("IsNotFound() = %v", !tt.notFound)
			}
			if IsStoreUnavailable(tt.err) != tt.store {
				t.Errorf("IsStoreUnavailable() = %v", !tt.store)
			}
		})
	}
}

func TestEngineErrorIs(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NewNotFoundError("deployment", "dep-1"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(ErrNotFound) = false")
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Error("not found matched ErrStoreUnavailable")
	}

	cause := errors.New("locked")
	store := NewStoreUnavailableError("update_step", cause)
	if !errors.Is(store, cause) || !errors.Is(store, ErrStoreUnavailable) {
		t.Errorf("store error chain broken: %v", store)
	}

	tr := NewInvalidTransitionError("dep-1", StepCreateUser, StepStatusSuccess, StepStatusInProgress)
	if !errors.Is(tr, ErrInvalidTransition) {
		t.Error("errors.Is(ErrInvalidTransition) = false")
	}
	if tr.Details["step"] != StepCreateUser {
		t.Errorf("details = %v", tr.Details)
	}
}
