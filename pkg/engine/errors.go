package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: unreachable action endpoint, exhausted readiness probe.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict in the deployment store,
	// such as an attempt to move a step backwards.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: an action answering with a non-retryable status, unknown deployment.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassStore indicates the deployment state store could not be read or written.
	ErrorClassStore ErrorClass = "store"

	// ErrorClassConfig indicates missing environment or lab configuration.
	ErrorClassConfig ErrorClass = "config"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the deployment ID or action name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Sentinels without a code match any error of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeInvocationFailed  = "INVOCATION_FAILED"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAdmissionDenied   = "ADMISSION_DENIED"
)

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrInvalidTransition = &EngineError{Class: ErrorClassConflict, Code: ErrCodeInvalidTransition}
	ErrStoreUnavailable  = &EngineError{Class: ErrorClassStore, Code: ErrCodeStoreUnavailable}
)

// NewInvocationError reports that an action could not be reached or its transport failed.
func NewInvocationError(action string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassTransient,
		Code:      ErrCodeInvocationFailed,
		Message:   fmt.Sprintf("failed to invoke action %q", action),
		Resource:  action,
		Operation: "invoke",
		Err:       err,
	}
}

// NewActionFailedError reports a non-retryable action result.
func NewActionFailedError(action string, result ActionResult) *EngineError {
	return (&EngineError{
		Class:     ErrorClassPermanent,
		Code:      ErrCodeActionFailed,
		Message:   fmt.Sprintf("action %q failed with status %d", action, result.StatusCode),
		Resource:  action,
		Operation: "invoke",
		Err:       errors.New(result.Body),
	}).WithDetail("status_code", result.StatusCode)
}

// NewRetryExhaustedError wraps the last observed outcome once all attempts are spent.
func NewRetryExhaustedError(action string, attempts int, last error) *EngineError {
	return (&EngineError{
		Class:     ErrorClassTransient,
		Code:      ErrCodeRetryExhausted,
		Message:   fmt.Sprintf("action %q failed after %d attempts", action, attempts),
		Resource:  action,
		Operation: "invoke",
		Err:       last,
	}).WithDetail("attempts", attempts)
}

// NewStoreUnavailableError reports a persistence-layer failure.
func NewStoreUnavailableError(operation string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassStore,
		Code:      ErrCodeStoreUnavailable,
		Message:   "deployment state store unavailable",
		Operation: operation,
		Err:       err,
	}
}

// NewConfigurationError reports missing environment or lab configuration.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfig,
		Code:    ErrCodeConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError reports an unknown deployment or lab.
func NewNotFoundError(kind, id string) *EngineError {
	return &EngineError{
		Class:    ErrorClassPermanent,
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found", kind),
		Resource: id,
	}
}

// NewAlreadyExistsError reports a deployment that was created concurrently.
func NewAlreadyExistsError(kind, id string) *EngineError {
	return &EngineError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeAlreadyExists,
		Message:  fmt.Sprintf("%s already exists", kind),
		Resource: id,
	}
}

// NewValidationError reports a malformed event or message.
func NewValidationError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Message: message,
	}
}

// NewInvalidTransitionError reports a step status moving backwards.
func NewInvalidTransitionError(depID, step string, from, to StepStatus) *EngineError {
	return (&EngineError{
		Class:     ErrorClassConflict,
		Code:      ErrCodeInvalidTransition,
		Message:   fmt.Sprintf("step %s cannot move from %s to %s", step, from, to),
		Resource:  depID,
		Operation: "update_step",
	}).WithDetail("step", step)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsRetryable returns true if the error can be retried by the hosting runtime.
func IsRetryable(err error) bool {
	c := classOf(err)
	return c == ErrorClassTransient || c == ErrorClassStore
}

// IsNotFound returns true for unknown deployments and labs.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsStoreUnavailable returns true if the state store failed.
func IsStoreUnavailable(err error) bool {
	return classOf(err) == ErrorClassStore
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
