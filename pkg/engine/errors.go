package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry handling.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry.
	// Examples: network timeouts, transient package manager locks.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: invalid spec, dependency cycles, command rejected by the host.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes used across the orchestration core.
const (
	ErrCodeInvalidSpec       = "INVALID_SPEC"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeProbeUnreachable  = "PROBE_UNREACHABLE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeTransport         = "TRANSPORT_FAILED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// EngineError is a classified error carrying the context needed to trace an
// operation failure back to its root cause.
// nolint:revive // named to distinguish from plain errors at call sites
type EngineError struct {
	// Class drives the retry decision.
	Class ErrorClass `json:"class"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Host is the host the error relates to, if any.
	Host string `json:"host,omitempty"`

	// OperationID is the operation the error relates to, if any.
	OperationID string `json:"operation_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.Host != "" && e.OperationID != "":
		return fmt.Sprintf("[%s] %s (host=%s, operation=%s)", e.Class, msg, e.Host, e.OperationID)
	case e.Host != "":
		return fmt.Sprintf("[%s] %s (host=%s)", e.Class, msg, e.Host)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is: two engine errors match when
// their class and code match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a retryable error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode attaches a machine-readable code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithHost attaches host context.
func (e *EngineError) WithHost(hostID string) *EngineError {
	e.Host = hostID
	return e
}

// WithOperation attaches operation context.
func (e *EngineError) WithOperation(operationID string) *EngineError {
	e.OperationID = operationID
	return e
}

// IsRetryable returns true if the error is classified as transient.
func IsRetryable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsInvalidSpec returns true for spec validation failures.
func IsInvalidSpec(err error) bool {
	return hasCode(err, ErrCodeInvalidSpec)
}

// IsCycleDetected returns true for dependency cycle errors.
func IsCycleDetected(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsUnknownDependency returns true for dangling dependency references.
func IsUnknownDependency(err error) bool {
	return hasCode(err, ErrCodeUnknownDependency)
}

// IsProbeUnreachable returns true when a host could not be probed during
// reconciliation.
func IsProbeUnreachable(err error) bool {
	return hasCode(err, ErrCodeProbeUnreachable)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
