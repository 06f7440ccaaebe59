package engine

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies a failure for callers at the HTTP boundary and in logs.
type ErrorCategory string

const (
	// CategoryPolicy indicates the request was refused by a local policy
	// (sovereignty, rate limiting, economics, operator policies).
	CategoryPolicy ErrorCategory = "policy"

	// CategoryAuth indicates the presented provider credential could not be verified.
	CategoryAuth ErrorCategory = "auth"

	// CategoryProvider indicates the cloud provider rejected or failed an operation.
	CategoryProvider ErrorCategory = "provider"

	// CategoryIntegrity indicates sealed material could not be opened.
	CategoryIntegrity ErrorCategory = "integrity"

	// CategoryInternal indicates a local failure (ledger, configuration, I/O).
	CategoryInternal ErrorCategory = "internal"
)

// FleetError represents a classified error with context.
type FleetError struct {
	// Category is the error classification.
	Category ErrorCategory `json:"category"`

	// Code identifies the specific rejection or failure.
	Code string `json:"code"`

	// Message is the human-readable reason. It never contains secrets.
	Message string `json:"message"`

	// Resource is the instance or heartbeat id involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *FleetError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *FleetError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *FleetError) Is(target error) bool {
	t, ok := target.(*FleetError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// NewPolicyRejection creates a policy rejection with the given code.
func NewPolicyRejection(code, message string) *FleetError {
	return &FleetError{Category: CategoryPolicy, Code: code, Message: message}
}

// NewInvalidRequest creates a rejection for a structurally invalid request.
func NewInvalidRequest(message string, err error) *FleetError {
	return &FleetError{Category: CategoryPolicy, Code: ErrCodeInvalidRequest, Message: message, Err: err}
}

// NewAuthFailure creates a credential verification failure.
func NewAuthFailure(message string, err error) *FleetError {
	return &FleetError{Category: CategoryAuth, Code: ErrCodeVerificationFailed, Message: message, Err: err}
}

// NewProviderFailure creates a provider execution failure.
func NewProviderFailure(message string, err error) *FleetError {
	return &FleetError{Category: CategoryProvider, Code: ErrCodeExecutionFailed, Message: message, Err: err}
}

// NewIntegrityFailure creates a vault integrity failure.
func NewIntegrityFailure(message string, err error) *FleetError {
	return &FleetError{Category: CategoryIntegrity, Code: ErrCodeIntegrity, Message: message, Err: err}
}

// NewInternalError creates an internal failure.
func NewInternalError(message string, err error) *FleetError {
	return &FleetError{Category: CategoryInternal, Code: ErrCodeInternal, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *FleetError) WithResource(resourceID string) *FleetError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *FleetError) WithOperation(operation string) *FleetError {
	e.Operation = operation
	return e
}

// CategoryOf returns the category of err, or CategoryInternal for unclassified errors.
func CategoryOf(err error) ErrorCategory {
	var e *FleetError
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// CodeOf returns the code of err, or ErrCodeInternal for unclassified errors.
func CodeOf(err error) string {
	var e *FleetError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsPolicyRejection returns true if the error is a policy rejection.
func IsPolicyRejection(err error) bool {
	return hasCategory(err, CategoryPolicy)
}

// IsAuthFailure returns true if the error is a credential verification failure.
func IsAuthFailure(err error) bool {
	return hasCategory(err, CategoryAuth)
}

// IsProviderFailure returns true if the error is a provider execution failure.
func IsProviderFailure(err error) bool {
	return hasCategory(err, CategoryProvider)
}

// IsIntegrityFailure returns true if the error is a vault integrity failure.
func IsIntegrityFailure(err error) bool {
	return hasCategory(err, CategoryIntegrity)
}

func hasCategory(err error, category ErrorCategory) bool {
	var e *FleetError
	if errors.As(err, &e) {
		return e.Category == category
	}
	return false
}

// Error codes.
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeSovereignty         = "SOVEREIGNTY_VIOLATION"
	ErrCodePolicyViolation     = "POLICY_VIOLATION"
	ErrCodeVelocityFuse        = "VELOCITY_FUSE_TRIPPED"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeEgressBlock         = "EGRESS_BLOCK"
	ErrCodeExecutionFailed     = "EXECUTION_FAILED"
	ErrCodeIntegrity           = "INTEGRITY_FAILURE"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
)
