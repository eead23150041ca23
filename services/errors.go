package services

import (
	"errors"
	"fmt"

	"github.com/elizaOS/milaidy-sub002/utils"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeForbidden         ErrorType = "forbidden"
	ErrorTypeCapacity          ErrorType = "capacity"
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	ErrorTypeAuditUnavailable  ErrorType = "audit_unavailable"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeExternal          ErrorType = "external"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. Errors of the same type match.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Capacity rejection reasons. They are distinct from policy block reasons.
const (
	ReasonQueueFull           = "queue_full"
	ReasonDuplicateSubmission = "duplicate_submission"
)

// Domain error variables

var (
	// Not Found Errors
	ErrUserNotFound     = NewDomainError(ErrorTypeNotFound, "user not found", nil)
	ErrSettingsNotFound = NewDomainError(ErrorTypeNotFound, "tenant settings not found", nil)
	ErrJobNotFound      = NewDomainError(ErrorTypeNotFound, "execution job not found", nil)
	ErrToolNotFound     = NewDomainError(ErrorTypeNotFound, "tool not registered", nil)

	// Validation Errors
	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)

	// Permission Errors
	ErrForbidden = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)

	// Capacity Errors
	ErrQueueFull           = NewDomainError(ErrorTypeCapacity, "execution queue is full", nil).WithDetail("reason", ReasonQueueFull)
	ErrDuplicateSubmission = NewDomainError(ErrorTypeCapacity, "duplicate submission in flight", nil).WithDetail("reason", ReasonDuplicateSubmission)

	// State Machine Errors
	ErrInvalidTransition = NewDomainError(ErrorTypeInvalidTransition, "invalid job state transition", nil)

	// Audit Errors
	ErrAuditUnavailable = NewDomainError(ErrorTypeAuditUnavailable, "audit store unavailable", nil)

	// Internal Errors
	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError = NewDomainError(ErrorTypeInternal, "database error", nil)

	// External Tool Errors
	ErrToolUnavailable = NewDomainError(ErrorTypeExternal, "tool unavailable", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsCapacityError checks if an error is a queue-full or duplicate rejection
func IsCapacityError(err error) bool {
	return hasType(err, ErrorTypeCapacity)
}

// IsInvalidTransitionError checks if an error is a rejected state transition
func IsInvalidTransitionError(err error) bool {
	return hasType(err, ErrorTypeInvalidTransition)
}

// IsAuditUnavailableError checks if an error is an audit write failure
func IsAuditUnavailableError(err error) bool {
	return hasType(err, ErrorTypeAuditUnavailable)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// IsExternalError checks if an error is an external tool error
func IsExternalError(err error) bool {
	return hasType(err, ErrorTypeExternal)
}

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// CapacityReason returns the machine-readable reason of a capacity error
func CapacityReason(err error) string {
	if !IsCapacityError(err) {
		return ""
	}
	reason, _ := GetErrorDetails(err)["reason"].(string)
	return reason
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external tool error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}

// WrapValidation wraps a validation failure, carrying per-field messages when err has them
func WrapValidation(message string, err error) error {
	domainErr := NewDomainError(ErrorTypeValidation, message, err)
	if fields := utils.GetValidationFields(err); fields != nil {
		domainErr.WithDetail("fields", fields)
	}
	return domainErr
}

// WrapAuditUnavailable wraps a store failure on the audit path
func WrapAuditUnavailable(err error) error {
	return NewDomainError(ErrorTypeAuditUnavailable, "audit store unavailable", err)
}
