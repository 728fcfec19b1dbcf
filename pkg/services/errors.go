// Package services provides the orchestrator façade and standardized error
// types for the HTTP layer.
package services

import (
	"errors"
	"fmt"
)

// Business logic errors mapped to client responses (4xx).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest         = errors.New("invalid request")
	ErrDefinitionNameRequired = errors.New("definition name is required")
	ErrStepsRequired          = errors.New("definition must have at least one step")
	ErrInvalidVerdict         = errors.New("verdict must be approve, reject or tweak")
	ErrActorRequired          = errors.New("actor ID is required")

	// Business logic conflicts (409 Conflict).
	ErrTicketAlreadyResolved = errors.New("ticket already resolved")
	ErrInstanceNotRunning    = errors.New("instance is not running")
	ErrRoleMismatch          = errors.New("actor role does not match ticket requirement")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDefinitionNameRequired) ||
		errors.Is(err, ErrStepsRequired) ||
		errors.Is(err, ErrInvalidVerdict) ||
		errors.Is(err, ErrActorRequired)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrTicketAlreadyResolved) ||
		errors.Is(err, ErrInstanceNotRunning) ||
		errors.Is(err, ErrRoleMismatch)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
