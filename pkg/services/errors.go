// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidRule      = errors.New("invalid automation rule")
	ErrInvalidProvider  = errors.New("invalid provider")
	ErrProviderMismatch = errors.New("provider does not match integration")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInvalidStatus    = errors.New("invalid instance status")
	ErrEmptyTenantID    = errors.New("tenant ID cannot be empty")

	// Business Logic Conflicts (409 Conflict).
	ErrFlowHasErrors = errors.New("flow has blocking validation errors")
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

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrInvalidProvider) ||
		errors.Is(err, ErrProviderMismatch) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrEmptyTenantID)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrFlowHasErrors)
}

// Code returns the machine readable code of a ServiceError, or fallback.
func Code(err error, fallback string) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	return fallback
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

// NewConflictError creates a new business conflict error with context.
func NewConflictError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
