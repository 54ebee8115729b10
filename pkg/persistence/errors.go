// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrRuleNotFound        = errors.New("automation rule not found")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrFlowNotFound        = errors.New("flow not found")
	ErrConfigNotFound      = errors.New("config entry not found")
	ErrBreakerNotFound     = errors.New("circuit breaker state not found")
)

// RepositoryError wraps storage errors with the entity and operation involved.
type RepositoryError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Entity string
	ID     string
	Err    error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

func (e *RepositoryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewRepositoryError(op, entity, id string, err error) *RepositoryError {
	return &RepositoryError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

func IsIntegrationNotFound(err error) bool {
	return errors.Is(err, ErrIntegrationNotFound)
}

func IsRuleNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound)
}

func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

func IsConfigNotFound(err error) bool {
	return errors.Is(err, ErrConfigNotFound)
}

func IsBreakerNotFound(err error) bool {
	return errors.Is(err, ErrBreakerNotFound)
}

// IsNotFound checks if an error is any of the not found errors.
func IsNotFound(err error) bool {
	return IsIntegrationNotFound(err) ||
		IsRuleNotFound(err) ||
		IsInstanceNotFound(err) ||
		IsFlowNotFound(err) ||
		IsConfigNotFound(err) ||
		IsBreakerNotFound(err)
}
