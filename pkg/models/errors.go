package models

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the sentinel behind every ConfigurationError.
var ErrConfiguration = errors.New("invalid configuration")

// ConfigurationError marks malformed rule, filter or action configuration.
// It is fatal for a single request and never retried.
type ConfigurationError struct {
	Scope   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Scope, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func NewConfigurationError(scope, message string) *ConfigurationError {
	return &ConfigurationError{Scope: scope, Message: message}
}

// IsConfigurationError checks if an error is caused by invalid configuration.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
