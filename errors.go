package ratelimit

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrInvalidConfig is matched by every *ConfigError.
	ErrInvalidConfig = errors.New("ratelimit: invalid config")

	// ErrClientNotFound is matched by every *UnknownClientError.
	ErrClientNotFound = errors.New("ratelimit: client not found")

	// ErrUnknownTier is returned when a tier has no configured quota.
	ErrUnknownTier = errors.New("ratelimit: unknown tier")

	// ErrUnknownAlgorithm is returned for an unrecognised algorithm kind.
	ErrUnknownAlgorithm = errors.New("ratelimit: unknown algorithm")

	// ErrInvalidClientID is returned for an empty client identifier.
	ErrInvalidClientID = errors.New("ratelimit: client id must not be empty")

	// ErrServiceClosed is returned by checks that would need a new
	// algorithm instance after Close.
	ErrServiceClosed = errors.New("ratelimit: service closed")
)

// ConfigError describes a rejected quota field.
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ratelimit: invalid config: %s: %s", e.Field, e.Message)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// UnknownClientError is returned by the Service for clients that were never
// registered (or were unregistered).
type UnknownClientError struct {
	ClientID string
}

func (e *UnknownClientError) Error() string {
	return fmt.Sprintf("ratelimit: client %q not found", e.ClientID)
}

// Unwrap returns ErrClientNotFound.
func (e *UnknownClientError) Unwrap() error {
	return ErrClientNotFound
}

// IsClientNotFound reports whether err is, or wraps, an unknown client error.
func IsClientNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound)
}
