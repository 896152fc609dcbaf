package types

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded matches any CapacityExceededError.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotRegistered matches any NotRegisteredError.
	ErrNotRegistered = errors.New("resource kind not registered")
	// ErrConfiguration matches any ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound is returned by storage lookups.
	ErrNotFound = errors.New("not found")
)

// BackendError is any failure talking to an external system.
type BackendError struct {
	Op         string
	Reason     string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.Op == "" {
		return e.Reason
	}
	return e.Op + ": " + e.Reason
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError builds a BackendError whose reason is err's message.
func NewBackendError(op string, err error) *BackendError {
	return &BackendError{Op: op, Reason: err.Error(), Err: err}
}

// IsBackendError reports whether err is or wraps a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// IsTransient reports backend errors caused by a failed call rather than a
// definite answer from the backend. Only these are worth retrying.
func IsTransient(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return false
	}
	if be.StatusCode >= 400 && be.StatusCode < 500 {
		return false
	}
	return be.Err != nil || be.StatusCode >= 500
}

// CapacityExceededError is returned once admission control gives up.
type CapacityExceededError struct {
	ScopeID  string
	Limit    int
	Attempts int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for scope %s: limit %d still reached after %d attempts",
		e.ScopeID, e.Limit, e.Attempts)
}

func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// NotRegisteredError is returned for a resource kind without registration.
type NotRegisteredError struct {
	Kind string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("resource kind %q is not registered", e.Kind)
}

func (e *NotRegisteredError) Is(target error) bool {
	return target == ErrNotRegistered
}

// ConfigurationError reports missing or invalid settings at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// IsFatal reports errors that no retry can fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNotRegistered)
}
