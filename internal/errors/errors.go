// Package errors provides structured error handling for scanfleet runs.
// Every failure carries an ErrorCode so callers can decide whether it is
// contained to a single target or fatal to the whole run.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown    ErrorCode = "UNKNOWN"
	CodeValidation ErrorCode = "VALIDATION"
	CodeTimeout    ErrorCode = "TIMEOUT"
	CodeCanceled   ErrorCode = "CANCELED"

	// Target resolution errors. The entry is skipped, the run continues.
	CodeResolution    ErrorCode = "RESOLUTION_FAILED"
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"

	// Per-target execution errors. The target is marked failed.
	CodeSessionCreate ErrorCode = "SESSION_CREATE_FAILED"
	CodeDispatch      ErrorCode = "DISPATCH_FAILED"
	CodePolling       ErrorCode = "POLLING_FAILED"

	// Run-level configuration errors. Fatal.
	CodeConfiguration ErrorCode = "CONFIG_INVALID"
	CodeConfigMissing ErrorCode = "CONFIG_MISSING"
	CodeNoTargets     ErrorCode = "NO_TARGETS"

	// File system errors.
	CodeFileNotFound    ErrorCode = "FILE_NOT_FOUND"
	CodeDirectoryCreate ErrorCode = "DIRECTORY_CREATE"
)

// ScanError represents an error that occurred while handling one target.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records the operation that failed.
func (e *ScanError) WithOperation(op string) *ScanError {
	e.Operation = op
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field: %s)", msg, e.Field)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// IsCode checks if an error, or anything it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsFatal reports whether an error must abort the whole run rather than
// a single target.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeConfigMissing, CodeNoTargets, CodeValidation:
		return true
	default:
		return false
	}
}

// IsPerTarget reports whether an error is contained to one target.
func IsPerTarget(err error) bool {
	switch GetCode(err) {
	case CodeSessionCreate, CodeDispatch, CodePolling, CodeCanceled, CodeTimeout:
		return true
	default:
		return false
	}
}

// Common error creation functions

// NewResolutionError reports a scope entry that could not be resolved.
func NewResolutionError(entry string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeResolution, "Failed to resolve target", entry, err).
		WithOperation("resolve")
}

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target, reason string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Invalid target specification: "+reason, target).
		WithOperation("resolve")
}

// NewSessionCreationError reports a session that could not be created.
func NewSessionCreationError(session string, err error) *ScanError {
	return WrapScanError(CodeSessionCreate, "Failed to create session", err).
		WithOperation("create").
		WithContext("session", session)
}

// NewDispatchError reports a command that could not be sent into a session.
func NewDispatchError(session string, err error) *ScanError {
	return WrapScanError(CodeDispatch, "Failed to dispatch command", err).
		WithOperation("dispatch").
		WithContext("session", session)
}

// NewPollingError reports a failure while monitoring session output.
func NewPollingError(session string, err error) *ScanError {
	return WrapScanError(CodePolling, "Failed to poll session output", err).
		WithOperation("poll").
		WithContext("session", session)
}

// ErrCanceled creates an error for work abandoned because the run was interrupted.
func ErrCanceled(target string) *ScanError {
	return NewScanErrorWithTarget(CodeCanceled, "Scan canceled", target)
}

// ErrScanTimeout creates an error for scans that exceeded the configured limit.
func ErrScanTimeout(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTimeout, "Scan operation timed out", target)
}

// ErrNoTargets reports a scope that produced nothing to scan.
func ErrNoTargets() *ConfigError {
	return NewConfigError(CodeNoTargets, "No valid targets")
}

// NewConfigurationError wraps a run-level precondition failure.
func NewConfigurationError(message string, err error) *ConfigError {
	return WrapConfigError(CodeConfiguration, message, err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfigMissing, "Required configuration field missing", field, nil)
}
