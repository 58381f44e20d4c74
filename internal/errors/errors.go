package errors

import (
	"errors"
	"fmt"
)

// ClinError is the structured error type for the clinrag pipeline.
// It provides rich context for error handling, logging, and caller branching.
type ClinError struct {
	// Code is the unique error code (e.g., "ERR_407_PII_AUDIT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Store, Provider, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *ClinError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ClinError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with ClinError.
func (e *ClinError) Is(target error) bool {
	if t, ok := target.(*ClinError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *ClinError) WithDetail(key, value string) *ClinError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new ClinError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *ClinError {
	return &ClinError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a ClinError from an existing error.
// The error's message becomes the ClinError message.
func Wrap(code string, err error) *ClinError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *ClinError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// WeakKeyError creates the fatal anonymization-key error.
func WeakKeyError(message string) *ClinError {
	return New(ErrCodeWeakKey, message, nil)
}

// AuditError creates a PII audit failure with the detected violations.
func AuditError(message string, violations []string) *ClinError {
	e := New(ErrCodePIIAudit, message, nil)
	for i, v := range violations {
		e.WithDetail(fmt.Sprintf("violation_%d", i), v)
	}
	return e
}

// NotFoundError creates a not-found error for a missing patient or record.
func NotFoundError(message string) *ClinError {
	return New(ErrCodeNotFound, message, nil)
}

// ProviderError creates an embedding/reranker provider error.
// Provider errors are retryable.
func ProviderError(message string, cause error) *ClinError {
	return New(ErrCodeProviderUnavailable, message, cause)
}

// StoreError creates a persistence-layer error.
func StoreError(message string, cause error) *ClinError {
	return New(ErrCodeStoreFailed, message, cause)
}

// IsAuditFailure reports whether err is (or wraps) a PII audit failure.
func IsAuditFailure(err error) bool {
	var ce *ClinError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodePIIAudit
	}
	return false
}

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool {
	var ce *ClinError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeNotFound
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ce *ClinError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var ce *ClinError
	if errors.As(err, &ce) {
		return ce.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a ClinError.
// Returns empty string if not a ClinError.
func GetCode(err error) string {
	var ce *ClinError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
