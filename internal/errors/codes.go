// Package errors provides structured error handling for the clinrag pipeline.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Persistence errors (store, index files)
//   - 3XX: Provider errors (embedding, reranker)
//   - 4XX: Validation and data-policy errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates persistence-layer errors.
	CategoryStore Category = "STORE"
	// CategoryProvider indicates embedding/reranker provider errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation and policy errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	// ErrCodeWeakKey is raised when the anonymization key is missing or below
	// the minimum length. Fatal: the anonymizer refuses to construct.
	ErrCodeWeakKey = "ERR_104_WEAK_KEY"

	// Persistence errors (200-299)
	ErrCodeStoreFailed  = "ERR_207_STORE_FAILED"
	ErrCodeCorruptIndex = "ERR_205_CORRUPT_INDEX"

	// Provider errors (300-399)
	ErrCodeProviderTimeout     = "ERR_301_PROVIDER_TIMEOUT"
	ErrCodeProviderUnavailable = "ERR_304_PROVIDER_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	// ErrCodePIIAudit is raised when an anonymized record still matches a
	// blacklisted field name or a raw PII pattern. Callers branch on this
	// code to implement fail-closed vs skip-and-count policies.
	ErrCodePIIAudit = "ERR_407_PII_AUDIT"
	ErrCodeNotFound = "ERR_408_NOT_FOUND"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeIndexFailed     = "ERR_505_INDEX_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract leading digit of the numeric portion (e.g., "1" from "ERR_104_WEAK_KEY")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeWeakKey, ErrCodeCorruptIndex:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeProviderTimeout, ErrCodeProviderUnavailable:
		return true
	default:
		return false
	}
}
