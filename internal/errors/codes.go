// Package errors provides structured error handling for Meridian Core.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (sqlite, vector index)
//   - 3XX: Provider and network errors
//   - 4XX: Validation and authorization errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates persistence-layer errors.
	CategoryStorage Category = "STORAGE"
	// CategoryProvider indicates embedding-provider and network errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation and authorization errors.
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

	// Storage errors (200-299)
	ErrCodeStoreOpen      = "ERR_201_STORE_OPEN"
	ErrCodeStoreQuery     = "ERR_202_STORE_QUERY"
	ErrCodeStoreClosed    = "ERR_203_STORE_CLOSED"
	ErrCodeDimensionMism  = "ERR_204_DIMENSION_MISMATCH"
	ErrCodeRecordNotFound = "ERR_205_RECORD_NOT_FOUND"

	// Provider errors (300-399)
	ErrCodeProviderTimeout     = "ERR_301_PROVIDER_TIMEOUT"
	ErrCodeProviderRateLimit   = "ERR_302_PROVIDER_RATE_LIMIT"
	ErrCodeProviderRejected    = "ERR_303_PROVIDER_REJECTED"
	ErrCodeSearchUnavailable   = "ERR_304_SEARCH_UNAVAILABLE"
	ErrCodeProviderUnavailable = "ERR_305_PROVIDER_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeEmptyContent = "ERR_402_EMPTY_CONTENT"
	ErrCodeNotOwner     = "ERR_403_NOT_OWNER"
	ErrCodeUnknownType  = "ERR_404_UNKNOWN_ENTITY_TYPE"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeSnapshotFailed = "ERR_502_SNAPSHOT_FAILED"
	ErrCodeLockHeld       = "ERR_503_LOCK_HELD"
)

// categoryFromCode derives the category from the code's number range.
func categoryFromCode(code string) Category {
	if len(code) < 5 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives the default severity from the code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigNotFound, ErrCodeConfigInvalid, ErrCodeStoreOpen:
		return SeverityFatal
	case ErrCodeLockHeld:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// retryableCodes are errors where the same operation may succeed later.
var retryableCodes = map[string]bool{
	ErrCodeProviderTimeout:     true,
	ErrCodeProviderRateLimit:   true,
	ErrCodeProviderUnavailable: true,
}

// isRetryableCode reports whether operations failing with this code
// should be retried with backoff.
func isRetryableCode(code string) bool {
	return retryableCodes[code]
}
