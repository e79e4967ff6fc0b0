// Package errors provides structured error handling for localwiki.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (quota, corruption, locking)
//   - 3XX: Network and transfer errors
//   - 4XX: Validation errors
//   - 5XX: Internal and index errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates persistent-store errors.
	CategoryStorage Category = "STORAGE"
	// CategoryNetwork indicates network and transfer errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
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
	ErrCodeQuotaExceeded = "ERR_201_QUOTA_EXCEEDED"
	ErrCodeStoreCorrupt  = "ERR_202_STORE_CORRUPT"
	ErrCodeStoreLocked   = "ERR_203_STORE_LOCKED"
	ErrCodeStoreClosed   = "ERR_204_STORE_CLOSED"

	// Network errors (300-399)
	ErrCodeNetworkTimeout      = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable  = "ERR_302_NETWORK_UNAVAILABLE"
	ErrCodeResourceUnavailable = "ERR_303_RESOURCE_UNAVAILABLE"
	ErrCodeChecksumMismatch    = "ERR_304_CHECKSUM_MISMATCH"
	ErrCodeDownloadAborted     = "ERR_305_DOWNLOAD_ABORTED"

	// Validation errors (400-499)
	ErrCodeInvalidPackage  = "ERR_401_INVALID_PACKAGE"
	ErrCodeInvalidResource = "ERR_402_INVALID_RESOURCE"
	ErrCodeInvalidQuery    = "ERR_403_INVALID_QUERY"

	// Internal and index errors (500-599)
	ErrCodeInternal      = "ERR_501_INTERNAL"
	ErrCodeIndexNotReady = "ERR_502_INDEX_NOT_READY"
	ErrCodeIndexCorrupt  = "ERR_503_INDEX_CORRUPT"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeQuotaExceeded, ErrCodeStoreCorrupt:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Only transient network failures are retryable; checksum mismatches have
// their own single-retry rule enforced by the download manager, and
// everything else is terminal.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeNetworkUnavailable:
		return true
	default:
		return false
	}
}
