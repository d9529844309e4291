// Package errors provides structured error handling for docpipe.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (database, blob store, disk)
//   - 3XX: Upstream errors (models, scrapers, object store, network)
//   - 4XX: Validation errors
//   - 5XX: Pipeline lifecycle errors (lease, cancellation, internal)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates database, blob-store and disk errors.
	CategoryStorage Category = "STORAGE"
	// CategoryUpstream indicates errors from external collaborators
	// (embedding models, vision models, scrapers, object stores).
	CategoryUpstream Category = "UPSTREAM"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryPipeline indicates pipeline lifecycle and internal errors.
	CategoryPipeline Category = "PIPELINE"
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
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeFileNotFound        = "ERR_201_FILE_NOT_FOUND"
	ErrCodeDatabaseUnavailable = "ERR_202_DATABASE_UNAVAILABLE"
	ErrCodeDatabaseBusy        = "ERR_203_DATABASE_BUSY"
	ErrCodeConstraintViolation = "ERR_204_CONSTRAINT_VIOLATION"
	ErrCodeCorruptStore        = "ERR_205_CORRUPT_STORE"
	ErrCodeBlobStore           = "ERR_206_BLOB_STORE"
	ErrCodeDiskFull            = "ERR_207_DISK_FULL"

	// Upstream errors (300-399)
	ErrCodeUpstreamTimeout     = "ERR_301_UPSTREAM_TIMEOUT"
	ErrCodeUpstreamUnavailable = "ERR_302_UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamRateLimited = "ERR_303_UPSTREAM_RATE_LIMITED"
	ErrCodeUpstreamRejected    = "ERR_304_UPSTREAM_REJECTED"
	ErrCodeEmbeddingFailed     = "ERR_305_EMBEDDING_FAILED"
	ErrCodeVisionFailed        = "ERR_306_VISION_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeMissingInput      = "ERR_403_MISSING_INPUT"
	ErrCodeHashMismatch      = "ERR_404_HASH_MISMATCH"
	ErrCodeUnknownStage      = "ERR_405_UNKNOWN_STAGE"
	ErrCodeDanglingReference = "ERR_406_DANGLING_REFERENCE"
	ErrCodeNotFound          = "ERR_407_NOT_FOUND"

	// Pipeline errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeAlreadyInProgress = "ERR_502_ALREADY_IN_PROGRESS"
	ErrCodeLeaseLost         = "ERR_503_LEASE_LOST"
	ErrCodeCancelled         = "ERR_504_CANCELLED"
	ErrCodeStageFailed       = "ERR_505_STAGE_FAILED"
	ErrCodePrecondition      = "ERR_506_PRECONDITION"
	ErrCodeRetriesExhausted  = "ERR_507_RETRIES_EXHAUSTED"
	ErrCodeRetryDeferred     = "ERR_508_RETRY_DEFERRED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryPipeline
	}

	// Extract numeric portion (e.g., "204" from "ERR_204_CONSTRAINT_VIOLATION")
	numStr := code[4:7]
	if len(numStr) < 1 {
		return CategoryPipeline
	}

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryUpstream
	case '4':
		return CategoryValidation
	default:
		return CategoryPipeline
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptStore, ErrCodeDiskFull:
		return SeverityFatal
	}

	// Retryable errors get warning severity; they are expected to recover.
	if kindFromCode(code).Retryable() {
		return SeverityWarning
	}

	return SeverityError
}
