package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the OCR extraction worker
 *
 * Design Pattern: Factory Pattern for error creation
 * Only the extraction kinds below are surfaced to callers of the pipeline;
 * heuristic failures inside a stage are recovered where they happen.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Extraction errors
	ErrorSourceNotFound    ErrorCode = "SOURCE_NOT_FOUND"
	ErrorDecodeFailed      ErrorCode = "DECODE_FAILED"
	ErrorPreprocessFailed  ErrorCode = "PREPROCESS_FAILED"
	ErrorNoTextExtracted   ErrorCode = "NO_TEXT_EXTRACTED"
	ErrorEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"

	// Worker errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
)

// ExtractionError represents a structured extraction error
type ExtractionError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// WithJob returns a copy of the error tagged with a job id.
func (e *ExtractionError) WithJob(jobID string) *ExtractionError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// Factory functions for common errors

func NewSourceNotFoundError(ref string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorSourceNotFound,
		Message:   fmt.Sprintf("Image source could not be read: %s", ref),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source": ref,
		},
		Cause: cause,
	}
}

func NewDecodeFailedError(ref string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorDecodeFailed,
		Message:   fmt.Sprintf("Bytes could not be decoded as an image: %s", ref),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source": ref,
		},
		Cause: cause,
	}
}

func NewPreprocessFailedError(stage string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorPreprocessFailed,
		Message:   fmt.Sprintf("Normalization produced no image at stage: %s", stage),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stage": stage,
		},
		Cause: cause,
	}
}

func NewNoTextExtractedError(configs []string) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorNoTextExtracted,
		Message:   "No recognition configuration produced any text",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"configs_tried": configs,
		},
	}
}

func NewEngineUnavailableError(language string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorEngineUnavailable,
		Message:   fmt.Sprintf("Recognition engine could not be invoked for language: %s", language),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"language": language,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewInvalidRequestError(reason string) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorInvalidRequest,
		Message:   reason,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(jobID string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ExtractionError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ee *ExtractionError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// As returns the first ExtractionError in err's chain.
func As(err error) (*ExtractionError, bool) {
	var ee *ExtractionError
	if stderrors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ToMap converts error to map for database storage
func (e *ExtractionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
