// Package errors provides a structured error system for snapship with error codes, categories, and context.
package errors

import (
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// As is a re-export of the standard library errors.As so callers do not need
// both packages imported.
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var ue *UploadError
	return stderr.As(err, &ue) && ue.Code == code
}

// ErrorCode represents a structured error code for upload pipeline operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Local file errors
	ErrCodeFileNotFound      ErrorCode = "FILE_NOT_FOUND"
	ErrCodeFileRead          ErrorCode = "FILE_READ"
	ErrCodeInvalidChunkIndex ErrorCode = "INVALID_CHUNK_INDEX"
	ErrCodeChunkRead         ErrorCode = "CHUNK_READ_FAILED"

	// Transfer errors
	ErrCodeInvalidUploadTarget ErrorCode = "INVALID_UPLOAD_TARGET"
	ErrCodeMissingETag         ErrorCode = "MISSING_ETAG"
	ErrCodeMissingUploadID     ErrorCode = "MISSING_UPLOAD_ID"
	ErrCodeMissingOriginalKey  ErrorCode = "MISSING_ORIGINAL_KEY"
	ErrCodeChunkTransfer       ErrorCode = "CHUNK_TRANSFER_FAILED"
	ErrCodeMultipartComplete   ErrorCode = "MULTIPART_COMPLETION_FAILED"
	ErrCodeMultipartAbort      ErrorCode = "MULTIPART_ABORT_FAILED"
	ErrCodeUploadRejected      ErrorCode = "UPLOAD_REJECTED"
	ErrCodeNetwork             ErrorCode = "NETWORK_ERROR"
	ErrCodeTimeout             ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeCanceled            ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted      ErrorCode = "RETRY_EXHAUSTED"

	// Watcher errors
	ErrCodeWatchFailed     ErrorCode = "WATCH_FAILED"
	ErrCodeCursorPersist   ErrorCode = "CURSOR_PERSIST"
	ErrCodeFileUnstable    ErrorCode = "FILE_UNSTABLE"
	ErrCodeFileDisappeared ErrorCode = "FILE_DISAPPEARED"

	// Internal errors
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryTransfer      ErrorCategory = "transfer"
	CategoryWatcher       ErrorCategory = "watcher"
	CategoryInternal      ErrorCategory = "internal"
)

// UploadError represents a structured error with context and metadata.
type UploadError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable tells the retryer whether a fresh attempt can succeed.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *UploadError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *UploadError) Is(target error) bool {
	if uploadErr, ok := target.(*UploadError); ok {
		return e.Code == uploadErr.Code
	}
	return false
}

// New creates a new structured error with defaults derived from the code.
func New(code ErrorCode, message string) *UploadError {
	return &UploadError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *UploadError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error with an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *UploadError {
	return New(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "FILE_") || strings.HasPrefix(codeStr, "INVALID_CHUNK") ||
		strings.HasPrefix(codeStr, "CHUNK_READ"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "WATCH_") || strings.HasPrefix(codeStr, "CURSOR_"):
		return CategoryWatcher
	case strings.HasPrefix(codeStr, "INVALID_UPLOAD") || strings.HasPrefix(codeStr, "MISSING_") ||
		strings.HasPrefix(codeStr, "CHUNK_") || strings.HasPrefix(codeStr, "MULTIPART_") ||
		strings.HasPrefix(codeStr, "UPLOAD_") || strings.HasPrefix(codeStr, "NETWORK_") ||
		strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryTransfer
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeNetwork:       true,
		ErrCodeTimeout:       true,
		ErrCodeChunkTransfer: true,
		ErrCodeChunkRead:     true,
		ErrCodeFileUnstable:  true,
	}
	return retryableCodes[code]
}

// WithContext adds contextual information to an error.
func (e *UploadError) WithContext(key, value string) *UploadError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *UploadError) WithComponent(component string) *UploadError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *UploadError) WithOperation(operation string) *UploadError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *UploadError) WithCause(cause error) *UploadError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability of the code.
func (e *UploadError) WithRetryable(retryable bool) *UploadError {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the ErrorCode from an arbitrary error chain, or
// ErrCodeInternalError when no structured error is present.
func CodeOf(err error) ErrorCode {
	var ue *UploadError
	if As(err, &ue) {
		return ue.Code
	}
	return ErrCodeInternalError
}
