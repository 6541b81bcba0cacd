package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Handlers and services MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidKind    ErrorCode = "validation_invalid_batch_kind"
	ErrCodeValidationInvalidPayload ErrorCode = "validation_invalid_payload"
	ErrCodeValidationBatchSize      ErrorCode = "validation_batch_size_exceeded"
	ErrCodeValidationFrequency      ErrorCode = "validation_invalid_frequency"
	ErrCodeValidationInvalidChannel ErrorCode = "validation_invalid_channel"

	// Not Found (404)
	ErrCodeNotFoundSchedule ErrorCode = "not_found_schedule"
	ErrCodeNotFoundBatch    ErrorCode = "not_found_batch"
	ErrCodeNotFoundInvoice  ErrorCode = "not_found_invoice"

	// Conflict (409)
	ErrCodeConflictBatchRunning      ErrorCode = "conflict_batch_running"
	ErrCodeConflictInvalidTransition ErrorCode = "conflict_invalid_transition"
	ErrCodeConflictConcurrent        ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictIdempotency       ErrorCode = "conflict_idempotency_mismatch"

	// Internal (500)
	ErrCodeInternalDB              ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected      ErrorCode = "internal_unexpected_error"
	ErrCodeInternalLockUnavailable ErrorCode = "internal_lock_unavailable"
	ErrCodeInternalQueue           ErrorCode = "internal_queue_error"

	// Upstream collaborators (502/504)
	ErrCodeUpstreamInvoiceGenerator ErrorCode = "upstream_invoice_generator_unavailable"
	ErrCodeUpstreamPDFRenderer      ErrorCode = "upstream_pdf_renderer_unavailable"
	ErrCodeUpstreamCommunication    ErrorCode = "upstream_communication_unavailable"
	ErrCodeUpstreamUnavailable      ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited      ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout          ErrorCode = "upstream_timeout"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamTimeout):
		return http.StatusGatewayTimeout
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the module.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsInfrastructure reports whether err originates from the scheduler's own
// infrastructure (database, lock service, queue). Such failures abort the
// current cycle or batch attempt without writing terminal state.
func IsInfrastructure(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInternalDB, ErrCodeInternalLockUnavailable, ErrCodeInternalQueue:
		return true
	}
	return false
}

// IsValidation reports whether err is a permanent input failure that will not
// succeed on retry.
func IsValidation(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "validation_")
}

// IsTimeout reports whether err is a collaborator timeout, either an explicit
// upstream_timeout AppError or a context deadline in the chain.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeUpstreamTimeout || errors.Is(err, context.DeadlineExceeded)
}
