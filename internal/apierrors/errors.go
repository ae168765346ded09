// Package apierrors provides a structured, HTTP-status-shaped error type for
// the migration engine's serve surface and CLI error reporting. Grounded on
// the teacher's internal/api/errors/errors.go, retargeted from alert-pipeline
// error codes to the codes a PDS-to-PDS migration run can actually produce.
package apierrors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
)

// Code identifies a category of API error.
type Code string

const (
	CodeValidationError     Code = "VALIDATION_ERROR"
	CodeAuthenticationError Code = "AUTHENTICATION_ERROR"
	CodeAlreadyActivated    Code = "ALREADY_ACTIVATED"
	CodeAccountExists       Code = "ACCOUNT_EXISTS"
	CodeNotFound            Code = "NOT_FOUND"
	CodeRunConflict         Code = "RUN_CONFLICT"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalError       Code = "INTERNAL_ERROR"
	CodeTargetUnavailable   Code = "TARGET_UNAVAILABLE"
	CodeSourceUnavailable   Code = "SOURCE_UNAVAILABLE"
	CodeIntegrityViolation  Code = "INTEGRITY_VIOLATION"
)

// APIError is a structured error returned by cmd/migrate's serve subcommand
// and reported (as text) by its CLI subcommands.
type APIError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse wraps APIError for JSON responses.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// New creates an APIError with the given code and message.
func New(code Code, message string) *APIError {
	return &APIError{Code: code, Message: message, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// WithDetails attaches structured detail data, e.g. a validation failure list.
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRunID tags the error with the migration run it occurred in.
func (e *APIError) WithRunID(runID string) *APIError {
	e.RunID = runID
	return e
}

// StatusCode maps Code to the HTTP status the serve surface responds with.
func (e *APIError) StatusCode() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeAuthenticationError:
		return http.StatusUnauthorized
	case CodeAlreadyActivated, CodeAccountExists, CodeRunConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeTargetUnavailable, CodeSourceUnavailable:
		return http.StatusServiceUnavailable
	case CodeIntegrityViolation:
		return http.StatusUnprocessableEntity
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Class reports the resilience taxonomy class for this error, satisfying
// resilience.Classifiable so an APIError passed to resilience.Classify
// classifies by its code without falling through to the generic
// network/timeout heuristics. Classify checks the error value itself; an
// APIError wrapped inside another error is not found.
func (e *APIError) Class() resilience.Class {
	switch e.Code {
	case CodeRateLimitExceeded, CodeTargetUnavailable, CodeSourceUnavailable:
		return resilience.Transient
	case CodeIntegrityViolation:
		return resilience.Integrity
	default:
		return resilience.Terminal
	}
}

// WriteError writes err as a JSON ErrorResponse with its mapped status code.
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	json.NewEncoder(w).Encode(ErrorResponse{Error: *err})
}

// Helper constructors for the errors the orchestrator's phases actually raise.

// ValidationError wraps a request/options validation failure.
func ValidationError(message string) *APIError {
	return New(CodeValidationError, message)
}

// AuthenticationError wraps a source or target login/session failure.
func AuthenticationError(message string) *APIError {
	return New(CodeAuthenticationError, message)
}

// AlreadyActivatedError reports that VerifyNewNotActivated found a live target.
func AlreadyActivatedError(did string) *APIError {
	return New(CodeAlreadyActivated, fmt.Sprintf("account %s is already activated on the target PDS", did))
}

// AccountExistsError reports CreateAccount's AlreadyExists branch when the
// fallback login also fails.
func AccountExistsError(handle string) *APIError {
	return New(CodeAccountExists, fmt.Sprintf("account %s already exists on the target PDS and its credentials did not match", handle))
}

// NotFoundError wraps a missing run or resource lookup.
func NotFoundError(resource string) *APIError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// RunConflictError reports that a run is already active for a DID.
func RunConflictError(did string) *APIError {
	return New(CodeRunConflict, fmt.Sprintf("a migration run is already active for %s", did))
}

// RateLimitError wraps a 429 from either PDS.
func RateLimitError(service string) *APIError {
	return New(CodeRateLimitExceeded, fmt.Sprintf("%s rate limit exceeded, retry later", service))
}

// TargetUnavailableError wraps a target PDS connectivity failure.
func TargetUnavailableError(pdsURL string) *APIError {
	return New(CodeTargetUnavailable, fmt.Sprintf("target PDS %s is unavailable", pdsURL))
}

// SourceUnavailableError wraps a source PDS connectivity failure.
func SourceUnavailableError(pdsURL string) *APIError {
	return New(CodeSourceUnavailable, fmt.Sprintf("source PDS %s is unavailable", pdsURL))
}

// IntegrityViolationError wraps a CID mismatch or other data-integrity check
// failure.
func IntegrityViolationError(message string) *APIError {
	return New(CodeIntegrityViolation, message)
}

// InternalError wraps an unclassified internal failure.
func InternalError(message string) *APIError {
	return New(CodeInternalError, message)
}
