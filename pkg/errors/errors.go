// Package errors defines custom error types and error handling utilities for the qsign service.
// Every failure the key-pool core reports is an AppError carrying a kind, a stable code,
// an HTTP status for the ops API and an explicit retryable flag inspected by the retry driver.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/turtacn/qsign/pkg/constants"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindConfiguration        Kind = "ConfigurationError"
	KindInputData            Kind = "InputDataError"
	KindRemoteSystem         Kind = "RemoteSystemError"
	KindResourceExhausted    Kind = "ResourceExhaustedError"
	KindPersistenceTransient Kind = "PersistenceTransientError"
	KindPersistenceFatal     Kind = "PersistenceFatalError"
	KindDateParse            Kind = "DateParseError"
	KindNotFound             Kind = "NotFoundError"
	KindConflict             Kind = "ConflictError"
	KindUnauthorized         Kind = "UnauthorizedError"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// AppError represents a structured error with additional metadata
type AppError interface {
	error

	// Kind returns the error taxonomy entry
	Kind() Kind

	// Code returns the machine-readable error code
	Code() constants.ErrorCode

	// HTTPStatus returns the HTTP status code
	HTTPStatus() int

	// Description returns a human-readable description
	Description() string

	// Retryable reports whether the operation may succeed if attempted again
	Retryable() bool

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) AppError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) AppError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	kind        Kind
	code        constants.ErrorCode
	httpStatus  int
	description string
	message     string
	retryable   bool
	cause       error
	metadata    map[string]interface{}
}

// Error implements the error interface
func (e *baseError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.description
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *baseError) Kind() Kind                       { return e.kind }
func (e *baseError) Code() constants.ErrorCode        { return e.code }
func (e *baseError) HTTPStatus() int                  { return e.httpStatus }
func (e *baseError) Description() string              { return e.description }
func (e *baseError) Retryable() bool                  { return e.retryable }
func (e *baseError) Unwrap() error                    { return e.cause }
func (e *baseError) Metadata() map[string]interface{} { return e.metadata }

// WithCause adds a cause error to the error chain
func (e *baseError) WithCause(cause error) AppError {
	e.cause = cause
	return e
}

// WithMetadata adds additional context metadata
func (e *baseError) WithMetadata(key string, value interface{}) AppError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// ================================================================================
// Error Constructor
// ================================================================================

// NewError creates a new AppError with the specified parameters
func NewError(kind Kind, code constants.ErrorCode, httpStatus int, description, message string, retryable bool) AppError {
	return &baseError{
		kind:        kind,
		code:        code,
		httpStatus:  httpStatus,
		description: description,
		message:     message,
		retryable:   retryable,
		metadata:    make(map[string]interface{}),
	}
}

// ================================================================================
// Taxonomy Constructors
// ================================================================================

// ErrConfiguration creates a fatal, startup-time configuration error
func ErrConfiguration(message string) AppError {
	return NewError(KindConfiguration, constants.ErrCodeConfiguration, http.StatusInternalServerError,
		"The service configuration is invalid.", message, false)
}

// ErrInputData creates an error for invalid caller-supplied data
func ErrInputData(message string) AppError {
	return NewError(KindInputData, constants.ErrCodeInvalidInput, http.StatusBadRequest,
		"The request contains invalid data.", message, false)
}

// ErrRemoteSystem creates an error for a failed CA or signing-server call
func ErrRemoteSystem(system, operation string, retryable bool, cause error) AppError {
	return NewError(KindRemoteSystem, constants.ErrCodeRemoteSystem, http.StatusBadGateway,
		"A remote system call failed.", fmt.Sprintf("%s %s failed", system, operation), retryable).
		WithCause(cause).
		WithMetadata("system", system).
		WithMetadata("operation", operation)
}

// ErrNoFreeKey creates the "try later" error for an exhausted pool
func ErrNoFreeKey(cryptoTokenID int, algorithm string, usage constants.KeyUsage) AppError {
	return NewError(KindResourceExhausted, constants.ErrCodeNoFreeKey, http.StatusServiceUnavailable,
		"No free key is available right now. Please try again later.",
		fmt.Sprintf("no free %s key for token %d and algorithm %s", usage, cryptoTokenID, algorithm), false).
		WithMetadata("crypto_token_id", cryptoTokenID).
		WithMetadata("algorithm", algorithm).
		WithMetadata("usage", string(usage))
}

// ErrPersistenceTransient creates a retryable storage connectivity error
func ErrPersistenceTransient(operation string, cause error) AppError {
	return NewError(KindPersistenceTransient, constants.ErrCodePersistenceTransient, http.StatusServiceUnavailable,
		"The storage layer is temporarily unavailable.", fmt.Sprintf("%s: transient storage failure", operation), true).
		WithCause(cause).
		WithMetadata("operation", operation)
}

// ErrPersistenceFatal creates a non-retryable storage error
func ErrPersistenceFatal(operation string, cause error) AppError {
	return NewError(KindPersistenceFatal, constants.ErrCodePersistenceFatal, http.StatusInternalServerError,
		"The storage layer rejected the operation.", fmt.Sprintf("%s: storage failure", operation), false).
		WithCause(cause).
		WithMetadata("operation", operation)
}

// ErrDateParse creates an error for unreadable certificate validity dates
func ErrDateParse(message string, cause error) AppError {
	return NewError(KindDateParse, constants.ErrCodeDateParse, http.StatusBadRequest,
		"The certificate validity dates could not be parsed.", message, false).WithCause(cause)
}

// ErrKeyNotFound creates a key not found error
func ErrKeyNotFound(keyID string) AppError {
	return NewError(KindNotFound, constants.ErrCodeNotFound, http.StatusNotFound,
		"Key not found", fmt.Sprintf("key not found: %s", keyID), false).
		WithMetadata("key_id", keyID)
}

// ErrSessionNotFound creates a signing session not found error
func ErrSessionNotFound(sessionID string) AppError {
	return NewError(KindNotFound, constants.ErrCodeNotFound, http.StatusNotFound,
		"Signing session not found", fmt.Sprintf("signing session not found: %s", sessionID), false).
		WithMetadata("session_id", sessionID)
}

// ErrCredentialNotFound creates a credential not found error
func ErrCredentialNotFound(credentialID string) AppError {
	return NewError(KindNotFound, constants.ErrCodeNotFound, http.StatusNotFound,
		"Credential not found", fmt.Sprintf("credential not found: %s", credentialID), false).
		WithMetadata("credential_id", credentialID)
}

// ErrKeyStateConflict creates an error for an operation the key's state forbids
func ErrKeyStateConflict(keyID string, state constants.KeyState, operation string) AppError {
	return NewError(KindConflict, constants.ErrCodeConflict, http.StatusConflict,
		"The key is not in a state that allows this operation.",
		fmt.Sprintf("cannot %s key %s in state %s", operation, keyID, state), false).
		WithMetadata("key_id", keyID).
		WithMetadata("state", string(state))
}

// ErrConflict creates a generic conflict error
func ErrConflict(message string) AppError {
	return NewError(KindConflict, constants.ErrCodeConflict, http.StatusConflict,
		"The request conflicts with the current state of the resource.", message, false)
}

// ErrUnauthorized creates an authentication failure error
func ErrUnauthorized(message string) AppError {
	return NewError(KindUnauthorized, constants.ErrCodeUnauthorized, http.StatusUnauthorized,
		"Authentication is required.", message, false)
}

// ================================================================================
// Error Validation Utilities
// ================================================================================

// AsAppError finds the first AppError in the error chain
func AsAppError(err error) (AppError, bool) {
	var appErr AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether any error in the chain has the given kind
func IsKind(err error, kind Kind) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Kind() == kind
	}
	return false
}

// IsRetryable reports whether the error is flagged as retryable
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable()
	}
	return false
}

// IsNoFreeKey reports whether the error signals pool exhaustion
func IsNoFreeKey(err error) bool {
	return IsKind(err, KindResourceExhausted)
}

// IsNotFoundError checks if an error is a not found error.
func IsNotFoundError(err error) bool {
	return IsKind(err, KindNotFound)
}

// WrapError wraps a generic error into an AppError, keeping existing AppErrors intact
func WrapError(err error, message string) AppError {
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	return NewError(KindPersistenceFatal, constants.ErrCodePersistenceFatal, http.StatusInternalServerError,
		"An unexpected error occurred", message, false).WithCause(err)
}

// ================================================================================
// Error Response Builder
// ================================================================================

// ErrorResponse represents the JSON structure for error responses
type ErrorResponse struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description"`
	Retryable        bool                   `json:"retryable,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ToErrorResponse converts an AppError to an ErrorResponse
func ToErrorResponse(err AppError) *ErrorResponse {
	return &ErrorResponse{
		Error:            string(err.Code()),
		ErrorDescription: err.Description(),
		Retryable:        err.Retryable() || err.Kind() == KindResourceExhausted,
		Metadata:         err.Metadata(),
	}
}

// ToGenericErrorResponse converts any error to an ErrorResponse
func ToGenericErrorResponse(err error) (int, *ErrorResponse) {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus(), ToErrorResponse(appErr)
	}
	return http.StatusInternalServerError, &ErrorResponse{
		Error:            "internal_error",
		ErrorDescription: "An unexpected error occurred",
	}
}
