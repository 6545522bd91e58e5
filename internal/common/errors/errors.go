// Package errors provides the application error type shared by the tool
// surface, admission layer, and background services. Error codes are part of
// the command contract: callers match on Code, not on message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotInitialized     = "not_initialized"
	ErrCodeInvalidParams      = "invalid_params"
	ErrCodeValidationExceeded = "validation_exceeded"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeAdminRequired      = "admin_required"
	ErrCodeAmbiguousID        = "ambiguous_id"
	ErrCodeNotFound           = "not_found"
	ErrCodePreconditionFailed = "precondition_failed"
	ErrCodeExpired            = "expired"
	ErrCodeAlreadyUsed        = "already_used"
	ErrCodeNodeMismatch       = "node_mismatch"
	ErrCodeDispatchFailed     = "dispatch_failed"
	ErrCodePersistFailed      = "persist_failed"
	ErrCodePeerConnectFailed  = "peer_connect_failed"
	ErrCodeStateTooLarge      = "state_too_large"
	ErrCodePathTraversal      = "path_traversal"
	ErrCodeInternalError      = "internal_error"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status"`
	Meta       map[string]any `json:"meta,omitempty"`
	Err        error          `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotInitialized creates an error for calls arriving before the service is ready.
func NotInitialized(what string) *AppError {
	return &AppError{
		Code:       ErrCodeNotInitialized,
		Message:    fmt.Sprintf("%s is not initialized", what),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InvalidParams creates an error for malformed or missing parameters.
func InvalidParams(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidParams,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationExceeded creates an error for an input that exceeds its bound.
func ValidationExceeded(field string, limit int) *AppError {
	return &AppError{
		Code:       ErrCodeValidationExceeded,
		Message:    fmt.Sprintf("%s exceeds the maximum length of %d", field, limit),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// AdminRequired creates an error for destructive operations attempted
// without the admin capability or admin agent identity.
func AdminRequired(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAdminRequired,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// AmbiguousID creates an error for a prefix that matches more than one key.
// Up to eight candidate keys are carried in Meta["candidates"].
func AmbiguousID(needle string, candidates []string) *AppError {
	if len(candidates) > 8 {
		candidates = candidates[:8]
	}
	return &AppError{
		Code:       ErrCodeAmbiguousID,
		Message:    fmt.Sprintf("'%s' matches %d entries; use a longer prefix", needle, len(candidates)),
		HTTPStatus: http.StatusConflict,
		Meta:       map[string]any{"candidates": candidates},
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// PreconditionFailed creates an error for state-machine violations
// (wrong task status, caller is not the claimer, and so on).
func PreconditionFailed(message string) *AppError {
	return &AppError{
		Code:       ErrCodePreconditionFailed,
		Message:    message,
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// Expired creates an error for an invite or ticket past its expiry.
func Expired(what string) *AppError {
	return &AppError{
		Code:       ErrCodeExpired,
		Message:    fmt.Sprintf("%s has expired", what),
		HTTPStatus: http.StatusGone,
	}
}

// AlreadyUsed creates an error for a single-use credential presented twice.
func AlreadyUsed(what string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyUsed,
		Message:    fmt.Sprintf("%s has already been used", what),
		HTTPStatus: http.StatusConflict,
	}
}

// NodeMismatch creates an error for a credential bound to a different node.
func NodeMismatch(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNodeMismatch,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// DispatchFailed creates an error for a failed agent runtime invocation.
func DispatchFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeDispatchFailed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// PersistFailed creates an error for a failed snapshot write.
func PersistFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodePersistFailed,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// PeerConnectFailed creates an error for an unreachable sync peer.
func PeerConnectFailed(url string, err error) *AppError {
	return &AppError{
		Code:       ErrCodePeerConnectFailed,
		Message:    fmt.Sprintf("failed to connect to peer %s", url),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// StateTooLarge creates an error for a snapshot over the size cap.
func StateTooLarge(size, max int64) *AppError {
	return &AppError{
		Code:       ErrCodeStateTooLarge,
		Message:    fmt.Sprintf("state snapshot is %d bytes, cap is %d", size, max),
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// PathTraversal creates an error for a write path escaping the state directory.
func PathTraversal(path string) *AppError {
	return &AppError{
		Code:       ErrCodePathTraversal,
		Message:    fmt.Sprintf("path '%s' escapes the state directory", path),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Meta:       appErr.Meta,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CodeOf returns the error code, or internal_error for non-AppError values.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsUnauthorized checks if the error is an unauthorized or admin-fence error.
func IsUnauthorized(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeUnauthorized || code == ErrCodeAdminRequired
}

// IsAmbiguous checks if the error is an ambiguous id error.
func IsAmbiguous(err error) bool {
	return CodeOf(err) == ErrCodeAmbiguousID
}

// IsPreconditionFailed checks if the error is a precondition failure.
func IsPreconditionFailed(err error) bool {
	return CodeOf(err) == ErrCodePreconditionFailed
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
