// Package ipc implements the local request handler surface for shadow
// operations: validation, authorization, per-shadow write serialization,
// store mutation, publish fan-out, and sync enqueueing. The IPC transport
// itself is external; it calls these handlers with the caller's identity.
package ipc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/shadowgate/internal/shadow"
)

// Sentinel errors for the local error taxonomy. Use errors.Is to classify.
var (
	ErrInvalidArguments = errors.New("ipc: invalid arguments")
	ErrInvalidPayload   = errors.New("ipc: invalid payload")
	ErrUnauthorized     = errors.New("ipc: unauthorized")
	ErrResourceNotFound = errors.New("ipc: resource not found")
	ErrVersionConflict  = errors.New("ipc: version conflict")
	ErrPayloadTooLarge  = errors.New("ipc: payload too large")
	ErrThrottled        = errors.New("ipc: throttled")
	ErrServiceError     = errors.New("ipc: service error")
)

// RequestError is the failure shape every handler returns. Code is the
// numeric code published in rejected messages; Err is the sentinel for
// errors.Is.
type RequestError struct {
	Code    int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("ipc: %s (code %d)", e.Message, e.Code)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// errorCode maps a sentinel to its rejected-message code.
func errorCode(sentinel error) int {
	switch sentinel {
	case ErrInvalidArguments, ErrInvalidPayload:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrResourceNotFound:
		return http.StatusNotFound
	case ErrVersionConflict:
		return http.StatusConflict
	case ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newError(sentinel error, message string) *RequestError {
	return &RequestError{
		Code:    errorCode(sentinel),
		Message: message,
		Err:     sentinel,
	}
}

func invalidArguments(format string, args ...any) *RequestError {
	return newError(ErrInvalidArguments, fmt.Sprintf(format, args...))
}

func invalidPayload(format string, args ...any) *RequestError {
	return newError(ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func notFound(resource string) *RequestError {
	return newError(ErrResourceNotFound, "No shadow exists with name: "+resource)
}

// versionConflict additionally wraps shadow.ErrVersionConflict so callers
// holding only the shadow sentinel (the sync engine) can classify it.
func versionConflict() *RequestError {
	return &RequestError{
		Code:    http.StatusConflict,
		Message: "Version conflict",
		Err:     fmt.Errorf("%w: %w", ErrVersionConflict, shadow.ErrVersionConflict),
	}
}

func payloadTooLarge(limit int) *RequestError {
	return newError(ErrPayloadTooLarge, fmt.Sprintf("The payload exceeds the maximum size allowed of %d bytes", limit))
}

func throttled() *RequestError {
	return newError(ErrThrottled, "Too many requests")
}

func unauthorized(caller, resource string) *RequestError {
	return newError(ErrUnauthorized, fmt.Sprintf("Principal %s is not authorized for %s", caller, resource))
}

func serviceError(err error) *RequestError {
	return &RequestError{
		Code:    http.StatusInternalServerError,
		Message: "Internal service failure",
		Err:     fmt.Errorf("%w: %w", ErrServiceError, err),
	}
}

// replyError shapes the error for the direct IPC reply. Throttling is
// reported to callers as a service error; the rejected publish keeps the
// real throttled code.
func replyError(err *RequestError) error {
	if errors.Is(err, ErrThrottled) {
		return &RequestError{
			Code:    http.StatusInternalServerError,
			Message: "Internal service failure",
			Err:     fmt.Errorf("%w: %w", ErrServiceError, err.Err),
		}
	}

	return err
}
