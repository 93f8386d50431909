// Package errors provides the coded application error used across the service.
// Every error that crosses a service boundary is an *AppError so transports can
// map it to a status without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies an AppError.
type Code string

const (
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeInvalidState       Code = "INVALID_STATE"
	ErrCodeUnauthorized       Code = "UNAUTHORIZED"
	ErrCodeCommentRequired    Code = "COMMENT_REQUIRED"
	ErrCodeConfiguration      Code = "CONFIGURATION_ERROR"
	ErrCodePersistence        Code = "PERSISTENCE_ERROR"
	ErrCodeInvalidInput       Code = "INVALID_INPUT"
	ErrCodeConflict           Code = "CONFLICT"
	ErrCodeInternal           Code = "INTERNAL"
	ErrCodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// AppError is a coded error with an optional wrapped cause.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches another *AppError by code, so errors.Is(err, errors.New(code, "")) works.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to an HTTP status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeCommentRequired, ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodePersistence, ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus lets status.FromError recognise an AppError directly.
func (e *AppError) GRPCStatus() *status.Status {
	var c codes.Code
	switch e.Code {
	case ErrCodeNotFound:
		c = codes.NotFound
	case ErrCodeInvalidState, ErrCodeConflict:
		c = codes.FailedPrecondition
	case ErrCodeUnauthorized:
		c = codes.PermissionDenied
	case ErrCodeCommentRequired, ErrCodeConfiguration, ErrCodeInvalidInput:
		c = codes.InvalidArgument
	case ErrCodePersistence, ErrCodeServiceUnavailable:
		c = codes.Unavailable
	default:
		c = codes.Internal
	}
	return status.New(c, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodePersistence || e.Code == ErrCodeServiceUnavailable
}

// New creates an AppError.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a lower-level error.
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// InvalidState reports an operation that is not allowed for the current status.
func InvalidState(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidState, Message: message}
}

// Configuration reports a malformed flow or role definition.
func Configuration(message string) *AppError {
	return &AppError{Code: ErrCodeConfiguration, Message: message}
}

// As extracts the *AppError from err, if any.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf returns the code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
