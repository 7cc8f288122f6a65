package core

import "fmt"

// Error kinds surfaced by the command surface. Each maps to one HTTP status
// (StatusFor). The ACME endpoints do not use these kinds; they report
// AcmeProblem values with their own RFC-style error types (jws.go).
const (
	ErrBadRequest   = "bad-request"
	ErrNotFound     = "not-found"
	ErrConflict     = "conflict"
	ErrUnauthorized = "unauthorized"
	ErrInternal     = "internal"
)

type ApiError struct {
	Kind    string
	Message string
}

func (e *ApiError) Error() string {
	return e.Message
}

func BadRequest(format string, args ...interface{}) *ApiError {
	return &ApiError{Kind: ErrBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *ApiError {
	return &ApiError{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *ApiError {
	return &ApiError{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...interface{}) *ApiError {
	return &ApiError{Kind: ErrUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...interface{}) *ApiError {
	return &ApiError{Kind: ErrInternal, Message: fmt.Sprintf(format, args...)}
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(kind string) int {
	switch kind {
	case ErrBadRequest, ErrConflict:
		return 400
	case ErrNotFound:
		return 404
	case ErrUnauthorized:
		return 401
	default:
		return 500
	}
}
