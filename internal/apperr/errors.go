// Package apperr defines the error taxonomy shared by the store, the services
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeTooManyRequests Code = "TOO_MANY_REQUESTS"
	CodeUpstream        Code = "UPSTREAM_FAILURE"
	CodePersistence     Code = "PERSISTENCE_FAILURE"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error is a classified application error.
type Error struct {
	Code    Code
	Message string
	// Recoverable marks persistence failures that callers may log and ignore.
	Recoverable bool
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code. A target with a Message also requires the same Message,
// so ErrForeignKeyViolation is a NotFound but not every NotFound is one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

var (
	ErrBadRequest      = &Error{Code: CodeBadRequest}
	ErrUnauthorized    = &Error{Code: CodeUnauthorized}
	ErrForbidden       = &Error{Code: CodeForbidden}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrConflict        = &Error{Code: CodeConflict}
	ErrTooManyRequests = &Error{Code: CodeTooManyRequests}
	ErrUpstream        = &Error{Code: CodeUpstream}
	ErrPersistence     = &Error{Code: CodePersistence}

	ErrDuplicateEmail      = &Error{Code: CodeConflict, Message: "email already registered"}
	ErrForeignKeyViolation = &Error{Code: CodeNotFound, Message: "referenced chat does not exist"}
)

func BadRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func TooManyRequests(format string, args ...any) *Error {
	return &Error{Code: CodeTooManyRequests, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a completion provider failure.
func Upstream(cause error) *Error {
	return &Error{Code: CodeUpstream, Message: "completion provider failed", Cause: cause}
}

// Persistence wraps a store failure. Fatal failures block the operation;
// recoverable ones are logged by the caller and ignored.
func Persistence(op string, cause error, recoverable bool) *Error {
	return &Error{Code: CodePersistence, Message: op + " failed", Cause: cause, Recoverable: recoverable}
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to return to clients. Upstream text is passed
// through; persistence and internal causes are not.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	switch e.Code {
	case CodeUpstream:
		return e.Error()
	case CodePersistence:
		return e.Message
	default:
		if e.Message == "" {
			return string(e.Code)
		}
		return e.Message
	}
}
