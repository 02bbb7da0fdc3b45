// Package httperr carries an HTTP status and a stable machine-readable
// code alongside an error message. Handlers map domain sentinels into
// these; the responder turns them into the error envelope.
package httperr

import (
	"errors"
	"net/http"
)

type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func New(status int, code string, message string) error {
	return &Error{Status: status, Code: code, Message: message}
}

func BadRequest(code string, message string) error {
	return New(http.StatusBadRequest, code, message)
}

func NotFound(code string, message string) error {
	return New(http.StatusNotFound, code, message)
}

func Conflict(code string, message string) error {
	return New(http.StatusConflict, code, message)
}

func PreconditionFailed(code string, message string) error {
	return New(http.StatusPreconditionFailed, code, message)
}

func Forbidden(code string, message string) error {
	return New(http.StatusForbidden, code, message)
}

func Unavailable(code string, message string) error {
	return New(http.StatusServiceUnavailable, code, message)
}

// Resolve extracts status, code and message from err. Errors that are
// not *Error resolve to 500/internal_error; their message is not
// exposed to clients.
func Resolve(err error) (status int, code string, message string) {
	if e, ok := errors.AsType[*Error](err); ok {
		return e.Status, e.Code, e.Message
	}
	return http.StatusInternalServerError, "internal_error", "internal error"
}

// IsClient reports whether err resolves to a 4xx status.
func IsClient(err error) bool {
	status, _, _ := Resolve(err)
	return status >= 400 && status < 500
}
