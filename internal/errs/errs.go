// Package errs defines the coded errors shared by the harness: configuration
// failures, assertion failures, transient browser failures and challenge aborts.
package errs

import (
	"errors"
	"net/http"
)

// Code classifies a harness error.
type Code string

const (
	// InvalidArgument marks bad configuration or a malformed request.
	InvalidArgument Code = "invalid_argument"
	NotFound        Code = "not_found"
	// FailedPrecondition marks a page that is not in the expected state.
	FailedPrecondition Code = "failed_precondition"
	// Unavailable marks a transient failure worth retrying.
	Unavailable Code = "unavailable"
	// Aborted marks a run stopped on purpose, such as an identity challenge.
	Aborted  Code = "aborted"
	Internal Code = "internal"
)

var httpStatus = map[Code]int{
	InvalidArgument:    http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	FailedPrecondition: http.StatusConflict,
	Unavailable:        http.StatusServiceUnavailable,
	Aborted:            http.StatusTooManyRequests,
}

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the outermost code in err's chain, defaulting to Internal.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var coded *Error
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Err
	}
	return false
}

// MessageOf returns the outermost coded message, or "internal error" for
// untyped errors so fixture responses never echo raw internals.
func MessageOf(err error) string {
	if err == nil {
		return string(Internal)
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return "internal error"
}

// HTTPStatus maps a code to the status the fixture answers with.
func HTTPStatus(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}
