// Package apperr classifies errors into the kinds the rest of the system
// dispatches on: whether to retry, what HTTP status to return, whether a
// worker should give up on an item permanently.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the logical error class.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindTransient
	KindConflict
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	K   Kind
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{K: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error. A nil cause returns nil.
func Wrap(k Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{K: k, Msg: msg, Err: err}
}

// KindOf reports the kind of err, unwrapping as needed.
// Untagged errors are KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.K
	}
	return KindUnknown
}

// Retryable reports whether err should be retried by queue policy.
// Only transient errors (and untagged ones, conservatively) retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return err != nil
	default:
		return false
	}
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
