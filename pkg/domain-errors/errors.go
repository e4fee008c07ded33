// Package domainerrors defines the closed set of error kinds the domain
// layer exposes. Services translate infrastructure failures into one of
// these codes; the single HTTP mapping lives in pkg/platform/httputil.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies an error kind. The set is closed: adding a code means
// updating every exhaustive switch over codes (httputil.WriteError).
type Code string

const (
	CodeNotFound    Code = "not_found"
	CodeConflict    Code = "conflict"
	CodeBadRequest  Code = "bad_request"
	CodeTimeout     Code = "timeout"
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal_error"
)

// Error carries a code, a human-readable message, and an optional cause.
type Error struct {
	code  Code
	msg   string
	cause error
}

// New builds a domain error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(cause error, code Code, msg string) *Error {
	return &Error{code: code, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error kind.
func (e *Error) Code() Code { return e.code }

// Message returns the human-readable message without the code prefix.
func (e *Error) Message() string { return e.msg }

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for
// errors that did not originate in the domain layer.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return CodeInternal
}
