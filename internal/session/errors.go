package session

import (
	"errors"
	"fmt"
)

// Code classifies a session-level failure. Codes are stable and surface
// unchanged to callers.
type Code string

const (
	// CodeNotFound means the handle was never issued or has been reaped.
	// Safe to retry with a fresh handle.
	CodeNotFound Code = "not_found"
	// CodeDisconnected means the handle was valid but its session is dead.
	// Terminal for that handle.
	CodeDisconnected Code = "disconnected"
	// CodeLimitExceeded means a resource ceiling would be breached.
	CodeLimitExceeded Code = "limit_exceeded"
	// CodeInvalidInput means a malformed value, identifier, or missing field.
	CodeInvalidInput Code = "invalid_input"
	// CodeTimeout means the operation deadline elapsed. Safe to retry.
	CodeTimeout Code = "timeout"
	// CodeWritesDisabled means writes are disabled by policy.
	CodeWritesDisabled Code = "writes_disabled"
	// CodeNotAllowlisted means the characteristic is not in the write allowlist.
	CodeNotAllowlisted Code = "uuid_not_allowed"
	// CodeInternal means an unexpected failure; details are logged server-side.
	CodeInternal Code = "internal"
)

// Error is a typed session failure carrying a stable code plus a
// human-readable message. Detail optionally refines the code for callers
// that surface a finer-grained taxonomy.
type Error struct {
	Code   Code
	Msg    string
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is allows errors.Is to compare Error values by Code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinel errors for errors.Is checks.
var (
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrDisconnected   = &Error{Code: CodeDisconnected}
	ErrLimitExceeded  = &Error{Code: CodeLimitExceeded}
	ErrInvalidInput   = &Error{Code: CodeInvalidInput}
	ErrTimeout        = &Error{Code: CodeTimeout}
	ErrWritesDisabled = &Error{Code: CodeWritesDisabled}
	ErrNotAllowlisted = &Error{Code: CodeNotAllowlisted}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of the error carrying a refined detail code.
func (e *Error) WithDetail(detail string) *Error {
	c := *e
	c.Detail = detail
	return &c
}

// DetailOf extracts the refined detail code from err, or "" when absent.
func DetailOf(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Detail
	}
	return ""
}

// CodeOf extracts the session code from err, or CodeInternal when err is not
// a session error.
func CodeOf(err error) Code {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return CodeInternal
}
