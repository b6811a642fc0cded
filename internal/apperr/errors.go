// Package apperr carries typed failures across the room engine.
package apperr

import "errors"

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrRoomNotFound    = New(CodeRoomNotFound, "room not found")
	ErrRoomNotJoinable = New(CodeRoomNotJoinable, "room is not available for joining")
	ErrRoomExpired     = New(CodeRoomExpired, "room has expired")
	ErrRoomFull        = New(CodeRoomFull, "room already has two participants")
	ErrRoleFilled      = New(CodeRoleFilled, "role already filled")
	ErrRoleVacant      = New(CodeRoleVacant, "role has no participant")
	ErrDeviceMismatch  = New(CodeDeviceMismatch, "device does not match the bound participant")
	ErrKeyNotFound     = New(CodeKeyNotFound, "room key not found")
	ErrKeyIntegrity    = New(CodeKeyIntegrity, "room key failed authentication")
	ErrUnavailable     = New(CodeUnavailable, "storage unavailable")
)

// CodeOf extracts the code of the first *Error in the chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// KindOf returns the failure class of err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return CodeOf(err).Kind()
}

// Message returns a user-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
