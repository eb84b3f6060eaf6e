package chatterbox

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures of the messaging and call core.
type ErrorCode string

const (
	ErrCodeNotReady         ErrorCode = "NOT_READY"
	ErrCodeAckTimeout       ErrorCode = "ACK_TIMEOUT"
	ErrCodeAckError         ErrorCode = "ACK_ERROR"
	ErrCodeMediaAcquisition ErrorCode = "MEDIA_ACQUISITION"
	ErrCodeSignaling        ErrorCode = "SIGNALING"
	ErrCodeCallInProgress   ErrorCode = "CALL_IN_PROGRESS"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
)

// Error is the structured error returned by core operations.
// Two errors are considered equal by errors.Is when their codes match.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotReady         = &Error{Code: ErrCodeNotReady, Message: "no active conversation or channel not connected"}
	ErrAckTimeout       = &Error{Code: ErrCodeAckTimeout, Message: "no acknowledgement received"}
	ErrAckError         = &Error{Code: ErrCodeAckError, Message: "server rejected request"}
	ErrMediaAcquisition = &Error{Code: ErrCodeMediaAcquisition, Message: "media acquisition failed"}
	ErrSignaling        = &Error{Code: ErrCodeSignaling, Message: "call signaling failed"}
	ErrCallInProgress   = &Error{Code: ErrCodeCallInProgress, Message: "a call is already active"}
	ErrInvalidState     = &Error{Code: ErrCodeInvalidState, Message: "operation not valid in current state"}
)

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the error code, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
