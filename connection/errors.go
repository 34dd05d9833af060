package connection

import (
	"errors"
	"fmt"
)

// ErrorCode classifies SDK/runtime failures for retry and diagnostics policies.
type ErrorCode string

const (
	ErrorInvalidArgument  ErrorCode = "invalid_argument"
	ErrorConnectionClosed ErrorCode = "connection_closed"
	ErrorEncodeFailed     ErrorCode = "encode_failed"
	ErrorSendFailed       ErrorCode = "send_failed"
	ErrorTransportFailed  ErrorCode = "transport_failed"
	ErrorProtocolDecode   ErrorCode = "protocol_decode"
	ErrorUnknownTable     ErrorCode = "unknown_table"
	ErrorUnknownReducer   ErrorCode = "unknown_reducer"
	ErrorCallbackFailed   ErrorCode = "callback_failed"
	ErrorTimeout          ErrorCode = "timeout"
)

// Error is the canonical error wrapper for SDK operations.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func wrapError(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// NewError builds a coded error from a message.
func NewError(code ErrorCode, op string, msg string) error {
	return &Error{Code: code, Op: op, Err: errors.New(msg)}
}

// WrapError wraps err with code. A nil err stays nil.
func WrapError(code ErrorCode, op string, err error) error {
	return wrapError(code, op, err)
}

func newInvalidArgument(op string, msg string) error {
	return NewError(ErrorInvalidArgument, op, msg)
}

// IsCode reports whether err (or any wrapped error) is an SDK Error with the given code.
// Joined errors match when any member matches.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if sdkErr, ok := err.(*Error); ok && sdkErr.Code == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if IsCode(inner, code) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsCode(x.Unwrap(), code)
	}
	return false
}
