package cyclone

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured runtime error, carrying the operation that failed,
// its category, and (when the failure originated at the syscall boundary)
// the kernel errno.
type Error struct {
	Op    string    // Operation that failed (e.g. "Submit", "Schedule", "Allocate")
	Token uint64    // Token the error concerns (0 if not applicable)
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op == "" {
		return fmt.Sprintf("cyclone: %s", msg)
	}
	if e.Token != 0 {
		return fmt.Sprintf("cyclone: %s: %s (token=%d)", e.Op, msg, e.Token)
	}
	return fmt.Sprintf("cyclone: %s: %s", e.Op, msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match either a legacy sentinel or another *Error with
// the same Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := target.(sentinelError); ok {
		return e.Code == ErrorCode(sentinel)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the high-level category of a runtime error.
type ErrorCode string

const (
	CodeBackendUnavailable   ErrorCode = "backend unavailable"
	CodeOutOfMemory          ErrorCode = "out of memory"
	CodeQueueFull            ErrorCode = "queue full"
	CodeBackpressureStalled  ErrorCode = "backpressure stalled"
	CodeTokenUnknown         ErrorCode = "token unknown"
	CodePoolClosed           ErrorCode = "pool closed"
	CodeHandlerError         ErrorCode = "handler error"
	CodeIOError              ErrorCode = "I/O error"
)

// sentinelError is a lightweight error usable with errors.Is against an
// *Error sharing the same Code.
type sentinelError string

func (e sentinelError) Error() string { return string(e) }

// Sentinel errors, comparable via errors.Is against any *Error carrying
// the matching Code.
const (
	ErrBackendUnavailable  sentinelError = sentinelError(CodeBackendUnavailable)
	ErrOutOfMemory         sentinelError = sentinelError(CodeOutOfMemory)
	ErrQueueFull           sentinelError = sentinelError(CodeQueueFull)
	ErrBackpressureStalled sentinelError = sentinelError(CodeBackpressureStalled)
	ErrTokenUnknown        sentinelError = sentinelError(CodeTokenUnknown)
	ErrPoolClosed          sentinelError = sentinelError(CodePoolClosed)
	ErrHandlerError        sentinelError = sentinelError(CodeHandlerError)
	ErrIOError             sentinelError = sentinelError(CodeIOError)
)

// NewError constructs a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno constructs a structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewTokenError constructs a structured error scoped to a specific token.
func NewTokenError(op string, token uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Token: token, Code: code, Msg: msg}
}

// WrapError wraps an existing error with operation context, mapping a raw
// syscall.Errno to its taxonomy code along the way.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ce, ok := inner.(*Error); ok {
		return &Error{Op: op, Token: ce.Token, Code: ce.Code, Errno: ce.Errno, Msg: ce.Msg, Inner: ce.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeOutOfMemory
	case syscall.EAGAIN, syscall.EBUSY:
		return CodeQueueFull
	case syscall.ENXIO, syscall.EBADF:
		return CodeTokenUnknown
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeBackendUnavailable
	default:
		return CodeIOError
	}
}

// IsCode reports whether err is, or wraps, an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is, or wraps, an *Error carrying the given
// kernel errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
