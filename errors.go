package nvmf

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Error represents a structured target error with context and errno mapping
type Error struct {
	Op    string     // Operation that failed (e.g., "OPEN_CHANNEL", "SUBMIT")
	NQN   string     // Subsystem NQN ("" if not applicable)
	Queue int        // Queue number (-1 if not applicable)
	Code  ErrorCode  // High-level error category
	Errno unix.Errno // Errno (0 if not applicable)
	Msg   string     // Human-readable message
	Inner error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.NQN != "" {
		parts = append(parts, fmt.Sprintf("nqn=%s", e.NQN))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvmf: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("nvmf: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error or a bare ErrorCode by category
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories. Codes are errors
// themselves so they can be used as errors.Is targets.
type ErrorCode string

func (c ErrorCode) Error() string {
	return string(c)
}

const (
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeNotSupported       ErrorCode = "operation not supported"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeQueueFull          ErrorCode = "queue full"
	ErrCodeStopped            ErrorCode = "target stopped"
)

// Sentinel errors for errors.Is checks
const (
	ErrInvalidParameters  = ErrCodeInvalidParameters
	ErrDeviceNotFound     = ErrCodeDeviceNotFound
	ErrNotSupported       = ErrCodeNotSupported
	ErrInsufficientMemory = ErrCodeInsufficientMemory
	ErrQueueFull          = ErrCodeQueueFull
	ErrStopped            = ErrCodeStopped
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno unix.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, nqn string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		NQN:   nqn,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with target context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var te *Error
	if errors.As(inner, &te) {
		return &Error{
			Op:    op,
			NQN:   te.NQN,
			Queue: te.Queue,
			Code:  te.Code,
			Errno: te.Errno,
			Msg:   te.Msg,
			Inner: te.Inner,
		}
	}

	// Map errnos (including wrapped ones) to error codes
	var errno unix.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps errnos to error codes
func mapErrnoToCode(errno unix.Errno) ErrorCode {
	switch errno {
	case unix.ENOENT, unix.ENODEV:
		return ErrCodeDeviceNotFound
	case unix.EBUSY:
		return ErrCodeDeviceBusy
	case unix.EINVAL, unix.E2BIG, unix.ERANGE:
		return ErrCodeInvalidParameters
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return ErrCodeNotSupported
	case unix.ENOMEM, unix.ENOSPC:
		return ErrCodeInsufficientMemory
	case unix.ETIMEDOUT:
		return ErrCodeTimeout
	case unix.EAGAIN:
		return ErrCodeQueueFull
	case unix.ESHUTDOWN, unix.EBADF:
		return ErrCodeStopped
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Errno == errno
	}
	return false
}
