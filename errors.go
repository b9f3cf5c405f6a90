package ublk

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/zoned"
)

// Error represents a structured ublk error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "REPORT_ZONES")
	DevID uint32        // Device ID (0 if not applicable)
	Code  UblkErrorCode // High-level error category
	Errno unix.Errno    // Completion status or errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ublk: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("ublk: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel UblkError values and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ue, ok := target.(UblkError); ok {
		return e.Code == UblkErrorCode(ue)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// UblkErrorCode represents high-level error categories
type UblkErrorCode string

const (
	ErrCodeNotSupported       UblkErrorCode = "device is not zoned"
	ErrCodeInsufficientMemory UblkErrorCode = "insufficient memory"
	ErrCodeRequestFailed      UblkErrorCode = "report request failed"
	ErrCodeCallbackFailed     UblkErrorCode = "report callback failed"
	ErrCodeInvalidParameters  UblkErrorCode = "invalid parameters"
	ErrCodeDeviceClosed       UblkErrorCode = "device closed"
	ErrCodeIOError            UblkErrorCode = "I/O error"
)

// UblkError is a sentinel matched by *Error values of the same code
type UblkError string

func (e UblkError) Error() string {
	return "ublk: " + string(e)
}

// Sentinel errors, usable with errors.Is
const (
	ErrNotSupported       UblkError = UblkError(ErrCodeNotSupported)
	ErrInsufficientMemory UblkError = UblkError(ErrCodeInsufficientMemory)
	ErrRequestFailed      UblkError = UblkError(ErrCodeRequestFailed)
	ErrCallbackFailed     UblkError = UblkError(ErrCodeCallbackFailed)
	ErrInvalidParameters  UblkError = UblkError(ErrCodeInvalidParameters)
	ErrDeviceClosed       UblkError = UblkError(ErrCodeDeviceClosed)
)

// NewError creates a new structured error
func NewError(op string, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code UblkErrorCode, errno unix.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, devID uint32, code UblkErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		DevID: devID,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with ublk context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ue, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			DevID: ue.DevID,
			Code:  ue.Code,
			Errno: ue.Errno,
			Msg:   ue.Msg,
			Inner: ue.Inner,
		}
	}

	var errno unix.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// wrapReportError converts an error from the report path into an *Error
func wrapReportError(devID uint32, err error) *Error {
	if err == nil {
		return nil
	}
	const op = "REPORT_ZONES"

	var (
		reqErr *zoned.RequestError
		cbErr  *zoned.CallbackError
	)
	switch {
	case errors.Is(err, zoned.ErrUnsupported):
		return &Error{Op: op, DevID: devID, Code: ErrCodeNotSupported, Errno: unix.EOPNOTSUPP, Inner: err}
	case errors.Is(err, zoned.ErrNoMemory):
		return &Error{Op: op, DevID: devID, Code: ErrCodeInsufficientMemory, Errno: unix.ENOMEM, Msg: err.Error(), Inner: err}
	case errors.As(err, &cbErr):
		return &Error{Op: op, DevID: devID, Code: ErrCodeCallbackFailed, Msg: cbErr.Error(), Inner: err}
	case errors.As(err, &reqErr):
		return &Error{Op: op, DevID: devID, Code: ErrCodeRequestFailed, Errno: reqErr.Status, Msg: reqErr.Error(), Inner: err}
	default:
		e := WrapError(op, err)
		e.DevID = devID
		return e
	}
}

// mapErrnoToCode maps errno values to ublk error codes
func mapErrnoToCode(errno unix.Errno) UblkErrorCode {
	switch errno {
	case unix.EINVAL, unix.E2BIG:
		return ErrCodeInvalidParameters
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return ErrCodeNotSupported
	case unix.ENOMEM:
		return ErrCodeInsufficientMemory
	case unix.ENODEV:
		return ErrCodeDeviceClosed
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code UblkErrorCode) bool {
	var ublkErr *Error
	if errors.As(err, &ublkErr) {
		return ublkErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var ublkErr *Error
	if errors.As(err, &ublkErr) {
		return ublkErr.Errno == errno
	}
	return false
}
