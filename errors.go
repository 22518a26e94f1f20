package bnxt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-bnxt/internal/dataring"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/hwrm"
	"github.com/ehrlich-b/go-bnxt/internal/intr"
	"github.com/ehrlich-b/go-bnxt/internal/registry"
	"github.com/ehrlich-b/go-bnxt/internal/ring"
)

// Error represents a structured bnxt error with context
type Error struct {
	Op     string        // Operation that failed (e.g., "ATTACH", "RING_ALLOC")
	Device string        // Device name ("" if not applicable)
	Queue  int           // Queue set index (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Status uint16        // Firmware status (0 if not applicable)
	Errno  syscall.Errno // OS errno from DMA or interrupt setup (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.Device))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%s", hwrm.StatusName(e.Status)))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("bnxt: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("bnxt: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinels and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeRingFull           ErrorCode = "ring full"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeFirmware           ErrorCode = "firmware error"
	ErrCodeDeviceDown         ErrorCode = "device down"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeRecoveryFailed     ErrorCode = "recovery failed"
	ErrCodeNotSupported       ErrorCode = "not supported"
	ErrCodeInternal           ErrorCode = "internal error"
)

// SentinelError is a bare error code usable with errors.Is
type SentinelError string

func (e SentinelError) Error() string {
	return "bnxt: " + string(e)
}

const (
	ErrInvalidParameters  SentinelError = SentinelError(ErrCodeInvalidParameters)
	ErrInsufficientMemory SentinelError = SentinelError(ErrCodeInsufficientMemory)
	ErrRingFull           SentinelError = SentinelError(ErrCodeRingFull)
	ErrTimeout            SentinelError = SentinelError(ErrCodeTimeout)
	ErrFirmware           SentinelError = SentinelError(ErrCodeFirmware)
	ErrDeviceDown         SentinelError = SentinelError(ErrCodeDeviceDown)
	ErrDeviceNotFound     SentinelError = SentinelError(ErrCodeDeviceNotFound)
	ErrDeviceBusy         SentinelError = SentinelError(ErrCodeDeviceBusy)
	ErrRecoveryFailed     SentinelError = SentinelError(ErrCodeRecoveryFailed)
	ErrNotSupported       SentinelError = SentinelError(ErrCodeNotSupported)
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

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, device string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Queue:  -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, device string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Queue:  queue,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an error from the engine with bnxt context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var be *Error
	if errors.As(inner, &be) {
		out := *be
		out.Op = op
		return &out
	}

	e := &Error{
		Op:    op,
		Queue: -1,
		Code:  codeOf(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}

	var fe *hwrm.FirmwareError
	if errors.As(inner, &fe) {
		e.Status = fe.Status
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		if e.Code == ErrCodeInternal {
			e.Code = mapErrnoToCode(errno)
		}
	}

	return e
}

// codeOf maps the engine's sentinel errors onto error codes
func codeOf(err error) ErrorCode {
	var fe *hwrm.FirmwareError
	switch {
	case errors.Is(err, ring.ErrRingFull), errors.Is(err, dataring.ErrNoBuffers):
		return ErrCodeRingFull
	case errors.Is(err, hwrm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.As(err, &fe):
		return ErrCodeFirmware
	case errors.Is(err, dma.ErrNoMemory):
		return ErrCodeInsufficientMemory
	case errors.Is(err, dataring.ErrStopped), errors.Is(err, hwrm.ErrClosed):
		return ErrCodeDeviceDown
	case errors.Is(err, dataring.ErrFrameTooLarge), errors.Is(err, ring.ErrBadSize),
		errors.Is(err, dma.ErrBadSize), errors.Is(err, hwrm.ErrTooLarge):
		return ErrCodeInvalidParameters
	case errors.Is(err, registry.ErrExists), errors.Is(err, intr.ErrVectorInUse):
		return ErrCodeDeviceBusy
	case errors.Is(err, registry.ErrNotFound):
		return ErrCodeDeviceNotFound
	case errors.Is(err, intr.ErrNotSupported):
		return ErrCodeNotSupported
	default:
		return ErrCodeInternal
	}
}

// mapErrnoToCode maps syscall errno to bnxt error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsFirmwareStatus checks if an error carries a specific firmware status
func IsFirmwareStatus(err error, status uint16) bool {
	var be *Error
	if errors.As(err, &be) && be.Status == status {
		return true
	}
	return hwrm.IsFirmwareStatus(err, status)
}
