package device

import (
	"errors"
	"fmt"
)

// Status is the result code of a device runtime call.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidValue
	StatusOutOfMemory
	StatusInvalidDevicePointer
	StatusLaunchFailure
	StatusDeinitialized
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidValue:
		return "invalid value"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusInvalidDevicePointer:
		return "invalid device pointer"
	case StatusLaunchFailure:
		return "launch failure"
	case StatusDeinitialized:
		return "device deinitialized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrDeviceOperation matches every *Error with errors.Is.
var ErrDeviceOperation = errors.New("device operation failed")

// Error is a failed device runtime call. Callers treat it as fatal; nothing
// in the runtime retries.
type Error struct {
	Op      string // Operation that failed
	Status  Status
	Message string
	Err     error // Underlying error if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s: %s (%s): %v", e.Op, e.Message, e.Status, e.Err)
	}
	return fmt.Sprintf("device %s: %s (%s)", e.Op, e.Message, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrDeviceOperation
}

func newError(op string, status Status, format string, args ...any) *Error {
	return &Error{
		Op:      op,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

// StatusOf returns the status carried by err, StatusSuccess for nil, and
// StatusInvalidValue for errors that did not come from the device.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Status
	}
	return StatusInvalidValue
}
