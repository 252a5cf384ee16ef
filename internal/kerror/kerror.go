// Package kerror defines the kernel error taxonomy.
//
// Every kernel operation returns success-with-value or one of these errors;
// nothing unwinds across the syscall boundary. The numeric values are part of
// the syscall ABI: callers see them as negative int64 return codes.
package kerror

import (
	"errors"
	"fmt"
)

// KError is a kernel error code. The int64 value is the negative code
// returned to less-trusted callers through the syscall layer.
type KError int64

const (
	PermissionDenied KError = -1
	NotFound         KError = -2
	InvalidArgument  KError = -3
	Interrupted      KError = -4
	BadHandle        KError = -9
	Busy             KError = -11
	OutOfMemory      KError = -12
	BadAddress       KError = -14
	AlreadyExists    KError = -17
	NotSupported     KError = -38
	NoMessage        KError = -61
	Internal         KError = -255
)

// Error implements the error interface.
func (e KError) Error() string {
	switch e {
	case PermissionDenied:
		return "permission denied"
	case NotFound:
		return "not found"
	case InvalidArgument:
		return "invalid argument"
	case Interrupted:
		return "interrupted"
	case BadHandle:
		return "bad handle"
	case Busy:
		return "busy"
	case OutOfMemory:
		return "out of memory"
	case BadAddress:
		return "bad address"
	case AlreadyExists:
		return "already exists"
	case NotSupported:
		return "not supported"
	case NoMessage:
		return "no message"
	case Internal:
		return "internal error"
	default:
		return fmt.Sprintf("kernel error %d", int64(e))
	}
}

// Code returns the raw ABI code.
func (e KError) Code() int64 { return int64(e) }

// Wrap annotates a kernel error with context while keeping the code
// recoverable through errors.Is / Errno.
func Wrap(e KError, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, e)...)
}

// Errno collapses an error chain to its ABI code. A nil error maps to 0;
// an error without a KError in its chain maps to Internal.
func Errno(err error) int64 {
	if err == nil {
		return 0
	}
	var ke KError
	if errors.As(err, &ke) {
		return int64(ke)
	}
	return int64(Internal)
}

// Is reports whether err carries the given kernel error code.
func Is(err error, e KError) bool {
	return errors.Is(err, e)
}
