//go:build cgo

package capi

import "fmt"

/*
#cgo pkg-config: libfabric
#include <rdma/fi_errno.h>

#ifndef FI_ENOMR
#define FI_ENOMR FI_EOTHER
#endif
*/
import "C"

// Errno represents a libfabric error code (positive integral value).
type Errno int32

// Error codes the RDM tagged path can return or report in completions.
const (
	Success         Errno = Errno(C.FI_SUCCESS)
	ErrAgain        Errno = Errno(C.FI_EAGAIN)
	ErrNoMemory     Errno = Errno(C.FI_ENOMEM)
	ErrNoData       Errno = Errno(C.FI_ENODATA)
	ErrNoMsg        Errno = Errno(C.FI_ENOMSG)
	ErrNotSupported Errno = Errno(C.FI_ENOSYS)
	ErrCanceled     Errno = Errno(C.FI_ECANCELED)
	ErrAddrNotAvail Errno = Errno(C.FI_EADDRNOTAVAIL)
	ErrMsgSize      Errno = Errno(C.FI_EMSGSIZE)
	ErrOther        Errno = Errno(C.FI_EOTHER)
	ErrTooSmall     Errno = Errno(C.FI_ETOOSMALL)
	ErrUnavailable  Errno = Errno(C.FI_EAVAIL)
	ErrBadFlags     Errno = Errno(C.FI_EBADFLAGS)
	ErrTrunc        Errno = Errno(C.FI_ETRUNC)
	ErrNoMR         Errno = Errno(C.FI_ENOMR)
)

// Retryable reports whether a post may succeed once the completion queue has
// been drained.
func (e Errno) Retryable() bool {
	return e == ErrAgain
}

// Error returns the human-readable string as produced by fi_strerror.
func (e Errno) Error() string {
	return e.String()
}

// String returns the libfabric-provided message for the Errno.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	return C.GoString(C.fi_strerror(C.int(e)))
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a negative libfabric status into an Errno wrapped
// with op. Zero and positive values (byte counts) are success. FI_EAVAIL from
// a queue read means an error entry is waiting in the queue.
func ErrorFromStatus(status int, op string) error {
	if status >= 0 {
		return nil
	}

	code := Errno(-status)
	if code == Success {
		return nil
	}
	return code.WithOp(op)
}
