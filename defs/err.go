// Package defs holds the small set of error codes and types shared across
// the virtual memory subsystem.
package defs

import "fmt"

// Err_t is a negative-valued error code, in the tradition of the kernel's
// syscall layer: zero means success, non-zero values identify a taxonomy
// member. It implements the standard error interface so it composes with
// fmt.Errorf("%w", ...) and errors.Is at call sites that need to wrap it.
type Err_t int

const (
	// Success indicates no error occurred.
	Success Err_t = 0
	// EBUFSMALL means the caller-provided region was too small.
	EBUFSMALL Err_t = -1
	// EFAULT means a virtual address was not covered by any mapping,
	// unaligned, or out of view bounds.
	EFAULT Err_t = -2
	// ENOMEM means the physical or virtual allocator was exhausted.
	ENOMEM Err_t = -3
	// EACCESS means fault flags were incompatible with mapping protection.
	EACCESS Err_t = -4
	// EKERNFAULT marks an unrecoverable internal violation.
	EKERNFAULT Err_t = -5
	// EPAGERGONE means the user-space pager for a ManagedSpace is
	// unreachable.
	EPAGERGONE Err_t = -6
)

var names = map[Err_t]string{
	Success:    "success",
	EBUFSMALL:  "buffer too small",
	EFAULT:     "bad address",
	ENOMEM:     "out of memory",
	EACCESS:    "access denied",
	EKERNFAULT: "fault",
	EPAGERGONE: "pager gone",
}

// Error implements the error interface. Success never appears in an error
// position; callers check `err != defs.Success` the way the teacher checks
// `err != 0`.
func (e Err_t) Error() string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("err_t(%d)", int(e))
}

// Ok reports whether e represents success.
func (e Err_t) Ok() bool {
	return e == Success
}
