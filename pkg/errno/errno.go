// Package errno defines the closed error taxonomy shared by every
// layer of the messaging core (see spec §7). Every synchronous
// operation that can fail returns one of these codes, wrapped with
// github.com/pkg/errors at the point it crosses a package boundary so
// callers can still recover the original Errno with Code.
package errno

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errno is a stable, comparable error code. It intentionally mirrors
// a small POSIX-like vocabulary rather than an open string enum so
// that dispatch on error kind (e.g. distinguishing ENODATA stream
// termination from a real error) stays a simple switch.
type Errno int

const (
	// InvalidArg: malformed topic, bad flags, wrong type accessor.
	InvalidArg Errno = iota + 1
	// Proto: malformed bytes, missing required field.
	Proto
	// NoEnt: entity (job, key, eventlog, stream) absent.
	NoEnt
	// Exist: entity already present (e.g. KZ open without TRUNC).
	Exist
	// Perm: access denied by policy.
	Perm
	// NoSys: no handler registered.
	NoSys
	// Again: non-blocking op would block.
	Again
	// TimedOut: deadline reached.
	TimedOut
	// ConnReset: transport died.
	ConnReset
	// RoFs: write after EOF on KZ.
	RoFs
	// NoData: stream terminator. Not an error condition by itself;
	// callers must special-case it to distinguish normal stream end
	// from a real failure.
	NoData
	// Access: permission denied at the filesystem/exec level (EACCES),
	// distinct from Perm's dispatcher-policy denial.
	Access
	// HostUnreach: the target rank's broker route is unreachable
	// (EHOSTUNREACH), surfaced by bulk exec's exit-code mapping.
	HostUnreach
)

var names = map[Errno]string{
	InvalidArg:  "invalid argument",
	Proto:       "protocol error",
	NoEnt:       "no such entity",
	Exist:       "entity exists",
	Perm:        "permission denied",
	NoSys:       "no handler",
	Again:       "would block",
	TimedOut:    "timed out",
	ConnReset:   "connection reset",
	RoFs:        "read-only stream",
	NoData:      "no data",
	Access:      "access denied",
	HostUnreach: "no route to host",
}

func (e Errno) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// Error implements the error interface so an Errno can be returned
// and compared directly, or wrapped with errors.Wrap for context.
func (e Errno) Error() string { return e.String() }

// New wraps an Errno with a formatted message, preserving it as the
// errors.Cause so that Code can recover it later.
func New(e Errno, format string, args ...interface{}) error {
	return errors.Wrap(e, fmt.Sprintf(format, args...))
}

// Code walks err's cause chain and returns the first Errno found, or
// (0, false) if err does not wrap one.
func Code(err error) (Errno, bool) {
	for err != nil {
		if e, ok := err.(Errno); ok {
			return e, true
		}
		cause := errors.Cause(err)
		if cause == err {
			break
		}
		err = cause
	}
	return 0, false
}

// Is reports whether err's cause chain contains code.
func Is(err error, code Errno) bool {
	e, ok := Code(err)
	return ok && e == code
}
