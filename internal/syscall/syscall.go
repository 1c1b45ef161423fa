// Package syscall is the external system-call surface named in §1/§6: a small numbered enum of
// calls, a stable-at-the-ABI Errno taxonomy, and the dispatch table that turns a syscall number and
// its argument registers into a call against internal/proc, internal/fs, and internal/uio. It plays
// the role elsie's MMIO device-vtable dispatch plays at the memory-mapped-I/O boundary, moved one
// layer up to the user/kernel boundary.
package syscall

import (
	"errors"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/fs"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/loader"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/proc"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// Number identifies a system call, per §6's "small enum".
type Number int

const (
	Exit Number = iota
	Exec
	Fork
	Wait
	Print
	Usleep
	FSCreate
	FSDelete
	Open
	Close
	Read
	Write
	Cntl
	Pipe
	Dup
)

func (n Number) String() string {
	switch n {
	case Exit:
		return "exit"
	case Exec:
		return "exec"
	case Fork:
		return "fork"
	case Wait:
		return "wait"
	case Print:
		return "print"
	case Usleep:
		return "usleep"
	case FSCreate:
		return "fs-create"
	case FSDelete:
		return "fs-delete"
	case Open:
		return "open"
	case Close:
		return "close"
	case Read:
		return "read"
	case Write:
		return "write"
	case Cntl:
		return "cntl"
	case Pipe:
		return "pipe"
	case Dup:
		return "dup"
	default:
		return "syscall(unknown)"
	}
}

// Errno is the ABI-stable negative-return error taxonomy of §6. Values are assigned in the order
// listed there; the concrete numbers are an implementation detail of this kernel (the spec gives
// names, not numbers) but, once assigned, are never renumbered, since a user binary's syscall stubs
// compare against them directly.
type Errno int

const (
	EInvalidArgument Errno = iota + 1
	EBusy
	ENotSupported
	EIO
	EBadFormat
	ENoSuchEntry
	EPermissionDenied
	EBadHandle
	ETooManyFiles
	ETooManyProcesses
	ETooManyThreads
	ENoChild
	EOutOfMemory
	EBrokenPipe
	EAlreadyExists
)

func (e Errno) Error() string {
	switch e {
	case EInvalidArgument:
		return "invalid argument"
	case EBusy:
		return "busy"
	case ENotSupported:
		return "not supported"
	case EIO:
		return "I/O error"
	case EBadFormat:
		return "bad format"
	case ENoSuchEntry:
		return "no such entry"
	case EPermissionDenied:
		return "permission denied"
	case EBadHandle:
		return "bad handle"
	case ETooManyFiles:
		return "too many files"
	case ETooManyProcesses:
		return "too many processes"
	case ETooManyThreads:
		return "too many threads"
	case ENoChild:
		return "no child"
	case EOutOfMemory:
		return "out of memory"
	case EBrokenPipe:
		return "broken pipe"
	case EAlreadyExists:
		return "already exists"
	default:
		return "errno(unknown)"
	}
}

// Negative returns the ABI return value for e: the conventional first-argument-register encoding
// of §6, where "negative values are error codes".
func (e Errno) Negative() int64 { return -int64(e) }

// ToErrno maps a Go error from a lower layer (fs, uio, loader, mm) to the ABI error code that best
// matches it, per §7's propagation policy: specific errors are preserved, never downgraded to a
// generic failure. An error not recognized by any case here is a kernel bug, not a user-facing
// one; callers should treat that as consistency-violation territory rather than invent a
// catch-all code.
func ToErrno(err error) (Errno, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, fs.ErrNoSuchEntry):
		return ENoSuchEntry, true
	case errors.Is(err, fs.ErrAlreadyExists):
		return EAlreadyExists, true
	case errors.Is(err, fs.ErrInvalidArgument):
		return EInvalidArgument, true
	case errors.Is(err, fs.ErrOutOfSpace):
		return EOutOfMemory, true
	case errors.Is(err, fs.ErrBadFormat):
		return EBadFormat, true
	case errors.Is(err, fs.ErrShrinkRejected):
		return EInvalidArgument, true
	case errors.Is(err, uio.ErrBadHandle):
		return EBadHandle, true
	case errors.Is(err, uio.ErrBrokenPipe):
		return EBrokenPipe, true
	case errors.Is(err, uio.ErrTooManyFiles):
		return ETooManyFiles, true
	case errors.Is(err, loader.ErrBadFormat):
		return EBadFormat, true
	case errors.Is(err, mm.ErrInvalidRange):
		return EInvalidArgument, true
	case errors.Is(err, mm.ErrNoAccess):
		return EPermissionDenied, true
	case errors.Is(err, proc.ErrTooManyProcesses):
		return ETooManyProcesses, true
	case errors.Is(err, proc.ErrNoChild):
		return ENoChild, true
	default:
		return EIO, true
	}
}
