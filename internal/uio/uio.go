// Package uio is the uio layer (C8): a reference-counted, polymorphic byte-stream handle shared by
// files, devices, and pipe endpoints. It plays the role elsie's MMIO dispatch table plays for
// memory-mapped devices (Get/Put/Init), generalized to close/read/write/cntl and given an explicit
// refcount instead of elsie's per-call dispatch, since handles here outlive any single syscall and
// are shared across dup and fork.
package uio

import (
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

// Errno values a handle operation can return; the syscall layer (internal/syscall) is the only
// place these become negative integers, per §6/§7.
var (
	ErrBadHandle    = errors.New("uio: bad handle")
	ErrBrokenPipe   = errors.New("uio: broken pipe")
	ErrTooManyFiles = errors.New("uio: too many files")
)

// Ctl names the control operations of §6. They are strings, not an enum, because the vtable
// contract treats them as opaque names the concrete handle type interprets.
type Ctl string

const (
	CtlGetEnd Ctl = "get-end"
	CtlSetEnd Ctl = "set-end"
	CtlGetPos Ctl = "get-pos"
	CtlSetPos Ctl = "set-pos"
)

// Ops is the operation vtable every concrete handle type implements: a file, a pipe endpoint, or a
// device. Close is called exactly once, when the handle's reference count reaches zero. Every
// blocking operation takes the calling Thread explicitly, the same way virtio.Disk's Fetch/Store
// do, since this kernel has no ambient "current thread" global to consult.
type Ops interface {
	Close() error
	Read(self *sched.Thread, buf []byte) (int, error)
	Write(self *sched.Thread, buf []byte) (int, error)
	Cntl(self *sched.Thread, op Ctl, arg int64) (int64, error)
}

// Handle is a reference-counted uio object, per §3's "uio handle" data model. The zero value is not
// usable; construct with Open.
type Handle struct {
	ops      Ops
	refcount int

	log *log.Logger
}

// Open wraps ops in a fresh handle with refcount 1, per §4.8.
func Open(ops Ops) *Handle {
	return &Handle{
		ops:      ops,
		refcount: 1,
		log:      log.DefaultLogger().With("component", "uio"),
	}
}

// Dup increments h's reference count and returns h itself: dup and handle-table inheritance across
// fork share the same underlying Handle rather than copying it, matching §4.8's "shared by dup and
// fork".
func (h *Handle) Dup() *Handle {
	h.refcount++
	return h
}

// Close decrements h's reference count and invokes the vtable's Close only when it reaches zero,
// per §4.8.
func (h *Handle) Close() error {
	h.refcount--

	if h.refcount > 0 {
		return nil
	}

	if h.refcount < 0 {
		panic(fmt.Sprintf("uio: close of handle %v with refcount already zero", h.ops))
	}

	return h.ops.Close()
}

// Refcount reports the current reference count, for tests that check §8's refcnt invariant.
func (h *Handle) Refcount() int { return h.refcount }

func (h *Handle) Read(self *sched.Thread, buf []byte) (int, error) { return h.ops.Read(self, buf) }

func (h *Handle) Write(self *sched.Thread, buf []byte) (int, error) { return h.ops.Write(self, buf) }

func (h *Handle) Cntl(self *sched.Thread, op Ctl, arg int64) (int64, error) {
	return h.ops.Cntl(self, op, arg)
}

// Table is a process's fixed-size handle table, per §3's Process data model.
type Table struct {
	slots []*Handle
}

// NewTable creates a handle table of the given capacity (N_UIO, per §3).
func NewTable(capacity int) *Table {
	return &Table{slots: make([]*Handle, capacity)}
}

// Install places h in the first free slot and returns its index, or ErrTooManyFiles if the table is
// full.
func (t *Table) Install(h *Handle) (int, error) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = h
			return i, nil
		}
	}

	return -1, ErrTooManyFiles
}

// Get returns the handle at fd, or ErrBadHandle if fd is out of range or empty.
func (t *Table) Get(fd int) (*Handle, error) {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, fmt.Errorf("%w: fd %d", ErrBadHandle, fd)
	}

	return t.slots[fd], nil
}

// Close closes and clears the slot at fd.
func (t *Table) Close(fd int) error {
	h, err := t.Get(fd)
	if err != nil {
		return err
	}

	t.slots[fd] = nil

	return h.Close()
}

// Clone duplicates every non-empty slot into a fresh table of the same capacity, bumping each
// handle's refcount, per §4.9's fork contract ("duplicates every non-null handle").
func (t *Table) Clone() *Table {
	fresh := NewTable(len(t.slots))

	for i, s := range t.slots {
		if s != nil {
			fresh.slots[i] = s.Dup()
		}
	}

	return fresh
}

// CloseAll closes every installed handle, in slot order, per §4.9's exit contract. Errors are
// logged, not propagated -- exit() does not fail partway per §7's policy that exit always
// completes.
func (t *Table) CloseAll() {
	for i, s := range t.slots {
		if s == nil {
			continue
		}

		t.slots[i] = nil

		if err := s.Close(); err != nil {
			log.DefaultLogger().With("component", "uio").Warn("close on exit failed", "fd", i, "err", err)
		}
	}
}
