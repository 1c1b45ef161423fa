// Package proc is the process/exec glue (C9): the thinnest layer that ties an address space
// (internal/mm), a thread (internal/sched), and a handle table (internal/uio) together into a
// process, and implements the fork/exec/exit lifecycle of §4.9. It plays the role elsie's boot
// option pattern plays for assembling a machine out of independently testable pieces, generalized
// from "one LC-3" to "N processes sharing one thread kernel".
package proc

import (
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/loader"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/trapframe"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// NUIO is the fixed capacity of a process's handle table, per §3's Process data model.
const NUIO = 32

// NPROC is the fixed size of the process table; processes are identified by their primary
// thread's ID, so this can never exceed sched.NTHR.
const NPROC = sched.NTHR

// Errors a caller sees at the process-glue boundary. internal/syscall maps these to the ABI
// Errno taxonomy of §6 the same way it maps fs and uio errors.
var (
	ErrTooManyProcesses = errors.New("proc: too many processes")
	ErrNoChild          = errors.New("proc: no child")
)

// ID identifies a process by its primary thread's ID, per §3 ("primary thread ID, memory-space
// tag, fixed-size handle table").
type ID = sched.ID

// Process is (primary thread ID, memory-space tag, fixed-size handle table), per §3, plus the
// bookkeeping §3's "Supplemented fields" note adds: an exit status for wait/join and a register
// snapshot standing in for the trap frame a real hart would hold.
type Process struct {
	PrimaryTID ID
	Tag        arch.MemTag

	Handles *uio.Table

	// Cwd is fixed at "/": the file system has no subdirectories (§4.7), but the field is carried
	// so a later directory-tree extension would not need a breaking API change (§3 supplement).
	Cwd string

	// Frame is the process's current user-visible register snapshot: what a real hart's trap
	// frame would hold. internal/proc.Fork and Exec are the only things that mutate it.
	Frame *trapframe.Frame

	// body is the Go closure standing in for this process's instruction stream (see Body's doc
	// comment). Fork copies it to the child unchanged, since fork duplicates the running program,
	// not just its address space; internal/syscall reads it back via Program to give a forked
	// child something to run from the fork point forward.
	body Body

	exitStatus int
}

// Program returns the closure standing in for p's instruction stream, so a caller driving fork
// from outside this package (internal/syscall's dispatcher) can hand it back as Fork's childBody:
// a forked child continues running the same program the parent was running, branching on its own
// copy of Frame.Regs[trapframe.RegA0] exactly as compiled fork-calling code would.
func (p *Process) Program() Body { return p.body }

// Manager owns the process table and the subsystems every process is built from.
type Manager struct {
	k   *sched.Kernel
	mm  *mm.MSpaceManager
	ld  *loader.Loader
	log *log.Logger

	procs [NPROC]*Process
}

// New creates a process manager over the given thread kernel, memory-space manager, and loader.
func New(k *sched.Kernel, mgr *mm.MSpaceManager, ld *loader.Loader) *Manager {
	return &Manager{
		k:   k,
		mm:  mgr,
		ld:  ld,
		log: log.DefaultLogger().With("component", "proc"),
	}
}

// Body is the user program a spawned process runs, standing in for the ELF entry point and
// instruction-by-instruction execution loop named as an external collaborator in §1: this kernel
// supplies the fork/exec/exit mechanism and the register bookkeeping, not a RISC-V instruction
// interpreter. self is the process's primary kernel thread; p is the process record, already
// populated with its loaded image's entry Frame.
type Body func(self *sched.Thread, p *Process)

// Spawn creates a brand-new process (not a fork): a fresh user address space holding img, a handle
// table, and a primary kernel thread running body. It is the entry point the boot sequencer uses
// to start the first process; internal/kernel's Spawn wraps it for the boot command's demo program
// and for tests.
func (m *Manager) Spawn(self *sched.Thread, name string, img loader.Image, body Body) (*Process, error) {
	if m.k.FreeThreadCount() == 0 {
		return nil, fmt.Errorf("%w: no free thread slots", ErrTooManyProcesses)
	}

	tag, entry, err := m.ld.Load(img)
	if err != nil {
		return nil, err
	}

	p := &Process{
		Tag:     tag,
		Handles: uio.NewTable(NUIO),
		Cwd:     "/",
		Frame:   &trapframe.Frame{PC: uint64(entry)},
		body:    body,
	}

	parent := ID(0)
	hasParent := false

	if self != nil {
		parent = self.ID
		hasParent = true
	}

	t := m.k.Create(name, parent, hasParent, func(childSelf *sched.Thread) {
		body(childSelf, p)
	})

	t.MemTag = tag
	p.PrimaryTID = t.ID
	m.register(p)

	return p, nil
}

func (m *Manager) register(p *Process) { m.procs[p.PrimaryTID] = p }

func (m *Manager) unregister(p *Process) { m.procs[p.PrimaryTID] = nil }

// Lookup returns the process whose primary thread is tid, or nil.
func (m *Manager) Lookup(tid ID) *Process {
	if tid < 0 || int(tid) >= NPROC {
		return nil
	}

	return m.procs[tid]
}

// Exit closes every handle, discards the address space, frees the process record, and exits the
// current thread with status, per §4.9. exit never fails partway -- §7's policy that a device
// error never kills a process applies equally to the teardown path itself.
func (m *Manager) Exit(self *sched.Thread, p *Process, status int) {
	p.exitStatus = status
	p.Handles.CloseAll()
	m.mm.Discard(p.Tag)
	m.unregister(p)
	m.k.Exit(self, status)
}

// Wait implements the process-level half of §4.3's join: waiting for childPID (or, with
// childPID < 0, any child) to exit, and returns its exit status. It reports ErrNoChild immediately
// rather than blocking forever when self has no matching child at all, since nothing will ever
// broadcast a child-exit condition for a child that doesn't exist.
func (m *Manager) Wait(self *sched.Thread, childPID ID) (ID, int, error) {
	if !m.k.HasChild(self, childPID) {
		return 0, 0, ErrNoChild
	}

	tid, status := m.k.Join(self, childPID)

	return tid, status, nil
}
