package syscall

// dispatch.go is the table itself: it turns a syscall number and the argument registers a0-a2
// into a call against internal/proc, internal/fs, and internal/uio, and writes the result (a
// non-negative value or a negative Errno, per §6) back into a0. It plays the role elsie's
// internal/vm dispatch loop plays for decoding an instruction and running its microcode.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/fs"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/loader"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/proc"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/rtc"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/trapframe"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// userRead and userWrite are the access a syscall argument must have to be read (FlagRead) or written
// (FlagWrite) from user memory; every check also requires FlagUser, since a syscall argument must
// never reach into kernel-only mappings.
const (
	userRead  = arch.FlagRead | arch.FlagUser
	userWrite = arch.FlagWrite | arch.FlagUser
)

// Cntl op codes, the ABI-stable integer encoding of uio.Ctl's string vtable names: a register can't
// carry a Go string, so Cntl's arg0 selects one of these instead and Dispatch translates it to the
// uio.Ctl the handle vtable actually understands.
const (
	CntlGetEnd int64 = iota
	CntlSetEnd
	CntlGetPos
	CntlSetPos
)

func cntlOp(code int64) (uio.Ctl, error) {
	switch code {
	case CntlGetEnd:
		return uio.CtlGetEnd, nil
	case CntlSetEnd:
		return uio.CtlSetEnd, nil
	case CntlGetPos:
		return uio.CtlGetPos, nil
	case CntlSetPos:
		return uio.CtlSetPos, nil
	default:
		return "", fmt.Errorf("%w: cntl op %d", errUnknownOp, code)
	}
}

var errUnknownOp = errors.New("syscall: unknown cntl op")

// Dispatcher owns the subsystems a syscall can reach: the thread kernel, the process manager, the
// mounted file system, and the memory-space manager whose page table every user pointer argument
// must be validated against.
type Dispatcher struct {
	k     *sched.Kernel
	procs *proc.Manager
	fsys  *fs.FileSystem
	mspm  *mm.MSpaceManager
	clock rtc.Clock
	log   *log.Logger
}

// NewDispatcher builds a Dispatcher over the given subsystems.
func NewDispatcher(k *sched.Kernel, procs *proc.Manager, fsys *fs.FileSystem, mspm *mm.MSpaceManager, clock rtc.Clock) *Dispatcher {
	return &Dispatcher{
		k:     k,
		procs: procs,
		fsys:  fsys,
		mspm:  mspm,
		clock: clock,
		log:   log.DefaultLogger().With("component", "syscall"),
	}
}

// Dispatch reads p.Frame's a7/a0/a1/a2 registers, performs the named call, and writes the result
// (or a negative Errno, per §6) back into a0. It is called once per simulated ecall trap: whatever
// drives the process loop (internal/kernel's boot sequencer, or a test) invokes this between
// "instructions" the same way it would call sched.CheckPreempt between them.
func (d *Dispatcher) Dispatch(self *sched.Thread, p *proc.Process) {
	f := p.Frame
	num := Number(f.Regs[trapframe.RegA7])
	a0 := int64(f.Regs[trapframe.RegA0])
	a1 := int64(f.Regs[trapframe.RegA1])
	a2 := int64(f.Regs[trapframe.RegA2])

	root := p.Tag.Root()
	pt := d.mspm.PageTable()

	switch num {
	case Exit:
		d.procs.Exit(self, p, int(a0))

	case Fork:
		d.doFork(self, p, f)

	case Exec:
		d.doExec(self, p, f, pt, root, arch.Addr(a0), arch.Addr(a1))

	case Wait:
		d.doWait(self, f, pt, root, a0, a1)

	case Print:
		d.doPrint(self, p, f, pt, root, arch.Addr(a0))

	case Usleep:
		d.k.AlarmSleepNanos(self, d.clock.Now(), uint64(a0))
		f.Regs[trapframe.RegA0] = 0

	case FSCreate:
		d.doFSName(self, f, pt, root, arch.Addr(a0), d.fsys.Create)

	case FSDelete:
		d.doFSName(self, f, pt, root, arch.Addr(a0), d.fsys.Delete)

	case Open:
		d.doOpen(self, p, f, pt, root, arch.Addr(a0))

	case Close:
		d.ok(f, p.Handles.Close(int(a0)))

	case Read:
		d.doRead(self, p, f, pt, root, int(a0), arch.Addr(a1), uint64(a2))

	case Write:
		d.doWrite(self, p, f, pt, root, int(a0), arch.Addr(a1), uint64(a2))

	case Cntl:
		d.doCntl(self, p, f, a0, a1, a2)

	case Pipe:
		d.doPipe(p, f, pt, root, arch.Addr(a0))

	case Dup:
		d.doDup(p, f, int(a0))

	default:
		d.fail(f, fmt.Errorf("%w: syscall number %d", mm.ErrInvalidRange, num))
	}
}

func (d *Dispatcher) doFork(self *sched.Thread, p *proc.Process, f *trapframe.Frame) {
	child, err := d.procs.Fork(self, p, p.Program())
	if err != nil {
		d.fail(f, err)
		return
	}

	f.Regs[trapframe.RegA0] = uint64(int64(child.PrimaryTID))
}

func (d *Dispatcher) doExec(self *sched.Thread, p *proc.Process, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, pathAddr, argvAddr arch.Addr) {
	path, err := readUserStr(pt, root, pathAddr)
	if err != nil {
		d.fail(f, err)
		return
	}

	argv, err := readUserArgv(pt, root, argvAddr)
	if err != nil {
		d.fail(f, err)
		return
	}

	img, err := d.loadImage(self, path)
	if err != nil {
		d.fail(f, err)
		return
	}

	if err := d.procs.Exec(self, p, argv, img); err != nil {
		d.fail(f, err)
	}
	// On success p.Frame has been replaced in place (new PC/sp/a0/a1); there is no "return value"
	// to write, the same way a real exec never returns to its caller on success.
}

// loadImage reads name's full contents off the mounted file system and parses it as an ELF64
// image, falling back to a flat binary for anything that doesn't start with the ELF magic -- the
// same dual path internal/loader.LoadFlat/LoadELF64 support for fast test fixtures vs. real images.
func (d *Dispatcher) loadImage(self *sched.Thread, name string) (loader.Image, error) {
	h, err := d.fsys.Open(self, name)
	if err != nil {
		return loader.Image{}, err
	}

	end, err := h.Cntl(self, uio.CtlGetEnd, 0)
	if err != nil {
		h.Close()
		return loader.Image{}, err
	}

	buf := make([]byte, end)

	if _, err := io.ReadFull(readerFunc(func(p []byte) (int, error) { return h.Read(self, p) }), buf); err != nil && !errors.Is(err, io.EOF) {
		h.Close()
		return loader.Image{}, err
	}

	h.Close()

	if len(buf) >= 4 && buf[0] == 0x7f && buf[1] == 'E' && buf[2] == 'L' && buf[3] == 'F' {
		return loader.LoadELF64(buf)
	}

	return loader.LoadFlat(buf), nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func (d *Dispatcher) doWait(self *sched.Thread, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, a0, statusAddr int64) {
	childPID := proc.ID(a0)
	if a0 < 0 {
		childPID = -1
	}

	tid, status, err := d.procs.Wait(self, childPID)
	if err != nil {
		d.fail(f, err)
		return
	}

	if statusAddr != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(status))

		if err := pt.WriteBytes(root, arch.Addr(statusAddr), buf[:]); err != nil {
			d.fail(f, err)
			return
		}
	}

	f.Regs[trapframe.RegA0] = uint64(int64(tid))
}

func (d *Dispatcher) doPrint(self *sched.Thread, p *proc.Process, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, addr arch.Addr) {
	s, err := readUserStr(pt, root, addr)
	if err != nil {
		d.fail(f, err)
		return
	}

	h, err := p.Handles.Get(1)
	if err != nil {
		d.fail(f, err)
		return
	}

	n, err := h.Write(self, []byte(s))
	d.okInt(f, n, err)
}

func (d *Dispatcher) doFSName(self *sched.Thread, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, addr arch.Addr, call func(*sched.Thread, string) error) {
	name, err := readUserStr(pt, root, addr)
	if err != nil {
		d.fail(f, err)
		return
	}

	d.ok(f, call(self, name))
}

func (d *Dispatcher) doOpen(self *sched.Thread, p *proc.Process, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, addr arch.Addr) {
	name, err := readUserStr(pt, root, addr)
	if err != nil {
		d.fail(f, err)
		return
	}

	ops, err := d.fsys.Open(self, name)
	if err != nil {
		d.fail(f, err)
		return
	}

	fd, err := p.Handles.Install(uio.Open(ops))
	d.okInt(f, fd, err)
}

func (d *Dispatcher) doRead(self *sched.Thread, p *proc.Process, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, fd int, addr arch.Addr, n uint64) {
	h, err := p.Handles.Get(fd)
	if err != nil {
		d.fail(f, err)
		return
	}

	if err := pt.ValidateVPtr(root, addr, n, userWrite); err != nil {
		d.fail(f, err)
		return
	}

	buf := make([]byte, n)

	cnt, err := h.Read(self, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		d.fail(f, err)
		return
	}

	if cnt > 0 {
		if werr := pt.WriteBytes(root, addr, buf[:cnt]); werr != nil {
			d.fail(f, werr)
			return
		}
	}

	f.Regs[trapframe.RegA0] = uint64(int64(cnt))
}

func (d *Dispatcher) doWrite(self *sched.Thread, p *proc.Process, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, fd int, addr arch.Addr, n uint64) {
	h, err := p.Handles.Get(fd)
	if err != nil {
		d.fail(f, err)
		return
	}

	buf, err := readUserBytes(pt, root, addr, n, userRead)
	if err != nil {
		d.fail(f, err)
		return
	}

	cnt, err := h.Write(self, buf)
	d.okInt(f, cnt, err)
}

func (d *Dispatcher) doCntl(self *sched.Thread, p *proc.Process, f *trapframe.Frame, a0, a1, a2 int64) {
	h, err := p.Handles.Get(int(a0))
	if err != nil {
		d.fail(f, err)
		return
	}

	op, err := cntlOp(a1)
	if err != nil {
		d.fail(f, err)
		return
	}

	result, err := h.Cntl(self, op, a2)
	if err != nil {
		d.fail(f, err)
		return
	}

	f.Regs[trapframe.RegA0] = uint64(result)
}

func (d *Dispatcher) doPipe(p *proc.Process, f *trapframe.Frame, pt *mm.PageTable, root arch.PPN, addr arch.Addr) {
	r, w := uio.Pipe(d.k)

	rfd, err := p.Handles.Install(uio.Open(r))
	if err != nil {
		d.fail(f, err)
		return
	}

	wfd, err := p.Handles.Install(uio.Open(w))
	if err != nil {
		p.Handles.Close(rfd)
		d.fail(f, err)
		return
	}

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rfd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wfd))

	if err := pt.WriteBytes(root, addr, buf[:]); err != nil {
		p.Handles.Close(rfd)
		p.Handles.Close(wfd)
		d.fail(f, err)
		return
	}

	f.Regs[trapframe.RegA0] = 0
}

func (d *Dispatcher) doDup(p *proc.Process, f *trapframe.Frame, fd int) {
	h, err := p.Handles.Get(fd)
	if err != nil {
		d.fail(f, err)
		return
	}

	newfd, err := p.Handles.Install(h.Dup())
	d.okInt(f, newfd, err)
}

// fail writes the Errno ToErrno maps err to into a0, per §6's negative-return convention.
func (d *Dispatcher) fail(f *trapframe.Frame, err error) {
	errno, _ := ToErrno(err)
	f.Regs[trapframe.RegA0] = uint64(errno.Negative())

	d.log.Debug("syscall failed", "errno", errno, "err", err)
}

func (d *Dispatcher) ok(f *trapframe.Frame, err error) {
	if err != nil {
		d.fail(f, err)
		return
	}

	f.Regs[trapframe.RegA0] = 0
}

func (d *Dispatcher) okInt(f *trapframe.Frame, v int, err error) {
	if err != nil {
		d.fail(f, err)
		return
	}

	f.Regs[trapframe.RegA0] = uint64(int64(v))
}

// readUserByte builds a single-byte reader over pt/root for ValidateVStr's callback contract.
func readUserByte(pt *mm.PageTable, root arch.PPN) func(arch.Addr) (byte, bool) {
	return func(addr arch.Addr) (byte, bool) {
		var b [1]byte
		if err := pt.ReadBytes(root, addr, b[:]); err != nil {
			return 0, false
		}

		return b[0], true
	}
}

// readUserStr validates and copies a NUL-terminated string out of user memory, per §4.2's
// validate_vstr contract.
func readUserStr(pt *mm.PageTable, root arch.PPN, addr arch.Addr) (string, error) {
	rb := readUserByte(pt, root)

	if err := pt.ValidateVStr(root, addr, userRead, rb); err != nil {
		return "", err
	}

	var buf []byte

	for a := addr; ; a++ {
		b, _ := rb(a)
		if b == 0 {
			break
		}

		buf = append(buf, b)
	}

	return string(buf), nil
}

// readUserBytes validates and copies n bytes out of user memory.
func readUserBytes(pt *mm.PageTable, root arch.PPN, addr arch.Addr, n uint64, want arch.Flags) ([]byte, error) {
	if err := pt.ValidateVPtr(root, addr, n, want); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if err := pt.ReadBytes(root, addr, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// readUserArgv reads the NUL-terminated argv pointer array built by proc.Exec's buildUserStack (or
// by a fresh process image laying out its own argv the same way): an array of 8-byte user
// addresses terminated by a nil entry, each pointing at a NUL-terminated string.
func readUserArgv(pt *mm.PageTable, root arch.PPN, addr arch.Addr) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}

	var argv []string

	for i := 0; ; i++ {
		var word [8]byte
		if err := pt.ReadBytes(root, addr+arch.Addr(i*8), word[:]); err != nil {
			return nil, err
		}

		ptr := arch.Addr(binary.LittleEndian.Uint64(word[:]))
		if ptr == 0 {
			break
		}

		s, err := readUserStr(pt, root, ptr)
		if err != nil {
			return nil, err
		}

		argv = append(argv, s)
	}

	return argv, nil
}
