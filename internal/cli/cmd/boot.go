package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/cli"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/kernel"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/loader"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/proc"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/syscall"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/trapframe"
)

// demoScratch is how much user address space the demo process gets beyond its (empty) text: room
// enough for the file path and the write/read buffers, since the demo never executes a real
// instruction stream -- it drives syscalls directly from Go, the way every Body in this kernel
// stands in for the out-of-scope instruction interpreter named in §1.
const demoScratch = 256

var (
	demoPathAddr  = mm.UMemStart
	demoWriteAddr = mm.UMemStart + 32
	demoReadAddr  = mm.UMemStart + 160
	demoMsgAddr   = mm.UMemStart + 200
)

const demoPayload = "hello from the demo process\n"

// Boot is the demonstration command: it boots a fresh in-memory kernel, spawns one process that
// creates a file, writes to it, reads it back, and prints the result, then exits, and prints
// whatever reached the kernel's console.
func Boot() cli.Command {
	return new(boot)
}

type boot struct{}

func (boot) Description() string { return "boot the kernel and run a demo process" }

func (boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot

Boot the kernel with a fresh in-memory disk and run a demo process that exercises file creation,
writing, reading, and printing through the system-call dispatcher.`)

	return err
}

func (boot) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("boot", flag.ExitOnError)
}

func (boot) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	k, err := kernel.Boot()
	if err != nil {
		fmt.Fprintln(out, "boot failed:", err)
		return 1
	}
	defer k.Shutdown()

	done := make(chan struct{})
	var runErr error

	k.Sched.Create("boot.demo", 0, false, func(self *sched.Thread) {
		defer close(done)

		p, err := k.Spawn(self, "demo", loader.LoadFlat(make([]byte, demoScratch)), demoBody(k))
		if err != nil {
			runErr = fmt.Errorf("spawn: %w", err)
			return
		}

		if _, _, err := k.Procs.Wait(self, proc.ID(p.PrimaryTID)); err != nil {
			runErr = fmt.Errorf("wait: %w", err)
		}
	})
	<-done

	if runErr != nil {
		fmt.Fprintln(out, "demo failed:", runErr)
		return 1
	}

	fmt.Fprint(out, string(k.Console.(interface{ Written() []byte }).Written()))

	return 0
}

// demoBody drives the demo process entirely through k.Syscalls.Dispatch: it writes its own
// arguments into the process's mapped user memory, sets up p.Frame exactly as a user binary's
// syscall stub would, and calls Dispatch once per call -- standing in for the RISC-V instruction
// stream named out of scope in §1, the same way every proc.Body in this kernel does.
func demoBody(k *kernel.Kernel) proc.Body {
	return func(self *sched.Thread, p *proc.Process) {
		pt := k.MM.PageTable()
		root := p.Tag.Root()
		f := p.Frame

		call := func(num syscall.Number, a0, a1, a2 int64) int64 {
			f.Regs[trapframe.RegA7] = uint64(num)
			f.Regs[trapframe.RegA0] = uint64(a0)
			f.Regs[trapframe.RegA1] = uint64(a1)
			f.Regs[trapframe.RegA2] = uint64(a2)
			k.Syscalls.Dispatch(self, p)

			return int64(f.Regs[trapframe.RegA0])
		}

		writeUserStr := func(addr arch.Addr, s string) {
			_ = pt.WriteBytes(root, addr, append([]byte(s), 0))
		}

		writeUserStr(demoPathAddr, "/demo.txt")

		if rc := call(syscall.FSCreate, int64(demoPathAddr), 0, 0); rc < 0 {
			k.Log.Error("demo: create failed", "errno", rc)
			call(syscall.Exit, 1, 0, 0)

			return
		}

		fd := call(syscall.Open, int64(demoPathAddr), 0, 0)
		if fd < 0 {
			k.Log.Error("demo: open failed", "errno", fd)
			call(syscall.Exit, 1, 0, 0)

			return
		}

		_ = pt.WriteBytes(root, demoWriteAddr, []byte(demoPayload))

		if rc := call(syscall.Write, fd, int64(demoWriteAddr), int64(len(demoPayload))); rc < 0 {
			k.Log.Error("demo: write failed", "errno", rc)
			call(syscall.Exit, 1, 0, 0)

			return
		}

		if rc := call(syscall.Cntl, fd, int64(syscall.CntlSetPos), 0); rc < 0 {
			k.Log.Error("demo: seek failed", "errno", rc)
			call(syscall.Exit, 1, 0, 0)

			return
		}

		n := call(syscall.Read, fd, int64(demoReadAddr), int64(len(demoPayload)))
		if n < 0 {
			k.Log.Error("demo: read failed", "errno", n)
			call(syscall.Exit, 1, 0, 0)

			return
		}

		call(syscall.Print, int64(demoReadAddr), 0, 0)

		writeUserStr(demoMsgAddr, fmt.Sprintf("read back %d bytes\n", n))
		call(syscall.Print, int64(demoMsgAddr), 0, 0)

		call(syscall.Close, fd, 0, 0)
		call(syscall.Exit, 0, 0, 0)
	}
}
