package proc

// exec.go implements §4.9's exec: reset the active memory space, load a new image into it, build
// the user stack, and jump to the image's entry point with argc/sp in a0/a1.

import (
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/loader"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/trapframe"
)

// ErrArgvTooLarge is returned when argv does not fit in the one-page stack this builder supports.
// A real implementation would span multiple pages; a teaching kernel's stack window is one page
// (§3), and no scenario in §8 needs more than a handful of short arguments.
var ErrArgvTooLarge = errors.New("proc: argv too large for the user stack page")

// Exec replaces p's running image in place: it resets p's address space (freeing every non-global
// leaf the outgoing image held, per §4.2's reset_active_mspace), loads img into the same tag, and
// rebuilds the user stack from argv, leaving p.Frame set to jump to img's entry with argc in a0 and
// the new stack pointer in a1. User-pointer validation of the caller-supplied path and argv
// strings (§4.9's "validates user argument pointers, copies argv into kernel memory") happens one
// layer up, in internal/syscall, before argv ever reaches this function as plain Go strings.
func (m *Manager) Exec(self *sched.Thread, p *Process, argv []string, img loader.Image) error {
	m.mm.Reset(p.Tag)

	entry, err := m.ld.LoadInto(p.Tag, img)
	if err != nil {
		return err
	}

	pt := m.mm.PageTable()

	sp, argc, err := buildUserStack(pt, p.Tag.Root(), argv)
	if err != nil {
		return err
	}

	f := trapframe.ExecEntry(uint64(entry), uint64(sp), argc)
	p.Frame = &f

	return nil
}

// buildUserStack lays out argv on the single page reserved for the user stack (mm.UserStackPage),
// mapping it read/write, and returns the resulting stack pointer and argc. Layout, highest address
// first: a small alignment pad, then the argument strings (NUL-terminated, packed), then the argv
// pointer array (argc entries plus a trailing nil), moved down as needed so it starts 16-byte
// aligned at the returned stack pointer, per §4.9's "(argv pointer array, then argument
// strings, then 16-byte alignment pad)".
func buildUserStack(pt *mm.PageTable, root arch.PPN, argv []string) (arch.Addr, int, error) {
	pt.AllocAndMapRange(root, mm.UserStackPage, arch.PageSize, arch.FlagRead|arch.FlagWrite|arch.FlagUser)

	top := mm.UserStackPage + arch.PageSize
	cur := top - 16 // reserve the alignment pad at the very top of the page

	stringAddrs := make([]arch.Addr, len(argv))

	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i]
		n := arch.Addr(len(s) + 1)

		if cur < mm.UserStackPage+n {
			return 0, 0, fmt.Errorf("%w: %d bytes of argv", ErrArgvTooLarge, len(s))
		}

		cur -= n
		stringAddrs[i] = cur

		buf := make([]byte, n)
		copy(buf, s)

		if err := pt.WriteBytes(root, cur, buf); err != nil {
			return 0, 0, err
		}
	}

	arrBytes := arch.Addr((len(argv) + 1) * 8)
	if cur < mm.UserStackPage+arrBytes {
		return 0, 0, fmt.Errorf("%w: argv pointer array", ErrArgvTooLarge)
	}

	cur -= arrBytes
	cur &^= 15 // the argv array starts at the 16-byte-aligned stack pointer
	arrStart := cur
	sp := arrStart

	for i, addr := range stringAddrs {
		var word [8]byte
		putUint64(word[:], uint64(addr))

		if err := pt.WriteBytes(root, arrStart+arch.Addr(i*8), word[:]); err != nil {
			return 0, 0, err
		}
	}

	var nilWord [8]byte
	if err := pt.WriteBytes(root, arrStart+arch.Addr(len(argv)*8), nilWord[:]); err != nil {
		return 0, 0, err
	}

	return sp, len(argv), nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
