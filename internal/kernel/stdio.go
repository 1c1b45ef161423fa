package kernel

import (
	"errors"
	"io"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// errConsoleCntl is returned by consoleOps.Cntl: the console has no size or position to get or set,
// unlike a file or pipe handle.
var errConsoleCntl = errors.New("kernel: console handle does not support cntl")

// consoleOps adapts the kernel's console.Sink/Source pair to the uio.Ops vtable (§4.8), the way a
// real kernel's serial driver would expose a character device through the same handle interface
// every file and pipe uses. It carries no state of its own beyond the console it wraps: the console
// is shared by every process's stdio, exactly as one physical UART is shared by every process that
// inherits file descriptors 0 and 1 on a real Unix system.
type consoleOps struct {
	io consoleIO
}

var _ uio.Ops = (*consoleOps)(nil)

func newConsoleOps(c consoleIO) *consoleOps { return &consoleOps{io: c} }

// Close is a no-op: the console outlives any single process and is never reference-counted away.
func (c *consoleOps) Close() error { return nil }

// Read fills buf one byte at a time until it is full or the console runs out of input, returning
// io.EOF only when nothing could be read at all -- the same "return what's available, short reads
// are not an error" contract §4.8's pipe reader uses.
func (c *consoleOps) Read(self *sched.Thread, buf []byte) (int, error) {
	n := 0

	for n < len(buf) {
		b, err := c.io.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}

			return 0, io.EOF
		}

		buf[n] = b
		n++
	}

	return n, nil
}

// Write copies every byte of buf to the console, byte by byte, matching the real UART's
// write-one-byte-at-a-time MMIO contract.
func (c *consoleOps) Write(self *sched.Thread, buf []byte) (int, error) {
	for i, b := range buf {
		if err := c.io.WriteByte(b); err != nil {
			return i, err
		}
	}

	return len(buf), nil
}

// Cntl is not supported on the console: it has no size or position to get or set.
func (c *consoleOps) Cntl(self *sched.Thread, op uio.Ctl, arg int64) (int64, error) {
	return 0, errConsoleCntl
}
