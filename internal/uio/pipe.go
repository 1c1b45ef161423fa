package uio

// pipe.go implements §4.8's pipe: a one-page ring buffer with independent read/write endpoints,
// each with its own "alive" flag and condition, built on the same sched.Kernel primitives C3
// already gives every other blocking call in this kernel.

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

// PipeCapacity is the ring buffer size: one page, per §4.8.
const PipeCapacity = arch.PageSize

// pipe is the shared ring buffer state behind a pair of endpoints.
type pipe struct {
	k *sched.Kernel

	buf        []byte
	head, tail int // head reads, tail writes; empty when head==tail && !full
	full       bool

	readerAlive, writerAlive bool

	readable *sched.Condition // broadcast when data becomes available or the writer dies
	writable *sched.Condition // broadcast when space frees up or the reader dies
}

func newPipe(k *sched.Kernel) *pipe {
	return &pipe{
		k:           k,
		buf:         make([]byte, PipeCapacity),
		readerAlive: true,
		writerAlive: true,
		readable:    sched.NewCondition("pipe.readable"),
		writable:    sched.NewCondition("pipe.writable"),
	}
}

func (p *pipe) empty() bool { return !p.full && p.head == p.tail }

func (p *pipe) freeSlots() int {
	if p.full {
		return 0
	}

	if p.tail >= p.head {
		return len(p.buf) - (p.tail - p.head)
	}

	return p.head - p.tail
}

func (p *pipe) usedSlots() int { return len(p.buf) - p.freeSlots() }

// readEnd and writeEnd are the two uio.Ops implementations Pipe returns.
type readEnd struct {
	p *pipe
}

type writeEnd struct {
	p *pipe
}

// Pipe creates a connected pair of endpoints, per §4.8. The caller installs each in a handle table
// slot (e.g. via uio.Open).
func Pipe(k *sched.Kernel) (Ops, Ops) {
	p := newPipe(k)
	return &readEnd{p}, &writeEnd{p}
}

// Read returns whatever is available, per §4.8: blocks while empty and the writer is alive, and
// returns 0 (EOF) once empty with a dead writer.
func (r *readEnd) Read(self *sched.Thread, buf []byte) (int, error) {
	p := r.p

	if len(buf) == 0 {
		return 0, nil
	}

	for {
		p.k.WaitUntil(self, p.readable, func() bool {
			return !p.empty() || !p.writerAlive
		})

		var n int
		var wasEmpty bool

		p.k.WithLock(func() {
			wasEmpty = p.empty()

			for n < len(buf) && p.usedSlots() > 0 {
				buf[n] = p.buf[p.head]
				p.head = (p.head + 1) % len(p.buf)
				p.full = false
				n++
			}
		})

		if n > 0 {
			p.k.Broadcast(p.writable)
			return n, nil
		}

		if wasEmpty {
			return 0, nil // writer dead and nothing left: EOF
		}
	}
}

func (r *readEnd) Write(*sched.Thread, []byte) (int, error) {
	return 0, fmt.Errorf("%w: read end of pipe", ErrBrokenPipe)
}

func (r *readEnd) Cntl(*sched.Thread, Ctl, int64) (int64, error) {
	return 0, fmt.Errorf("%w: cntl not supported on pipe", ErrBadHandle)
}

// Close marks the read end dead and wakes any blocked writer.
func (r *readEnd) Close() error {
	p := r.p

	p.k.Signal(func() {
		p.readerAlive = false
	}, p.writable)

	return nil
}

// Write copies as much of buf as fits, blocking while full, per §4.8. If the reader is dead it
// returns ErrBrokenPipe, or a short count if some bytes were already written before the reader
// died mid-write.
func (w *writeEnd) Write(self *sched.Thread, buf []byte) (int, error) {
	p := w.p

	if len(buf) == 0 {
		return 0, nil
	}

	written := 0

	for written < len(buf) {
		var readerDead bool

		p.k.WaitUntil(self, p.writable, func() bool {
			return p.freeSlots() > 0 || !p.readerAlive
		})

		var n int

		p.k.WithLock(func() {
			readerDead = !p.readerAlive
			if readerDead {
				return
			}

			for written+n < len(buf) && p.freeSlots() > 0 {
				p.buf[p.tail] = buf[written+n]
				p.tail = (p.tail + 1) % len(p.buf)
				n++

				if p.tail == p.head {
					p.full = true
				}
			}
		})

		written += n

		if n > 0 {
			p.k.Broadcast(p.readable)
		}

		if readerDead {
			if written > 0 {
				return written, nil
			}

			return 0, ErrBrokenPipe
		}
	}

	return written, nil
}

func (w *writeEnd) Read(*sched.Thread, []byte) (int, error) {
	return 0, fmt.Errorf("%w: write end of pipe", ErrBrokenPipe)
}

func (w *writeEnd) Cntl(*sched.Thread, Ctl, int64) (int64, error) {
	return 0, fmt.Errorf("%w: cntl not supported on pipe", ErrBadHandle)
}

// Close marks the write end dead and wakes any blocked reader.
func (w *writeEnd) Close() error {
	p := w.p

	p.k.Signal(func() {
		p.writerAlive = false
	}, p.readable)

	return nil
}
