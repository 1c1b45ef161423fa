// Package console is the serial console named in §1: the out-of-scope "UART and polled console"
// collaborator, brought in only as the small Sink/Source interfaces internal/syscall's print
// syscall and a future read-console call would use. It adapts the teacher's internal/tty raw-mode
// terminal wrapper (golang.org/x/term + golang.org/x/sys/unix) to a plain byte stream instead of
// LC-3 keyboard/display device objects, since this kernel has no LC-3 devices to drive.
package console

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Sink is anything the kernel can write console output bytes to.
type Sink interface {
	WriteByte(b byte) error
}

// Source is anything the kernel can read console input bytes from.
type Source interface {
	ReadByte() (byte, error)
}

// ErrNoTTY is returned by NewTerminal when the given file is not backed by a terminal, matching
// internal/tty's ErrNoTTY.
var ErrNoTTY = errors.New("console: not a TTY")

// Terminal is a Sink and Source backed by the host terminal in raw mode, so keystrokes and output
// reach the simulated kernel byte for byte instead of going through the host's line discipline.
type Terminal struct {
	in    *os.File
	out   *os.File
	fd    int
	state *term.State
}

// NewTerminal puts in's file descriptor into raw mode and returns a Terminal reading from in and
// writing to out. Callers must call Restore to return the terminal to its original state.
func NewTerminal(in, out *os.File) (*Terminal, error) {
	fd := int(in.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	t := &Terminal{in: in, out: out, fd: fd, state: saved}

	if err := t.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	return t, nil
}

func (t *Terminal) setTerminalParams(vmin, vtime byte) error {
	termIO, err := unix.IoctlGetTermios(t.fd, ioctlGetTermios)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(t.fd, ioctlSetTermios, termIO)
}

// ReadByte reads one byte from the terminal, blocking until a key is pressed.
func (t *Terminal) ReadByte() (byte, error) {
	_ = syscall.SetNonblock(t.fd, false)

	var b [1]byte
	if _, err := t.in.Read(b[:]); err != nil {
		return 0, err
	}

	return b[0], nil
}

// WriteByte writes one byte to the terminal.
func (t *Terminal) WriteByte(b byte) error {
	_, err := t.out.Write([]byte{b})
	return err
}

// Restore returns the terminal to the state it was in before NewTerminal, cancelling any
// in-progress blocking read.
func (t *Terminal) Restore() {
	_ = t.in.SetReadDeadline(time.Now())
	_ = term.Restore(t.fd, t.state)
}

// Buffered is a Sink and Source backed by plain in-memory byte queues rather than a real terminal,
// for the boot sequencer's non-interactive demo runs and for tests.
type Buffered struct {
	written []byte
	toRead  []byte
}

// NewBuffered returns a Buffered console whose Source replays toRead one byte at a time.
func NewBuffered(toRead []byte) *Buffered {
	return &Buffered{toRead: append([]byte(nil), toRead...)}
}

func (b *Buffered) WriteByte(c byte) error {
	b.written = append(b.written, c)
	return nil
}

// ReadByte returns errNoMoreInput once every queued byte has been consumed.
func (b *Buffered) ReadByte() (byte, error) {
	if len(b.toRead) == 0 {
		return 0, errNoMoreInput
	}

	c := b.toRead[0]
	b.toRead = b.toRead[1:]

	return c, nil
}

// Written returns every byte written so far.
func (b *Buffered) Written() []byte { return append([]byte(nil), b.written...) }

var errNoMoreInput = errors.New("console: no more buffered input")
