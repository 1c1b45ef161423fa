// Package loader reads a program image and places it into a fresh user address space. It plays
// the role elsie's internal/vm/loader.go plays for LC-3 object files -- "read a fixed header, then
// a table, then data" -- generalized from a single Orig/Code pair to either a flat binary (one
// implicit segment, for fast tests) or a minimal ELF64 executable (one or more PT_LOAD program
// headers).
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/mm"
)

// ErrBadFormat is returned for any image this loader cannot interpret: a short or malformed ELF
// header, an unsupported ELF class/byte order, or a file with no PT_LOAD segment. It maps to the
// "bad-format" ABI error code (§6).
var ErrBadFormat = errors.New("loader: bad format")

const (
	elfHeaderSize   = 64
	phdrEntrySize64 = 56

	elfClass64 = 2
	elfDataLE  = 1
	ptLoad     = 1
	pfExec     = 1
	pfWrite    = 2
	pfRead     = 4
)

// Segment is one contiguous range to be mapped into the user address space. MemSize may exceed
// len(Data) (a BSS tail); the extra bytes are zero-filled by construction, since AllocAndMapRange
// always zeroes the frames it hands out before the loader copies Data into them.
type Segment struct {
	VAddr   arch.Addr
	Data    []byte
	MemSize uint64
	Flags   arch.Flags // R/W/X bits only; the loader adds FlagUser when mapping
}

// Image is a loaded program, ready to be placed into an address space.
type Image struct {
	Entry    arch.Addr
	Segments []Segment
}

// LoadFlat wraps code as a single read/write/execute segment placed at the bottom of the user
// window -- the fast path exercised by tests that don't need ELF parsing.
func LoadFlat(code []byte) Image {
	return Image{
		Entry: mm.UMemStart,
		Segments: []Segment{{
			VAddr:   mm.UMemStart,
			Data:    code,
			MemSize: uint64(len(code)),
			Flags:   arch.FlagRead | arch.FlagWrite | arch.FlagExec,
		}},
	}
}

// LoadELF64 parses a minimal ELF64 executable: the fixed header, then its program header table,
// keeping only PT_LOAD entries. Anything this loader doesn't recognize -- 32-bit class, big-endian
// byte order, no PT_LOAD segment at all -- fails with ErrBadFormat rather than guessing, per §6's
// "unrecognized ELF features fail with bad-format" note.
func LoadELF64(b []byte) (Image, error) {
	if len(b) < elfHeaderSize {
		return Image{}, fmt.Errorf("%w: file shorter than the ELF header", ErrBadFormat)
	}

	if b[0] != 0x7f || b[1] != 'E' || b[2] != 'L' || b[3] != 'F' {
		return Image{}, fmt.Errorf("%w: missing ELF magic", ErrBadFormat)
	}

	if b[4] != elfClass64 {
		return Image{}, fmt.Errorf("%w: not a 64-bit ELF", ErrBadFormat)
	}

	if b[5] != elfDataLE {
		return Image{}, fmt.Errorf("%w: not little-endian", ErrBadFormat)
	}

	entry := binary.LittleEndian.Uint64(b[24:32])
	phoff := binary.LittleEndian.Uint64(b[32:40])
	phentsize := binary.LittleEndian.Uint16(b[54:56])
	phnum := binary.LittleEndian.Uint16(b[56:58])

	if phentsize != phdrEntrySize64 {
		return Image{}, fmt.Errorf("%w: unexpected program header entry size %d", ErrBadFormat, phentsize)
	}

	img := Image{Entry: arch.Addr(entry)}

	for i := uint16(0); i < phnum; i++ {
		off := phoff + uint64(i)*uint64(phentsize)
		if off+phdrEntrySize64 > uint64(len(b)) {
			return Image{}, fmt.Errorf("%w: program header %d out of range", ErrBadFormat, i)
		}

		ph := b[off : off+phdrEntrySize64]

		ptype := binary.LittleEndian.Uint32(ph[0:4])
		if ptype != ptLoad {
			continue
		}

		pflags := binary.LittleEndian.Uint32(ph[4:8])
		fileOff := binary.LittleEndian.Uint64(ph[8:16])
		vaddr := binary.LittleEndian.Uint64(ph[16:24])
		filesz := binary.LittleEndian.Uint64(ph[32:40])
		memsz := binary.LittleEndian.Uint64(ph[40:48])

		if fileOff+filesz > uint64(len(b)) {
			return Image{}, fmt.Errorf("%w: PT_LOAD segment %d data out of range", ErrBadFormat, i)
		}

		if memsz < filesz {
			return Image{}, fmt.Errorf("%w: PT_LOAD segment %d memsz smaller than filesz", ErrBadFormat, i)
		}

		var flags arch.Flags
		if pflags&pfRead != 0 {
			flags |= arch.FlagRead
		}

		if pflags&pfWrite != 0 {
			flags |= arch.FlagWrite
		}

		if pflags&pfExec != 0 {
			flags |= arch.FlagExec
		}

		img.Segments = append(img.Segments, Segment{
			VAddr:   arch.Addr(vaddr),
			Data:    b[fileOff : fileOff+filesz],
			MemSize: memsz,
			Flags:   flags,
		})
	}

	if len(img.Segments) == 0 {
		return Image{}, fmt.Errorf("%w: no PT_LOAD segment", ErrBadFormat)
	}

	return img, nil
}

// Loader places Images into address spaces managed by an mm.MSpaceManager: a fresh user space per
// load, with every segment's pages allocated, zeroed, and populated from its file data.
type Loader struct {
	mgr *mm.MSpaceManager
	log *log.Logger
}

// New creates a Loader that maps images via mgr.
func New(mgr *mm.MSpaceManager) *Loader {
	return &Loader{mgr: mgr, log: log.DefaultLogger().With("component", "loader")}
}

// Load allocates a fresh user address space (a clone of the main space's global mappings) and maps
// every segment of img into it, copying each segment's file data into its freshly zeroed frames.
// It returns the new space's tag and the image's entry point.
func (l *Loader) Load(img Image) (arch.MemTag, arch.Addr, error) {
	tag := l.mgr.NewUserSpace()

	entry, err := l.LoadInto(tag, img)
	if err != nil {
		l.mgr.Discard(tag)
		return 0, 0, err
	}

	return tag, entry, nil
}

// LoadInto places every segment of img into an already-existing address space tag, allocating and
// zeroing fresh frames for each segment and copying in its file data. Unlike Load it does not
// allocate or tear down the space itself; internal/proc's exec uses this directly on a freshly
// Reset tag, per §4.9's "resets the active memory space, loads a new image" contract, rather than
// the fresh-space-per-load path Load takes for process creation.
func (l *Loader) LoadInto(tag arch.MemTag, img Image) (arch.Addr, error) {
	pt := l.mgr.PageTable()

	for _, seg := range img.Segments {
		if seg.MemSize == 0 {
			continue
		}

		pt.AllocAndMapRange(tag.Root(), seg.VAddr, seg.MemSize, seg.Flags|arch.FlagUser)

		if len(seg.Data) == 0 {
			continue
		}

		if err := pt.WriteBytes(tag.Root(), seg.VAddr, seg.Data); err != nil {
			return 0, fmt.Errorf("%w: placing segment at %s: %w", ErrBadFormat, seg.VAddr, err)
		}
	}

	l.log.Debug("loaded image", "entry", img.Entry, "segments", len(img.Segments))

	return img.Entry, nil
}
