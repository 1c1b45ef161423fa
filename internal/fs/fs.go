// Package fs is the on-disk file system (C7): a flat root directory over a bitmap-allocated,
// indirect-block-mapped inode layout, sitting on top of internal/cache. It is grounded on the
// pack's go-ext4 superblock.go for the wire-format style (a fixed struct, encoded and decoded with
// encoding/binary in little-endian) and on the teacher's internal/vm/loader.go for the "read a
// fixed header, then a table, then data" shape of a disk image.
package fs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/cache"
)

// BlockSize is the file system's unit of allocation. It equals the cache's block size, per §6.
const BlockSize = cache.BlockSize

// Inode geometry, per §6's on-disk layout.
const (
	NumDirect         = 4
	NumDoubleIndirect = 2

	// InodeSize is the packed on-disk size of one Inode: 4 + 4*4 + 4 + 2*4 bytes.
	InodeSize = 4 + NumDirect*4 + 4 + NumDoubleIndirect*4

	entriesPerBlock  = BlockSize / 4 // indirect-table fan-out: one uint32 per entry
	entriesPerBlock2 = entriesPerBlock * entriesPerBlock
)

// MaxLogicalBlocks is the number of logical blocks (LBNs 0 to MaxLogicalBlocks-1) and MaxFileSize
// the byte size a file can reach given the direct/indirect/double-indirect geometry above.
const (
	MaxLogicalBlocks = NumDirect + entriesPerBlock + NumDoubleIndirect*entriesPerBlock2
	MaxFileSize       = MaxLogicalBlocks * BlockSize
)

// DirNameMax is the longest name a directory entry can hold, not counting the mandatory NUL.
const DirNameMax = 13

// DirEntrySize is the packed size of one directory entry: a 2-byte inode number plus a
// DirNameMax+1 byte NUL-terminated name field.
const DirEntrySize = 2 + DirNameMax + 1

// Sentinel errors, returned up through internal/syscall as the §6 Errno values.
var (
	ErrNoSuchEntry     = errors.New("fs: no such entry")
	ErrAlreadyExists   = errors.New("fs: already exists")
	ErrInvalidArgument = errors.New("fs: invalid argument")
	ErrOutOfSpace      = errors.New("fs: out of space")
	ErrBadFormat       = errors.New("fs: bad format")
	ErrShrinkRejected  = errors.New("fs: set-end may not shrink a file")
)

// Superblock is block 0 of the image, per §6: four region sizes (in blocks) plus the root
// directory's inode number. The rest of the block is reserved.
type Superblock struct {
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	DataBitmapBlocks  uint32
	InodeTableBlocks  uint32
	RootInode         uint16
}

// encode packs sb into a fresh BlockSize buffer, little-endian, zero-padded.
func (sb *Superblock) encode() [BlockSize]byte {
	var buf [BlockSize]byte

	w := bytes.NewBuffer(buf[:0])
	_ = binary.Write(w, binary.LittleEndian, sb)

	return buf
}

// decodeSuperblock unpacks a Superblock from the first bytes of a block.
func decodeSuperblock(buf []byte) (Superblock, error) {
	var sb Superblock

	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return sb, fmt.Errorf("%w: superblock: %w", ErrBadFormat, err)
	}

	if sb.TotalBlocks == 0 {
		return sb, fmt.Errorf("%w: superblock has zero total blocks", ErrBadFormat)
	}

	return sb, nil
}

// Inode is the packed on-disk inode, per §6: a byte size, four direct block references, one
// single-indirect reference, and two double-indirect references. Every reference is relative to
// the data region and one-based: zero means "unallocated" (a hole); a nonzero value v refers to
// data block dataRegionStart+v-1. The one-based offset is what keeps zero free to mean "hole" even
// for the very first data-region block, which direct, zero-based indexing could not express.
type Inode struct {
	Size           uint32
	Direct         [NumDirect]uint32
	Indirect       uint32
	DoubleIndirect [NumDoubleIndirect]uint32
}

func encodeInode(in *Inode) [InodeSize]byte {
	var buf [InodeSize]byte

	w := bytes.NewBuffer(buf[:0])
	_ = binary.Write(w, binary.LittleEndian, in)

	return buf
}

func decodeInode(buf []byte) Inode {
	var in Inode

	r := bytes.NewReader(buf)
	_ = binary.Read(r, binary.LittleEndian, &in)

	return in
}

// DirEntry is one packed directory entry, per §6.
type DirEntry struct {
	Inode uint16
	Name  string
}

func encodeDirEntry(e *DirEntry) [DirEntrySize]byte {
	var buf [DirEntrySize]byte

	binary.LittleEndian.PutUint16(buf[0:2], e.Inode)
	copy(buf[2:2+DirNameMax], e.Name)
	// buf[2+len(Name)] onward is already zero, which supplies the mandatory NUL.

	return buf
}

func decodeDirEntry(buf []byte) DirEntry {
	inodeNum := binary.LittleEndian.Uint16(buf[0:2])

	name := buf[2 : 2+DirNameMax+1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return DirEntry{Inode: inodeNum, Name: string(name)}
}

func validName(name string) error {
	if name == "" || name == "/" {
		return fmt.Errorf("%w: %q is reserved for the root listing", ErrInvalidArgument, name)
	}

	if len(name) > DirNameMax {
		return fmt.Errorf("%w: name %q longer than %d bytes", ErrInvalidArgument, name, DirNameMax)
	}

	return nil
}
