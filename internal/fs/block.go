package fs

// block.go implements §4.7's block mapping (inode LBN -> absolute data block) and the byte-level
// read/write primitives every other operation in this package (file I/O, directory scans) is built
// from. Holes read as zero-filled bytes without allocating; writes allocate and zero every missing
// level of indirection, per §4.7.

import (
	"encoding/binary"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

func entryAt(buf *[BlockSize]byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(buf[idx*4:])
}

func setEntryAt(buf *[BlockSize]byte, idx int, v uint32) {
	binary.LittleEndian.PutUint32(buf[idx*4:], v)
}

// mapRelSlot resolves a single relative-block-number field (an inode's Direct[i], Indirect, or
// DoubleIndirect[i]) to an absolute block, allocating and zeroing a fresh data block for it if it
// is currently a hole and allocate is true.
func (fs *FileSystem) mapRelSlot(self *sched.Thread, slot *uint32, allocate bool) (uint32, error) {
	if *slot != 0 {
		return fs.relToAbs(*slot), nil
	}

	if !allocate {
		return 0, nil
	}

	abs, err := fs.allocDataBlock(self)
	if err != nil {
		return 0, err
	}

	*slot = fs.absToRel(abs)

	return abs, nil
}

// mapTableEntry resolves entry idx of the indirect/double-indirect table living at absolute block
// tableAbs, same hole/allocate semantics as mapRelSlot.
func (fs *FileSystem) mapTableEntry(self *sched.Thread, tableAbs uint32, idx int, allocate bool) (uint32, error) {
	buf, err := fs.cache.GetBlock(self, uint64(tableAbs)*BlockSize)
	if err != nil {
		return 0, err
	}

	if rel := entryAt(buf, idx); rel != 0 {
		abs := fs.relToAbs(rel)
		fs.cache.ReleaseBlock(self, buf, false)

		return abs, nil
	}

	if !allocate {
		fs.cache.ReleaseBlock(self, buf, false)
		return 0, nil
	}

	newAbs, err := fs.allocDataBlock(self)
	if err != nil {
		fs.cache.ReleaseBlock(self, buf, false)
		return 0, err
	}

	setEntryAt(buf, idx, fs.absToRel(newAbs))
	fs.cache.ReleaseBlock(self, buf, true)

	return newAbs, nil
}

// mapBlock resolves logical block number lbn of inode to an absolute block number, per §4.7's
// direct/single-indirect/double-indirect derivation. It returns (0, nil) for a hole when allocate
// is false, and mutates inode's own fields in place when it allocates a new direct/indirect/
// double-indirect slot; the caller is responsible for persisting inode afterward.
func (fs *FileSystem) mapBlock(self *sched.Thread, inode *Inode, lbn uint32, allocate bool) (uint32, error) {
	switch {
	case lbn < NumDirect:
		return fs.mapRelSlot(self, &inode.Direct[lbn], allocate)

	case lbn < NumDirect+entriesPerBlock:
		tableAbs, err := fs.mapRelSlot(self, &inode.Indirect, allocate)
		if err != nil || tableAbs == 0 {
			return 0, err
		}

		return fs.mapTableEntry(self, tableAbs, int(lbn-NumDirect), allocate)

	default:
		remaining := lbn - NumDirect - entriesPerBlock
		sel := remaining / entriesPerBlock2

		if sel >= NumDoubleIndirect {
			return 0, fmt.Errorf("%w: logical block %d exceeds the maximum file size", ErrInvalidArgument, lbn)
		}

		remaining2 := remaining % entriesPerBlock2
		l1idx := int(remaining2) / entriesPerBlock
		l2idx := int(remaining2) % entriesPerBlock

		l1TableAbs, err := fs.mapRelSlot(self, &inode.DoubleIndirect[sel], allocate)
		if err != nil || l1TableAbs == 0 {
			return 0, err
		}

		l2TableAbs, err := fs.mapTableEntry(self, l1TableAbs, l1idx, allocate)
		if err != nil || l2TableAbs == 0 {
			return 0, err
		}

		return fs.mapTableEntry(self, l2TableAbs, l2idx, allocate)
	}
}

// readAt reads into buf starting at byte position pos, clamped to inode.Size, per §4.7's read
// contract. Holes are returned as zero bytes without touching the cache.
func (fs *FileSystem) readAt(self *sched.Thread, inode *Inode, pos uint32, buf []byte) (int, error) {
	if pos >= inode.Size || len(buf) == 0 {
		return 0, nil
	}

	n := uint32(len(buf))
	if pos+n > inode.Size {
		n = inode.Size - pos
	}

	var done uint32

	for done < n {
		lbn := (pos + done) / BlockSize
		off := (pos + done) % BlockSize

		chunk := uint32(BlockSize) - off
		if chunk > n-done {
			chunk = n - done
		}

		abs, err := fs.mapBlock(self, inode, lbn, false)
		if err != nil {
			return int(done), err
		}

		if abs == 0 {
			for i := uint32(0); i < chunk; i++ {
				buf[done+i] = 0
			}
		} else {
			data, err := fs.cache.GetBlock(self, uint64(abs)*BlockSize)
			if err != nil {
				return int(done), err
			}

			copy(buf[done:done+chunk], data[off:off+chunk])
			fs.cache.ReleaseBlock(self, data, false)
		}

		done += chunk
	}

	return int(done), nil
}

// writeAt writes buf at byte position pos, clamped to MaxFileSize, allocating every touched block
// as needed, and persists inode if its size grew. Per §4.7's write contract.
func (fs *FileSystem) writeAt(self *sched.Thread, inodeNum uint16, inode *Inode, pos uint32, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if pos > MaxFileSize {
		return 0, fmt.Errorf("%w: write position %d exceeds max file size", ErrInvalidArgument, pos)
	}

	n := uint32(len(buf))
	if pos+n > MaxFileSize {
		n = MaxFileSize - pos
	}

	var (
		done uint32
		werr error
	)

	for done < n {
		lbn := (pos + done) / BlockSize
		off := (pos + done) % BlockSize

		chunk := uint32(BlockSize) - off
		if chunk > n-done {
			chunk = n - done
		}

		abs, err := fs.mapBlock(self, inode, lbn, true)
		if err != nil {
			werr = err
			break
		}

		data, err := fs.cache.GetBlock(self, uint64(abs)*BlockSize)
		if err != nil {
			werr = err
			break
		}

		copy(data[off:off+chunk], buf[done:done+chunk])
		fs.cache.ReleaseBlock(self, data, true)

		done += chunk
	}

	if pos+done > inode.Size {
		inode.Size = pos + done
	}

	if err := fs.writeInode(self, inodeNum, inode); err != nil && werr == nil {
		werr = err
	}

	return int(done), werr
}
