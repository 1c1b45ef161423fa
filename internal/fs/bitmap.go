package fs

// bitmap.go implements the inode and data bitmaps of §4.7: one bit per object, bit clear meaning
// free. Scans start from the first allowed bit and stop at the logical end of the region (the
// actual object count may be smaller than bitmapBlocks*BlockSize*8), testing one bit at a time so
// bits past numBits are never mistaken for free.

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

// bitmap describes one bitmap region: its starting absolute block and the number of valid bits it
// covers (which may be fewer than its block count * 8 * BlockSize).
type bitmap struct {
	startBlock uint32
	numBits    uint32
}

// bitmapTest reports whether bit i is set.
func (fs *FileSystem) bitmapTest(self *sched.Thread, bm bitmap, i uint32) (bool, error) {
	blockIdx := i / (BlockSize * 8)
	byteIdx := (i % (BlockSize * 8)) / 8
	bitIdx := i % 8

	buf, err := fs.cache.GetBlock(self, uint64(bm.startBlock+blockIdx)*BlockSize)
	if err != nil {
		return false, err
	}

	set := buf[byteIdx]&(1<<bitIdx) != 0
	fs.cache.ReleaseBlock(self, buf, false)

	return set, nil
}

// bitmapSet sets or clears bit i.
func (fs *FileSystem) bitmapSet(self *sched.Thread, bm bitmap, i uint32, v bool) error {
	blockIdx := i / (BlockSize * 8)
	byteIdx := (i % (BlockSize * 8)) / 8
	bitIdx := i % 8

	buf, err := fs.cache.GetBlock(self, uint64(bm.startBlock+blockIdx)*BlockSize)
	if err != nil {
		return err
	}

	if v {
		buf[byteIdx] |= 1 << bitIdx
	} else {
		buf[byteIdx] &^= 1 << bitIdx
	}

	fs.cache.ReleaseBlock(self, buf, true)

	return nil
}

// bitmapAlloc scans bm for the first clear bit at index >= first, below bm.numBits, sets it, and
// returns its index.
func (fs *FileSystem) bitmapAlloc(self *sched.Thread, bm bitmap, first uint32) (uint32, error) {
	for i := first; i < bm.numBits; i++ {
		set, err := fs.bitmapTest(self, bm, i)
		if err != nil {
			return 0, err
		}

		if !set {
			if err := fs.bitmapSet(self, bm, i, true); err != nil {
				return 0, err
			}

			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: bitmap exhausted", ErrOutOfSpace)
}

func (fs *FileSystem) bitmapFree(self *sched.Thread, bm bitmap, i uint32) error {
	return fs.bitmapSet(self, bm, i, false)
}

// allocInode reserves the first free inode number, starting at 1 (inode 0 is reserved: directory
// entries use it to mark a hole left by a prior delete, per §4.7).
func (fs *FileSystem) allocInode(self *sched.Thread) (uint16, error) {
	i, err := fs.bitmapAlloc(self, fs.inodeBitmap, 1)
	if err != nil {
		return 0, err
	}

	return uint16(i), nil
}

func (fs *FileSystem) freeInode(self *sched.Thread, num uint16) error {
	return fs.bitmapFree(self, fs.inodeBitmap, uint32(num))
}

// allocDataBlock reserves the first free data block at or after the data region's start (the data
// bitmap spans the whole volume so that format-time can pre-mark metadata blocks used; allocation
// still starts at dataRegionStart as a second line of defense) and returns the zeroed block's
// absolute number.
func (fs *FileSystem) allocDataBlock(self *sched.Thread) (uint32, error) {
	abs, err := fs.bitmapAlloc(self, fs.dataBitmap, fs.dataRegionStart)
	if err != nil {
		return 0, err
	}

	buf, err := fs.cache.GetBlock(self, uint64(abs)*BlockSize)
	if err != nil {
		return 0, err
	}

	for i := range buf {
		buf[i] = 0
	}

	fs.cache.ReleaseBlock(self, buf, true)

	return abs, nil
}

func (fs *FileSystem) freeDataBlock(self *sched.Thread, abs uint32) error {
	return fs.bitmapFree(self, fs.dataBitmap, abs)
}
