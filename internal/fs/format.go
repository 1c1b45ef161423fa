package fs

// format.go writes a fresh on-disk image: a superblock, empty inode and data bitmaps (with the
// metadata region's data-bitmap bits pre-set, per §6), a zeroed inode table, and an empty root
// directory at inode 1 (size zero, no data block allocated yet).

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

// FormatOptions sizes a fresh image. It is a plain struct; internal/kernel passes one through its
// WithFormat option.
type FormatOptions struct {
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	DataBitmapBlocks  uint32
	InodeTableBlocks  uint32
}

// DefaultFormatOptions sizes a small image: enough inodes and data blocks for the scenarios of §8
// without wasting space in tests.
func DefaultFormatOptions(totalBlocks uint32) FormatOptions {
	return FormatOptions{
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: 1,
		DataBitmapBlocks:  1,
		InodeTableBlocks:  4,
	}
}

// Format writes a fresh file system image to disk and returns a mounted FileSystem over it. The
// root directory is inode 1, created empty.
func Format(k *sched.Kernel, self *sched.Thread, disk Disk, opts FormatOptions) (*FileSystem, error) {
	metadataBlocks := 1 + opts.InodeBitmapBlocks + opts.DataBitmapBlocks + opts.InodeTableBlocks
	if opts.TotalBlocks <= metadataBlocks {
		return nil, fmt.Errorf("%w: %d total blocks too small for %d metadata blocks", ErrInvalidArgument, opts.TotalBlocks, metadataBlocks)
	}

	const rootInode = 1

	sb := Superblock{
		TotalBlocks:       opts.TotalBlocks,
		InodeBitmapBlocks: opts.InodeBitmapBlocks,
		DataBitmapBlocks:  opts.DataBitmapBlocks,
		InodeTableBlocks:  opts.InodeTableBlocks,
		RootInode:         rootInode,
	}

	fs := &FileSystem{
		k:     k,
		cache: disk,
		lock:  sched.NewLock("fs.mount"),
		sb:    sb,
	}
	fs.deriveLayout()

	if err := fs.zeroRegion(self, fs.inodeBitmap.startBlock, opts.InodeBitmapBlocks); err != nil {
		return nil, err
	}

	if err := fs.zeroRegion(self, fs.dataBitmap.startBlock, opts.DataBitmapBlocks); err != nil {
		return nil, err
	}

	if err := fs.zeroRegion(self, fs.inodeTableStart, opts.InodeTableBlocks); err != nil {
		return nil, err
	}

	// Pre-mark every metadata-region block used in the data bitmap, per §6, so a stray scan that
	// ignores the first-allowed-bit skip still can't hand out a block the file system itself owns.
	for b := uint32(0); b < fs.dataRegionStart; b++ {
		if err := fs.bitmapSet(self, fs.dataBitmap, b, true); err != nil {
			return nil, err
		}
	}

	// Inode 0 is permanently reserved (directory holes use it); mark it used so it is never handed
	// out by allocInode.
	if err := fs.bitmapSet(self, fs.inodeBitmap, 0, true); err != nil {
		return nil, err
	}

	rootInodeNum, err := fs.allocInode(self)
	if err != nil {
		return nil, err
	}

	if rootInodeNum != rootInode {
		return nil, fmt.Errorf("%w: expected root inode %d, allocated %d", ErrBadFormat, rootInode, rootInodeNum)
	}

	var empty Inode
	if err := fs.writeInode(self, rootInodeNum, &empty); err != nil {
		return nil, err
	}

	if err := fs.writeSuperblock(self); err != nil {
		return nil, err
	}

	return fs, nil
}

func (fs *FileSystem) writeSuperblock(self *sched.Thread) error {
	buf, err := fs.cache.GetBlock(self, 0)
	if err != nil {
		return err
	}

	packed := fs.sb.encode()
	*buf = packed

	fs.cache.ReleaseBlock(self, buf, true)

	return fs.cache.Flush(self)
}

func (fs *FileSystem) zeroRegion(self *sched.Thread, startBlock, numBlocks uint32) error {
	for i := uint32(0); i < numBlocks; i++ {
		buf, err := fs.cache.GetBlock(self, uint64(startBlock+i)*BlockSize)
		if err != nil {
			return err
		}

		for j := range buf {
			buf[j] = 0
		}

		fs.cache.ReleaseBlock(self, buf, true)
	}

	return nil
}
