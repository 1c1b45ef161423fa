package fs

// layout.go derives the absolute block ranges of each on-disk region from the superblock's four
// counts and holds the FileSystem type: the mounted state shared by every operation in this
// package. Per §5's lock ordering, fs.lock is the mount-wide lock, acquired outermost. Create,
// Delete and Open's name lookup hold it from start to finish, cache I/O included; it is not
// released around that I/O, so operations on different files of one mount run one at a time.

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/cache"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

// inodesPerBlock is the inode-table fan-out.
const inodesPerBlock = BlockSize / InodeSize

// Disk is the subset of *cache.Cache the file system depends on, named separately so tests can
// substitute a fake without a real device underneath.
type Disk interface {
	GetBlock(self *sched.Thread, pos uint64) (*[cache.BlockSize]byte, error)
	ReleaseBlock(self *sched.Thread, ptr *[cache.BlockSize]byte, dirty bool)
	Flush(self *sched.Thread) error
}

// FileSystem is a single mounted volume: the superblock, derived region layout, and the
// mount-wide lock serializing namespace mutation (create, delete, and the directory scans they and
// open perform).
type FileSystem struct {
	k     *sched.Kernel
	cache Disk
	lock  *sched.Lock
	log   *log.Logger

	sb Superblock

	inodeBitmap bitmap
	dataBitmap  bitmap

	inodeTableStart uint32
	dataRegionStart uint32
}

// Mount reads the superblock from block 0 of disk and returns a ready-to-use FileSystem, per
// §4.7's "registers an operation vtable under a mount-point name, paired with the backing cache" —
// the mount-point name itself is supplemental bookkeeping owned by the caller (internal/kernel's
// boot sequencer), not this package.
func Mount(k *sched.Kernel, self *sched.Thread, disk Disk) (*FileSystem, error) {
	buf, err := disk.GetBlock(self, 0)
	if err != nil {
		return nil, fmt.Errorf("fs: mount: reading superblock: %w", err)
	}

	sb, err := decodeSuperblock(buf[:])
	disk.ReleaseBlock(self, buf, false)

	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		k:     k,
		cache: disk,
		lock:  sched.NewLock("fs.mount"),
		log:   log.DefaultLogger().With("component", "fs"),
		sb:    sb,
	}

	fs.deriveLayout()

	return fs, nil
}

// deriveLayout computes every region's absolute start block from the superblock's four counts, per
// §4.7's "layout derivation": regions are laid out consecutively starting at block 1.
func (fs *FileSystem) deriveLayout() {
	sb := fs.sb

	inodeBitmapStart := uint32(1)
	dataBitmapStart := inodeBitmapStart + sb.InodeBitmapBlocks
	inodeTableStart := dataBitmapStart + sb.DataBitmapBlocks
	dataRegionStart := inodeTableStart + sb.InodeTableBlocks

	fs.inodeTableStart = inodeTableStart
	fs.dataRegionStart = dataRegionStart

	fs.inodeBitmap = bitmap{
		startBlock: inodeBitmapStart,
		numBits:    sb.InodeTableBlocks * inodesPerBlock,
	}
	fs.dataBitmap = bitmap{
		startBlock: dataBitmapStart,
		// The data bitmap is addressed by absolute block number over the whole volume (not
		// relative to the data region), so format-time can pre-mark the metadata blocks used.
		numBits: sb.TotalBlocks,
	}
}

func (fs *FileSystem) relToAbs(rel uint32) uint32 { return fs.dataRegionStart + rel - 1 }
func (fs *FileSystem) absToRel(abs uint32) uint32 { return abs - fs.dataRegionStart + 1 }

// readInode loads inode num from the inode table.
func (fs *FileSystem) readInode(self *sched.Thread, num uint16) (Inode, error) {
	blockIdx := uint32(num) / inodesPerBlock
	off := (uint32(num) % inodesPerBlock) * InodeSize

	buf, err := fs.cache.GetBlock(self, uint64(fs.inodeTableStart+blockIdx)*BlockSize)
	if err != nil {
		return Inode{}, err
	}

	in := decodeInode(buf[off : off+InodeSize])
	fs.cache.ReleaseBlock(self, buf, false)

	return in, nil
}

// writeInode persists inode num.
func (fs *FileSystem) writeInode(self *sched.Thread, num uint16, in *Inode) error {
	blockIdx := uint32(num) / inodesPerBlock
	off := (uint32(num) % inodesPerBlock) * InodeSize

	buf, err := fs.cache.GetBlock(self, uint64(fs.inodeTableStart+blockIdx)*BlockSize)
	if err != nil {
		return err
	}

	packed := encodeInode(in)
	copy(buf[off:off+InodeSize], packed[:])
	fs.cache.ReleaseBlock(self, buf, true)

	return nil
}

// Sync flushes every dirty cache entry belonging to this mount's backing cache.
func (fs *FileSystem) Sync(self *sched.Thread) error {
	return fs.cache.Flush(self)
}
