package fs

// handle.go implements the two uio.Ops an open file system name can produce: a fileHandle (regular
// read/write/cntl access to one inode) and a listingHandle (the directory enumeration §4.7
// describes for opening the empty name or "/"). Per §5, a handle's own lock nests inside the
// mount-wide lock when both are needed; file I/O itself runs with only the handle lock held, since
// the directory's own position is not being mutated.

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// fileHandle is a read/write/cntl handle on one inode, with its own position, per §4.7.
type fileHandle struct {
	fs       *FileSystem
	inodeNum uint16

	lock *sched.Lock
	pos  uint32
}

func (h *fileHandle) Close() error { return nil }

// Read clamps to the file's current size and advances the handle's position, per §4.7.
func (h *fileHandle) Read(self *sched.Thread, buf []byte) (int, error) {
	h.fs.k.Acquire(self, h.lock)
	defer h.fs.k.Release(self, h.lock)

	inode, err := h.fs.readInode(self, h.inodeNum)
	if err != nil {
		return 0, err
	}

	n, err := h.fs.readAt(self, &inode, h.pos, buf)
	h.pos += uint32(n)

	return n, err
}

// Write clamps to the hard maximum file size, growing the file as needed, and advances the
// handle's position, per §4.7.
func (h *fileHandle) Write(self *sched.Thread, buf []byte) (int, error) {
	h.fs.k.Acquire(self, h.lock)
	defer h.fs.k.Release(self, h.lock)

	inode, err := h.fs.readInode(self, h.inodeNum)
	if err != nil {
		return 0, err
	}

	n, err := h.fs.writeAt(self, h.inodeNum, &inode, h.pos, buf)
	h.pos += uint32(n)

	return n, err
}

// Cntl implements get-end, set-end (grow only), get-pos, and set-pos, per §4.7/§6.
func (h *fileHandle) Cntl(self *sched.Thread, op uio.Ctl, arg int64) (int64, error) {
	h.fs.k.Acquire(self, h.lock)
	defer h.fs.k.Release(self, h.lock)

	switch op {
	case uio.CtlGetEnd:
		inode, err := h.fs.readInode(self, h.inodeNum)
		if err != nil {
			return 0, err
		}

		return int64(inode.Size), nil

	case uio.CtlSetEnd:
		inode, err := h.fs.readInode(self, h.inodeNum)
		if err != nil {
			return 0, err
		}

		newSize := uint32(arg)

		if arg < 0 || newSize > MaxFileSize {
			return 0, fmt.Errorf("%w: set-end size %d out of range", ErrInvalidArgument, arg)
		}

		if newSize < inode.Size {
			return 0, ErrShrinkRejected
		}

		if newSize == inode.Size {
			return int64(inode.Size), nil
		}

		if _, err := h.fs.growTo(self, h.inodeNum, &inode, newSize); err != nil {
			return 0, err
		}

		return int64(inode.Size), nil

	case uio.CtlGetPos:
		return int64(h.pos), nil

	case uio.CtlSetPos:
		if arg < 0 || uint32(arg) > MaxFileSize {
			return 0, fmt.Errorf("%w: set-pos %d out of range", ErrInvalidArgument, arg)
		}

		h.pos = uint32(arg)

		return int64(h.pos), nil

	default:
		return 0, fmt.Errorf("%w: cntl op %q not supported on a file handle", ErrInvalidArgument, op)
	}
}

// growTo extends inode to at least newSize bytes by allocating every intermediate block up to the
// new logical end, per §4.7's "extends by allocating intermediate blocks".
func (fs *FileSystem) growTo(self *sched.Thread, inodeNum uint16, inode *Inode, newSize uint32) (int, error) {
	firstLBN := inode.Size / BlockSize
	if inode.Size%BlockSize != 0 {
		firstLBN++
	}

	lastLBN := (newSize - 1) / BlockSize

	for lbn := firstLBN; lbn <= lastLBN; lbn++ {
		if _, err := fs.mapBlock(self, inode, lbn, true); err != nil {
			inode.Size = newSize
			_ = fs.writeInode(self, inodeNum, inode)

			return 0, err
		}
	}

	inode.Size = newSize

	return 0, fs.writeInode(self, inodeNum, inode)
}

// listingHandle enumerates the root directory's live entries, one name per Read call's worth of
// buffer, serialized as NUL-terminated names back to back.
type listingHandle struct {
	fs  *FileSystem
	pos uint32
}

func (h *listingHandle) Close() error { return nil }

// Read copies the next live directory entries' names (each NUL-terminated) into buf, stopping
// before a name that would not fit whole, and advances past every entry consumed.
func (h *listingHandle) Read(self *sched.Thread, buf []byte) (int, error) {
	h.fs.k.Acquire(self, h.fs.lock)
	dir, err := h.fs.rootInode(self)
	h.fs.k.Release(self, h.fs.lock)

	if err != nil {
		return 0, err
	}

	var n int

	entryBuf := make([]byte, DirEntrySize)

	for h.pos < dir.Size {
		if _, err := h.fs.readAt(self, &dir, h.pos, entryBuf); err != nil {
			return n, err
		}

		entry := decodeDirEntry(entryBuf)
		h.pos += DirEntrySize

		if entry.Inode == 0 {
			continue // hole left by a prior delete
		}

		need := len(entry.Name) + 1
		if n+need > len(buf) {
			h.pos -= DirEntrySize // put the entry back for the next Read
			break
		}

		copy(buf[n:], entry.Name)
		buf[n+len(entry.Name)] = 0
		n += need
	}

	return n, nil
}

func (h *listingHandle) Write(*sched.Thread, []byte) (int, error) {
	return 0, fmt.Errorf("%w: listing handle is read-only", ErrInvalidArgument)
}

func (h *listingHandle) Cntl(self *sched.Thread, op uio.Ctl, arg int64) (int64, error) {
	switch op {
	case uio.CtlGetPos:
		return int64(h.pos), nil
	case uio.CtlSetPos:
		h.pos = uint32(arg)
		return int64(h.pos), nil
	default:
		return 0, fmt.Errorf("%w: cntl op %q not supported on a listing handle", ErrInvalidArgument, op)
	}
}
