package fs

// dir.go implements §4.7's directory format and the top-level name operations: open, create,
// delete. The root directory is an ordinary inode whose size is a multiple of DirEntrySize;
// entries with inode number zero are holes left by prior deletes and are skipped during scans.

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// scanDir walks the directory inode's entries in order, calling fn with each entry's byte offset
// and decoded contents (including holes, where Inode == 0). It stops early and returns nil once
// fn returns stop == true.
func (fs *FileSystem) scanDir(self *sched.Thread, dir *Inode, fn func(offset uint32, entry DirEntry) (stop bool)) error {
	buf := make([]byte, DirEntrySize)

	for off := uint32(0); off < dir.Size; off += DirEntrySize {
		if _, err := fs.readAt(self, dir, off, buf); err != nil {
			return err
		}

		entry := decodeDirEntry(buf)
		if fn(off, entry) {
			return nil
		}
	}

	return nil
}

// lookupLocked searches the root directory for name, returning the matching inode number if
// found. Caller holds fs.lock.
func (fs *FileSystem) lookupLocked(self *sched.Thread, dir *Inode, name string) (uint16, bool, error) {
	var (
		found   bool
		inodeNum uint16
	)

	err := fs.scanDir(self, dir, func(_ uint32, entry DirEntry) bool {
		if entry.Inode == 0 || entry.Name != name {
			return false
		}

		found = true
		inodeNum = entry.Inode

		return true
	})

	return inodeNum, found, err
}

func (fs *FileSystem) rootInode(self *sched.Thread) (Inode, error) {
	return fs.readInode(self, fs.sb.RootInode)
}

// Create allocates a fresh, zero-sized inode for name and appends a directory entry for it, per
// §4.7. Serialized by the mount-wide lock; rejects a duplicate name.
func (fs *FileSystem) Create(self *sched.Thread, name string) error {
	if err := validName(name); err != nil {
		return err
	}

	fs.k.Acquire(self, fs.lock)
	defer fs.k.Release(self, fs.lock)

	dir, err := fs.rootInode(self)
	if err != nil {
		return err
	}

	if _, found, err := fs.lookupLocked(self, &dir, name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}

	inodeNum, err := fs.allocInode(self)
	if err != nil {
		return err
	}

	var fresh Inode
	if err := fs.writeInode(self, inodeNum, &fresh); err != nil {
		_ = fs.freeInode(self, inodeNum)
		return err
	}

	packed := encodeDirEntry(&DirEntry{Inode: inodeNum, Name: name})

	if _, err := fs.writeAt(self, fs.sb.RootInode, &dir, dir.Size, packed[:]); err != nil {
		return err
	}

	return nil
}

// Delete removes name's directory entry and frees its inode and every data block it references,
// per §4.7. To keep the directory compact, the last entry is swapped into the victim's slot and
// the directory shrinks by one entry.
func (fs *FileSystem) Delete(self *sched.Thread, name string) error {
	if err := validName(name); err != nil {
		return err
	}

	fs.k.Acquire(self, fs.lock)
	defer fs.k.Release(self, fs.lock)

	dir, err := fs.rootInode(self)
	if err != nil {
		return err
	}

	var (
		victimOff uint32
		victim    DirEntry
		found     bool
	)

	err = fs.scanDir(self, &dir, func(off uint32, entry DirEntry) bool {
		if entry.Inode == 0 || entry.Name != name {
			return false
		}

		victimOff, victim, found = off, entry, true

		return true
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: %q", ErrNoSuchEntry, name)
	}

	victimInode, err := fs.readInode(self, victim.Inode)
	if err != nil {
		return err
	}

	if err := fs.freeInodeBlocks(self, &victimInode); err != nil {
		return err
	}

	if err := fs.freeInode(self, victim.Inode); err != nil {
		return err
	}

	lastOff := dir.Size - DirEntrySize

	if victimOff != lastOff {
		lastBuf := make([]byte, DirEntrySize)
		if _, err := fs.readAt(self, &dir, lastOff, lastBuf); err != nil {
			return err
		}

		if _, err := fs.writeAt(self, fs.sb.RootInode, &dir, victimOff, lastBuf); err != nil {
			return err
		}
	}

	dir.Size = lastOff

	return fs.writeInode(self, fs.sb.RootInode, &dir)
}

// freeInodeBlocks releases every data block, indirect table, and double-indirect table referenced
// by in, per §4.7's delete contract.
func (fs *FileSystem) freeInodeBlocks(self *sched.Thread, in *Inode) error {
	for _, rel := range in.Direct {
		if rel != 0 {
			if err := fs.freeDataBlock(self, fs.relToAbs(rel)); err != nil {
				return err
			}
		}
	}

	if in.Indirect != 0 {
		if err := fs.freeIndirectTable(self, fs.relToAbs(in.Indirect)); err != nil {
			return err
		}
	}

	for _, rel := range in.DoubleIndirect {
		if rel == 0 {
			continue
		}

		l1Abs := fs.relToAbs(rel)

		buf, err := fs.cache.GetBlock(self, uint64(l1Abs)*BlockSize)
		if err != nil {
			return err
		}

		l2s := make([]uint32, entriesPerBlock)
		for i := range l2s {
			l2s[i] = entryAt(buf, i)
		}

		fs.cache.ReleaseBlock(self, buf, false)

		for _, l2rel := range l2s {
			if l2rel == 0 {
				continue
			}

			if err := fs.freeIndirectTable(self, fs.relToAbs(l2rel)); err != nil {
				return err
			}
		}

		if err := fs.freeDataBlock(self, l1Abs); err != nil {
			return err
		}
	}

	return nil
}

// freeIndirectTable frees every data block an indirect table references, then the table itself.
func (fs *FileSystem) freeIndirectTable(self *sched.Thread, tableAbs uint32) error {
	buf, err := fs.cache.GetBlock(self, uint64(tableAbs)*BlockSize)
	if err != nil {
		return err
	}

	entries := make([]uint32, entriesPerBlock)
	for i := range entries {
		entries[i] = entryAt(buf, i)
	}

	fs.cache.ReleaseBlock(self, buf, false)

	for _, rel := range entries {
		if rel == 0 {
			continue
		}

		if err := fs.freeDataBlock(self, fs.relToAbs(rel)); err != nil {
			return err
		}
	}

	return fs.freeDataBlock(self, tableAbs)
}

// Open resolves name to a handle, per §4.7. An empty name or "/" returns a listing handle; any
// other name is looked up in the root directory and, if found, returns a read/write handle
// positioned at zero. A missing file fails with ErrNoSuchEntry.
func (fs *FileSystem) Open(self *sched.Thread, name string) (uio.Ops, error) {
	if name == "" || name == "/" {
		return &listingHandle{fs: fs}, nil
	}

	if err := validName(name); err != nil {
		return nil, err
	}

	fs.k.Acquire(self, fs.lock)
	dir, err := fs.rootInode(self)
	if err != nil {
		fs.k.Release(self, fs.lock)
		return nil, err
	}

	inodeNum, found, err := fs.lookupLocked(self, &dir, name)
	fs.k.Release(self, fs.lock)

	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchEntry, name)
	}

	return &fileHandle{fs: fs, inodeNum: inodeNum, lock: sched.NewLock(fmt.Sprintf("fs.handle[%d]", inodeNum))}, nil
}
