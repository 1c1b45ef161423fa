// Package cache is the block cache (C6): a bounded, 64-entry pool of pinned blocks over the
// virtqueue block driver, with LRU eviction, write-back, and one-cached-copy-per-block discipline.
// It is grounded on the pack's bltree-go-for-embedding buffer manager (a fixed-size pool array,
// owner/pin bookkeeping per slot, victim selection under one lock with device I/O released across
// eviction writeback) generalized from that buffer manager's hashed slot lookup to the simpler
// linear scan §4.6 describes for a 64-entry pool, and using internal/virtio's blocking Fetch/Store
// as the backing device instead of a local file.
package cache

import (
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/virtio"
)

// BlockSize is the cache's unit of indexing: 512 bytes, matching the transport sector size, per §6.
const BlockSize = virtio.SectorSize

// Size is the fixed number of entries in the cache, per §3.
const Size = 64

// ErrBusy is returned when no entry is evictable: every slot is either pinned, per §4.6.
var ErrBusy = errors.New("cache: busy, no evictable entry")

// Disk is the subset of *virtio.Disk the cache depends on, so tests can substitute a fake backing
// store without spinning up a full virtqueue.
type Disk interface {
	Fetch(self *sched.Thread, pos uint64, buf []byte) (int, error)
	Store(self *sched.Thread, pos uint64, buf []byte) (int, error)
}

// entry is one cache slot, per §3's "Block cache entry".
type entry struct {
	blockN     uint64
	data       [BlockSize]byte
	valid      bool
	dirty      bool
	inUse      bool
	owner      sched.ID
	lastAccess uint64
}

// Cache is the block cache described in §4.6: a single cache-wide ownership lock serializes all
// metadata mutation, released across device I/O, with a shared condition every waiter rechecks.
type Cache struct {
	k    *sched.Kernel
	disk Disk

	lock   *sched.Lock
	shared *sched.Condition

	entries [Size]entry
	clock   uint64 // monotonically increasing access-timestamp counter

	// lastPinned tracks, per thread, the most recent entry it pinned via GetBlock, so a later
	// GetBlock from the same thread can auto-release it per §4.6's "auto-releases the caller's
	// most-recent pin" discipline.
	lastPinned map[sched.ID]int

	// pending records, per block number currently being fetched from disk, the slot index it is
	// being fetched into. Without this, two threads missing on the same block could each evict a
	// separate slot and fetch the same block twice, violating the "at most one entry per block
	// number" invariant; a concurrent GetBlock for a pending block waits instead of evicting.
	pending map[uint64]int

	log *log.Logger
}

// New creates an empty cache over disk.
func New(k *sched.Kernel, disk Disk) *Cache {
	return &Cache{
		k:          k,
		disk:       disk,
		lock:       sched.NewLock("cache"),
		shared:     sched.NewCondition("cache.shared"),
		lastPinned: make(map[sched.ID]int),
		pending:    make(map[uint64]int),
		log:        log.DefaultLogger().With("component", "cache"),
	}
}

// findLocked returns the slot index of a valid entry for blockN, if any. Caller holds c.lock.
func (c *Cache) findLocked(blockN uint64) (int, bool) {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].blockN == blockN {
			return i, true
		}
	}

	return -1, false
}

// GetBlock returns a pointer to the in-cache buffer for the block at byte offset pos, which must be
// block-aligned. On a hit it bumps the access timestamp and pins the entry to self; on a miss it
// evicts a victim, fetches the block from disk, and pins the fresh entry. While another thread owns
// a matching entry, self waits. Per §4.6, self's previous pin (if any) is auto-released first.
func (c *Cache) GetBlock(self *sched.Thread, pos uint64) (*[BlockSize]byte, error) {
	if pos%BlockSize != 0 {
		panic(fmt.Sprintf("cache: get_block: pos %d is not block-aligned", pos))
	}

	blockN := pos / BlockSize

	c.k.Acquire(self, c.lock)

	if prev, ok := c.lastPinned[self.ID]; ok {
		c.releaseLocked(&c.entries[prev], false)
		delete(c.lastPinned, self.ID)
	}

	for {
		if idx, ok := c.findLocked(blockN); ok {
			e := &c.entries[idx]

			if e.inUse && e.owner != self.ID {
				c.k.Release(self, c.lock)
				c.k.Wait(self, c.shared)
				c.k.Acquire(self, c.lock)

				continue
			}

			e.inUse = true
			e.owner = self.ID
			c.clock++
			e.lastAccess = c.clock
			c.lastPinned[self.ID] = idx
			c.k.Release(self, c.lock)

			return &e.data, nil
		}

		if _, fetching := c.pending[blockN]; fetching {
			c.k.Release(self, c.lock)
			c.k.Wait(self, c.shared)
			c.k.Acquire(self, c.lock)

			continue
		}

		idx, err := c.evictLocked(self)
		if err != nil {
			c.k.Release(self, c.lock)
			return nil, err
		}

		e := &c.entries[idx]
		e.inUse = true
		e.owner = self.ID
		c.pending[blockN] = idx
		c.k.Release(self, c.lock)

		n, ferr := c.disk.Fetch(self, blockN*BlockSize, e.data[:])

		c.k.Acquire(self, c.lock)
		delete(c.pending, blockN)

		if ferr != nil || n != BlockSize {
			e.inUse = false
			e.valid = false
			c.k.Release(self, c.lock)
			c.k.Broadcast(c.shared)

			if ferr != nil {
				return nil, ferr
			}

			return nil, fmt.Errorf("cache: short read fetching block %d: got %d bytes", blockN, n)
		}

		e.blockN = blockN
		e.valid = true
		e.dirty = false
		c.clock++
		e.lastAccess = c.clock
		c.lastPinned[self.ID] = idx
		c.k.Release(self, c.lock)
		c.k.Broadcast(c.shared)

		return &e.data, nil
	}
}

// evictLocked picks a victim entry per §4.6's policy: prefer an invalid (free) unpinned slot;
// otherwise the valid, unpinned entry with the smallest access timestamp. Dirty victims are written
// back before reuse, with the lock released across the I/O. Returns ErrBusy if nothing qualifies.
// Caller holds c.lock; it is re-acquired before return.
func (c *Cache) evictLocked(self *sched.Thread) (int, error) {
	for i := range c.entries {
		if !c.entries[i].inUse && !c.entries[i].valid {
			return i, nil
		}
	}

	victim := -1

	for i := range c.entries {
		e := &c.entries[i]
		if e.inUse || !e.valid {
			continue
		}

		if victim == -1 || e.lastAccess < c.entries[victim].lastAccess {
			victim = i
		}
	}

	if victim == -1 {
		return 0, ErrBusy
	}

	e := &c.entries[victim]

	if e.dirty {
		blockN := e.blockN
		buf := e.data
		e.inUse = true // hold the slot stable while I/O runs with the lock dropped

		c.k.Release(self, c.lock)
		n, err := c.disk.Store(self, blockN*BlockSize, buf[:])
		c.k.Acquire(self, c.lock)

		e.inUse = false

		if err != nil || n != BlockSize {
			if err == nil {
				err = fmt.Errorf("cache: short write flushing block %d: wrote %d bytes", blockN, n)
			}

			return 0, err
		}

		e.dirty = false
	}

	e.valid = false

	return victim, nil
}

// releaseLocked is ReleaseBlock's body once the matching entry is known. Caller holds c.lock.
func (c *Cache) releaseLocked(e *entry, dirty bool) {
	e.inUse = false

	if dirty {
		e.dirty = true
	}
}

// ReleaseBlock unpins the entry whose buffer is ptr, optionally marking it dirty, and broadcasts
// the shared waiters condition, per §4.6.
func (c *Cache) ReleaseBlock(self *sched.Thread, ptr *[BlockSize]byte, dirty bool) {
	c.k.Acquire(self, c.lock)

	for i := range c.entries {
		if &c.entries[i].data == ptr {
			c.releaseLocked(&c.entries[i], dirty)
			delete(c.lastPinned, self.ID)

			break
		}
	}

	c.k.Release(self, c.lock)
	c.k.Broadcast(c.shared)
}

// Flush writes every dirty, valid entry back to disk and clears its dirty bit on success. A failed
// write-back leaves the entry dirty, per §7's "may not downgrade a write-back failure to success".
func (c *Cache) Flush(self *sched.Thread) error {
	c.k.Acquire(self, c.lock)

	type dirtyEntry struct {
		idx    int
		blockN uint64
		data   [BlockSize]byte
	}

	var work []dirtyEntry

	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].dirty {
			work = append(work, dirtyEntry{idx: i, blockN: c.entries[i].blockN, data: c.entries[i].data})
		}
	}

	c.k.Release(self, c.lock)

	var firstErr error

	for _, p := range work {
		n, err := c.disk.Store(self, p.blockN*BlockSize, p.data[:])

		c.k.Acquire(self, c.lock)

		if err == nil && n == BlockSize {
			c.entries[p.idx].dirty = false
		} else if firstErr == nil {
			if err != nil {
				firstErr = err
			} else {
				firstErr = fmt.Errorf("cache: short write flushing block %d: wrote %d bytes", p.blockN, n)
			}
		}

		c.k.Release(self, c.lock)
	}

	return firstErr
}

// Stat is a read-only snapshot of one cache entry, exported for test assertions against §8's
// invariants (in_use implies owner set, !valid implies !dirty, at most one entry per block number).
type Stat struct {
	BlockN    uint64
	Valid     bool
	Dirty     bool
	InUse     bool
	Owner     sched.ID
	LastAccess uint64
}

// Stats returns a snapshot of every entry, in slot order.
func (c *Cache) Stats(self *sched.Thread) []Stat {
	c.k.Acquire(self, c.lock)
	defer c.k.Release(self, c.lock)

	out := make([]Stat, len(c.entries))

	for i, e := range c.entries {
		out[i] = Stat{BlockN: e.blockN, Valid: e.valid, Dirty: e.dirty, InUse: e.inUse, Owner: e.owner, LastAccess: e.lastAccess}
	}

	return out
}
