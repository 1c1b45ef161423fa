package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
)

// fakeDisk is an in-memory backing store satisfying the Disk interface, for tests that don't need
// a real virtqueue.
type fakeDisk struct {
	mu   sync.Mutex
	data []byte

	fetches, stores int

	// failStores makes Store fail without writing anything.
	failStores bool
}

func newFakeDisk(blocks int) *fakeDisk {
	return &fakeDisk{data: make([]byte, blocks*BlockSize)}
}

func (d *fakeDisk) Fetch(self *sched.Thread, pos uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fetches++
	n := copy(buf, d.data[pos:pos+uint64(len(buf))])

	return n, nil
}

func (d *fakeDisk) Store(self *sched.Thread, pos uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stores++
	if d.failStores {
		return 0, errors.New("fake disk: store failed")
	}

	n := copy(d.data[pos:pos+uint64(len(buf))], buf)

	return n, nil
}

func TestCache_GetReleaseRoundTrip(tt *testing.T) {
	k := sched.New()
	disk := newFakeDisk(4)
	c := New(k, disk)

	done := make(chan struct{})

	k.Create("t", 0, false, func(self *sched.Thread) {
		buf, err := c.GetBlock(self, 0)
		if err != nil {
			tt.Errorf("GetBlock: %v", err)
			close(done)
			return
		}

		buf[0] = 0xAB
		c.ReleaseBlock(self, buf, true)

		if err := c.Flush(self); err != nil {
			tt.Errorf("Flush: %v", err)
		}

		if disk.data[0] != 0xAB {
			tt.Errorf("flush did not persist the write: got %#x", disk.data[0])
		}

		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out")
	}
}

func TestCache_FlushLeavesEntryDirtyOnFailedWrite(tt *testing.T) {
	k := sched.New()
	disk := newFakeDisk(1)
	c := New(k, disk)

	done := make(chan struct{})

	k.Create("t", 0, false, func(self *sched.Thread) {
		buf, _ := c.GetBlock(self, 0)
		buf[0] = 1
		c.ReleaseBlock(self, buf, true)

		stats := c.Stats(self)
		if !stats[0].Dirty {
			tt.Errorf("expected entry to be dirty before flush")
		}

		disk.mu.Lock()
		disk.failStores = true
		disk.mu.Unlock()

		if err := c.Flush(self); err == nil {
			tt.Errorf("Flush against a failing disk returned nil error")
		}

		if stats := c.Stats(self); !stats[0].Dirty {
			tt.Errorf("expected entry to stay dirty after a failed flush")
		}

		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out")
	}
}

// TestCache_ConcurrentReadersSerializeOnSameBlock reproduces §8 scenario 3: two threads repeatedly
// get/release the same block; at no point may both threads observe themselves as the owner
// simultaneously.
func TestCache_ConcurrentReadersSerializeOnSameBlock(tt *testing.T) {
	k := sched.New()
	disk := newFakeDisk(1)
	c := New(k, disk)

	const iterations = 2000

	var mu sync.Mutex
	held := false
	violated := false

	done := make(chan struct{}, 2)

	k.Create("watcher-a", 0, false, func(self *sched.Thread) {
		for i := 0; i < iterations; i++ {
			buf, err := c.GetBlock(self, 0)
			if err != nil {
				tt.Errorf("GetBlock: %v", err)
				break
			}

			mu.Lock()
			if held {
				violated = true
			}
			held = true
			mu.Unlock()

			mu.Lock()
			held = false
			mu.Unlock()

			c.ReleaseBlock(self, buf, false)
		}

		done <- struct{}{}
	})

	k.Create("watcher-b", 0, false, func(self *sched.Thread) {
		for i := 0; i < iterations; i++ {
			buf, err := c.GetBlock(self, 0)
			if err != nil {
				tt.Errorf("GetBlock: %v", err)
				break
			}

			mu.Lock()
			if held {
				violated = true
			}
			held = true
			mu.Unlock()

			mu.Lock()
			held = false
			mu.Unlock()

			c.ReleaseBlock(self, buf, false)
		}

		done <- struct{}{}
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			tt.Fatal("timed out; possible deadlock")
		}
	}

	if violated {
		tt.Fatal("two threads observed the block held simultaneously")
	}
}

func TestCache_EvictionWritesBackDirtyVictim(tt *testing.T) {
	k := sched.New()
	disk := newFakeDisk(Size + 1)
	c := New(k, disk)

	done := make(chan struct{})

	k.Create("t", 0, false, func(self *sched.Thread) {
		// Fill every slot, dirtying each, then touch one more block to force an eviction.
		for i := 0; i < Size; i++ {
			buf, err := c.GetBlock(self, uint64(i)*BlockSize)
			if err != nil {
				tt.Fatalf("GetBlock(%d): %v", i, err)
			}

			buf[0] = byte(i + 1)
			c.ReleaseBlock(self, buf, true)
		}

		if _, err := c.GetBlock(self, Size*BlockSize); err != nil {
			tt.Fatalf("GetBlock(overflow): %v", err)
		}

		if disk.stores == 0 {
			tt.Fatalf("expected a dirty victim to be written back before eviction")
		}

		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		tt.Fatal("timed out")
	}
}
