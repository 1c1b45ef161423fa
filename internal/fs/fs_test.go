package fs

import (
	"testing"
	"time"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/cache"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/sched"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/uio"
)

// fakeDisk is an in-memory backing store satisfying cache.Disk, so these tests exercise the real
// block cache above a plain byte slice instead of a virtqueue.
type fakeDisk struct {
	data []byte
}

func newFakeDisk(blocks int) *fakeDisk {
	return &fakeDisk{data: make([]byte, blocks*BlockSize)}
}

func (d *fakeDisk) Fetch(self *sched.Thread, pos uint64, buf []byte) (int, error) {
	return copy(buf, d.data[pos:pos+uint64(len(buf))]), nil
}

func (d *fakeDisk) Store(self *sched.Thread, pos uint64, buf []byte) (int, error) {
	return copy(d.data[pos:pos+uint64(len(buf))], buf), nil
}

func withThread(tt *testing.T, fn func(k *sched.Kernel, self *sched.Thread)) {
	tt.Helper()

	k := sched.New()
	done := make(chan struct{})

	k.Create("t", 0, false, func(self *sched.Thread) {
		defer close(done)
		fn(k, self)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		tt.Fatal("timed out")
	}
}

// TestFS_CreateWriteReadDelete covers §8 scenario 1: a 3000-byte file round-trips byte for byte and
// is gone after delete.
func TestFS_CreateWriteReadDelete(tt *testing.T) {
	withThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		disk := newFakeDisk(64)
		c := cache.New(k, disk)

		f, err := Format(k, self, c, DefaultFormatOptions(64))
		if err != nil {
			tt.Fatalf("Format: %v", err)
		}

		if err := f.Create(self, "a"); err != nil {
			tt.Fatalf("Create: %v", err)
		}

		ops, err := f.Open(self, "a")
		if err != nil {
			tt.Fatalf("Open: %v", err)
		}

		data := make([]byte, 3000)
		for i := range data {
			data[i] = byte(i % 251)
		}

		n, err := ops.Write(self, data)
		if err != nil || n != len(data) {
			tt.Fatalf("Write: n=%d err=%v", n, err)
		}

		if end, err := ops.Cntl(self, uio.CtlGetEnd, 0); err != nil || end != 3000 {
			tt.Fatalf("get-end = %d, err=%v, want 3000", end, err)
		}

		if _, err := ops.Cntl(self, uio.CtlSetPos, 0); err != nil {
			tt.Fatalf("set-pos: %v", err)
		}

		readBack := make([]byte, 3000)

		n, err = ops.Read(self, readBack)
		if err != nil || n != 3000 {
			tt.Fatalf("Read: n=%d err=%v", n, err)
		}

		for i := range data {
			if readBack[i] != data[i] {
				tt.Fatalf("byte %d: got %d want %d", i, readBack[i], data[i])
			}
		}

		if err := f.Delete(self, "a"); err != nil {
			tt.Fatalf("Delete: %v", err)
		}

		if _, err := f.Open(self, "a"); err == nil {
			tt.Fatal("Open after Delete succeeded, want ErrNoSuchEntry")
		}
	})
}

// TestFS_GrowAcrossIndirectBoundaryAndRemount covers §8 scenario 2.
func TestFS_GrowAcrossIndirectBoundaryAndRemount(tt *testing.T) {
	withThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		disk := newFakeDisk(256)
		c := cache.New(k, disk)

		f, err := Format(k, self, c, DefaultFormatOptions(256))
		if err != nil {
			tt.Fatalf("Format: %v", err)
		}

		if err := f.Create(self, "b"); err != nil {
			tt.Fatalf("Create: %v", err)
		}

		ops, err := f.Open(self, "b")
		if err != nil {
			tt.Fatalf("Open: %v", err)
		}

		const newEnd = 4*BlockSize + 3 // crosses into the single-indirect region

		end, err := ops.Cntl(self, uio.CtlSetEnd, newEnd)
		if err != nil || end != newEnd {
			tt.Fatalf("set-end: end=%d err=%v", end, err)
		}

		if _, err := ops.Cntl(self, uio.CtlSetPos, 4*BlockSize); err != nil {
			tt.Fatalf("set-pos: %v", err)
		}

		zeros := make([]byte, 3)

		n, err := ops.Read(self, zeros)
		if err != nil || n != 3 || zeros[0] != 0 || zeros[1] != 0 || zeros[2] != 0 {
			tt.Fatalf("read hole: n=%d err=%v buf=%v, want zeros", n, err, zeros)
		}

		if _, err := ops.Cntl(self, uio.CtlSetPos, 4*BlockSize); err != nil {
			tt.Fatalf("set-pos: %v", err)
		}

		n, err = ops.Write(self, []byte("XYZ"))
		if err != nil || n != 3 {
			tt.Fatalf("write: n=%d err=%v", n, err)
		}

		if err := f.Sync(self); err != nil {
			tt.Fatalf("Sync: %v", err)
		}

		// Remount: a fresh cache over the same backing disk, forcing every read to come from disk.
		c2 := cache.New(k, disk)

		f2, err := Mount(k, self, c2)
		if err != nil {
			tt.Fatalf("Mount: %v", err)
		}

		ops2, err := f2.Open(self, "b")
		if err != nil {
			tt.Fatalf("Open after remount: %v", err)
		}

		if end, err := ops2.Cntl(self, uio.CtlGetEnd, 0); err != nil || end != newEnd {
			tt.Fatalf("get-end after remount = %d, err=%v, want %d", end, err, newEnd)
		}

		if _, err := ops2.Cntl(self, uio.CtlSetPos, 4*BlockSize); err != nil {
			tt.Fatalf("set-pos after remount: %v", err)
		}

		readBack := make([]byte, 3)

		if _, err := ops2.Read(self, readBack); err != nil || string(readBack) != "XYZ" {
			tt.Fatalf("read after remount: %q err=%v, want XYZ", readBack, err)
		}
	})
}

// TestFS_CreateRejectsDuplicateNames covers the round-trip law in §8: create/exists/delete/create.
func TestFS_CreateRejectsDuplicateNames(tt *testing.T) {
	withThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		disk := newFakeDisk(64)
		c := cache.New(k, disk)

		f, err := Format(k, self, c, DefaultFormatOptions(64))
		if err != nil {
			tt.Fatalf("Format: %v", err)
		}

		if err := f.Create(self, "f"); err != nil {
			tt.Fatalf("Create: %v", err)
		}

		if err := f.Create(self, "f"); err == nil {
			tt.Fatal("Create of a duplicate name succeeded, want ErrAlreadyExists")
		}

		if err := f.Delete(self, "f"); err != nil {
			tt.Fatalf("Delete: %v", err)
		}

		if err := f.Create(self, "f"); err != nil {
			tt.Fatalf("Create after Delete: %v", err)
		}
	})
}

// TestFS_DeleteCompactsDirectoryBySwappingLastEntry exercises the swap-compaction delete describes
// for a non-last victim.
func TestFS_DeleteCompactsDirectoryBySwappingLastEntry(tt *testing.T) {
	withThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		disk := newFakeDisk(64)
		c := cache.New(k, disk)

		f, err := Format(k, self, c, DefaultFormatOptions(64))
		if err != nil {
			tt.Fatalf("Format: %v", err)
		}

		for _, name := range []string{"one", "two", "three"} {
			if err := f.Create(self, name); err != nil {
				tt.Fatalf("Create %q: %v", name, err)
			}
		}

		if err := f.Delete(self, "one"); err != nil {
			tt.Fatalf("Delete: %v", err)
		}

		if _, err := f.Open(self, "two"); err != nil {
			tt.Fatalf("Open two after deleting one: %v", err)
		}

		if _, err := f.Open(self, "three"); err != nil {
			tt.Fatalf("Open three after deleting one: %v", err)
		}

		dir, err := f.rootInode(self)
		if err != nil {
			tt.Fatalf("rootInode: %v", err)
		}

		if dir.Size != 2*DirEntrySize {
			tt.Fatalf("directory size after delete = %d, want %d", dir.Size, 2*DirEntrySize)
		}
	})
}

// TestFS_ListingEnumeratesLiveEntries covers §4.7's "opening the empty name returns a listing
// handle".
func TestFS_ListingEnumeratesLiveEntries(tt *testing.T) {
	withThread(tt, func(k *sched.Kernel, self *sched.Thread) {
		disk := newFakeDisk(64)
		c := cache.New(k, disk)

		f, err := Format(k, self, c, DefaultFormatOptions(64))
		if err != nil {
			tt.Fatalf("Format: %v", err)
		}

		for _, name := range []string{"one", "two"} {
			if err := f.Create(self, name); err != nil {
				tt.Fatalf("Create %q: %v", name, err)
			}
		}

		ops, err := f.Open(self, "")
		if err != nil {
			tt.Fatalf("Open listing: %v", err)
		}

		buf := make([]byte, 64)

		n, err := ops.Read(self, buf)
		if err != nil {
			tt.Fatalf("Read listing: %v", err)
		}

		got := string(buf[:n])
		if got != "one\x00two\x00" {
			tt.Fatalf("listing = %q, want %q", got, "one\x00two\x00")
		}
	})
}
