package mm

import (
	"testing"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
)

func TestPagePool_AllocBestFit(tt *testing.T) {
	tt.Parallel()

	pool := NewPagePool(0, 100)

	// Allocate 10 pages: best-fit carves them from the high end, [90,100), leaving [0,90) free.
	a := pool.AllocPages(10)
	if a != 90 {
		tt.Fatalf("want alloc from high end of sole chunk, got base %s", a)
	}

	if got, want := pool.FreePageCount(), uint64(90); got != want {
		tt.Fatalf("free count = %d, want %d", got, want)
	}
}

func TestPagePool_BestFitPicksSmallestSufficientChunk(tt *testing.T) {
	tt.Parallel()

	pool := NewPagePool(0, 1000)

	// Build two free chunks by freeing disjoint regions into an otherwise fully-allocated pool.
	pool.AllocPages(1000)
	pool.FreePages(0, 20)   // small chunk
	pool.FreePages(100, 80) // large chunk

	got := pool.AllocPages(15)
	if got != 5 {
		tt.Fatalf("alloc_pages(15) = %s, want to come from the small [0,20) chunk at base 5", got)
	}
}

func TestPagePool_FreeThenAllocRoundTrips(tt *testing.T) {
	tt.Parallel()

	pool := NewPagePool(0, 64)

	base := pool.AllocPages(8)
	pool.FreePages(base, 8)

	if got, want := pool.FreePageCount(), uint64(64); got != want {
		tt.Fatalf("free count after round trip = %d, want %d", got, want)
	}
}

func TestPagePool_FreeOverlapPanics(tt *testing.T) {
	tt.Parallel()

	pool := NewPagePool(0, 64)
	pool.AllocPages(64) // exhaust the pool so nothing is free

	pool.FreePages(0, 32)

	defer func() {
		if r := recover(); r == nil {
			tt.Fatalf("expected panic on overlapping free")
		}
	}()

	pool.FreePages(16, 16) // overlaps [0,32)
}

func TestPagePool_FreeOutOfBoundsPanics(tt *testing.T) {
	tt.Parallel()

	pool := NewPagePool(10, 20)

	defer func() {
		if r := recover(); r == nil {
			tt.Fatalf("expected panic on out-of-bounds free")
		}
	}()

	pool.FreePages(0, 5)
}

func TestPagePool_AllocExhaustionPanics(tt *testing.T) {
	tt.Parallel()

	pool := NewPagePool(0, 4)

	defer func() {
		if r := recover(); r == nil {
			tt.Fatalf("expected panic when no chunk is large enough")
		}
	}()

	pool.AllocPages(5)
}

// TestPagePool_ChunksNeverOverlap walks the chunk list after a sequence of alloc/free operations
// and asserts the sorted, non-overlapping invariant from §8 directly.
func TestPagePool_ChunksNeverOverlap(tt *testing.T) {
	tt.Parallel()

	pool := NewPagePool(0, 256)

	a := pool.AllocPages(16)
	b := pool.AllocPages(32)
	c := pool.AllocPages(8)

	pool.FreePages(b, 32)
	pool.FreePages(a, 16)

	chunks := pool.chunks()
	for i := 1; i < len(chunks); i++ {
		prevEnd := chunks[i-1][0] + chunks[i-1][1]
		if prevEnd > chunks[i][0] {
			tt.Fatalf("chunks overlap: %v then %v", chunks[i-1], chunks[i])
		}
	}

	pool.FreePages(c, 8)

	if got := pool.FreePageCount(); got != 256 {
		tt.Fatalf("free count = %d, want 256", got)
	}

	_ = arch.PPN(0)
}
