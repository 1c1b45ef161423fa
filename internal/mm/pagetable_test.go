package mm

import (
	"testing"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
)

func newTestEngine(tt *testing.T) (*PageTable, *PagePool) {
	tt.Helper()

	pages := NewPages()
	pool := NewPagePool(0, 4096)
	pt := NewPageTable(pages, pool)

	return pt, pool
}

func TestMapPage_InstallsBranchChainAndLeaf(tt *testing.T) {
	tt.Parallel()

	pt, pool := newTestEngine(tt)
	root := pt.NewRoot()

	pp := pool.AllocPages(1)
	vma := arch.Addr(0x1000_0000)

	pt.MapPage(root, vma, pp, arch.FlagRead|arch.FlagWrite|arch.FlagUser)

	err := pt.ValidateVPtr(root, vma, 1, arch.FlagRead|arch.FlagWrite)
	if err != nil {
		tt.Fatalf("validate_vptr after map_page: %v", err)
	}
}

func TestMapPage_ReplacingLiveLeafFreesOldFrame(tt *testing.T) {
	tt.Parallel()

	pt, pool := newTestEngine(tt)
	root := pt.NewRoot()
	vma := arch.Addr(0x2000_0000)

	before := pool.FreePageCount()

	pp1 := pool.AllocPages(1)
	pt.MapPage(root, vma, pp1, arch.FlagRead)

	pp2 := pool.AllocPages(1)
	pt.MapPage(root, vma, pp2, arch.FlagRead|arch.FlagWrite)

	// pp1 must have been returned to the pool: two 1-page allocs, two branch tables allocated by the
	// first MapPage, then one free nets three pages used.
	if got, want := pool.FreePageCount(), before-3; got != want {
		tt.Fatalf("free count after remap = %d, want %d", got, want)
	}
}

func TestUnmapAndFreeRange(tt *testing.T) {
	tt.Parallel()

	pt, pool := newTestEngine(tt)
	root := pt.NewRoot()
	vma := arch.Addr(0x3000_0000)

	before := pool.FreePageCount()

	pt.AllocAndMapRange(root, vma, 4*arch.PageSize, arch.FlagRead|arch.FlagWrite)
	pt.UnmapAndFreeRange(root, vma, 4*arch.PageSize)

	if err := pt.ValidateVPtr(root, vma, 4*arch.PageSize, arch.FlagRead); err == nil {
		tt.Fatalf("expected validate_vptr to fail after unmap")
	}

	// Every leaf frame comes back; the two branch tables the mapping created stay allocated.
	if got, want := pool.FreePageCount(), before-2; got != want {
		tt.Fatalf("free count after unmap_and_free_range = %d, want %d (leaves reclaimed)", got, want)
	}
}

func TestValidateVPtr_RejectsMalformedAddress(tt *testing.T) {
	tt.Parallel()

	pt, _ := newTestEngine(tt)
	root := pt.NewRoot()

	bad := arch.Addr(1) << 40 // bits 63:38 neither all-0 nor all-1

	if err := pt.ValidateVPtr(root, bad, 8, arch.FlagRead); err == nil {
		tt.Fatalf("expected invalid-range error for malformed address")
	}
}

func TestValidateVPtr_MissingFlagFails(tt *testing.T) {
	tt.Parallel()

	pt, pool := newTestEngine(tt)
	root := pt.NewRoot()
	vma := arch.Addr(0x4000_0000)

	pp := pool.AllocPages(1)
	pt.MapPage(root, vma, pp, arch.FlagRead)

	if err := pt.ValidateVPtr(root, vma, 1, arch.FlagWrite); err == nil {
		tt.Fatalf("expected no-access error: page is read-only")
	}
}

func TestValidateVStr_StopsAtNUL(tt *testing.T) {
	tt.Parallel()

	pt, pool := newTestEngine(tt)
	root := pt.NewRoot()
	vma := arch.Addr(0x5000_0000)

	pp := pool.AllocPages(1)
	pt.MapPage(root, vma, pp, arch.FlagRead|arch.FlagWrite)

	data := []byte("hi\x00trailing garbage")
	readByte := func(a arch.Addr) (byte, bool) {
		off := int(a - vma)
		if off < 0 || off >= len(data) {
			return 0, false
		}

		return data[off], true
	}

	if err := pt.ValidateVStr(root, vma, arch.FlagRead, readByte); err != nil {
		tt.Fatalf("validate_vstr: %v", err)
	}
}
