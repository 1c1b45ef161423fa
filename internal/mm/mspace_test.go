package mm

import (
	"testing"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
)

func newTestManager(tt *testing.T) *MSpaceManager {
	tt.Helper()

	pages := NewPages()
	pool := NewPagePool(0, 8192)
	pt := NewPageTable(pages, pool)

	return NewMSpaceManager(pt, pool)
}

func TestClone_SharesGlobalsAndCopiesPrivateLeaves(tt *testing.T) {
	tt.Parallel()

	m := newTestManager(tt)

	globalVMA := arch.Addr(0x1000_0000)
	globalPP := m.pool.AllocPages(1)
	m.MapGlobal(globalVMA, globalPP, arch.FlagRead|arch.FlagExec)

	userVMA := arch.Addr(UMemStart)
	userTag := m.NewUserSpace()
	userPP := m.pool.AllocPages(1)
	m.pt.MapPage(userTag.Root(), userVMA, userPP, arch.FlagRead|arch.FlagWrite|arch.FlagUser)

	clonedTag := m.Clone(userTag)

	// The global mapping must be visible, unmodified, from the clone.
	if err := m.pt.ValidateVPtr(clonedTag.Root(), globalVMA, 1, arch.FlagRead|arch.FlagExec); err != nil {
		tt.Fatalf("global mapping missing from clone: %v", err)
	}

	// The private mapping must be visible too, but backed by a distinct frame.
	_, _, origLeaf, ok := m.pt.walkLeaf(userTag.Root(), userVMA)
	if !ok {
		tt.Fatalf("original leaf missing")
	}

	_, _, cloneLeaf, ok := m.pt.walkLeaf(clonedTag.Root(), userVMA)
	if !ok {
		tt.Fatalf("cloned leaf missing")
	}

	if origLeaf.PPN() == cloneLeaf.PPN() {
		tt.Fatalf("clone must allocate a fresh frame for a private leaf, got same PPN %s", origLeaf.PPN())
	}
}

func TestReset_FreesNonGlobalLeavesButKeepsRoot(tt *testing.T) {
	tt.Parallel()

	m := newTestManager(tt)

	tag := m.NewUserSpace()
	before := m.pool.FreePageCount()

	m.pt.AllocAndMapRange(tag.Root(), arch.Addr(UMemStart), 4*arch.PageSize, arch.FlagRead|arch.FlagWrite|arch.FlagUser)
	m.Reset(tag)

	if got := m.pool.FreePageCount(); got != before {
		tt.Fatalf("free count after reset = %d, want %d (all private pages reclaimed)", got, before)
	}

	// Root itself must remain usable: mapping again should not panic.
	m.pt.AllocAndMapRange(tag.Root(), arch.Addr(UMemStart), arch.PageSize, arch.FlagRead|arch.FlagUser)
}

func TestDiscard_NeverFreesMainRoot(tt *testing.T) {
	tt.Parallel()

	m := newTestManager(tt)

	m.Discard(m.MainTag()) // must be a no-op, not a panic or corruption

	// The main root must still be usable afterwards.
	m.MapGlobal(arch.Addr(0x9000_0000), m.pool.AllocPages(1), arch.FlagRead)
}

func TestDiscard_ReclaimsUserSpaceEntirely(tt *testing.T) {
	tt.Parallel()

	m := newTestManager(tt)

	before := m.pool.FreePageCount()

	tag := m.NewUserSpace()
	m.pt.AllocAndMapRange(tag.Root(), arch.Addr(UMemStart), 2*arch.PageSize, arch.FlagRead|arch.FlagWrite|arch.FlagUser)

	m.Discard(tag)

	if got := m.pool.FreePageCount(); got != before {
		tt.Fatalf("free count after discard = %d, want %d", got, before)
	}
}
