package mm

// mspace.go implements address-space lifecycle: the statically reserved main space and the
// clone/reset/discard operations of §4.2.

import (
	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
)

// User address window, per §3.
const (
	UMemStart = arch.Addr(0x0000_0001_0000_0000)
	UMemEnd   = arch.Addr(0x0000_0002_0000_0000)

	// UserStackPage is the top page of the user window, reserved for the user stack.
	UserStackPage = UMemEnd - arch.PageSize
)

// MSpaceManager owns the page-table engine, the physical pool, and the lifecycle of every address
// space including the one statically reserved "main" space holding global kernel mappings.
type MSpaceManager struct {
	pt       *PageTable
	pool     *PagePool
	mainRoot arch.PPN
	nextASID arch.ASID
	log      *log.Logger
}

// NewMSpaceManager creates the manager and reserves the main space's root table.
func NewMSpaceManager(pt *PageTable, pool *PagePool) *MSpaceManager {
	m := &MSpaceManager{
		pt:       pt,
		pool:     pool,
		nextASID: 1,
		log:      log.DefaultLogger().With("component", "mm.mspace"),
	}

	m.mainRoot = pt.NewRoot()

	return m
}

// MainTag returns the memory-space tag for the statically reserved main space.
func (m *MSpaceManager) MainTag() arch.MemTag { return arch.NewMemTag(0, m.mainRoot) }

// MapGlobal installs a global mapping (kernel text/rodata/data, MMIO, or the pool region) in the
// main space. Global mappings are installed once at boot and are shared, never copied, by every
// later clone.
func (m *MSpaceManager) MapGlobal(vma arch.Addr, pp arch.PPN, flags arch.Flags) {
	m.pt.MapPage(m.mainRoot, vma, pp, flags|arch.FlagGlobal)
}

// NewUserSpace allocates a fresh root table carrying only the global mappings copied in by an
// initial clone of the main space; it is the entry point used by process creation before any
// user program is loaded.
func (m *MSpaceManager) NewUserSpace() arch.MemTag {
	return m.Clone(m.MainTag())
}

// Clone recursively copies the root named by tag: global PTEs are shared as-is, non-global
// branches recurse into freshly allocated tables, and non-global leaves get a freshly allocated
// frame with the page's contents copied and the original R|W|X|U|G flags preserved. It implements
// §4.2's clone_active_mspace, generalized to take an explicit source tag.
func (m *MSpaceManager) Clone(tag arch.MemTag) arch.MemTag {
	asid := m.nextASID
	m.nextASID++

	newRoot := m.cloneTable(tag.Root(), arch.Levels-1)

	return arch.NewMemTag(asid, newRoot)
}

func (m *MSpaceManager) cloneTable(table arch.PPN, level int) arch.PPN {
	fresh := m.pool.AllocPages(1)
	m.pt.pages.Zero(fresh)

	for idx := uint64(0); idx < arch.PTEsPerTable; idx++ {
		e := m.pt.pages.ReadPTE(table, idx)
		if !e.Valid() {
			continue
		}

		if e.Flags().Has(arch.FlagGlobal) {
			m.pt.pages.WritePTE(fresh, idx, e)
			continue
		}

		if level > 0 && !e.Flags().IsLeaf() {
			child := m.cloneTable(e.PPN(), level-1)
			m.pt.pages.WritePTE(fresh, idx, arch.NewPTE(child, arch.FlagValid))

			continue
		}

		// Non-global leaf: allocate a new frame, copy contents, preserve permissions.
		newFrame := m.pool.AllocPages(1)
		m.pt.pages.CopyPage(e.PPN(), newFrame)

		keep := e.Flags() & (arch.FlagRead | arch.FlagWrite | arch.FlagExec | arch.FlagUser | arch.FlagGlobal)
		m.pt.pages.WritePTE(fresh, idx, arch.NewPTE(newFrame, keep|arch.FlagValid))
	}

	return fresh
}

// Reset frees every non-global leaf reachable from tag's root, and any branch table left empty by
// that, but keeps the root table itself. It implements §4.2's reset_active_mspace.
func (m *MSpaceManager) Reset(tag arch.MemTag) {
	m.resetTable(tag.Root(), arch.Levels-1, false)
}

// resetTable returns true if, after freeing non-global children, the table itself became empty of
// any remaining (global) entries and so may be reclaimed by the caller.
func (m *MSpaceManager) resetTable(table arch.PPN, level int, mayFreeSelf bool) bool {
	empty := true

	for idx := uint64(0); idx < arch.PTEsPerTable; idx++ {
		e := m.pt.pages.ReadPTE(table, idx)
		if !e.Valid() {
			continue
		}

		if e.Flags().Has(arch.FlagGlobal) {
			empty = false
			continue
		}

		if level > 0 && !e.Flags().IsLeaf() {
			childEmpty := m.resetTable(e.PPN(), level-1, true)
			if childEmpty {
				m.pt.pages.WritePTE(table, idx, 0)
			} else {
				empty = false
			}

			continue
		}

		// Non-global leaf.
		m.pool.FreePages(e.PPN(), 1)
		m.pt.pages.WritePTE(table, idx, 0)
	}

	if empty && mayFreeSelf {
		m.pool.FreePages(table, 1)
	}

	return empty
}

// Discard switches away from tag (the caller is responsible for actually installing the main
// space as active) and then tears the departing space down completely, including its root table —
// unless that root is the statically reserved main root, which this call refuses to free.
// It implements §4.2's discard_active_mspace.
func (m *MSpaceManager) Discard(tag arch.MemTag) {
	if tag.Root() == m.mainRoot {
		m.log.Warn("refusing to discard the main address space")
		return
	}

	m.resetTable(tag.Root(), arch.Levels-1, false)
	m.pool.FreePages(tag.Root(), 1)
}

// PageTable exposes the underlying engine for components (validate_vptr/vstr, user fault checks)
// that need to walk a specific address space directly.
func (m *MSpaceManager) PageTable() *PageTable { return m.pt }

// Pool exposes the underlying physical frame pool.
func (m *MSpaceManager) Pool() *PagePool { return m.pool }
