package mm

// pagetable.go walks, inserts, and removes entries in the three-level page table described in
// §4.2. It operates on a root PPN passed explicitly rather than on ambient "current" state so that
// MSpace (mspace.go) can drive it for any address space, active or not.

import (
	"errors"
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
)

var (
	// ErrInvalidRange is returned by validation when the address range is malformed or wraps.
	ErrInvalidRange = errors.New("mm: invalid range")

	// ErrNoAccess is returned by validation when a mapped page lacks a requested permission.
	ErrNoAccess = errors.New("mm: no access")
)

// PageTable walks a hierarchy of Pages, a RAM model of the physical frames backing page tables and
// user/kernel data. Tests construct it directly over a fake backing store; Kernel wires it to a
// real PagePool.
type PageTable struct {
	pages *Pages // backing frame storage
	pool  *PagePool
	log   *log.Logger
}

// Pages is physical RAM addressed by PPN, modeling the bytes a real MMU would walk. It is the
// page-table engine's analogue of elsie's PhysicalMemory array.
type Pages struct {
	frames map[arch.PPN]*[arch.PageSize]byte
}

func NewPages() *Pages {
	return &Pages{frames: make(map[arch.PPN]*[arch.PageSize]byte)}
}

func (p *Pages) frame(ppn arch.PPN) *[arch.PageSize]byte {
	f, ok := p.frames[ppn]
	if !ok {
		f = &[arch.PageSize]byte{}
		p.frames[ppn] = f
	}

	return f
}

func (p *Pages) ReadPTE(ppn arch.PPN, idx uint64) arch.PTE {
	f := p.frame(ppn)
	off := idx * 8
	var v uint64

	for i := 0; i < 8; i++ {
		v |= uint64(f[off+uint64(i)]) << (8 * i)
	}

	return arch.PTE(v)
}

func (p *Pages) WritePTE(ppn arch.PPN, idx uint64, e arch.PTE) {
	f := p.frame(ppn)
	off := idx * 8

	for i := 0; i < 8; i++ {
		f[off+uint64(i)] = byte(e >> (8 * i))
	}
}

func (p *Pages) Zero(ppn arch.PPN) {
	f := p.frame(ppn)
	*f = [arch.PageSize]byte{}
}

func (p *Pages) CopyPage(from, to arch.PPN) {
	src := p.frame(from)
	dst := p.frame(to)
	*dst = *src
}

func (p *Pages) Free(ppn arch.PPN) { delete(p.frames, ppn) }

// NewPageTable creates a page-table engine over the given backing pages and pool.
func NewPageTable(pages *Pages, pool *PagePool) *PageTable {
	return &PageTable{pages: pages, pool: pool, log: log.DefaultLogger().With("component", "mm.pagetable")}
}

// NewRoot allocates and zeroes a fresh top-level table, returning its PPN.
func (pt *PageTable) NewRoot() arch.PPN {
	root := pt.pool.AllocPages(1)
	pt.pages.Zero(root)

	return root
}

// MapPage installs a leaf mapping for the single page containing vma, allocating any missing
// intermediate branch tables. It implements §4.2's map_page.
func (pt *PageTable) MapPage(root arch.PPN, vma arch.Addr, pp arch.PPN, flags arch.Flags) {
	table := root

	for level := arch.Levels - 1; level > 0; level-- {
		idx := vma.VPN(level)
		e := pt.pages.ReadPTE(table, idx)

		if !e.Valid() {
			next := pt.pool.AllocPages(1)
			pt.pages.Zero(next)
			pt.pages.WritePTE(table, idx, arch.NewPTE(next, arch.FlagValid))
			table = next

			continue
		}

		if e.Flags().IsLeaf() {
			panic(fmt.Sprintf("mm: map_page: %s already has a leaf mapping at level %d", vma, level))
		}

		table = e.PPN()
	}

	idx := vma.VPN(0)
	existing := pt.pages.ReadPTE(table, idx)

	if existing.Valid() {
		if !existing.Flags().IsLeaf() {
			panic(fmt.Sprintf("mm: map_page: conflicting branch PTE at leaf level for %s", vma))
		}

		if !existing.Flags().Has(arch.FlagGlobal) {
			pt.pool.FreePages(existing.PPN(), 1)
		}
	}

	leaf := arch.NewPTE(pp, flags|arch.FlagValid|arch.FlagAccessed|arch.FlagDirty)
	pt.pages.WritePTE(table, idx, leaf)
}

// MapRange installs leaf mappings for every page in [vma, vma+size) to consecutive physical frames
// starting at pp.
func (pt *PageTable) MapRange(root arch.PPN, vma arch.Addr, size uint64, pp arch.PPN, flags arch.Flags) {
	pages := (size + arch.PageSize - 1) / arch.PageSize

	for i := uint64(0); i < pages; i++ {
		pt.MapPage(root, vma+arch.Addr(i*arch.PageSize), pp+arch.PPN(i), flags)
	}
}

// AllocAndMapRange allocates ceil(size/PageSize) frames from the pool and maps them at vma.
func (pt *PageTable) AllocAndMapRange(root arch.PPN, vma arch.Addr, size uint64, flags arch.Flags) arch.PPN {
	pages := (size + arch.PageSize - 1) / arch.PageSize
	base := pt.pool.AllocPages(pages)

	for i := uint64(0); i < pages; i++ {
		pt.pages.Zero(base + arch.PPN(i))
	}

	pt.MapRange(root, vma, size, base, flags)

	return base
}

// walkLeaf returns the leaf PTE for vma, or ok=false if any level of the walk is absent.
func (pt *PageTable) walkLeaf(root arch.PPN, vma arch.Addr) (table arch.PPN, idx uint64, e arch.PTE, ok bool) {
	t := root

	for level := arch.Levels - 1; level > 0; level-- {
		e := pt.pages.ReadPTE(t, vma.VPN(level))
		if !e.Valid() || e.Flags().IsLeaf() {
			return 0, 0, 0, false
		}

		t = e.PPN()
	}

	i := vma.VPN(0)
	leaf := pt.pages.ReadPTE(t, i)

	if !leaf.Valid() {
		return 0, 0, 0, false
	}

	return t, i, leaf, true
}

// SetRangeFlags replaces the flags of every leaf mapping in [vma, vma+size), preserving each PTE's
// physical page number.
func (pt *PageTable) SetRangeFlags(root arch.PPN, vma arch.Addr, size uint64, flags arch.Flags) {
	pages := (size + arch.PageSize - 1) / arch.PageSize

	for i := uint64(0); i < pages; i++ {
		v := vma + arch.Addr(i*arch.PageSize)

		table, idx, e, ok := pt.walkLeaf(root, v)
		if !ok {
			continue
		}

		pt.pages.WritePTE(table, idx, arch.NewPTE(e.PPN(), flags|arch.FlagValid))
	}
}

// UnmapAndFreeRange removes every leaf mapping in [vma, vma+size) and frees its backing frame back
// to the pool (global mappings are never passed to this call in practice, but it frees whatever it
// finds, mirroring the C implementation's unconditional behavior).
func (pt *PageTable) UnmapAndFreeRange(root arch.PPN, vma arch.Addr, size uint64) {
	pages := (size + arch.PageSize - 1) / arch.PageSize

	for i := uint64(0); i < pages; i++ {
		v := vma + arch.Addr(i*arch.PageSize)

		table, idx, e, ok := pt.walkLeaf(root, v)
		if !ok {
			continue
		}

		pt.pages.WritePTE(table, idx, 0)
		pt.pool.FreePages(e.PPN(), 1)
	}
}

// WriteBytes copies data into the pages mapped starting at vma, crossing page boundaries as
// needed. Every page touched must already be mapped (e.g. by AllocAndMapRange); it is the raw
// byte-level counterpart to CopyPage, used by the loader to place segment contents and by process
// glue to build the user stack and copy syscall buffers.
func (pt *PageTable) WriteBytes(root arch.PPN, vma arch.Addr, data []byte) error {
	for len(data) > 0 {
		_, _, e, ok := pt.walkLeaf(root, vma)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoAccess, vma)
		}

		f := pt.pages.frame(e.PPN())
		off := vma.Offset()
		n := copy(f[off:], data)
		data = data[n:]
		vma += arch.Addr(n)
	}

	return nil
}

// ReadBytes copies len(buf) bytes out of the pages mapped starting at vma into buf.
func (pt *PageTable) ReadBytes(root arch.PPN, vma arch.Addr, buf []byte) error {
	for len(buf) > 0 {
		_, _, e, ok := pt.walkLeaf(root, vma)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoAccess, vma)
		}

		f := pt.pages.frame(e.PPN())
		off := vma.Offset()
		n := copy(buf, f[off:])
		buf = buf[n:]
		vma += arch.Addr(n)
	}

	return nil
}

// ValidateVPtr returns nil iff every page in [vp, vp+len) is mapped with at least the requested
// flags. It implements §4.2's validate_vptr.
func (pt *PageTable) ValidateVPtr(root arch.PPN, vp arch.Addr, length uint64, want arch.Flags) error {
	if length == 0 {
		return nil
	}

	if !vp.WellFormed() || vp+arch.Addr(length) < vp {
		return fmt.Errorf("%w: %s len %d", ErrInvalidRange, vp, length)
	}

	first := vp.PageNum()
	last := (vp + arch.Addr(length) - 1).PageNum()

	for page := first; page <= last; page += arch.PageSize {
		_, _, e, ok := pt.walkLeaf(root, page)
		if !ok || !e.Flags().Has(want) {
			return fmt.Errorf("%w: %s", ErrNoAccess, page)
		}

		if page+arch.PageSize < page {
			break // overflowed top of address space; last page covers the remainder
		}
	}

	return nil
}

// ValidateVStr is like ValidateVPtr but walks forward from vs until it finds a NUL byte, checking
// every page it crosses. readByte is a callback giving the engine access to raw bytes at an address,
// since the page table itself does not interpret leaf frame contents.
func (pt *PageTable) ValidateVStr(root arch.PPN, vs arch.Addr, want arch.Flags, readByte func(arch.Addr) (byte, bool)) error {
	if !vs.WellFormed() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, vs)
	}

	addr := vs
	checkedPage := arch.Addr(0)
	havePage := false

	for {
		page := addr.PageNum()
		if !havePage || page != checkedPage {
			_, _, e, ok := pt.walkLeaf(root, page)
			if !ok || !e.Flags().Has(want) {
				return fmt.Errorf("%w: %s", ErrNoAccess, page)
			}

			checkedPage, havePage = page, true
		}

		b, ok := readByte(addr)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoAccess, addr)
		}

		if b == 0 {
			return nil
		}

		addr++
	}
}
