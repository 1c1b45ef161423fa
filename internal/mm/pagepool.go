// Package mm is the virtual-memory manager: the physical page pool (C1) and the page-table engine
// (C2). Like elsie's Memory controller, each piece owns its own state and is driven by explicit
// method calls rather than by any ambient global.
package mm

import (
	"fmt"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/arch"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
)

// chunk is the header of a free region of physical memory. Headers are kept in PagePool.store,
// keyed by the region's first page, rather than in the free frames themselves.
type chunk struct {
	base  arch.PPN // first page of the region
	pages uint64   // number of pages in the region
	next  *chunk
}

func (c *chunk) end() arch.PPN { return c.base + arch.PPN(c.pages) }

// PagePool is the free-frame allocator described in §4.1: a sorted, non-overlapping list of
// chunks, each carved from the high end on allocation.
type PagePool struct {
	head  *chunk
	low   arch.PPN // inclusive lower bound of the physical region this pool manages
	high  arch.PPN // exclusive upper bound
	log   *log.Logger
	store map[arch.PPN]*chunk // headers, keyed by base, so Go doesn't need unsafe in-RAM placement
}

// NewPagePool creates a pool managing the frames [low, high), initially a single free chunk
// spanning the whole range.
func NewPagePool(low, high arch.PPN) *PagePool {
	p := &PagePool{
		low:   low,
		high:  high,
		log:   log.DefaultLogger().With("component", "mm.pagepool"),
		store: make(map[arch.PPN]*chunk),
	}

	first := &chunk{base: low, pages: uint64(high - low)}
	p.store[first.base] = first
	p.head = first

	return p
}

// AllocPages allocates n contiguous frames using best-fit: the smallest chunk that can satisfy the
// request is chosen, and the allocation is carved from its high end, shrinking the chunk in place
// (or detaching it entirely if it is consumed exactly). It panics — a kernel-fatal condition per
// §7 — if no chunk is large enough; the pool design guarantees this never happens from silent
// fragmentation, only from genuine exhaustion.
func (p *PagePool) AllocPages(n uint64) arch.PPN {
	if n == 0 {
		panic("mm: alloc_pages(0)")
	}

	var (
		best     *chunk
		bestPrev *chunk
		prev     *chunk
	)

	for c := p.head; c != nil; c = c.next {
		if c.pages >= n && (best == nil || c.pages < best.pages) {
			best, bestPrev = c, prev
		}

		prev = c
	}

	if best == nil {
		panic(fmt.Sprintf("mm: out of physical memory: wanted %d pages, have %d free", n, p.FreePageCount()))
	}

	alloc := best.end() - arch.PPN(n)
	best.pages -= n

	if best.pages == 0 {
		delete(p.store, best.base)

		if bestPrev == nil {
			p.head = best.next
		} else {
			bestPrev.next = best.next
		}
	}

	p.log.Debug("alloc_pages", "n", n, "base", alloc)

	return alloc
}

// FreePages returns n frames starting at p to the pool, inserting a new chunk header in sorted
// order and merging it with a neighbouring chunk it touches. It panics on misalignment, out-of-bounds, or overlap with an existing chunk — all are
// kernel-fatal caller bugs (double free or corruption) per §7.
func (p *PagePool) FreePages(base arch.PPN, n uint64) {
	if n == 0 {
		panic("mm: free_pages(0)")
	}

	if base < p.low || base+arch.PPN(n) > p.high {
		panic(fmt.Sprintf("mm: free_pages: range [%s,%s) out of bounds [%s,%s)", base, base+arch.PPN(n), p.low, p.high))
	}

	fresh := &chunk{base: base, pages: n}

	var prev *chunk

	cur := p.head
	for cur != nil && cur.base < fresh.base {
		prev = cur
		cur = cur.next
	}

	if prev != nil && prev.end() > fresh.base {
		panic(fmt.Sprintf("mm: free_pages: overlaps preceding chunk [%s,%s)", prev.base, prev.end()))
	}

	if cur != nil && fresh.end() > cur.base {
		panic(fmt.Sprintf("mm: free_pages: overlaps following chunk [%s,%s)", cur.base, cur.end()))
	}

	fresh.next = cur
	p.store[fresh.base] = fresh

	if prev == nil {
		p.head = fresh
	} else {
		prev.next = fresh
	}

	// Coalesce with adjacent chunks so the list never holds two touching regions.
	if cur != nil && fresh.end() == cur.base {
		fresh.pages += cur.pages
		fresh.next = cur.next
		delete(p.store, cur.base)
	}

	if prev != nil && prev.end() == fresh.base {
		prev.pages += fresh.pages
		prev.next = fresh.next
		delete(p.store, fresh.base)
	}

	p.log.Debug("free_pages", "n", n, "base", base)
}

// FreePageCount sums the page counts of every free chunk.
func (p *PagePool) FreePageCount() uint64 {
	var total uint64

	for c := p.head; c != nil; c = c.next {
		total += c.pages
	}

	return total
}

// chunks returns the sorted chunk list as (base, pages) pairs, for tests that check the
// non-overlap invariant directly.
func (p *PagePool) chunks() [][2]uint64 {
	var out [][2]uint64

	for c := p.head; c != nil; c = c.next {
		out = append(out, [2]uint64{uint64(c.base), c.pages})
	}

	return out
}
