// Package kva is the kernel-virtual-address arena (§4.5): the same S-tree
// pattern as mem's physical frame allocator, but over kernel VA space, at a
// coarser granularity (AllocSize = 4 pages) and with no page-table
// effect of its own — pure VA bookkeeping, grounded on mem.Physmem's
// S-tree-over-a-bitmap shape.
package kva

import (
	"github.com/tienex/nux/mem"
	"github.com/tienex/nux/stree"
)

const (
	// Order is expressed in units of AllocSize, matching
	// "(1 << (ORDER + PAGE_SHIFT))" from §4.5 generalized to a 4-page unit.
	AllocOrderPages = 2 // log2(4 pages per granule)
	AllocSize       = (1 << AllocOrderPages) * mem.PageSize
)

// VAddrInvalid is the OOM-va sentinel (§7).
const VAddrInvalid = ^uintptr(0)

// Arena allocates/frees fixed AllocSize chunks of kernel VA out of
// [base, base+len).
type Arena struct {
	base  uintptr
	order uint
	tree  *stree.Tree
}

// New builds an arena covering span bytes starting at base; span is
// rounded down to a multiple of AllocSize. Every granule starts free.
func New(base uintptr, span uintptr) *Arena {
	n := span / AllocSize
	order := uint(0)
	for (uint64(1) << order) < uint64(n) {
		order++
	}
	tr := stree.New(order)
	for i := uint64(0); i < uint64(n); i++ {
		tr.SetBit(i)
	}
	return &Arena{base: base, order: order, tree: tr}
}

// AllocVA returns a free VA granule (lowest if low, else highest), or
// VAddrInvalid on exhaustion.
func (a *Arena) AllocVA(low bool) uintptr {
	var bit int64
	if low {
		bit = a.tree.PopLowest()
	} else {
		bit = a.tree.PopHighest()
	}
	if bit < 0 {
		return VAddrInvalid
	}
	return a.base + uintptr(bit)*AllocSize
}

// FreeVA returns a previously allocated granule to the arena.
func (a *Arena) FreeVA(va uintptr) {
	if va < a.base || (va-a.base)%AllocSize != 0 {
		panic("kva: FreeVA of a misaligned or out-of-arena address")
	}
	bit := uint64((va - a.base) / AllocSize)
	if a.tree.SetBit(bit) {
		panic("kva: double free of kernel VA")
	}
}

// Base reports the arena's starting VA, for tests and for the
// direct/pfn-cache window layout that sits adjacent to it.
func (a *Arena) Base() uintptr { return a.base }
