// KMEM heap (§4.7): two break pointers bracket a single contiguous region
// of kernel VA. LO grows upward from the region's low end; HI grows
// downward from its high end. A single lock serialises brk adjustment, as
// the teacher's own per-subsystem single-mutex posture (e.g.
// biscuit/src/mem/dmap.go's cache lock) does for its analogous structure.
package kmem

import (
	"fmt"
	"sync"

	"github.com/tienex/nux/internal/kutil"
)

// Side selects which end of the heap an allocation comes from.
type Side int

const (
	LO Side = 0
	HI Side = 1
)

// MapRangeFn ensures [lo, hi) of kernel VA is backed by demand-mapped
// frames (ensure_range_mapped in §4.7); UnmapRangeFn tears pages back down
// during Trim. Both take absolute kernel VAs, not heap-relative offsets.
type MapRangeFn func(lo, hi uintptr)
type UnmapRangeFn func(lo, hi uintptr)

// Heap is the two-ended brk allocator over [base, base+size) of kernel VA.
type Heap struct {
	mu   sync.Mutex
	base uintptr
	size uintptr

	brk    [2]uintptr // heap-relative offsets; brk[LO] grows up, brk[HI] grows down
	maxbrk [2]uintptr // high-water marks, for Trim's unmap bound

	backing Backing
	zones   [2]*Zone

	growStep uintptr // granularity brk grows/shrinks by (a page, typically)
	mapFn    MapRangeFn
	unmapFn  UnmapRangeFn
}

// NewHeap builds a heap over [base, base+size) of kernel VA. backing gives
// byte access to that VA range (a real kernel VA window in production, a
// SliceBacking in tests); growStep is the demand-mapping granularity.
func NewHeap(base, size, growStep uintptr, backing Backing, mapFn MapRangeFn, unmapFn UnmapRangeFn) *Heap {
	h := &Heap{
		base:     base,
		size:     size,
		backing:  backing,
		growStep: growStep,
		mapFn:    mapFn,
		unmapFn:  unmapFn,
	}
	h.brk[LO] = 0
	h.brk[HI] = size
	h.maxbrk[LO] = 0
	h.maxbrk[HI] = size
	h.zones[LO] = NewZoneRegion(backing, 0, 0)
	h.zones[HI] = NewZoneRegion(backing, size, size)
	return h
}

// Alloc pulls n bytes from the given side's zone, growing the brk on a
// miss (§4.7, steps 1-2). It returns an absolute kernel VA, or ok=false on
// exhaustion (the two brks would cross).
func (h *Heap) Alloc(side Side, n uintptr) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off, ok := h.zones[side].Alloc(n); ok {
		return h.base + off, true
	}

	need := n + minBlock
	grown := kutil.Roundup(need, h.growStep)
	if !h.canGrow(side, grown) {
		return 0, false
	}
	h.grow(side, grown)

	off, ok := h.zones[side].Alloc(n)
	if !ok && h.canGrow(side, h.growStep) {
		// still short after growing by need rounded up to whole steps:
		// escalate by one more step in the (rare) case minBlock overhead
		// ate the margin.
		h.grow(side, h.growStep)
		off, ok = h.zones[side].Alloc(n)
	}
	if !ok {
		return 0, false
	}
	return h.base + off, true
}

// canGrow reports whether growing side by delta keeps the brks from
// touching. §4.7's invariant allows brk[LO] == brk[HI] only at init, never
// as the result of a later allocation, so growth must leave them strictly
// apart.
func (h *Heap) canGrow(side Side, delta uintptr) bool {
	switch side {
	case LO:
		return h.brk[LO]+delta < h.brk[HI]
	default:
		return h.brk[HI] >= delta && h.brk[HI]-delta > h.brk[LO]
	}
}

func (h *Heap) grow(side Side, delta uintptr) {
	switch side {
	case LO:
		loVA := h.base + h.brk[LO]
		hiVA := h.base + h.brk[LO] + delta
		h.mapFn(loVA, hiVA)
		h.zones[LO].Grow(delta, false)
		h.brk[LO] += delta
		if h.brk[LO] > h.maxbrk[LO] {
			h.maxbrk[LO] = h.brk[LO]
		}
	default:
		loVA := h.base + h.brk[HI] - delta
		hiVA := h.base + h.brk[HI]
		h.mapFn(loVA, hiVA)
		h.zones[HI].Grow(delta, true)
		h.brk[HI] -= delta
		if h.brk[HI] < h.maxbrk[HI] {
			h.maxbrk[HI] = h.brk[HI]
		}
	}
}

// Free returns a previously allocated VA to its owning side's zone. The
// caller must know which side it came from (callers in practice always do:
// LO serves one allocation shape, HI another, per §4.7's usage split).
func (h *Heap) Free(side Side, va uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.zones[side].Free(va - h.base)
}

// Trim walks both ends and, where the boundary block is a free zone tail,
// shrinks the brk by that tail's length and unmaps the pages it vacates
// (§4.7: "kmem_trim ... shrink the brk by that tail's length, then unmap
// pages between the now-smaller brk and the high-water mark").
func (h *Heap) Trim() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		tail, size, ok := h.zones[LO].trimTail(false)
		if !ok {
			break
		}
		if tail+uintptr(size) != h.brk[LO] {
			panic("kmem: LO trim tail does not reach the current brk")
		}
		h.brk[LO] = tail
	}
	if h.brk[LO] < h.maxbrk[LO] {
		h.unmapFn(h.base+h.brk[LO], h.base+h.maxbrk[LO])
		h.maxbrk[LO] = h.brk[LO]
	}

	for {
		tail, size, ok := h.zones[HI].trimTail(true)
		if !ok {
			break
		}
		if tail != h.brk[HI] {
			panic("kmem: HI trim tail does not start at the current brk")
		}
		h.brk[HI] = tail + uintptr(size)
	}
	if h.brk[HI] > h.maxbrk[HI] {
		h.unmapFn(h.base+h.maxbrk[HI], h.base+h.brk[HI])
		h.maxbrk[HI] = h.brk[HI]
	}
}

// Stats reports both brks and high-water marks as absolute VAs, for tests
// and diagnostics.
func (h *Heap) Stats() (brkLO, brkHI, maxLO, maxHI uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base + h.brk[LO], h.base + h.brk[HI], h.base + h.maxbrk[LO], h.base + h.maxbrk[HI]
}

func (h *Heap) String() string {
	bl, bh, _, _ := h.Stats()
	return fmt.Sprintf("kmem.Heap{lo=%#x hi=%#x}", bl, bh)
}
