// Package mem defines the physical-address data model (§3's Frame/PFN and
// Physical region) and the global frame allocator (§4.3), adapted from the
// teacher's biscuit/src/mem package: same Pa_t-style physical-address type,
// same single-global-lock-plus-S-tree posture, generalized from biscuit's
// refcounted free-list design to the simpler alloc/free-over-an-S-tree
// contract spec.md actually calls for, with the hookable allocator pair
// spec.md §4.3 and DESIGN NOTES §9 ask for (a swappable (alloc, free) pair
// behind a reader-writer lock, rather than biscuit's own per-CPU free lists).
package mem

import (
	"fmt"
	"sync"

	"github.com/tienex/nux/stree"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// PFN identifies a 4 KiB physical page: (pfn << 12) | offset addresses a
// physical byte.
type PFN uint64

// PFNInvalid is the reserved "no frame" sentinel (§3: all-ones).
const PFNInvalid PFN = ^PFN(0)

func (p PFN) Addr() uintptr { return uintptr(p) << PageShift }

// RegionType classifies a half-open run of PFNs (§3 Physical region).
type RegionType int

const (
	Unknown RegionType = iota
	RAM
	MMIO
	Busy
)

func (t RegionType) String() string {
	switch t {
	case RAM:
		return "RAM"
	case MMIO:
		return "MMIO"
	case Busy:
		return "BUSY"
	default:
		return "UNKNOWN"
	}
}

// Region is a typed, half-open run of PFNs: [Start, Start+Len).
type Region struct {
	Type  RegionType
	Start PFN
	Len   uint64
}

func (r Region) End() PFN { return r.Start + PFN(r.Len) }

// AllocFn/FreeFn are the hookable allocator pair from §4.3: a client may
// replace the default S-tree allocator at runtime (for testing or quotas).
// Swaps are atomic with respect to in-flight allocations via Physmem's
// reader-writer lock.
type AllocFn func(low bool) PFN
type FreeFn func(PFN)

// Physmem is the global physical frame allocator: one S-tree over
// [0, maxrampfn) bits, one set bit per free RAM frame.
type Physmem struct {
	mu        sync.Mutex
	tree      *stree.Tree
	maxRAMPFN PFN

	hookMu sync.RWMutex
	alloc  AllocFn
	free   FreeFn
}

// NewPhysmem builds an allocator over an S-tree the loader already
// populated (one bit per frame, set == free), as described in §4.1's
// construction order: the loader clears bits for BUSY/MMIO/loader-used
// frames before handoff.
func NewPhysmem(tree *stree.Tree, maxRAMPFN PFN) *Physmem {
	p := &Physmem{tree: tree, maxRAMPFN: maxRAMPFN}
	p.alloc = p.defaultAlloc
	p.free = p.defaultFree
	return p
}

// SetHooks atomically swaps the allocator's (alloc, free) pair. Passing
// nil for either restores the default S-tree behavior for that operation.
func (p *Physmem) SetHooks(alloc AllocFn, free FreeFn) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	if alloc == nil {
		alloc = p.defaultAlloc
	}
	if free == nil {
		free = p.defaultFree
	}
	p.alloc = alloc
	p.free = free
}

// Alloc returns the lowest (low=true) or highest (low=false) free PFN, or
// PFNInvalid on exhaustion (the OOM-frame error kind, §7).
func (p *Physmem) Alloc(low bool) PFN {
	p.hookMu.RLock()
	fn := p.alloc
	p.hookMu.RUnlock()
	return fn(low)
}

// Free returns pfn to the allocator. It asserts pfn is in range (§4.3).
func (p *Physmem) Free(pfn PFN) {
	p.hookMu.RLock()
	fn := p.free
	p.hookMu.RUnlock()
	fn(pfn)
}

func (p *Physmem) defaultAlloc(low bool) PFN {
	p.mu.Lock()
	defer p.mu.Unlock()
	var bit int64
	if low {
		bit = p.tree.PopLowest()
	} else {
		bit = p.tree.PopHighest()
	}
	if bit < 0 {
		return PFNInvalid
	}
	return PFN(bit)
}

func (p *Physmem) defaultFree(pfn PFN) {
	if pfn >= p.maxRAMPFN {
		panic(fmt.Sprintf("mem: free of out-of-range pfn %#x (max %#x)", uint64(pfn), uint64(p.maxRAMPFN)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tree.SetBit(uint64(pfn)) {
		panic(fmt.Sprintf("mem: double free of pfn %#x", uint64(pfn)))
	}
}

// MaxRAMPFN reports the upper bound RAM regions established at boot.
func (p *Physmem) MaxRAMPFN() PFN { return p.maxRAMPFN }
