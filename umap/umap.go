// Package umap is the per-address-space user mapping shadow (§4.10): a
// compact, fixed-fanout slice of the page table's top level (8 entries of
// 512 GiB each on amd64, 3 of 1 GiB on i386-PAE), swapped into a CPU's live
// root on a context switch instead of copying (or sharing) the whole root
// table. Grounded on biscuit/src/vm/as.go's Address_space_t, which holds
// exactly this kind of top-level-PTE-plus-accumulated-tlbop state per
// process, generalized from biscuit's single fixed amd64 shape to the
// fanout-parameterized shadow §4.10 calls for.
package umap

import (
	"fmt"

	"github.com/tienex/nux/mem"
	"github.com/tienex/nux/percpu"
	"github.com/tienex/nux/pmap"
)

// FrameAllocator supplies and reclaims the frames backing this umap's own
// page-table levels: a superset of pmap.FrameAllocator's Alloc, since Free
// (needed by Free) has no counterpart there — pmap's own engine never frees
// an interior frame itself.
type FrameAllocator interface {
	Alloc() (mem.PFN, bool)
	Free(pfn mem.PFN)
}

// Shadow is one address space's top-level PTE shadow: its own private top
// frame (walked and mutated exactly like any other root by the page-table
// engine) plus the fanout and the tlbop accumulated since the last Load.
type Shadow struct {
	engine *pmap.Engine
	frames FrameAllocator
	access pmap.FrameAccess

	top    mem.PFN
	fanout int // number of top-level slots this umap actually owns, < 512

	pending percpu.TLBOp
	cpus    uint64 // bitmask of logical CPU ids this umap is currently loaded on
}

// New allocates a fresh, empty top-level frame and returns its shadow.
func New(engine *pmap.Engine, frames FrameAllocator, access pmap.FrameAccess, fanout int) (*Shadow, error) {
	if fanout <= 0 || fanout > 512 {
		return nil, fmt.Errorf("umap: invalid fanout %d", fanout)
	}
	top, ok := frames.Alloc()
	if !ok {
		return nil, fmt.Errorf("umap: out of frames allocating top level")
	}
	return &Shadow{engine: engine, frames: frames, access: access, top: top, fanout: fanout}, nil
}

// topIndex reports the index within the top-level table an address falls
// under, bounds-checked against this shadow's fanout (§4.10's "compact set
// of top-level PTEs" — addresses outside that set are not this umap's to
// map).
func (s *Shadow) topIndex(va uintptr) (int, error) {
	idx := s.engine.TopIndex(va)
	if idx < 0 || idx >= s.fanout {
		return 0, fmt.Errorf("umap: va %#x falls outside this umap's %d-entry top level", va, s.fanout)
	}
	return idx, nil
}

// Map resolves va's leaf through the engine, writes the new PTE, and
// OR-accumulates the resulting tlbop (§4.10: "writes the new PTE,
// OR-accumulates tlbop").
func (s *Shadow) Map(va uintptr, pfn mem.PFN, flags pmap.Flags) error {
	if _, err := s.topIndex(va); err != nil {
		return err
	}
	leaf, ok := s.engine.Walk(s.top, va, true, true)
	if !ok {
		return fmt.Errorf("umap: page-table allocator exhausted mapping %#x", va)
	}
	old := leaf.Set(pmap.PTE{PFN: pfn, Flags: flags | pmap.P})
	s.pending |= percpu.FromClassify(pmap.ClassifyTLBOp(old, pmap.PTE{PFN: pfn, Flags: flags | pmap.P}))
	return nil
}

// Unmap clears va's leaf, if present, accumulating its tlbop the same way.
func (s *Shadow) Unmap(va uintptr) error {
	if _, err := s.topIndex(va); err != nil {
		return err
	}
	leaf, ok := s.engine.Walk(s.top, va, false, true)
	if !ok {
		return nil // never mapped: nothing to do, matches a no-op unmap
	}
	old := leaf.Set(pmap.PTE{})
	s.pending |= percpu.FromClassify(pmap.ClassifyTLBOp(old, pmap.PTE{}))
	return nil
}

// Load copies this shadow's fanout top-level entries into a live root
// table and returns the combined tlbop accumulated since the last Load,
// resetting the accumulator (§4.10: "load(umap) copies the shadow
// top-level PTEs into the CPU's live root and returns the combined tlbop
// of the swap").
func (s *Shadow) Load(liveRoot mem.PFN, onCPU int) percpu.TLBOp {
	src := s.access.Table(s.top)
	dst := s.access.Table(liveRoot)
	for i := 0; i < s.fanout; i++ {
		dst[i] = src[i]
	}
	s.cpus |= 1 << uint(onCPU)
	op := s.pending
	s.pending = 0
	return op
}

// Commit applies this shadow's accumulated tlbop to every CPU currently in
// its CPU mask, via percpu's shootdown (§4.10: "umap_commit applies the
// accumulated tlbop to every CPU in the umap's CPU mask").
func (s *Shadow) Commit(tbl *percpu.Table) {
	if s.pending == 0 {
		return
	}
	var targets []int
	for lid := 0; lid < tbl.Len(); lid++ {
		if s.cpus&(1<<uint(lid)) != 0 {
			targets = append(targets, lid)
		}
	}
	op := s.pending
	s.pending = 0
	if len(targets) > 0 {
		tbl.Shootdown(targets, op, true)
	}
}

// Fanout reports the number of top-level slots this umap owns.
func (s *Shadow) Fanout() int { return s.fanout }

// Top reports the shadow's private top-level frame, for tests.
func (s *Shadow) Top() mem.PFN { return s.top }

// levelBits/levelShift mirror pmap.Engine's own unexported bitsAt/shiftAt
// arithmetic (Engine.Mode's fields are exported precisely so a caller
// enumerating raw Table slices, rather than walking one va at a time, can
// reconstruct the same level geometry without reaching into the engine).
func (s *Shadow) levelBits(level int) uint {
	if level == s.engine.Mode.Levels-1 {
		return s.engine.Mode.TopBits
	}
	return s.engine.Mode.Bits
}

func (s *Shadow) levelShift(level int) uint {
	shift := uint(pmap.PageShift)
	for l := 0; l < level; l++ {
		shift += s.levelBits(l)
	}
	return shift
}

// Iterate finds the next present leaf mapping at or after uaddr, walking
// ascending and skipping empty sub-trees entirely rather than probing
// every address in them, so a serialiser can enumerate every mapping in
// this umap in time proportional to the number of mappings, not the size
// of the address space (§4.10: "iterate(uaddr) walks ascending, skipping
// empty sub-trees"). ok is false once there is no mapping at or beyond
// uaddr.
func (s *Shadow) Iterate(uaddr uintptr) (nextUaddr uintptr, leaf pmap.L1P, ok bool) {
	top := s.engine.Mode.Levels - 1
	va, found := s.nextLeafVA(top, s.top, 0, uaddr)
	if !found {
		return 0, pmap.L1PInvalid, false
	}
	leaf, ok = s.engine.Walk(s.top, va, false, true)
	if !ok {
		// The raw scan found a present slot but Walk disagrees: Walk
		// stops at any present leaf, large or not, so this means the
		// tree changed between the scan and the walk.
		panic("umap: Iterate found a present entry Walk could not resolve")
	}
	return va, leaf, true
}

// nextLeafVA performs the raw ascending scan: frame is the table rooted at
// this level, covering the VA range starting at base; floor is the
// address to resume scanning from (entries wholly below floor, other than
// the one floor falls in, are skipped without being read).
func (s *Shadow) nextLeafVA(level int, frame mem.PFN, base uintptr, floor uintptr) (uintptr, bool) {
	tbl := s.access.Table(frame)
	shift := s.levelShift(level)
	n := 1 << s.levelBits(level)
	if level == s.engine.Mode.Levels-1 {
		n = s.fanout
	}
	span := uintptr(1) << shift

	start := 0
	if floor > base {
		start = int((floor - base) / span)
	}
	for idx := start; idx < n; idx++ {
		ent := tbl[idx]
		if !ent.Flags.Has(pmap.P) {
			continue
		}
		entBase := base + uintptr(idx)*span
		if level == 0 {
			if entBase < floor {
				continue // this leaf's own va precedes floor: no sub-range to descend into
			}
			return entBase, true
		}
		childFloor := floor
		if childFloor < entBase {
			childFloor = entBase
		}
		if va, ok := s.nextLeafVA(level-1, ent.PFN, entBase, childFloor); ok {
			return va, true
		}
	}
	return 0, false
}

// Free tears down every interior (L3/L2/L1, i.e. every level above the
// leaf) page-table frame this umap's top level still references, and
// finally the top frame itself, returning them all to frames (§4.10:
// "free(umap) tears down every referenced L3/L2/L1 frame"). It asserts
// against the leaf-in-interior violation of finding a large-page leaf
// above level 0 — Map/Unmap never create one, so encountering one means
// this umap's tree was built or mutated outside this package's contract.
// Leaf (user-data) frames are never touched: this umap never owned them.
func (s *Shadow) Free() {
	s.freeLevel(s.engine.Mode.Levels-1, s.top)
	s.frames.Free(s.top)
}

func (s *Shadow) freeLevel(level int, frame mem.PFN) {
	if level == 0 {
		return // leaf level: entries there are user-data frames, not ours
	}
	tbl := s.access.Table(frame)
	n := 1 << s.levelBits(level)
	if level == s.engine.Mode.Levels-1 {
		n = s.fanout
	}
	for idx := 0; idx < n; idx++ {
		ent := tbl[idx]
		if !ent.Flags.Has(pmap.P) {
			continue
		}
		if ent.IsLarge() {
			panic("umap: Free found a large-page leaf above level 0")
		}
		if level > 1 {
			s.freeLevel(level-1, ent.PFN)
		}
		s.frames.Free(ent.PFN)
	}
}
