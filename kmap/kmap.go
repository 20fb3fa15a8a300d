// Package kmap is the thin kernel-mapping layer over pmap.Engine (§4.6):
// it operates on the kernel's current root rather than a per-address-space
// umap.Shadow, and exists purely to give the engine's Walk/Set a home that
// records into percpu's generation counters and exposes a commit barrier.
//
// Grounded on umap.Shadow's own Walk-then-Set-then-Record shape (§4.10),
// narrowed to a single shared root instead of one top-level frame per
// address space, and on percpu.Table's tlbgen/tlbgenGlobal counters
// (§4.6: "records the returned tlbop into a global generation counter
// `_tlbgen` or `_tlbgen_global`").
package kmap

import (
	"fmt"
	"sync"

	"github.com/tienex/nux/mem"
	"github.com/tienex/nux/percpu"
	"github.com/tienex/nux/pmap"
)

// FrameAllocator supplies and reclaims the backing (leaf-content) frames
// Ensure allocates or frees, as distinct from pmap.Engine's own Frames
// field, which only ever backs interior table pages.
type FrameAllocator interface {
	Alloc() (mem.PFN, bool)
	Free(pfn mem.PFN)
}

// Table is the kernel's current-root mapping state: one engine, one
// backing-frame allocator, and the per-CPU table whose generation
// counters every leaf transition is recorded into.
type Table struct {
	mu     sync.Mutex
	engine *pmap.Engine
	frames FrameAllocator
	cpus   *percpu.Table
	root   mem.PFN
}

// New builds a kmap.Table operating on root until SetRoot installs another.
func New(engine *pmap.Engine, frames FrameAllocator, cpus *percpu.Table, root mem.PFN) *Table {
	return &Table{engine: engine, frames: frames, cpus: cpus, root: root}
}

// SetRoot installs a new current root, e.g. once the loader hands off a
// freshly built kernel root to the running kernel.
func (t *Table) SetRoot(root mem.PFN) {
	t.mu.Lock()
	t.root = root
	t.mu.Unlock()
}

// Root reports the current root.
func (t *Table) Root() mem.PFN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Map writes a leaf at va on the current root and records the resulting
// tlbop into the generation counters (§4.6: kmap_map). It does not touch
// the backing frame's lifetime — callers that need allocate-or-free
// should use Ensure instead.
func (t *Table) Map(va uintptr, pfn mem.PFN, flags pmap.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, ok := t.engine.Walk(t.root, va, true, false)
	if !ok {
		return fmt.Errorf("kmap: Map: no interior frame for %#x", va)
	}
	old := leaf.Set(pmap.PTE{PFN: pfn, Flags: flags | pmap.P})
	t.record(leaf, old)
	return nil
}

// Ensure does a present-bit-driven allocate-or-free of the backing frame
// at va to match prot (§4.6: kmap_ensure): if prot asks for present and
// the slot is currently empty, a fresh frame is allocated and mapped at
// prot; if prot asks for not-present and a frame is currently mapped
// there, it is unmapped and returned to frames. Either way the resulting
// tlbop is recorded the same as Map.
func (t *Table) Ensure(va uintptr, prot pmap.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, ok := t.engine.Walk(t.root, va, true, false)
	if !ok {
		return fmt.Errorf("kmap: Ensure: no interior frame for %#x", va)
	}
	cur := leaf.Get()
	wantPresent := prot.Has(pmap.P)
	curPresent := cur.Flags.Has(pmap.P)

	switch {
	case wantPresent && !curPresent:
		pfn, ok := t.frames.Alloc()
		if !ok {
			return fmt.Errorf("kmap: Ensure: out of frames for %#x", va)
		}
		old := leaf.Set(pmap.PTE{PFN: pfn, Flags: prot})
		t.record(leaf, old)
	case !wantPresent && curPresent:
		old := leaf.Set(pmap.PTE{})
		t.record(leaf, old)
		t.frames.Free(old.PFN)
	}
	return nil
}

// record folds a leaf transition's classification into the per-CPU
// generation counters kmap_commit-style callers rely on to tell a stale
// cached translation from a current one.
func (t *Table) record(leaf pmap.L1P, old pmap.PTE) {
	if t.cpus == nil {
		return
	}
	t.cpus.Record(pmap.ClassifyTLBOp(old, leaf.Get()))
}

// Commit is the membarrier-style synchronisation point (§4.6:
// kmap_commit): it shoots down every logical CPU's TLB and blocks until
// each has drained, so a caller that just finished a batch of Map/Ensure
// calls knows no CPU can still be running on a stale translation. It is a
// no-op when the table has no (or a single, NMI-less) CPU to synchronise,
// matching a single-CPU unit test's expectations.
func (t *Table) Commit() {
	if t.cpus == nil || t.cpus.Len() <= 1 {
		return
	}
	targets := make([]int, t.cpus.Len())
	for i := range targets {
		targets[i] = i
	}
	t.cpus.Shootdown(targets, percpu.OpFlushAll, true)
}
