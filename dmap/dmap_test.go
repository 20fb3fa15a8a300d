package dmap

import (
	"testing"

	"github.com/tienex/nux/mem"
)

func TestDirectMapFastPathNoSlot(t *testing.T) {
	var mapped []mem.PFN
	c := NewBootstrap(0xFFFF800000000000, mem.PFN(1<<20), 0xFFFF900000000000, func(va uintptr, pfn mem.PFN) {
		mapped = append(mapped, pfn)
	})
	va := c.Get(mem.PFN(5))
	want := uintptr(0xFFFF800000000000) + 5*mem.PageSize
	if va != want {
		t.Fatalf("Get(5) = %#x want %#x", va, want)
	}
	if len(mapped) != 0 {
		t.Fatalf("direct-mapped frame should never touch the slot table")
	}
}

func TestSlowPathHitIncrementsRefcount(t *testing.T) {
	c := NewBootstrap(0, 0, 0x1000, func(uintptr, mem.PFN) {})
	c.Grow(4, 0x2000)

	pfn := mem.PFN(0x1234)
	c.Get(pfn)
	if got := c.Refcount(pfn); got != 1 {
		t.Fatalf("refcount after first Get = %d want 1", got)
	}
	c.Get(pfn)
	if got := c.Refcount(pfn); got != 2 {
		t.Fatalf("refcount after second Get = %d want 2", got)
	}
	c.Put(pfn)
	if got := c.Refcount(pfn); got != 1 {
		t.Fatalf("refcount after Put = %d want 1", got)
	}
}

func TestEvictionPicksLRU(t *testing.T) {
	var remapped []mem.PFN
	c := NewBootstrap(0, 0, 0x1000, func(va uintptr, pfn mem.PFN) {
		remapped = append(remapped, pfn)
	})
	c.Grow(2, 0x2000)

	c.Get(mem.PFN(1))
	c.Get(mem.PFN(2))
	// both now at refcount 1; release pfn 1 first so it's LRU-eligible first.
	c.Put(mem.PFN(1))
	c.Put(mem.PFN(2))

	// a third distinct PFN should evict pfn 1 (released first = LRU head).
	c.Get(mem.PFN(3))
	if c.Refcount(mem.PFN(1)) != 0 && c.lookup(mem.PFN(1)) >= 0 {
		t.Fatalf("pfn 1 should have been evicted")
	}
	if last := remapped[len(remapped)-1]; last != mem.PFN(3) {
		t.Fatalf("expected eviction to remap to pfn 3, got %d", last)
	}
}

func TestPutUnderflowPanics(t *testing.T) {
	c := NewBootstrap(0, 0, 0x1000, func(uintptr, mem.PFN) {})
	c.Grow(1, 0x2000)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on untracked Put")
		}
	}()
	c.Put(mem.PFN(99))
}
