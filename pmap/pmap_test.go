package pmap

import (
	"testing"

	"github.com/tienex/nux/mem"
)

// memBackend is an in-memory FrameAccess+FrameAllocator for tests: physical
// frames are just Go-heap tables, addressed by a monotonically increasing
// fake PFN.
type memBackend struct {
	tables map[mem.PFN]*Table
	next   mem.PFN
}

func newMemBackend() *memBackend {
	return &memBackend{tables: make(map[mem.PFN]*Table)}
}

func (m *memBackend) Table(pfn mem.PFN) *Table {
	t, ok := m.tables[pfn]
	if !ok {
		panic("memBackend: Table of unallocated pfn")
	}
	return t
}

func (m *memBackend) Alloc() (mem.PFN, bool) {
	pfn := m.next
	m.next++
	m.tables[pfn] = &Table{}
	return pfn, true
}

func newRootEngine(mode Mode) (*Engine, mem.PFN, *memBackend) {
	b := newMemBackend()
	root, _ := b.Alloc()
	return New(mode, b, b), root, b
}

func TestWalkRoundTrip(t *testing.T) {
	e, root, _ := newRootEngine(Amd64)
	va := uintptr(0x0000123456789000)

	leaf, ok := e.Walk(root, va, true, false)
	if !ok {
		t.Fatalf("Walk(alloc=true) failed")
	}
	want := PTE{PFN: mem.PFN(0xABCD), Flags: P | W}
	leaf.Set(want)

	leaf2, ok := e.Walk(root, va, false, false)
	if !ok {
		t.Fatalf("Walk(alloc=false) on an already-populated path failed")
	}
	got := leaf2.Get()
	if got != want {
		t.Fatalf("round-trip got %+v want %+v", got, want)
	}
}

func TestWalkWithoutAllocOnMissingPath(t *testing.T) {
	e, root, _ := newRootEngine(Amd64)
	_, ok := e.Walk(root, 0x1000, false, false)
	if ok {
		t.Fatalf("Walk(alloc=false) on a missing path should fail")
	}
}

func TestAVLBitsSurviveRoundTrip(t *testing.T) {
	e, root, _ := newRootEngine(Amd64)
	va := uintptr(0x400000)
	leaf, _ := e.Walk(root, va, true, false)
	want := PTE{PFN: 42, Flags: P | W | AVL0 | AVL2}
	leaf.Set(want)

	leaf2, _ := e.Walk(root, va, false, false)
	if got := leaf2.Get(); got != want {
		t.Fatalf("AVL bits not preserved: got %+v want %+v", got, want)
	}
}

func TestLargePagePromotion(t *testing.T) {
	e, root, b := newRootEngine(Amd64)
	const oneGiB = uintptr(1) << 30

	if err := e.MapRange(root, 0, 0, oneGiB, P|W); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	// there must be exactly one L3 (level-2) leaf, with PS set, covering
	// the whole range: walking to level 2 for any address in range must
	// return the same large leaf.
	l3, ok := e.walkToLevel(root, 0, 2, false)
	if !ok {
		t.Fatalf("walkToLevel failed")
	}
	if !l3.IsLarge() {
		t.Fatalf("expected a large-page leaf at L3")
	}
	if got := l3.Get().PFN; got != 0 {
		t.Fatalf("large leaf pfn = %d want 0", got)
	}
	_ = b
}

func TestMapRangeFallsBackToSmallPages(t *testing.T) {
	e, root, _ := newRootEngine(Amd64)
	// not 2 MiB aligned: must fall back to 4 KiB leaves only.
	if err := e.MapRange(root, 0, 1, 3*PageSize, P|W); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	leaf, ok := e.Walk(root, 0, false, false)
	if !ok {
		t.Fatalf("walk failed")
	}
	if leaf.IsLarge() {
		t.Fatalf("unaligned range must not use a large page")
	}
}

func TestFlagsMergeAssociative(t *testing.T) {
	combos := []Flags{P, P | W, P | U, P | W | U, P | X | U, P | W | X | U}
	for _, a := range combos {
		for _, b := range combos {
			for _, c := range combos {
				if a.Has(U) != b.Has(U) || b.Has(U) != c.Has(U) {
					continue
				}
				left := FlagsMerge(FlagsMerge(a, b), c)
				right := FlagsMerge(a, FlagsMerge(b, c))
				if left != right {
					t.Fatalf("FlagsMerge not associative for %v,%v,%v: %v vs %v", a, b, c, left, right)
				}
			}
		}
	}
}

func TestFlagsMergeMismatchedUPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic merging mismatched U bits")
		}
	}()
	FlagsMerge(P|U, P)
}

func TestClassifyTLBOpTruthTable(t *testing.T) {
	present := func(pfn mem.PFN, fl Flags) PTE { return PTE{PFN: pfn, Flags: fl | P} }
	absent := PTE{}

	cases := []struct {
		name     string
		old, new PTE
		want     TLBOp
	}{
		{"absent->absent", absent, absent, TLBNone},
		{"absent->present", absent, present(1, W), TLBNone},
		{"present->same", present(1, W), present(1, W), TLBNone},
		{"present->absent", present(1, W), absent, TLBFlush},
		{"present->present diff pfn", present(1, 0), present(2, 0), TLBFlush},
		{"global->anything", present(1, Global), absent, TLBFlushAll},
		{"present->broader perms needs no flush", present(1, 0), present(1, W), TLBNone},
		{"present->more restrictive needs flush", present(1, W), present(1, 0), TLBFlush},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyTLBOp(tc.old, tc.new); got != tc.want {
				t.Fatalf("ClassifyTLBOp(%+v, %+v) = %v want %v", tc.old, tc.new, got, tc.want)
			}
		})
	}
}
