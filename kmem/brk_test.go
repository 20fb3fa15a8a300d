package kmem

import "testing"

func newTestHeap(t *testing.T, size uintptr) (*Heap, *[]uintptr, *[]uintptr) {
	t.Helper()
	var mapped, unmapped []uintptr
	backing := make(SliceBacking, size)
	h := NewHeap(0x20000, size, 4096, backing,
		func(lo, hi uintptr) { mapped = append(mapped, lo, hi) },
		func(lo, hi uintptr) { unmapped = append(unmapped, lo, hi) },
	)
	return h, &mapped, &unmapped
}

func TestAllocGrowsBrkOnMiss(t *testing.T) {
	h, mapped, _ := newTestHeap(t, 1<<20)
	brkLO, _, _, _ := h.Stats()
	if brkLO != 0x20000 {
		t.Fatalf("initial brk[LO] = %#x want base", brkLO)
	}

	va, ok := h.Alloc(LO, 64)
	if !ok {
		t.Fatalf("Alloc failed")
	}
	// the payload sits past the block's header+links overhead, not at the
	// bare region base.
	if want := uintptr(0x20000 + headerSize + linksSize); va != want {
		t.Fatalf("first LO allocation = %#x want %#x", va, want)
	}
	if len(*mapped) == 0 {
		t.Fatalf("expected Alloc to demand-map newly exposed VA")
	}
}

func TestLoAndHiGrowTowardEachOther(t *testing.T) {
	h, _, _ := newTestHeap(t, 1<<16)
	loVA, ok := h.Alloc(LO, 100)
	if !ok {
		t.Fatalf("LO alloc failed")
	}
	hiVA, ok := h.Alloc(HI, 100)
	if !ok {
		t.Fatalf("HI alloc failed")
	}
	if hiVA <= loVA {
		t.Fatalf("HI allocation %#x should land above LO allocation %#x", hiVA, loVA)
	}
}

func TestFreeThenReallocSameSide(t *testing.T) {
	h, _, _ := newTestHeap(t, 1<<16)
	va, ok := h.Alloc(LO, 5123)
	if !ok {
		t.Fatalf("alloc failed")
	}
	h.Free(LO, va)
	va2, ok := h.Alloc(LO, 5123)
	if !ok || va2 != va {
		t.Fatalf("expected reuse of freed LO block: va=%#x va2=%#x ok=%v", va, va2, ok)
	}
}

// mirrors spec's scenario 3: alloc(LO,64);alloc(HI,5123);alloc(LO,64);
// alloc(HI,5123);free(HI,..);free(LO,..);free(HI,..);free(LO,..);trim()
// must restore both brks to their base.
func TestAllocFreeTrimRestoresBrks(t *testing.T) {
	h, _, unmapped := newTestHeap(t, 1<<20)

	lo1, ok := h.Alloc(LO, 64)
	if !ok {
		t.Fatalf("lo1 alloc failed")
	}
	hi1, ok := h.Alloc(HI, 5123)
	if !ok {
		t.Fatalf("hi1 alloc failed")
	}
	lo2, ok := h.Alloc(LO, 64)
	if !ok {
		t.Fatalf("lo2 alloc failed")
	}
	hi2, ok := h.Alloc(HI, 5123)
	if !ok {
		t.Fatalf("hi2 alloc failed")
	}

	h.Free(HI, hi2)
	h.Free(LO, lo2)
	h.Free(HI, hi1)
	h.Free(LO, lo1)

	h.Trim()

	brkLO, brkHI, maxLO, maxHI := h.Stats()
	if brkLO != 0x20000 {
		t.Fatalf("brk[LO] after trim = %#x want base", brkLO)
	}
	if brkHI != 0x20000+1<<20 {
		t.Fatalf("brk[HI] after trim = %#x want base+size", brkHI)
	}
	if maxLO != brkLO || maxHI != brkHI {
		t.Fatalf("high-water marks should collapse to the trimmed brks: maxLO=%#x maxHI=%#x", maxLO, maxHI)
	}
	if len(*unmapped) == 0 {
		t.Fatalf("expected Trim to unmap the reclaimed range")
	}
}

func TestExhaustionWhenBrksWouldCross(t *testing.T) {
	h, _, _ := newTestHeap(t, 8192)
	if _, ok := h.Alloc(LO, 4000); !ok {
		t.Fatalf("first LO alloc should fit")
	}
	if _, ok := h.Alloc(HI, 4000); ok {
		t.Fatalf("HI alloc that would cross brk[LO] should fail")
	}
}
