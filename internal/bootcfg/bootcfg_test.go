package bootcfg

import (
	"testing"

	"github.com/tienex/nux/loader"
	"github.com/tienex/nux/mem"
)

func TestParseBootInfoRoundTrip(t *testing.T) {
	bi := loader.BootInfo{
		MaxRAMPFN:  1024,
		MaxPFN:     2048,
		NumRegions: 3,
		UEntry:     0xffffffff80001000,
		Plt:        loader.PltACPI,
		PltPtr:     0x7ff00000,
	}
	got, err := ParseBootInfo(bi.Encode())
	if err != nil {
		t.Fatalf("ParseBootInfo: %v", err)
	}
	if got.MaxRAMPFN != bi.MaxRAMPFN || got.MaxPFN != bi.MaxPFN ||
		got.NumRegions != bi.NumRegions || got.UEntry != bi.UEntry ||
		got.Plt != bi.Plt || got.PltPtr != bi.PltPtr {
		t.Fatalf("round trip mismatch: got %+v from %+v", got, bi)
	}
}

func TestParseBootInfoRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 56)
	if _, err := ParseBootInfo(buf); err == nil {
		t.Fatalf("expected an error for a zeroed (bad-magic) buffer")
	}
}

func TestParseBootInfoRejectsShortBuffer(t *testing.T) {
	if _, err := ParseBootInfo(make([]byte, 10)); err == nil {
		t.Fatalf("expected an error for a too-short buffer")
	}
}

func TestParseRegionsRoundTrip(t *testing.T) {
	regions := []mem.Region{
		{Type: mem.RAM, Start: 0, Len: 16},
		{Type: mem.MMIO, Start: 16, Len: 4},
	}
	var buf []byte
	for _, r := range regions {
		buf = append(buf, loader.EncodeRegion(r)...)
	}
	got, err := ParseRegions(buf, uint64(len(regions)))
	if err != nil {
		t.Fatalf("ParseRegions: %v", err)
	}
	for i, want := range regions {
		if got[i] != want {
			t.Fatalf("region %d = %+v want %+v", i, got[i], want)
		}
	}
}

func TestParseRegionsRejectsShortBuffer(t *testing.T) {
	if _, err := ParseRegions(make([]byte, 8), 2); err == nil {
		t.Fatalf("expected an error when the buffer is too short for numRegions")
	}
}

func TestParseSTreeHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 16)
	if _, err := ParseSTreeHeader(buf); err == nil {
		t.Fatalf("expected an error for a zeroed (bad-magic) header")
	}
}
