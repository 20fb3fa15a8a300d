// Package bootcfg is the kernel side of §6's loader hand-off: it parses
// the boot-info record, region array and S-tree header the loader package
// wrote, into the in-memory values the rest of the kernel (mem, stree)
// consumes. There is no flag/environment parsing at this layer (§AMBIENT
// STACK: "no flags/env parsing applies pre-MMU") — ParseBootInfo,
// ParseRegions and ParseSTreeHeader are the entire kernel-side
// configuration surface.
//
// Grounded on original_source/include/nux/apxh.h's apxh_bootinfo/
// apxh_region packed layouts (the same structures loader.BootInfo/
// loader.EncodeRegion encode); this package is their decode mirror, read
// with encoding/binary the same way loader.go writes them.
package bootcfg

import (
	"encoding/binary"
	"fmt"

	"github.com/tienex/nux/internal/kerrors"
	"github.com/tienex/nux/loader"
	"github.com/tienex/nux/mem"
)

// BootInfo is the kernel-side decoded form of loader.BootInfo, with the
// wire-only Magic field retained so Parse can validate it.
type BootInfo struct {
	Magic      uint32
	MaxRAMPFN  mem.PFN
	MaxPFN     mem.PFN
	NumRegions uint64
	UEntry     uint64
	Plt        loader.PltType
	PltPtr     uint64
}

// ParseBootInfo decodes a loader.BootInfo.Encode() buffer, rejecting a
// mismatched magic as a malformed hand-off (kerrors.EINVAL).
func ParseBootInfo(buf []byte) (BootInfo, error) {
	if len(buf) < 8*7 {
		return BootInfo{}, fmt.Errorf("bootcfg: boot-info record too short (%d bytes)", len(buf))
	}
	bi := BootInfo{
		Magic:      uint32(binary.LittleEndian.Uint64(buf[0:])),
		MaxRAMPFN:  mem.PFN(binary.LittleEndian.Uint64(buf[8:])),
		MaxPFN:     mem.PFN(binary.LittleEndian.Uint64(buf[16:])),
		NumRegions: binary.LittleEndian.Uint64(buf[24:]),
		UEntry:     binary.LittleEndian.Uint64(buf[32:]),
		Plt:        loader.PltType(binary.LittleEndian.Uint64(buf[40:])),
		PltPtr:     binary.LittleEndian.Uint64(buf[48:]),
	}
	if bi.Magic != loader.BootInfoMagic {
		return BootInfo{}, kerrors.EINVAL
	}
	return bi, nil
}

// ParseRegions decodes a contiguous array of NumRegions loader.EncodeRegion
// entries (16 bytes each: packed type:2|pfn:62, then a plain u64 len).
func ParseRegions(buf []byte, numRegions uint64) ([]mem.Region, error) {
	const entrySize = 16
	if uint64(len(buf)) < numRegions*entrySize {
		return nil, fmt.Errorf("bootcfg: region array too short for %d entries", numRegions)
	}
	regions := make([]mem.Region, numRegions)
	for i := uint64(0); i < numRegions; i++ {
		off := i * entrySize
		packed := binary.LittleEndian.Uint64(buf[off:])
		length := binary.LittleEndian.Uint64(buf[off+8:])
		regions[i] = mem.Region{
			Type:  mem.RegionType(packed & 0x3),
			Start: mem.PFN(packed >> 2),
			Len:   length,
		}
	}
	return regions, nil
}

// STreeHeader is the decoded form of apxh_stree's fixed header.
type STreeHeader struct {
	Magic   uint32
	Version uint8
	Order   uint8
	Offset  uint16
	Size    uint32
}

// ParseSTreeHeader decodes the 16-byte S-tree header loader.writeSTree
// serializes ahead of the bitmap words. It accepts a buffer of at least 12
// bytes; Size is decoded only when all 16 bytes are present.
func ParseSTreeHeader(buf []byte) (STreeHeader, error) {
	if len(buf) < 12 {
		return STreeHeader{}, fmt.Errorf("bootcfg: S-tree header too short")
	}
	h := STreeHeader{
		Magic:   uint32(binary.LittleEndian.Uint64(buf[0:8])),
		Version: buf[8],
		Order:   buf[9],
		Offset:  binary.LittleEndian.Uint16(buf[10:12]),
	}
	if len(buf) >= 16 {
		h.Size = binary.LittleEndian.Uint32(buf[12:16])
	}
	if h.Magic != loader.StreeMagic {
		return STreeHeader{}, kerrors.EINVAL
	}
	return h, nil
}
