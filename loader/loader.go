// Package loader is APXH (§4.1): the ELF-driven boot loader that builds
// the kernel's initial virtual address space from a set of extension
// program-header types layered on top of the standard ELF LOAD segments,
// then hands off through a per-arch trampoline.
//
// Parsing rides on debug/elf's standard Prog table — the extension types
// are ordinary elf.ProgType values in the OS-reserved range, so no custom
// binary-layout reader is needed beyond what debug/elf already provides.
// Grounded on original_source/apxh/src/elf.c's ph_kload switch (the
// PHT_APXH_* dispatch this Builder.phaseOne reimplements) and
// original_source/include/nux/apxh.h's apxh_bootinfo/apxh_stree/apxh_region
// packed layouts (BootInfo/Region below), since the teacher (biscuit) has
// no ELF-extension boot loader of its own to generalize from.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tienex/nux/internal/kutil"
	"github.com/tienex/nux/mem"
	"github.com/tienex/nux/pmap"
	"github.com/tienex/nux/stree"
)

// PHT_APXH_* extension program-header types, numbered exactly as
// original_source/apxh/src/project.h (REGIONS and TOPPTALLOC are this
// spec's additions over that copy of the original; numbered onward from
// PFNMAP/STREE/PTALLOC/FRAMEBUF in the same scheme, since the original's
// project.h never assigned them a fixed constant).
const (
	PTInfo       = elf.ProgType(0xAF100000)
	PTEmpty      = elf.ProgType(0xAF100001)
	PTPhysmap    = elf.ProgType(0xAF100002)
	PTPfnmap     = elf.ProgType(0xAF100003)
	PTStree      = elf.ProgType(0xAF100004)
	PTPtalloc    = elf.ProgType(0xAF100005)
	PTFramebuf   = elf.ProgType(0xAF100006)
	PTRegions    = elf.ProgType(0xAF100007)
	PTTopPtalloc = elf.ProgType(0xAF100008)
	PTLinear     = elf.ProgType(0xAF10FFFF)
)

// Memory is the raw-byte view of the address space under construction,
// used to populate the boot-info record, PFN map, S-tree and region
// array once their backing frames are allocated and mapped.
type Memory interface {
	Bytes(va uintptr, n uintptr) []byte
}

// BootInfoMagic/StreeMagic mirror apxh_bootinfo/apxh_stree's on-disk
// magic numbers (original_source/include/nux/apxh.h).
const (
	BootInfoMagic uint32 = 0xAF10B007
	StreeMagic    uint32 = 0xAF1057EE
	StreeVersion  uint8  = 0
)

// PltType mirrors apxh_pltdesc's firmware-discovery kind.
type PltType uint64

const (
	PltUnknown PltType = 0
	PltACPI    PltType = 1
	PltDTB     PltType = 2
)

// BootInfo is the record the loader leaves behind for the kernel,
// byte-for-byte per apxh_bootinfo (magic, maxrampfn, maxpfn, numregions,
// uentry, fbdesc, pltdesc — framebuffer description simplified out here
// since this spec's §4.1 scope doesn't otherwise model pixel formats).
type BootInfo struct {
	MaxRAMPFN  mem.PFN
	MaxPFN     mem.PFN
	NumRegions uint64
	UEntry     uint64
	Plt        PltType
	PltPtr     uint64
}

// Encode writes BootInfo in apxh_bootinfo's packed little-endian layout.
func (bi BootInfo) Encode() []byte {
	buf := make([]byte, 8*7)
	binary.LittleEndian.PutUint64(buf[0:], uint64(BootInfoMagic))
	binary.LittleEndian.PutUint64(buf[8:], uint64(bi.MaxRAMPFN))
	binary.LittleEndian.PutUint64(buf[16:], uint64(bi.MaxPFN))
	binary.LittleEndian.PutUint64(buf[24:], bi.NumRegions)
	binary.LittleEndian.PutUint64(buf[32:], bi.UEntry)
	binary.LittleEndian.PutUint64(buf[40:], uint64(bi.Plt))
	binary.LittleEndian.PutUint64(buf[48:], bi.PltPtr)
	return buf
}

// EncodeRegion writes one apxh_region entry: a packed (type:2, pfn:62)
// bitfield followed by a plain length.
func EncodeRegion(r mem.Region) []byte {
	buf := make([]byte, 16)
	packed := (uint64(r.Type) & 0x3) | (uint64(r.Start) << 2)
	binary.LittleEndian.PutUint64(buf[0:], packed)
	binary.LittleEndian.PutUint64(buf[8:], r.Len)
	return buf
}

// RecordingAllocator wraps a pmap.FrameAllocator and remembers every PFN
// it hands out, so Builder.Finalize can mark the loader's own
// construction frames BUSY once boot-info structures are populated
// (§4.1: "the not-yet-used boot-time free pages are reported as BUSY in
// PFNMAP and cleared in STREE so the kernel will not re-allocate the
// loader's own structures").
type RecordingAllocator struct {
	Inner pmap.FrameAllocator
	used  []mem.PFN
}

func (r *RecordingAllocator) Alloc() (mem.PFN, bool) {
	pfn, ok := r.Inner.Alloc()
	if ok {
		r.used = append(r.used, pfn)
	}
	return pfn, ok
}

func (r *RecordingAllocator) Used() []mem.PFN { return r.used }

// Builder sequences one ELF payload's program headers into a target
// address space, per §4.1's two-phase construction order: LOAD/INFO/
// PHYSMAP/LINEAR/PTALLOC/TOPPTALLOC allocate backing frames in phase one;
// PFNMAP/STREE/REGIONS are populated (needing phase one's frames already
// mapped) in phase two.
type Builder struct {
	Engine *pmap.Engine
	Root   mem.PFN
	Mem    Memory
	RAM    []mem.Region // firmware-described memory map, seeds PFNMAP/STREE

	BootInfo BootInfo

	bootInfoVA uintptr
	pfnmapVA   uintptr
	streeVA    uintptr
	streeSize  uintptr
	regionsVA  uintptr

	streeTree *stree.Tree // the tree populateSTree built and serialized, kept so Finalize can clear busy bits in the same instance

	deferred []func() error
}

func NewBuilder(engine *pmap.Engine, root mem.PFN, m Memory, ram []mem.Region) *Builder {
	return &Builder{Engine: engine, Root: root, Mem: m, RAM: ram}
}

// Build runs both construction phases over every program header in f,
// reading LOAD segment file contents through r.
func (b *Builder) Build(f *elf.File, r io.ReaderAt) error {
	for _, p := range f.Progs {
		if err := b.phaseOne(p, r); err != nil {
			return fmt.Errorf("loader: segment type %#x: %w", uint32(p.Type), err)
		}
	}
	for _, fn := range b.deferred {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) phaseOne(p *elf.Prog, r io.ReaderAt) error {
	if p.Vaddr+p.Memsz < p.Vaddr {
		return fmt.Errorf("segment too big: va %#x size %#x", p.Vaddr, p.Memsz)
	}
	switch p.Type {
	case elf.PT_LOAD:
		return b.loadSegment(p, r)
	case PTInfo:
		b.bootInfoVA = uintptr(p.Vaddr)
		return b.allocRange(uintptr(p.Vaddr), uintptr(p.Memsz))
	case PTPhysmap:
		return b.Engine.MapRange(b.Root, uintptr(p.Vaddr), mem.PFN(0), uintptr(p.Memsz), pmap.W|pmap.Global)
	case PTLinear:
		return b.linear(p)
	case PTPtalloc:
		return b.ptalloc(uintptr(p.Vaddr), uintptr(p.Memsz), false)
	case PTTopPtalloc:
		return b.ptalloc(uintptr(p.Vaddr), uintptr(p.Memsz), true)
	case PTEmpty:
		return nil // VA reservation only: allocate nothing (§4.1)
	case PTFramebuf:
		return b.Engine.MapRange(b.Root, uintptr(p.Vaddr), mem.PFN(p.Paddr>>pmap.PageShift), uintptr(p.Memsz), pmap.W)
	case PTPfnmap:
		b.pfnmapVA = uintptr(p.Vaddr)
		if err := b.allocRange(uintptr(p.Vaddr), uintptr(p.Memsz)); err != nil {
			return err
		}
		b.deferred = append(b.deferred, b.populatePFNMap)
		return nil
	case PTStree:
		b.streeVA, b.streeSize = uintptr(p.Vaddr), uintptr(p.Memsz)
		if err := b.allocRange(uintptr(p.Vaddr), uintptr(p.Memsz)); err != nil {
			return err
		}
		b.deferred = append(b.deferred, b.populateSTree)
		return nil
	case PTRegions:
		b.regionsVA = uintptr(p.Vaddr)
		if err := b.allocRange(uintptr(p.Vaddr), uintptr(p.Memsz)); err != nil {
			return err
		}
		b.deferred = append(b.deferred, b.populateRegions)
		return nil
	default:
		return nil // unrecognized type: ignored, matches ph_kload's default case
	}
}

// loadSegment copies fsize bytes from the file to va and zeroes the
// remaining msize-fsize bytes, after backing the whole range with fresh
// frames (§4.1's LOAD row).
func (b *Builder) loadSegment(p *elf.Prog, r io.ReaderAt) error {
	va, fsize, msize := uintptr(p.Vaddr), uintptr(p.Filesz), uintptr(p.Memsz)
	if err := b.allocRange(va, msize); err != nil {
		return err
	}
	dst := b.Mem.Bytes(va, msize)
	if fsize > 0 {
		if _, err := r.ReadAt(dst[:fsize], int64(p.Off)); err != nil {
			return fmt.Errorf("reading LOAD segment contents: %w", err)
		}
	}
	for i := fsize; i < msize; i++ {
		dst[i] = 0
	}
	return nil
}

// allocRange backs every page in [va, va+size) with a freshly allocated,
// present leaf frame and zeroes it through Mem.
func (b *Builder) allocRange(va, size uintptr) error {
	end := va + size
	for cur := va - va%mem.PageSize; cur < end; cur += mem.PageSize {
		leaf, ok := b.Engine.Walk(b.Root, cur, true, false)
		if !ok {
			return fmt.Errorf("page-table allocator exhausted at %#x", cur)
		}
		pfn, ok := b.Engine.Frames.Alloc()
		if !ok {
			return fmt.Errorf("frame allocator exhausted at %#x", cur)
		}
		leaf.Set(pmap.PTE{PFN: pfn, Flags: pmap.P | pmap.W})
	}
	buf := b.Mem.Bytes(va, size)
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// ptalloc pre-populates the interior page-table frames covering a range
// without ever touching the leaf slot itself, so the range stays
// not-present until something later demand-maps it (§4.1's PTALLOC row:
// "leave leaves absent"). top restricts this to just the root level, for
// the shared top-level slots later UMAPs will be shadowed from
// (TOPPTALLOC).
func (b *Builder) ptalloc(va, size uintptr, top bool) error {
	end := va + size
	step := uintptr(mem.PageSize)
	if top {
		shift := uint(pmap.PageShift) + uint(b.Engine.Mode.Levels-1)*b.Engine.Mode.Bits
		step = uintptr(1) << shift // span of one root-level slot
	}
	for cur := va - va%uintptr(step); cur < end; cur += uintptr(step) {
		if _, ok := b.Engine.Walk(b.Root, cur, true, false); !ok {
			return fmt.Errorf("page-table allocator exhausted at %#x", cur)
		}
	}
	return nil
}

// linear installs the page-table self-map (§4.1's LINEAR row): the root
// table's slot covering p.Vaddr is pointed back at the root itself, so
// every page-table frame in the tree becomes reachable as ordinary data
// through that one fixed VA window.
func (b *Builder) linear(p *elf.Prog) error {
	idx := b.Engine.TopIndex(uintptr(p.Vaddr))
	root := b.Engine.Access.Table(b.Root)
	root[idx] = pmap.PTE{PFN: b.Root, Flags: pmap.P | pmap.W}
	return nil
}

// pinnedMMIOStart/pinnedMMIOEnd is the half-open run of PFNs hardware
// always routes to device space regardless of what firmware's region map
// says (§3: "pinned regions e.g. 0x000A0-0x00100 on x86 are forced to
// MMIO"). The override is applied unconditionally, after the region pass,
// so no region entry can shadow it.
const (
	pinnedMMIOStart = 0xA0
	pinnedMMIOEnd   = 0x100
)

func (b *Builder) populatePFNMap() error {
	buf := b.Mem.Bytes(b.pfnmapVA, uintptr(b.BootInfo.MaxPFN))
	for _, r := range b.RAM {
		for i := uint64(0); i < r.Len; i++ {
			pfn := uint64(r.Start) + i
			if pfn >= uint64(len(buf)) {
				break
			}
			buf[pfn] = byte(r.Type)
		}
	}
	end := kutil.Min(uint64(pinnedMMIOEnd), uint64(len(buf)))
	for pfn := uint64(pinnedMMIOStart); pfn < end; pfn++ {
		buf[pfn] = byte(mem.MMIO)
	}
	return nil
}

func (b *Builder) populateSTree() error {
	t := stree.New(streeOrderFor(b.BootInfo.MaxRAMPFN))
	for _, r := range b.RAM {
		if r.Type != mem.RAM {
			continue
		}
		for i := uint64(0); i < r.Len; i++ {
			t.SetBit(uint64(r.Start) + i)
		}
	}
	treeEnd := kutil.Min(uint64(pinnedMMIOEnd), uint64(1)<<t.Order)
	for pfn := uint64(pinnedMMIOStart); pfn < treeEnd; pfn++ {
		t.ClrBit(pfn)
	}
	b.streeTree = t
	b.writeSTree()
	return nil
}

// writeSTree serializes b.streeTree's current bits to its VA, in
// apxh_stree's packed header-then-words layout.
func (b *Builder) writeSTree() {
	t := b.streeTree
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint64(hdr[0:], uint64(StreeMagic))
	hdr[8] = StreeVersion
	hdr[9] = byte(t.Order)
	binary.LittleEndian.PutUint16(hdr[10:], 0)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(t.Words())*8))

	dst := b.Mem.Bytes(b.streeVA, b.streeSize)
	n := copy(dst, hdr)
	for i, w := range t.Words() {
		binary.LittleEndian.PutUint64(dst[n+i*8:], w)
	}
}

func streeOrderFor(maxRAMPFN mem.PFN) uint {
	order := uint(0)
	for (uint64(1) << order) < uint64(maxRAMPFN) {
		order++
	}
	return order
}

func (b *Builder) populateRegions() error {
	buf := b.Mem.Bytes(b.regionsVA, uintptr(len(b.RAM)*16))
	for i, r := range b.RAM {
		copy(buf[i*16:], EncodeRegion(r))
	}
	b.BootInfo.NumRegions = uint64(len(b.RAM))
	if b.bootInfoVA != 0 {
		copy(b.Mem.Bytes(b.bootInfoVA, 56), b.BootInfo.Encode())
	}
	return nil
}

// Finalize marks every frame a RecordingAllocator handed out during Build
// as BUSY in the PFN map and clears it from the free-frame S-tree (§4.1's
// closing step: "the not-yet-used boot-time free pages are reported as
// BUSY in PFNMAP and cleared in STREE so the kernel will not re-allocate
// the loader's own structures"), then re-serializes the S-tree.
func (b *Builder) Finalize(used []mem.PFN) {
	pfnmap := b.Mem.Bytes(b.pfnmapVA, uintptr(b.BootInfo.MaxPFN))
	for _, pfn := range used {
		if uint64(pfn) < uint64(len(pfnmap)) {
			pfnmap[pfn] = byte(mem.Busy)
		}
		if b.streeTree != nil {
			b.streeTree.ClrBit(uint64(pfn))
		}
	}
	if b.streeTree != nil {
		b.writeSTree()
	}
}

// STree returns the S-tree Finalize clears loader-used frames from, so a
// caller can hand it straight to mem.NewPhysmem after Build/Finalize.
func (b *Builder) STree() *stree.Tree { return b.streeTree }
