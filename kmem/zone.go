// Package kmem is the kernel heap (§4.7/§4.8): a two-ended brk region over
// kernel VA, backed by a power-of-two zone allocator with header+footer
// tagged blocks and coalescing. Grounded on the teacher's biscuit/src/mem
// allocator shape (free lists bucketed by size class) generalized to the
// explicit header/footer/magic scheme spec.md §4.8 calls for, since
// biscuit's own allocator relies on the Go runtime's GC-backed allocator for
// this concern rather than managing raw VA directly.
package kmem

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// magic tags a live header/footer pair to a specific zone instance, so a
// neighbour's header/footer can be distinguished from foreign or
// uninitialized memory during coalescing.
const magic = 0x4b4d454d5a4f4e45 // "KMEMZONE" truncated to 8 bytes worth of entropy

const (
	headerSize = 24 // magic(8) | size(8) | order(8)
	linksSize  = 16 // prev(8) | next(8), immediately after the header
	footerSize = 16 // magic(8) | backoff(8)
	// minBlock reserves room for the free-list links even in an allocated
	// block: any allocated block may later become a bucketed free block,
	// and the header/links/footer layout must never overlap in either state.
	minBlock = headerSize + linksSize + footerSize
)

// Backing abstracts the byte-addressable memory a Zone manages: in
// production this is a window of demand-mapped kernel VA (cast through
// unsafe.Pointer at the call site that owns the real address space); in
// tests it is a plain Go byte slice. Keeping it an interface keeps Zone
// testable without a page-table engine (mirrors pmap's FrameAccess split).
type Backing interface {
	// Bytes returns a mutable view of the backing store. Callers only ever
	// slice into [off, off+n); Zone never retains a slice across calls.
	Bytes(off, n uintptr) []byte
	Len() uintptr
}

// SliceBacking is the in-memory Backing used by tests and by any caller
// that has already arranged to map a contiguous VA range.
type SliceBacking []byte

func (b SliceBacking) Bytes(off, n uintptr) []byte { return b[off : off+n] }
func (b SliceBacking) Len() uintptr                { return uintptr(len(b)) }

// header is the fixed leading metadata of every block; the free-list links
// that follow it (setLinks/getLinks) are only meaningful while order >= 0.
type header struct {
	magic uint64
	size  uint64 // total block size, header+links+payload+footer
	order int    // which free bucket it's threaded on, -1 if allocated
}

// Zone is one power-of-two free-list allocator instance over a region
// [regionStart, regionEnd) of a shared Backing. Order buckets run 0..63,
// indexed by the MSB of a block's size (§4.8). The region need not start at
// offset 0 and need not cover the whole Backing: the two-ended kmem heap
// (brk.go) runs a Zone for each half over disjoint windows of one shared
// kernel-VA Backing, and grows each window's bound as its brk moves,
// without ever renumbering already-live block offsets.
type Zone struct {
	mu                     sync.Mutex
	backing                Backing
	regionStart, regionEnd uintptr
	heads                  [64]uintptr // 0 means empty; otherwise offset of the bucket's head block
}

// NewZone builds a Zone covering the Backing's whole extent, offset 0.
func NewZone(b Backing) *Zone {
	return &Zone{backing: b, regionStart: 0, regionEnd: b.Len()}
}

// NewZoneRegion builds a Zone restricted to [start, end) of a shared
// Backing, used by the brk heap so the low and high halves can't coalesce
// across each other.
func NewZoneRegion(b Backing, start, end uintptr) *Zone {
	return &Zone{backing: b, regionStart: start, regionEnd: end}
}

func orderOf(size uint64) int {
	o := 0
	for (uint64(1) << (o + 1)) <= size {
		o++
	}
	return o
}

func (z *Zone) readHeader(off uintptr) header {
	buf := z.backing.Bytes(off, headerSize)
	return header{
		magic: binary.LittleEndian.Uint64(buf[0:8]),
		size:  binary.LittleEndian.Uint64(buf[8:16]),
		order: int(int64(binary.LittleEndian.Uint64(buf[16:24]))),
	}
}

func (z *Zone) writeHeader(off uintptr, h header) {
	buf := z.backing.Bytes(off, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.size)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(int64(h.order)))
}

func (z *Zone) footerOff(off uintptr, size uint64) uintptr {
	return off + uintptr(size) - footerSize
}

func (z *Zone) writeFooter(off uintptr, size uint64) {
	fo := z.footerOff(off, size)
	buf := z.backing.Bytes(fo, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], magic)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(off))
}

type footer struct {
	magic   uint64
	backoff uint64
}

func (z *Zone) readFooter(off uintptr) footer {
	buf := z.backing.Bytes(off, footerSize)
	return footer{
		magic:   binary.LittleEndian.Uint64(buf[0:8]),
		backoff: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// nextPrevFields live right after the header's fixed fields, reusing the
// same backing bytes; kept as separate accessors to avoid re-encoding the
// whole header on a pure link-list splice.
func (z *Zone) setLinks(off uintptr, prev, next uintptr) {
	buf := z.backing.Bytes(off+24, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(prev))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(next))
}

func (z *Zone) getLinks(off uintptr) (prev, next uintptr) {
	buf := z.backing.Bytes(off+24, 16)
	return uintptr(binary.LittleEndian.Uint64(buf[0:8])), uintptr(binary.LittleEndian.Uint64(buf[8:16]))
}

func (z *Zone) bucketPush(order int, off uintptr, size uint64) {
	head := z.heads[order]
	z.writeHeader(off, header{magic: magic, size: size, order: order})
	z.writeFooter(off, size)
	z.setLinks(off, 0, head)
	if head != 0 {
		_, headNext := z.getLinks(head)
		z.setLinks(head, off, headNext)
	}
	z.heads[order] = off
}

func (z *Zone) bucketRemove(order int, off uintptr) {
	prev, next := z.getLinks(off)
	if prev == 0 {
		z.heads[order] = next
	} else {
		prevPrev, _ := z.getLinks(prev)
		z.setLinks(prev, prevPrev, next)
	}
	if next != 0 {
		_, nextNext := z.getLinks(next)
		z.setLinks(next, prev, nextNext)
	}
}

// Seed registers a single free block spanning the whole region; call once
// at zone construction, before any Alloc/Grow.
func (z *Zone) Seed() {
	z.mu.Lock()
	defer z.mu.Unlock()
	size := uint64(z.regionEnd - z.regionStart)
	z.bucketPush(orderOf(size), z.regionStart, size)
}

// Grow extends the region by delta bytes, exposing them as a new free
// span. atLowEnd selects which edge grows: true extends regionStart
// downward (the brk heap's HI side, which grows toward lower addresses),
// false extends regionEnd upward (the LO side). The caller is responsible
// for ensuring the delta bytes are backed by real memory before Grow runs.
func (z *Zone) Grow(delta uintptr, atLowEnd bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	var newOff uintptr
	if atLowEnd {
		z.regionStart -= delta
		newOff = z.regionStart
	} else {
		newOff = z.regionEnd
		z.regionEnd += delta
	}
	z.freeSpan(newOff, uint64(delta))
}

// Alloc returns a zone-owned offset whose payload is at least n bytes, or
// false on exhaustion (§4.8: "allocation never returns a block smaller than
// requested").
func (z *Zone) Alloc(n uintptr) (uintptr, bool) {
	need := n + minBlock
	z.mu.Lock()
	defer z.mu.Unlock()

	for order := orderOf(uint64(need)); order < 64; order++ {
		off := z.heads[order]
		for off != 0 {
			_, next := z.getLinks(off)
			h := z.readHeader(off)
			if h.size >= uint64(need) {
				z.bucketRemove(order, off)
				z.split(off, h.size, need)
				return off + headerSize + linksSize, true
			}
			off = next
		}
	}
	return 0, false
}

// split carves a need-byte block (header+payload+footer) off the front of
// a free block sized total, threading any leftover remainder back into its
// own bucket.
func (z *Zone) split(off uintptr, total uint64, need uintptr) {
	remainder := total - uint64(need)
	if remainder < minBlock {
		// can't usefully split further: hand out the whole block.
		z.writeHeader(off, header{magic: magic, size: total, order: -1})
		z.writeFooter(off, total)
		return
	}
	z.writeHeader(off, header{magic: magic, size: uint64(need), order: -1})
	z.writeFooter(off, uint64(need))

	remOff := off + uintptr(need)
	remOrder := orderOf(remainder)
	z.bucketPush(remOrder, remOff, remainder)
}

// Free returns a previously allocated payload offset to the zone, coalescing
// with an immediate neighbour whose header/footer magic matches this zone.
func (z *Zone) Free(payloadOff uintptr) {
	off := payloadOff - headerSize - linksSize
	z.mu.Lock()
	defer z.mu.Unlock()

	h := z.readHeader(off)
	if h.magic != magic {
		panic("kmem: Free of a block with a corrupt or foreign header")
	}
	z.freeSpan(off, h.size)
}

// freeSpan threads a block at [off, off+size) back into its bucket,
// coalescing with an immediate neighbour whose header/footer magic matches
// this zone and whose neighbour lies within this zone's region (never
// across a LO/HI boundary shared with a sibling zone on the same Backing).
func (z *Zone) freeSpan(off uintptr, size uint64) {
	// merge with the block below: peek the footer living just before off.
	if off >= z.regionStart+footerSize {
		belowFooterOff := off - footerSize
		bf := z.readFooter(belowFooterOff)
		if bf.magic == magic {
			belowOff := uintptr(bf.backoff)
			bh := z.readHeader(belowOff)
			if bh.magic == magic && bh.order >= 0 {
				z.bucketRemove(bh.order, belowOff)
				off = belowOff
				size += bh.size
			}
		}
	}

	// merge with the block above: peek the header just past off+size.
	aboveOff := off + uintptr(size)
	if aboveOff+headerSize <= z.regionEnd {
		ah := z.readHeader(aboveOff)
		if ah.magic == magic && ah.order >= 0 {
			z.bucketRemove(ah.order, aboveOff)
			size += ah.size
		}
	}

	order := orderOf(size)
	z.bucketPush(order, off, size)
}

// trimTail inspects the block touching the region's shrinking edge and, if
// it is free, dethreads it and shrinks the region by its size. fromLowEnd
// selects which edge: true checks the block starting at regionStart (the
// brk heap's HI side, which grows by decreasing regionStart), false checks
// the block ending at regionEnd (the LO side). Returns ok=false if that
// edge's boundary block is absent or allocated — the zone is left
// untouched either way.
func (z *Zone) trimTail(fromLowEnd bool) (off uintptr, size uint64, ok bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if fromLowEnd {
		if z.regionEnd-z.regionStart < headerSize {
			return 0, 0, false
		}
		h := z.readHeader(z.regionStart)
		if h.magic != magic || h.order < 0 {
			return 0, 0, false
		}
		z.bucketRemove(h.order, z.regionStart)
		off = z.regionStart
		size = h.size
		z.regionStart += uintptr(size)
		return off, size, true
	}

	if z.regionEnd-z.regionStart < footerSize {
		return 0, 0, false
	}
	f := z.readFooter(z.regionEnd - footerSize)
	if f.magic != magic {
		return 0, 0, false
	}
	tailOff := uintptr(f.backoff)
	h := z.readHeader(tailOff)
	if h.magic != magic || h.order < 0 {
		return 0, 0, false
	}
	z.bucketRemove(h.order, tailOff)
	size = h.size
	z.regionEnd -= uintptr(size)
	return tailOff, size, true
}

// Verify walks every bucket and asserts the header/footer magic invariant
// (§4.8); used by tests, not on any allocation hot path.
func (z *Zone) Verify() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	for order := 0; order < 64; order++ {
		off := z.heads[order]
		for off != 0 {
			h := z.readHeader(off)
			if h.magic != magic {
				return fmt.Errorf("kmem: corrupt header at offset %#x in bucket %d", off, order)
			}
			f := z.readFooter(z.footerOff(off, h.size))
			if f.magic != magic || uintptr(f.backoff) != off {
				return fmt.Errorf("kmem: corrupt footer at offset %#x", off)
			}
			_, off = z.getLinks(off)
		}
	}
	return nil
}
