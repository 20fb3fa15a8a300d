// Package archamd64 is the amd64 half of the HAL's architecture-specific
// bottom: boxing/unboxing pmap's abstract (pfn, flags) PTE into the real
// x86-64 page-table word, the CPU primitives hal.CPU needs (CR3 load,
// TLB flush, halt, IPI send), and the secondary-CPU startup trampoline
// bytes (§4.9: "started ... through a platform-specific trampoline that
// temporarily maps its own code page 1:1").
//
// Grounded on biscuit/src/mem/mem.go's PTE_* bit constants and
// biscuit/src/mem/dmap.go's CR3/TLB handling style (plain bit manipulation
// over a uint64, no struct-of-bitfields), generalized into an explicit
// box/unbox pair per spec.md's "Boxing/unboxing between (pfn, flags) and
// wire PTE is done by the HAL" (§3).
package archamd64

import (
	"github.com/tienex/nux/mem"
	"github.com/tienex/nux/pmap"
)

// Wire-level amd64 PTE bit positions. Only the kernel-visible bits §6
// lists are boxed/unboxed; accessed/dirty/PWT/PCD are left as the
// hardware sets them and are not part of pmap.Flags.
const (
	bitP      = 1 << 0
	bitW      = 1 << 1
	bitU      = 1 << 2
	bitA      = 1 << 5
	bitD      = 1 << 6
	bitPS     = 1 << 7
	bitG      = 1 << 8
	bitAVL0   = 1 << 9
	bitAVL1   = 1 << 10
	bitAVL2   = 1 << 11
	bitNX     = 1 << 63
	pfnShift  = 12
	pfnMask64 = (uint64(1) << 40) - 1 // 40-bit physical PFN on amd64
)

// Box packs an abstract PTE into its amd64 wire form. large marks a
// non-terminal large-page leaf (PS bit); pmap.Flags has no exported bit
// for this since it's an engine-internal level marker, not a §6
// kernel-visible flag, so callers that already know the level (loader,
// pmap.L1P.IsLarge) pass it explicitly.
func Box(pte pmap.PTE, large bool) uint64 {
	var w uint64
	if pte.Flags.Has(pmap.P) {
		w |= bitP
	}
	if pte.Flags.Has(pmap.W) {
		w |= bitW
	}
	if pte.Flags.Has(pmap.U) {
		w |= bitU
	}
	if !pte.Flags.Has(pmap.X) {
		w |= bitNX // x86-64 NX is inverted: clear to allow execute
	}
	if pte.Flags.Has(pmap.Global) {
		w |= bitG
	}
	if pte.Flags.Has(pmap.AVL0) {
		w |= bitAVL0
	}
	if pte.Flags.Has(pmap.AVL1) {
		w |= bitAVL1
	}
	if pte.Flags.Has(pmap.AVL2) {
		w |= bitAVL2
	}
	if large {
		w |= bitPS
	}
	w |= (uint64(pte.PFN) & pfnMask64) << pfnShift
	return w
}

// Unbox reverses Box, reporting the kernel-visible flags plus whether the
// wire entry had PS set.
func Unbox(word uint64) (pte pmap.PTE, large bool) {
	var fl pmap.Flags
	if word&bitP != 0 {
		fl |= pmap.P
	}
	if word&bitW != 0 {
		fl |= pmap.W
	}
	if word&bitU != 0 {
		fl |= pmap.U
	}
	if word&bitNX == 0 {
		fl |= pmap.X
	}
	if word&bitG != 0 {
		fl |= pmap.Global
	}
	if word&bitAVL0 != 0 {
		fl |= pmap.AVL0
	}
	if word&bitAVL1 != 0 {
		fl |= pmap.AVL1
	}
	if word&bitAVL2 != 0 {
		fl |= pmap.AVL2
	}
	pfn := mem.PFN((word >> pfnShift) & pfnMask64)
	return pmap.PTE{PFN: pfn, Flags: fl}, word&bitPS != 0
}

// CPUOps is the set of amd64 primitives hal.CPU needs: CR3 load (root
// pointer swap), the two TLB-flush granularities ClassifyTLBOp
// distinguishes, halt, and pause (the §5 spin-backoff primitive). Declared
// as function fields rather than free functions so tests can substitute a
// fake without linking real privileged instructions — production wiring
// assigns these from a per-arch assembly stub at init.
type CPUOps struct {
	LoadCR3    func(pa uint64)
	FlushTLB   func()
	FlushAll   func()
	Halt       func()
	Relax      func() // PAUSE: the hal_cpu_relax spin-backoff primitive (§5)
	SendIPI    func(apicID uint32, vector uint8)
	ReadCR3    func() uint64
	DisableInt func()
	EnableInt  func()
}

// Trampoline is the secondary-CPU startup stub (§4.9): parked in a halt
// loop after its identity-mapped code page is temporarily installed, until
// the boot CPU patches its entry vector and sends the real startup IPI.
// This is a representative parked-CPU stub, not a full real-mode-to-
// long-mode bootstrap (that sequence is hardware- and firmware-specific
// and out of this package's scope); it exists so hal's trampoline-install
// path and internal/archamd64's self-check test have real bytes to work
// with.
//
// Bytes: CLI (FA), HLT (F4), JMP $-1 (EB FD) — disable interrupts, halt,
// and on any spurious wake jump back to the halt, looping until the
// startup IPI vector this stub was parked at gets patched by the boot CPU.
var Trampoline = []byte{0xFA, 0xF4, 0xEB, 0xFD}
