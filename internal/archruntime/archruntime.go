// Package archruntime declares the small set of low-level runtime hooks
// the kernel packages assume (§AMBIENT STACK): a per-"thread" (here, a
// logical CPU's kernel context) data pointer, virtual-to-physical
// translation, the running CPU's id, and a cache/TLB condition-flush
// primitive, plus the symbol-demangling step the panic dumper needs.
//
// The teacher runs atop a modified Go runtime exposing these directly as
// package-level functions (runtime.Gptr/Setgptr, runtime.Vtop,
// runtime.Cpuid, runtime.Condflush — referenced throughout
// biscuit/src/tinfo/tinfo.go and biscuit/src/mem/dmap.go, though the fork
// itself is not present in the retrieved src/ slice). Rather than literally
// forking package runtime, this rewrite declares the same hook shape as an
// interface a build selects one implementation of — same posture,
// substitutable instead of forked.
package archruntime

import (
	"unsafe"

	"github.com/ianlancetaylor/demangle"
)

// Hooks is the runtime-hook contract every kernel package may assume is
// available (installed once, at boot, by the active build's Register).
// Grounded directly on tinfo.go's Current/SetCurrent/ClearCurrent trio,
// which call exactly runtime.Gptr()/runtime.Setgptr(p) to get/set a
// per-"G" data pointer; here the pointer identifies the running logical
// CPU's record instead of a thread note, one level coarser-grained.
type Hooks interface {
	// Gptr returns the current CPU-data pointer (nil if none installed),
	// mirroring tinfo.Current's runtime.Gptr() call.
	Gptr() unsafe.Pointer
	// Setgptr installs the current CPU-data pointer, mirroring
	// tinfo.SetCurrent/ClearCurrent's runtime.Setgptr(p) call (p == nil
	// clears it).
	Setgptr(p unsafe.Pointer)
	// Vtop resolves a kernel virtual address to its backing physical
	// address through the currently-loaded root, reporting ok=false for
	// an unmapped VA.
	Vtop(va uintptr) (pa uintptr, ok bool)
	// Cpuid reports the calling logical CPU's id, for code that can't
	// thread a *percpu.CPU through every call (e.g. the NMI handler,
	// which must identify itself without taking a lock, per §5).
	Cpuid() uint32
	// Condflush issues a conditional cache/TLB flush for a VA range
	// (amd64: nothing beyond the mapper's own invlpg; RISC-V: an sfence.vma
	// the HAL's TLB ops rely on), mirroring dmap.go's flush-before-reuse
	// discipline around the direct map.
	Condflush(va uintptr, n uintptr)
}

// active is the installed Hooks; Register replaces it at boot. A nil
// active is a programming error (every kernel entry point requires one),
// so accessors panic rather than silently no-op.
var active Hooks

// Register installs h as the active runtime hooks, called once during
// early boot before any other kernel package touches Current/Cpuid/etc.
func Register(h Hooks) { active = h }

// Current returns the active Hooks, panicking if none has been
// registered yet (mirrors tinfo.Current's "nuts" panic on a nil Gptr).
func Current() Hooks {
	if active == nil {
		panic("archruntime: no Hooks registered")
	}
	return active
}

// Demangle best-effort demangles a C++-style mangled symbol name found
// while walking a loaded ELF payload's symbol table (APXH can stage more
// than one ELF, §SUPPLEMENTED FEATURES); a name demangle.Filter can't
// parse is returned unchanged.
//
// Grounded on the teacher's own indirect require of
// github.com/ianlancetaylor/demangle (pulled in transitively by
// google/pprof for profile symbolization), exercised here directly rather
// than only transitively.
func Demangle(name string) string {
	return demangle.Filter(name)
}
