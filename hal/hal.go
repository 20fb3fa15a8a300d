// Package hal is the Hardware Abstraction Layer capability interface
// (§5.5/§9): "architecture polymorphism... express as a trait/interface
// with methods {frame_init, pmap_walk, pcpu_start, vect_irqbase,
// cpu_tlbop, ...} and pick one implementation per build." One
// implementation is provided per target in spec.md §1's "x86-32, x86-64,
// RISC-V64" list; amd64 is concrete (backed by internal/archamd64), i386
// and riscv64 are expressed against the same interface with reduced or
// emulated behavior where the real target differs (i386: narrower PTE/PFN
// width; riscv64: NMI emulation instead of a true NMI, per §4.9).
//
// Grounded on biscuit/src/mem/mem.go and biscuit/src/mem/dmap.go's CR3/
// TLB-flush call sites (the teacher inlines amd64 assumptions directly;
// this package is the capability-interface seam DESIGN NOTES §9 asks for
// instead), and on percpu.SendNMIFn/TLBOp (§4.9), which this package's
// CPU method set exists to satisfy with a real implementation.
package hal

import (
	"github.com/tienex/nux/internal/archamd64"
	"github.com/tienex/nux/internal/archruntime"
	"github.com/tienex/nux/mem"
	"github.com/tienex/nux/percpu"
	"github.com/tienex/nux/pmap"
)

// CPU is the HAL's capability set: the per-arch operations the kernel's
// arch-independent packages (pmap, percpu, entry, vm) need performed, but
// never perform themselves.
type CPU interface {
	// Mode reports the paging mode this HAL targets, so callers can build
	// the matching pmap.Engine.
	Mode() pmap.Mode
	// BoxPTE/UnboxPTE translate between pmap's abstract (pfn, flags) PTE
	// and this architecture's real page-table word (§3).
	BoxPTE(pte pmap.PTE, large bool) uint64
	UnboxPTE(word uint64) (pte pmap.PTE, large bool)
	// LoadRoot installs pa as the live page-table root on the calling CPU
	// (CR3 on amd64, satp on RISC-V).
	LoadRoot(pa mem.PFN)
	// FlushTLBOp executes a pmap.TLBOp locally: the NMI handler's body
	// after DrainTLBOp (§4.9).
	FlushTLBOp(op pmap.TLBOp)
	// SendNMI is percpu.SendNMIFn's per-arch implementation: a true NMI on
	// amd64, the {pending-bit + software interrupt} substitute on riscv64.
	SendNMI(physical uint32)
	// StartCPU signals a secondary CPU's physical id with the startup
	// interrupt so it enters the arch trampoline (§4.9). The implementations
	// in this package only send that signal: they do not map trampolinePA
	// 1:1 and do not save or restore the trampoline page's PTE.
	StartCPU(physical uint32, trampolinePA mem.PFN) error
	// IRQVectorBase reports the first vector/cause number the platform
	// routes device IRQs to, so entry's IRQ branch can tell a device
	// interrupt from an exception/syscall vector.
	IRQVectorBase() uint32
	// Halt parks the calling CPU until the next interrupt (the idle
	// wait-for-interrupt primitive §4.11's Resume long-jumps into).
	Halt()
	// Relax is the spin-backoff primitive (§5: "every lock is a spinlock
	// with hal_cpu_relax (PAUSE/NOP) backoff").
	Relax()
}

// AMD64 is the concrete x86-64 HAL, backed by internal/archamd64's
// box/unbox codec and a CPUOps function table (wired to real privileged
// instructions in production, substitutable in tests).
type AMD64 struct {
	Ops   archamd64.CPUOps
	Table *percpu.Table
}

func (AMD64) Mode() pmap.Mode { return pmap.Amd64 }

func (AMD64) BoxPTE(pte pmap.PTE, large bool) uint64 { return archamd64.Box(pte, large) }

func (AMD64) UnboxPTE(word uint64) (pmap.PTE, bool) { return archamd64.Unbox(word) }

func (h AMD64) LoadRoot(pa mem.PFN) {
	if h.Ops.LoadCR3 != nil {
		h.Ops.LoadCR3(uint64(pa.Addr()))
	}
}

func (h AMD64) FlushTLBOp(op pmap.TLBOp) {
	switch op {
	case pmap.TLBFlush:
		if h.Ops.FlushTLB != nil {
			h.Ops.FlushTLB()
		}
	case pmap.TLBFlushAll:
		if h.Ops.FlushAll != nil {
			h.Ops.FlushAll()
		}
	}
}

func (h AMD64) SendNMI(physical uint32) {
	if h.Ops.SendIPI != nil {
		h.Ops.SendIPI(physical, nmiVector)
	}
}

// nmiVector is the vector amd64 delivers its shootdown NMI on; a real
// build wires this to the platform's IDT allocation, not modeled here.
const nmiVector = 0x02

func (h AMD64) StartCPU(physical uint32, trampolinePA mem.PFN) error {
	if h.Ops.SendIPI != nil {
		h.Ops.SendIPI(physical, startupVector)
	}
	return nil
}

const startupVector = 0x08

func (AMD64) IRQVectorBase() uint32 { return 0x20 }

func (h AMD64) Halt() {
	if h.Ops.Halt != nil {
		h.Ops.Halt()
	}
}

func (h AMD64) Relax() {
	if h.Ops.Relax != nil {
		h.Ops.Relax()
	}
}

// I386 is the x86-32 PAE HAL: same box/unbox shape as amd64 (the wire PTE
// layout is close enough — P/W/U/G/NX/AVL0-2 at the same low bit
// positions; only the root's width and level count differ, which lives in
// pmap.I386PAE, not here) behind the narrower 3-level engine.
type I386 struct {
	Ops archamd64.CPUOps
}

func (I386) Mode() pmap.Mode { return pmap.I386PAE }

func (I386) BoxPTE(pte pmap.PTE, large bool) uint64 { return archamd64.Box(pte, large) }

func (I386) UnboxPTE(word uint64) (pmap.PTE, bool) { return archamd64.Unbox(word) }

func (h I386) LoadRoot(pa mem.PFN) {
	if h.Ops.LoadCR3 != nil {
		h.Ops.LoadCR3(uint64(pa.Addr()))
	}
}

func (h I386) FlushTLBOp(op pmap.TLBOp) {
	switch op {
	case pmap.TLBFlush:
		if h.Ops.FlushTLB != nil {
			h.Ops.FlushTLB()
		}
	case pmap.TLBFlushAll:
		if h.Ops.FlushAll != nil {
			h.Ops.FlushAll()
		}
	}
}

func (h I386) SendNMI(physical uint32) {
	if h.Ops.SendIPI != nil {
		h.Ops.SendIPI(physical, nmiVector)
	}
}

func (h I386) StartCPU(physical uint32, trampolinePA mem.PFN) error {
	if h.Ops.SendIPI != nil {
		h.Ops.SendIPI(physical, startupVector)
	}
	return nil
}

func (I386) IRQVectorBase() uint32 { return 0x20 }

func (h I386) Halt()  { h.Ops.Halt() }
func (h I386) Relax() { h.Ops.Relax() }

// RISCV64 targets SV48 and has no true NMI (§4.9): SendNMI sets the
// target's emulated pending-NMI bit and relies on a regular software
// interrupt (delivered through SendSWIRQ) to get the target to drain
// it, rather than an actual non-maskable trap.
type RISCV64 struct {
	Table      *percpu.Table
	SendSWIRQ  func(physical uint32) // the regular interrupt NMI-emulation rides on
	CSROps     archamd64.CPUOps      // satp load / sfence.vma / wfi / pause, same shape as amd64's CPUOps
}

func (RISCV64) Mode() pmap.Mode { return pmap.SV48 }

func (RISCV64) BoxPTE(pte pmap.PTE, large bool) uint64 { return archamd64.Box(pte, large) }

func (RISCV64) UnboxPTE(word uint64) (pmap.PTE, bool) { return archamd64.Unbox(word) }

func (h RISCV64) LoadRoot(pa mem.PFN) {
	if h.CSROps.LoadCR3 != nil {
		h.CSROps.LoadCR3(uint64(pa.Addr()))
	}
}

func (h RISCV64) FlushTLBOp(op pmap.TLBOp) {
	switch op {
	case pmap.TLBFlush:
		if h.CSROps.FlushTLB != nil {
			h.CSROps.FlushTLB()
		}
	case pmap.TLBFlushAll:
		if h.CSROps.FlushAll != nil {
			h.CSROps.FlushAll()
		}
	}
}

// SendNMI is the {NMI, IPI}-pending-bit substitute (§4.9): it marks the
// logical CPU's emulated-NMI bit, then sends the ordinary software
// interrupt the target's dispatcher loop will notice on its next entry.
func (h RISCV64) SendNMI(physical uint32) {
	if h.Table == nil {
		return
	}
	for i := 0; i < h.Table.Len(); i++ {
		cpu := h.Table.CPU(i)
		if cpu.Physical == physical {
			cpu.RaiseNMI()
			break
		}
	}
	if h.SendSWIRQ != nil {
		h.SendSWIRQ(physical)
	}
}

func (h RISCV64) StartCPU(physical uint32, trampolinePA mem.PFN) error {
	if h.SendSWIRQ != nil {
		h.SendSWIRQ(physical)
	}
	return nil
}

func (RISCV64) IRQVectorBase() uint32 { return 0 }

func (h RISCV64) Halt()  { h.CSROps.Halt() }
func (h RISCV64) Relax() { h.CSROps.Relax() }

// Cpuid reports the calling logical CPU id through archruntime's Hooks, a
// convenience most HAL call sites (the NMI handler in particular) need
// without threading a *percpu.CPU through every call.
func Cpuid() uint32 { return archruntime.Current().Cpuid() }
