// Package percpu is the per-CPU substrate (§4.9): a logical-id-indexed CPU
// record table, TLB shootdown driven by a (real or emulated) NMI, and the
// generation counters `kmap` (§4.6) bumps on every leaf transition. Grounded
// on the teacher's per-G "current thread" pointer pattern
// (biscuit/src/tinfo/tinfo.go's runtime.Gptr/Setgptr), generalized from one
// pointer per goroutine to one record per logical CPU, since this spec's
// per-CPU record is a coarser-grained, longer-lived analogue of biscuit's
// per-thread note.
package percpu

import (
	"sync/atomic"
	"time"

	"github.com/tienex/nux/internal/kprof"
	"github.com/tienex/nux/pmap"
)

// TLBOp is the bitmask form of pmap.TLBOp: a remote CPU's pending tlbop
// field can carry both a FLUSH and a FLUSHALL request at once, accumulated
// by independent shootdown initiators before the target drains it.
type TLBOp uint32

const (
	OpFlush    TLBOp = 1 << 0
	OpFlushAll TLBOp = 1 << 1
)

// FromClassify folds a pmap.TLBOp classification into the bitmask form.
func FromClassify(op pmap.TLBOp) TLBOp {
	switch op {
	case pmap.TLBFlush:
		return OpFlush
	case pmap.TLBFlushAll:
		return OpFlushAll
	default:
		return 0
	}
}

// FaultState is the "expected user fault" scratch a CPU record carries for
// §4.12's user-copy envelope: the address/info the most recent guarded
// access is prepared to fail at, and whether a fault is currently armed.
type FaultState struct {
	Armed   atomic.Bool
	Addr    uintptr
	Info    uint
	Faulted atomic.Bool
}

// CPU is one logical CPU's record (§3 CPU record / §4.9).
type CPU struct {
	Logical  int
	Physical uint32 // APIC id / HART id, HAL-assigned
	Data     interface{}

	tlbop   atomic.Uint32 // TLBOp bitmask, ORed in by remote shootdown initiators
	pending atomic.Uint32 // NMI-emulation pending bits: bit0 NMI, bit1 IPI

	Fault FaultState

	// Prof accumulates this CPU's idle/busy split, bracketed by EnterIdle/
	// ExitIdle across the entry dispatcher's idle boundary (§3/§4.9's CPU
	// record accounting fields).
	Prof      kprof.Counters
	idleSince atomic.Int64 // UnixNano at the last EnterIdle, 0 if currently busy
	busySince atomic.Int64 // UnixNano at the last ExitIdle, 0 if currently idle
}

const (
	pendingNMI = 1 << 0
	pendingIPI = 1 << 1
)

// SendNMIFn delivers a platform NMI (or, on architectures without one, the
// software-interrupt substitute) to a physical CPU id. Supplied by hal so
// this package stays architecture-independent.
type SendNMIFn func(physical uint32)

// Table is the logical-id-indexed CPU record table plus the global
// shootdown bitmap (§4.9's `tlbmap`) and kmap generation counters (§4.6).
type Table struct {
	cpus []CPU

	tlbmap  atomic.Uint64 // bit i set: cpu i has a pending, undrained shootdown
	sendNMI SendNMIFn

	tlbgen       atomic.Uint64 // bumped on every FLUSH recorded via Record
	tlbgenGlobal atomic.Uint64 // bumped on every FLUSHALL recorded via Record
}

// NewTable builds a table of n logical CPUs. sendNMI may be nil in tests
// that only exercise the bookkeeping, not actual delivery.
func NewTable(n int, sendNMI SendNMIFn) *Table {
	t := &Table{cpus: make([]CPU, n), sendNMI: sendNMI}
	for i := range t.cpus {
		t.cpus[i].Logical = i
	}
	return t
}

func (t *Table) CPU(logical int) *CPU { return &t.cpus[logical] }
func (t *Table) Len() int             { return len(t.cpus) }

// Record folds a leaf-transition classification into the global generation
// counters kmap_map uses (§4.6: "records the returned tlbop into a global
// generation counter `_tlbgen` or `_tlbgen_global`").
func (t *Table) Record(op pmap.TLBOp) {
	switch op {
	case pmap.TLBFlush:
		t.tlbgen.Add(1)
	case pmap.TLBFlushAll:
		t.tlbgenGlobal.Add(1)
	}
}

// Generation reports the current (local, global) generation counters, for
// kmap_commit-style callers deciding whether a cached translation is stale.
func (t *Table) Generation() (local, global uint64) {
	return t.tlbgen.Load(), t.tlbgenGlobal.Load()
}

// Shootdown ORs op into every target logical CPU's pending tlbop, marks it
// pending in tlbmap, and signals it (§4.9). If sync is true it spins until
// every target has drained (tlbmap & targets == 0).
func (t *Table) Shootdown(targets []int, op TLBOp, sync bool) {
	var mask uint64
	for _, lid := range targets {
		cpu := &t.cpus[lid]
		cpu.tlbop.Or(uint32(op))
		mask |= 1 << uint(lid)
	}
	t.tlbmap.Or(mask)
	for _, lid := range targets {
		if t.sendNMI != nil {
			t.sendNMI(t.cpus[lid].Physical)
		}
	}
	if !sync {
		return
	}
	for t.tlbmap.Load()&mask != 0 {
		// hal_cpu_relax equivalent: a unit test never actually spins here
		// since the NMI handler drains synchronously within SendNMIFn.
	}
}

// DrainTLBOp is the NMI handler's body on the target CPU: atomically reads
// and zeros the pending tlbop, then clears this CPU's bit in tlbmap. It
// never takes a lock (§5's NMI re-entry rule: "it touches only its own
// tlbop, nmiop, and the global tlbmap... it never takes locks").
func (t *Table) DrainTLBOp(logical int) TLBOp {
	cpu := &t.cpus[logical]
	op := TLBOp(cpu.tlbop.Swap(0))
	t.tlbmap.And(^(uint64(1) << uint(logical)))
	return op
}

// --- NMI emulation (§4.9, RISC-V): a {NMI, IPI} pending-bit pair plus a
// regular software interrupt, since RISC-V has no true NMI. ---

// RaiseNMI sets the NMI-pending bit on a logical CPU; the caller still has
// to deliver the ordinary software interrupt itself (SendNMIFn on RISC-V
// HAL does both).
func (c *CPU) RaiseNMI() { c.pending.Or(pendingNMI) }

// RaiseIPI sets the IPI-pending bit.
func (c *CPU) RaiseIPI() { c.pending.Or(pendingIPI) }

// DrainPendingNMI reports and clears a pending emulated NMI. The entry
// dispatcher calls this first on every kernel entry, before routing to any
// user handler (§4.9: "the dispatcher first drains any pending NMI ...
// before routing to user handlers").
func (c *CPU) DrainPendingNMI() bool {
	old := c.pending.And(^uint32(pendingNMI))
	return old&pendingNMI != 0
}

// Armed and RecordFault let a *CPU satisfy entry.FaultRecorder directly:
// the dispatcher's usrpgfault recovery path (§4.12) stashes a kernel-side
// user fault here instead of panicking when a copy is in progress.
func (c *CPU) Armed() bool { return c.Fault.Armed.Load() }

func (c *CPU) RecordFault(va uintptr, info uint) {
	c.Fault.Addr = va
	c.Fault.Info = info
	c.Fault.Faulted.Store(true)
}

// Arm and Disarm bracket a guarded user-memory access (§4.12: "caller sets
// usrpgfault = 1 ... calls the unsafe copy"); TookFault lets the copy
// helper poll whether the guarded access actually faulted, and what it
// faulted on, satisfying vm.FaultCPU.
func (c *CPU) Arm() {
	c.Fault.Faulted.Store(false)
	c.Fault.Armed.Store(true)
}

func (c *CPU) Disarm() { c.Fault.Armed.Store(false) }

func (c *CPU) TookFault() (va uintptr, info uint, ok bool) {
	if !c.Fault.Faulted.Load() {
		return 0, 0, false
	}
	return c.Fault.Addr, c.Fault.Info, true
}

// IPIPending reports whether an emulated IPI is still outstanding, without
// clearing it; §4.9: "IPIs remain pending until the CPU is about to return
// to user; on entering idle, pending IPIs short-circuit the wait".
func (c *CPU) IPIPending() bool {
	return c.pending.Load()&pendingIPI != 0
}

// AckIPI clears the IPI-pending bit once the CPU has acted on it (either
// servicing it on the way out to user, or short-circuiting idle).
func (c *CPU) AckIPI() {
	c.pending.And(^uint32(pendingIPI))
}

// EnterIdle closes out the busy period just ending (if any) and opens an
// idle one, satisfying entry.IdleAccounter; the dispatcher calls this
// right before long-jumping into the idle trampoline.
func (c *CPU) EnterIdle() {
	now := time.Now().UnixNano()
	if prev := c.busySince.Swap(0); prev != 0 {
		c.Prof.AddBusy(now - prev)
	}
	c.idleSince.Store(now)
}

// ExitIdle closes out the idle period just ending and opens a busy one,
// satisfying entry.IdleAccounter; the dispatcher calls this when a
// kind==Idle entry wakes the CPU back into kernel code.
func (c *CPU) ExitIdle() {
	now := time.Now().UnixNano()
	if prev := c.idleSince.Swap(0); prev != 0 {
		c.Prof.AddIdle(now - prev)
	}
	c.busySince.Store(now)
}
