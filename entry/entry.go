// Package entry is the kernel entry dispatcher (§4.11): the routing table
// run "on every return from HAL into kernel C code" that disambiguates the
// saved user context, drains any pending emulated NMI first, and routes by
// entry reason to the kernel's syscall/page-fault/exception/irq callbacks.
//
// Grounded on biscuit/src/vm/as.go's Sys_pgfault (the page-fault-reason
// branch this dispatcher's PageFault case generalizes) and Tlbshoot (the
// per-CPU TLB-shootdown path this dispatcher's NMI case drains before any
// upcall), reshaped from biscuit's single hard-coded page-fault entry point
// into the full reason-indexed table §4.11 specifies.
package entry

import "fmt"

// Kind disambiguates the saved frame a kernel entry was taken from (§4.11
// step 1, and spec.md §3's uctxt).
type Kind int

const (
	// Idle means the CPU woke from its idle loop: there is no frame to
	// resume, only the idle trampoline to re-enter.
	Idle Kind = iota
	// Invalid means the entry was taken from non-idle kernel code: this
	// frame can never be returned to.
	Invalid
	// UserFrame means the entry was taken from live user state.
	UserFrame
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Invalid:
		return "invalid"
	case UserFrame:
		return "user"
	default:
		return "kind?"
	}
}

// Reason is why the kernel was entered (§4.11 step 2's table rows).
type Reason int

const (
	Syscall Reason = iota
	PageFault
	Exception
	NMI
	IRQ
)

func (r Reason) String() string {
	switch r {
	case Syscall:
		return "syscall"
	case PageFault:
		return "page fault"
	case Exception:
		return "exception"
	case NMI:
		return "nmi"
	case IRQ:
		return "irq"
	default:
		return "reason?"
	}
}

// UCtxt is the tagged pointer a dispatch returns (§3): Idle/Invalid carry
// no frame, UserFrame wraps whatever opaque representation the HAL uses
// for a saved user trap frame.
type UCtxt struct {
	Kind  Kind
	Frame interface{}
}

// NMIDrainer is the subset of percpu.CPU this package uses to drain a
// pending emulated NMI; recording a user-space fault for the usrpgfault
// envelope (§4.12) goes through FaultRecorder. Expressed as an interface so entry doesn't
// need to import percpu's concrete Table/CPU wiring to be unit-tested.
type NMIDrainer interface {
	DrainPendingNMI() bool
}

// FaultRecorder is the per-CPU "expected user fault" sink §4.12 describes:
// on a user-space fault with a copy armed, the dispatcher stashes (va,
// info) here instead of panicking.
type FaultRecorder interface {
	Armed() bool
	RecordFault(va uintptr, info uint)
}

// PanicFn formats and halts, mirroring hal_panic (§7's Invalid-uctxt
// error kind: "calls hal_panic with a formatted dump and halts all CPUs").
type PanicFn func(format string, args ...interface{})

// IdleAccounter records the idle/busy split across the idle boundary this
// dispatcher already tracks via Kind (§3/§4.9's CPU record accounting
// fields): ExitIdle when a kind==Idle entry wakes the CPU, EnterIdle just
// before Resume long-jumps back into the idle trampoline.
type IdleAccounter interface {
	EnterIdle()
	ExitIdle()
}

// Dispatcher holds one CPU's routing callbacks. Every Handle* field is
// required except where the routing table marks a (kind, reason) pair as
// "panic" or "never upcalls".
type Dispatcher struct {
	NMI   NMIDrainer
	Fault FaultRecorder
	Panic PanicFn

	// DrainTLBOp performs the actual NMI body (§4.9: read-and-zero tlbop,
	// apply it, clear the tlbmap bit) once a pending NMI has been found.
	DrainTLBOp func()

	// IsUserVA reports whether an address lies in the user half of the
	// address space, per §4.11's "if faulting VA is user-space and a
	// user-copy is in progress" recovery condition.
	IsUserVA func(va uintptr) bool

	HandleSyscall   func(frame interface{}) UCtxt
	HandlePageFault func(frame interface{}, va uintptr, info uint) UCtxt
	HandleException func(frame interface{}) UCtxt
	HandleIRQ       func(frame interface{}) UCtxt

	// IdleTrampoline is long-jumped into when a dispatch resolves to Idle
	// (§4.11 step 3); it never returns to the dispatch call site.
	IdleTrampoline func()

	// Idle records this CPU's idle/busy accounting across that same
	// boundary, if the caller wants it tracked. Nil disables accounting.
	Idle IdleAccounter
}

// Dispatch runs the §4.11 sequence: drain any pending NMI, then route by
// reason according to the (kind, reason) table. va/info are only
// meaningful for PageFault.
func (d *Dispatcher) Dispatch(kind Kind, frame interface{}, reason Reason, va uintptr, info uint) UCtxt {
	if kind == Idle && d.Idle != nil {
		d.Idle.ExitIdle()
	}
	if d.NMI != nil && d.NMI.DrainPendingNMI() {
		if d.DrainTLBOp != nil {
			d.DrainTLBOp()
		}
	}

	switch reason {
	case NMI:
		// "drain TLB op and return (never upcalls)" for every uctxt kind.
		if d.DrainTLBOp != nil {
			d.DrainTLBOp()
		}
		return UCtxt{Kind: kind, Frame: frame}

	case Syscall:
		if kind != UserFrame {
			d.panicf(kind, reason, "syscall entry from non-user uctxt")
			return UCtxt{Kind: Invalid}
		}
		return d.HandleSyscall(frame)

	case PageFault:
		if kind == UserFrame {
			return d.HandlePageFault(frame, va, info)
		}
		// INVALID or IDLE: only a recoverable, in-progress user copy
		// saves this from being a kernel-fatal fault.
		if d.IsUserVA != nil && d.IsUserVA(va) && d.Fault != nil && d.Fault.Armed() {
			d.Fault.RecordFault(va, info)
			return UCtxt{Kind: Invalid}
		}
		d.panicf(kind, reason, "page fault at %#x (info %#x) with no armed user copy", va, info)
		return UCtxt{Kind: Invalid}

	case Exception:
		if kind != UserFrame {
			d.panicf(kind, reason, "exception entry from non-user uctxt")
			return UCtxt{Kind: Invalid}
		}
		return d.HandleException(frame)

	case IRQ:
		// allowed for every uctxt kind (§4.11: "allowed (returns to
		// kernel)" / "allowed (wakes CPU)").
		return d.HandleIRQ(frame)
	}

	d.panicf(kind, reason, "unknown entry reason %d", reason)
	return UCtxt{}
}

func (d *Dispatcher) panicf(kind Kind, reason Reason, format string, args ...interface{}) {
	msg := fmt.Sprintf("entry: %s (uctxt=%s): %s", reason, kind, fmt.Sprintf(format, args...))
	if d.Panic != nil {
		d.Panic("%s", msg)
		return
	}
	panic(msg)
}

// Resume carries out §4.11 step 3: a returned Idle uctxt long-jumps into
// the per-CPU idle trampoline and never returns here; anything else is
// handed to resume to splice back into the saved frame.
func (d *Dispatcher) Resume(uc UCtxt, resume func(frame interface{})) {
	if uc.Kind == Idle {
		if d.Idle != nil {
			d.Idle.EnterIdle()
		}
		if d.IdleTrampoline != nil {
			d.IdleTrampoline()
		}
		return
	}
	resume(uc.Frame)
}
