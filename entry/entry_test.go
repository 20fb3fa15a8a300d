package entry

import "testing"

type fakeNMI struct{ pending bool }

func (f *fakeNMI) DrainPendingNMI() bool {
	if !f.pending {
		return false
	}
	f.pending = false
	return true
}

type fakeFault struct {
	armed       bool
	recordedVA  uintptr
	recordedInf uint
	recorded    bool
}

func (f *fakeFault) Armed() bool { return f.armed }
func (f *fakeFault) RecordFault(va uintptr, info uint) {
	f.recordedVA, f.recordedInf, f.recorded = va, info, true
}

func newTestDispatcher() (*Dispatcher, *fakeNMI, *fakeFault, *int) {
	nmi := &fakeNMI{}
	fault := &fakeFault{}
	drains := 0
	d := &Dispatcher{
		NMI:        nmi,
		Fault:      fault,
		DrainTLBOp: func() { drains++ },
		IsUserVA:   func(va uintptr) bool { return va < 1<<47 },
		HandleSyscall: func(frame interface{}) UCtxt {
			return UCtxt{Kind: UserFrame, Frame: frame}
		},
		HandlePageFault: func(frame interface{}, va uintptr, info uint) UCtxt {
			return UCtxt{Kind: UserFrame, Frame: frame}
		},
		HandleException: func(frame interface{}) UCtxt {
			return UCtxt{Kind: UserFrame, Frame: frame}
		},
		HandleIRQ: func(frame interface{}) UCtxt {
			return UCtxt{Kind: Invalid}
		},
	}
	return d, nmi, fault, &drains
}

func TestPendingNMIDrainedBeforeRouting(t *testing.T) {
	d, nmi, _, drains := newTestDispatcher()
	nmi.pending = true
	d.Dispatch(UserFrame, "frame", Syscall, 0, 0)
	if *drains != 1 {
		t.Fatalf("expected the pending NMI to be drained once before routing, got %d drains", *drains)
	}
}

func TestNMIReasonNeverUpcalls(t *testing.T) {
	d, _, _, drains := newTestDispatcher()
	uc := d.Dispatch(Invalid, "frame", NMI, 0, 0)
	if *drains != 1 {
		t.Fatalf("NMI reason should drain the tlbop, got %d drains", *drains)
	}
	if uc.Kind != Invalid {
		t.Fatalf("NMI dispatch must return the same uctxt kind unchanged, got %v", uc.Kind)
	}
}

func TestSyscallFromUserDispatches(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	uc := d.Dispatch(UserFrame, "frame", Syscall, 0, 0)
	if uc.Frame != "frame" {
		t.Fatalf("expected HandleSyscall's result to be returned")
	}
}

func TestSyscallFromInvalidPanics(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	var caught interface{}
	func() {
		defer func() { caught = recover() }()
		d.Dispatch(Invalid, "frame", Syscall, 0, 0)
	}()
	if caught == nil {
		t.Fatalf("expected a panic for a syscall entry with an invalid uctxt")
	}
}

func TestPageFaultRecoveredUnderArmedCopy(t *testing.T) {
	d, _, fault, _ := newTestDispatcher()
	fault.armed = true
	uc := d.Dispatch(Invalid, "frame", PageFault, 0x1000, 0xE)
	if uc.Kind != Invalid {
		t.Fatalf("recovered page fault should return Invalid (caller longjmps), got %v", uc.Kind)
	}
	if !fault.recorded || fault.recordedVA != 0x1000 || fault.recordedInf != 0xE {
		t.Fatalf("expected the fault (va, info) to be recorded: %+v", fault)
	}
}

func TestPageFaultUnrecoverablePanics(t *testing.T) {
	d, _, fault, _ := newTestDispatcher()
	fault.armed = false
	var caught interface{}
	func() {
		defer func() { caught = recover() }()
		d.Dispatch(Invalid, "frame", PageFault, 0x1000, 0xE)
	}()
	if caught == nil {
		t.Fatalf("expected a panic for an unrecoverable kernel-side page fault")
	}
}

func TestPageFaultInKernelSpaceNeverRecovers(t *testing.T) {
	d, _, fault, _ := newTestDispatcher()
	fault.armed = true
	var caught interface{}
	func() {
		defer func() { caught = recover() }()
		d.Dispatch(Invalid, "frame", PageFault, 1<<48, 0xE) // a kernel-space VA
	}()
	if caught == nil {
		t.Fatalf("a kernel-space fault must never be treated as a recoverable user copy")
	}
}

func TestIRQAllowedFromEveryKind(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	for _, k := range []Kind{Idle, Invalid, UserFrame} {
		if uc := d.Dispatch(k, "frame", IRQ, 0, 0); uc.Kind != Invalid {
			t.Fatalf("IRQ from kind %v should always dispatch to HandleIRQ", k)
		}
	}
}

func TestResumeIdleLongJumpsToTrampoline(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	trampolined := false
	d.IdleTrampoline = func() { trampolined = true }
	resumed := false
	d.Resume(UCtxt{Kind: Idle}, func(frame interface{}) { resumed = true })
	if !trampolined || resumed {
		t.Fatalf("Idle uctxt should long-jump into the trampoline, not call resume")
	}
}

type fakeIdleAccounter struct {
	entered, exited int
}

func (f *fakeIdleAccounter) EnterIdle() { f.entered++ }
func (f *fakeIdleAccounter) ExitIdle()  { f.exited++ }

func TestDispatchIdleKindRecordsExitIdle(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	idle := &fakeIdleAccounter{}
	d.Idle = idle
	d.Dispatch(Idle, "frame", IRQ, 0, 0)
	if idle.exited != 1 || idle.entered != 0 {
		t.Fatalf("expected ExitIdle once on a kind==Idle dispatch, got entered=%d exited=%d", idle.entered, idle.exited)
	}
}

func TestResumeIdleRecordsEnterIdle(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	idle := &fakeIdleAccounter{}
	d.Idle = idle
	d.Resume(UCtxt{Kind: Idle}, func(frame interface{}) {})
	if idle.entered != 1 || idle.exited != 0 {
		t.Fatalf("expected EnterIdle once on an Idle Resume, got entered=%d exited=%d", idle.entered, idle.exited)
	}
}

func TestResumeConcreteFrameCallsResume(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	var got interface{}
	d.Resume(UCtxt{Kind: UserFrame, Frame: "frame"}, func(frame interface{}) { got = frame })
	if got != "frame" {
		t.Fatalf("expected resume to be called with the uctxt's frame")
	}
}
