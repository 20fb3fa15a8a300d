package hal

import (
	"testing"

	"github.com/tienex/nux/internal/archamd64"
	"github.com/tienex/nux/mem"
	"github.com/tienex/nux/percpu"
	"github.com/tienex/nux/pmap"
)

func TestAMD64LoadRootInvokesOps(t *testing.T) {
	var got uint64
	h := AMD64{Ops: archamd64.CPUOps{LoadCR3: func(pa uint64) { got = pa }}}
	h.LoadRoot(mem.PFN(5))
	if got != 5<<mem.PageShift {
		t.Fatalf("got %#x want %#x", got, uint64(5)<<mem.PageShift)
	}
}

func TestAMD64FlushTLBOpDispatchesByKind(t *testing.T) {
	var flush, all int
	h := AMD64{Ops: archamd64.CPUOps{
		FlushTLB: func() { flush++ },
		FlushAll: func() { all++ },
	}}
	h.FlushTLBOp(pmap.TLBFlush)
	h.FlushTLBOp(pmap.TLBFlushAll)
	h.FlushTLBOp(pmap.TLBNone)
	if flush != 1 || all != 1 {
		t.Fatalf("flush=%d all=%d want 1,1", flush, all)
	}
}

func TestAMD64BoxUnboxDelegatesToArchamd64(t *testing.T) {
	h := AMD64{}
	pte := pmap.PTE{PFN: 42, Flags: pmap.P | pmap.W}
	word := h.BoxPTE(pte, false)
	got, _ := h.UnboxPTE(word)
	if got.PFN != pte.PFN || got.Flags != pte.Flags {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, pte)
	}
}

func TestAMD64ModeReportsAmd64(t *testing.T) {
	if (AMD64{}).Mode().Name != "amd64" {
		t.Fatalf("expected amd64 mode")
	}
}

func TestI386ModeReportsPAE(t *testing.T) {
	if (I386{}).Mode().Name != "i386-pae" {
		t.Fatalf("expected i386-pae mode")
	}
}

func TestRISCV64ModeReportsSV48(t *testing.T) {
	if (RISCV64{}).Mode().Name != "sv48" {
		t.Fatalf("expected sv48 mode")
	}
}

func TestRISCV64SendNMIRaisesPendingBitAndSoftwareIRQ(t *testing.T) {
	tbl := percpu.NewTable(2, nil)
	tbl.CPU(1).Physical = 7
	var swirq uint32
	h := RISCV64{Table: tbl, SendSWIRQ: func(physical uint32) { swirq = physical }}
	h.SendNMI(7)
	if !tbl.CPU(1).DrainPendingNMI() {
		t.Fatalf("expected the emulated NMI pending bit to be set on cpu 1")
	}
	if swirq != 7 {
		t.Fatalf("expected the software IRQ sent to physical id 7, got %d", swirq)
	}
}

func TestRISCV64SendNMITargetsCorrectPhysicalID(t *testing.T) {
	tbl := percpu.NewTable(2, nil)
	tbl.CPU(0).Physical = 1
	tbl.CPU(1).Physical = 2
	h := RISCV64{Table: tbl}
	h.SendNMI(2)
	if tbl.CPU(0).DrainPendingNMI() {
		t.Fatalf("cpu 0 should not have been signalled")
	}
	if !tbl.CPU(1).DrainPendingNMI() {
		t.Fatalf("cpu 1 (physical 2) should have been signalled")
	}
}
