// Package plt is the Platform Layer capability interface (§1, §9):
// firmware-level discovery (ACPI on x86, SBI/FDT on RISC-V) and platform
// bring-up (CPU enumeration, IRQ routing, timer, IPIs). Per spec.md §1,
// the ACPI/HPET/IOAPIC/LAPIC chip drivers themselves are out of scope —
// "specified only through the PLT contract they implement" — so this
// package is the contract, not a chip driver; ACPIPlatform/DTBPlatform
// below are thin dispatch shells a real driver build fills in.
//
// Grounded on hal's capability-interface pattern (§9's "trait/interface...
// pick one implementation per build" applies identically here) and on
// loader.PltType/PltPtr (§6's platform descriptor), which is exactly the
// boot-time hint this package's constructors key off of.
package plt

import (
	"fmt"

	"github.com/tienex/nux/loader"
)

// CPUDesc is one platform-enumerated physical CPU, as PLT discovery
// hands it to percpu's init-time logical-id assignment (§4.9: "each
// physical CPU discovered by PLT is assigned a logical id 0..N-1").
type CPUDesc struct {
	Physical uint32 // APIC id (ACPI) or hart id (SBI/FDT)
	BootCPU  bool
}

// Timer is the platform timer contract. HandleIRQ always returns true per
// REDESIGN FLAGS ("hpet_doirq-equivalent always returns true; the
// dispatcher ignores the return value") — kept as a bool return (rather
// than no return at all) purely to mirror the original's signature, with
// the ignored-return-value decision documented here instead of silently
// dropped.
type Timer interface {
	// Arm schedules the next tick after ticks.
	Arm(ticks uint64)
	// HandleIRQ services one timer interrupt; always returns true.
	HandleIRQ() bool
}

// Platform is the PLT capability set.
type Platform interface {
	// DiscoverCPUs enumerates every physical CPU the firmware describes.
	DiscoverCPUs() ([]CPUDesc, error)
	// RouteIRQ resolves a platform-global interrupt (GSI on ACPI, an FDT
	// interrupt-cells tuple's flattened form on SBI/FDT) to the vector/
	// cause number the HAL's IRQVectorBase offsets from.
	RouteIRQ(gsi uint32) (vector uint32, err error)
	// SendIPI asks the platform's interrupt controller to signal a
	// physical CPU — the transport hal.CPU.SendNMI/StartCPU ride on.
	SendIPI(physical uint32, vector uint8) error
	// Timer returns the platform's one-shot/periodic timer.
	Timer() Timer
}

// New selects a Platform from the loader's boot-time platform descriptor
// (§6: "Platform descriptor: {type: u64, ptr: u64}").
func New(plt loader.PltType, ptr uint64) (Platform, error) {
	switch plt {
	case loader.PltACPI:
		return &ACPIPlatform{TablesPA: ptr}, nil
	case loader.PltDTB:
		return &DTBPlatform{BlobPA: ptr}, nil
	default:
		return nil, fmt.Errorf("plt: unknown platform descriptor type %d", plt)
	}
}

// ACPIPlatform is the x86 platform contract, keyed off the ACPI RSDP/XSDT
// physical address the loader staged. Table walking (MADT for CPUs/
// IOAPICs, HPET for the timer) is the out-of-scope chip-driver layer
// spec.md §1 names; this type only carries the contract and the PA a real
// driver build parses from.
type ACPIPlatform struct {
	TablesPA uint64

	// DiscoverFn/RouteFn/IPIFn/TimerFn let a real ACPI-table-walking build
	// (or a test) supply the actual behavior without this package
	// depending on an ACPI parser.
	DiscoverFn func(tablesPA uint64) ([]CPUDesc, error)
	RouteFn    func(tablesPA uint64, gsi uint32) (uint32, error)
	IPIFn      func(physical uint32, vector uint8) error
	TimerFn    func() Timer
}

func (p *ACPIPlatform) DiscoverCPUs() ([]CPUDesc, error) {
	if p.DiscoverFn == nil {
		return nil, fmt.Errorf("plt: no ACPI CPU discovery wired")
	}
	return p.DiscoverFn(p.TablesPA)
}

func (p *ACPIPlatform) RouteIRQ(gsi uint32) (uint32, error) {
	if p.RouteFn == nil {
		return 0, fmt.Errorf("plt: no ACPI IRQ routing wired")
	}
	return p.RouteFn(p.TablesPA, gsi)
}

func (p *ACPIPlatform) SendIPI(physical uint32, vector uint8) error {
	if p.IPIFn == nil {
		return fmt.Errorf("plt: no ACPI IPI transport wired")
	}
	return p.IPIFn(physical, vector)
}

func (p *ACPIPlatform) Timer() Timer {
	if p.TimerFn == nil {
		return nil
	}
	return p.TimerFn()
}

// DTBPlatform is the RISC-V platform contract, keyed off the flattened
// device-tree blob physical address, with CPU/IRQ/timer discovery
// delegated to SBI calls a real build wires through the same function-
// field seam ACPIPlatform uses.
type DTBPlatform struct {
	BlobPA uint64

	DiscoverFn func(blobPA uint64) ([]CPUDesc, error)
	RouteFn    func(blobPA uint64, gsi uint32) (uint32, error)
	IPIFn      func(physical uint32, vector uint8) error
	TimerFn    func() Timer
}

func (p *DTBPlatform) DiscoverCPUs() ([]CPUDesc, error) {
	if p.DiscoverFn == nil {
		return nil, fmt.Errorf("plt: no SBI/FDT CPU discovery wired")
	}
	return p.DiscoverFn(p.BlobPA)
}

func (p *DTBPlatform) RouteIRQ(gsi uint32) (uint32, error) {
	if p.RouteFn == nil {
		return 0, fmt.Errorf("plt: no SBI/FDT IRQ routing wired")
	}
	return p.RouteFn(p.BlobPA, gsi)
}

func (p *DTBPlatform) SendIPI(physical uint32, vector uint8) error {
	if p.IPIFn == nil {
		return fmt.Errorf("plt: no SBI IPI transport wired")
	}
	return p.IPIFn(physical, vector)
}

func (p *DTBPlatform) Timer() Timer {
	if p.TimerFn == nil {
		return nil
	}
	return p.TimerFn()
}
