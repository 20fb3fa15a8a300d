package vm

import "testing"

// fakeCPU is a minimal FaultCPU: records arm/disarm calls and lets tests
// inject a recorded fault.
type fakeCPU struct {
	armed       bool
	armCount    int
	disarmCount int
	faultVA     uintptr
	faultInfo   uint
	hasFault    bool
}

func (f *fakeCPU) Arm() {
	f.armed = true
	f.armCount++
}
func (f *fakeCPU) Disarm() {
	f.armed = false
	f.disarmCount++
}
func (f *fakeCPU) TookFault() (uintptr, uint, bool) {
	return f.faultVA, f.faultInfo, f.hasFault
}

// pagedMemory is a simple fake address space: a map of page-aligned
// pfn->bytes, with the ability to mark some pages "unmapped" (miss) until
// a recover callback maps them in, mirroring fault-and-continue.
type pagedMemory struct {
	pageSize uintptr
	pages    map[uintptr][]byte // keyed by page-aligned va
}

func newPagedMemory(pageSize uintptr) *pagedMemory {
	return &pagedMemory{pageSize: pageSize, pages: make(map[uintptr][]byte)}
}

func (m *pagedMemory) mapPage(va uintptr) []byte {
	base := va - va%m.pageSize
	buf := make([]byte, m.pageSize)
	m.pages[base] = buf
	return buf
}

func (m *pagedMemory) resolve(va uintptr, write bool) ([]byte, bool) {
	base := va - va%m.pageSize
	page, ok := m.pages[base]
	if !ok {
		return nil, false
	}
	off := va - base
	return page[off:], true
}

func TestCopyReadRoundTrip(t *testing.T) {
	mem := newPagedMemory(16)
	page := mem.mapPage(0x1000)
	copy(page, []byte("hello world!!!!!"))

	cpu := &fakeCPU{}
	g := NewGuard(cpu)
	dst := make([]byte, 5)
	n, err := g.Copy(0x1000, dst, false, mem.resolve, nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 5 || string(dst) != "hello" {
		t.Fatalf("got %q (%d) want %q", dst, n, "hello")
	}
	if cpu.armCount != 1 || cpu.disarmCount != 1 {
		t.Fatalf("expected exactly one arm/disarm pair, got arm=%d disarm=%d", cpu.armCount, cpu.disarmCount)
	}
}

func TestCopySpansMultiplePages(t *testing.T) {
	mem := newPagedMemory(4)
	p0 := mem.mapPage(0x2000)
	p1 := mem.mapPage(0x2004)
	copy(p0, []byte("AAAA"))
	copy(p1, []byte("BBBB"))

	cpu := &fakeCPU{}
	g := NewGuard(cpu)
	dst := make([]byte, 8)
	n, err := g.Copy(0x2000, dst, false, mem.resolve, nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 8 || string(dst) != "AAAABBBB" {
		t.Fatalf("got %q (%d)", dst, n)
	}
}

func TestCopyWriteDirection(t *testing.T) {
	mem := newPagedMemory(16)
	mem.mapPage(0x3000)

	cpu := &fakeCPU{}
	g := NewGuard(cpu)
	src := []byte("payload")
	n, err := g.Copy(0x3000, src, true, mem.resolve, nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != len(src) {
		t.Fatalf("wrote %d want %d", n, len(src))
	}
	got := mem.pages[0x3000][:len(src)]
	if string(got) != "payload" {
		t.Fatalf("page contains %q want %q", got, "payload")
	}
}

func TestCopyFaultWithoutRecoverAborts(t *testing.T) {
	mem := newPagedMemory(16)
	cpu := &fakeCPU{}
	g := NewGuard(cpu)
	dst := make([]byte, 4)
	n, err := g.Copy(0x4000, dst, false, mem.resolve, nil)
	if err != ErrFault {
		t.Fatalf("expected ErrFault, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes copied before the fault, got %d", n)
	}
}

func TestCopyFaultRecoveredByMappingPage(t *testing.T) {
	mem := newPagedMemory(16)
	cpu := &fakeCPU{faultVA: 0x5000, faultInfo: 0xE, hasFault: true}
	g := NewGuard(cpu)

	mapped := false
	recover := func(va uintptr, info uint) bool {
		if mapped {
			return false // only fault-in once; a second fault is a real bug
		}
		page := mem.mapPage(va)
		copy(page, []byte("recovered!!!!!!!"))
		mapped = true
		return true
	}

	dst := make([]byte, 9)
	n, err := g.Copy(0x5000, dst, false, mem.resolve, recover)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 9 || string(dst) != "recovered" {
		t.Fatalf("got %q (%d)", dst, n)
	}
}

func TestCopyFaultRecoverDeclinesAborts(t *testing.T) {
	mem := newPagedMemory(16)
	cpu := &fakeCPU{}
	g := NewGuard(cpu)
	dst := make([]byte, 4)
	_, err := g.Copy(0x6000, dst, false, mem.resolve, func(uintptr, uint) bool { return false })
	if err != ErrFault {
		t.Fatalf("expected ErrFault when recover declines, got %v", err)
	}
}

func TestValidRangeRejectsOverflow(t *testing.T) {
	const userHigh = uintptr(1) << 47
	maxUintptr := ^uintptr(0)
	if ValidRange(maxUintptr-3, 8, 0, userHigh) {
		t.Fatalf("ValidRange should reject a range that overflows uintptr")
	}
}

func TestValidRangeRejectsOutOfWindow(t *testing.T) {
	const userLow, userHigh = uintptr(0x1000), uintptr(1) << 47
	if ValidRange(userHigh, 16, userLow, userHigh) {
		t.Fatalf("ValidRange should reject an address at or past userHigh")
	}
	if ValidRange(0, 16, userLow, userHigh) {
		t.Fatalf("ValidRange should reject an address below userLow")
	}
}

func TestValidRangeAcceptsInWindow(t *testing.T) {
	const userLow, userHigh = uintptr(0x1000), uintptr(1) << 47
	if !ValidRange(0x2000, 16, userLow, userHigh) {
		t.Fatalf("ValidRange should accept a fully-contained range")
	}
}
