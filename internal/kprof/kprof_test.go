package kprof

import "testing"

func TestCountersSnapshotIsConsistent(t *testing.T) {
	c := &Counters{}
	c.AddIdle(100)
	c.AddBusy(50)
	idle, busy := c.Snapshot()
	if idle != 100 || busy != 50 {
		t.Fatalf("got idle=%d busy=%d want 100,50", idle, busy)
	}
}

func TestAddAccumulates(t *testing.T) {
	c := &Counters{}
	c.AddBusy(10)
	c.AddBusy(20)
	_, busy := c.Snapshot()
	if busy != 30 {
		t.Fatalf("got busy=%d want 30", busy)
	}
}

func TestSamplerProfileHasTwoSamplesPerCPU(t *testing.T) {
	s := NewSampler(3)
	s.Per[0].AddIdle(5)
	s.Per[1].AddBusy(7)
	p := s.Profile()
	if len(p.Sample) != 6 {
		t.Fatalf("expected 2 samples per CPU (3 CPUs), got %d", len(p.Sample))
	}
	if len(p.SampleType) != 1 || p.SampleType[0].Type != "nanoseconds" {
		t.Fatalf("unexpected SampleType: %+v", p.SampleType)
	}
}
