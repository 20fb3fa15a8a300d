// Package kprof is a SIGPROF-adjacent sampling hook over the per-CPU
// idle/busy accounting fields (§4.9's CPU record "accounting fields"),
// writing pprof-format profiles so an operator can load a kernel's
// idle/busy split into the standard pprof toolchain.
//
// Grounded on biscuit/src/accnt/accnt.go's Accnt_t (Userns/Sysns
// nanosecond counters, a mutex-guarded Add/Fetch snapshot pair):
// Counters below generalizes Accnt_t's two-bucket (user, sys) nanosecond
// split to this spec's per-CPU idle/busy split, same locking/snapshot
// shape, different bucket labels.
package kprof

import (
	"fmt"
	"sync"

	"github.com/google/pprof/profile"
)

// Counters accumulates one logical CPU's idle/busy nanosecond split,
// mirroring accnt.Accnt_t's Userns/Sysns pair.
type Counters struct {
	mu        sync.Mutex
	IdleNanos int64
	BusyNanos int64
}

// AddIdle/AddBusy add delta nanoseconds to the respective bucket,
// mirroring Accnt_t.Utadd/Systadd.
func (c *Counters) AddIdle(delta int64) {
	c.mu.Lock()
	c.IdleNanos += delta
	c.mu.Unlock()
}

func (c *Counters) AddBusy(delta int64) {
	c.mu.Lock()
	c.BusyNanos += delta
	c.mu.Unlock()
}

// Snapshot returns a consistent (idle, busy) pair, mirroring
// Accnt_t.Fetch's lock-snapshot-unlock shape.
func (c *Counters) Snapshot() (idle, busy int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.IdleNanos, c.BusyNanos
}

// Sampler collects Counters across every logical CPU and renders them as
// a pprof profile.Profile, one sample per CPU per bucket.
type Sampler struct {
	Per []*Counters // indexed by logical CPU id, e.g. percpu.Table.Len()-sized
}

// NewSampler allocates n fresh per-CPU counter sets.
func NewSampler(n int) *Sampler {
	s := &Sampler{Per: make([]*Counters, n)}
	for i := range s.Per {
		s.Per[i] = &Counters{}
	}
	return s
}

// Profile renders the current snapshot of every CPU's idle/busy split as
// a pprof profile.Profile, taggable per-CPU via the "cpu" sample label.
func (s *Sampler) Profile() *profile.Profile {
	valueType := &profile.ValueType{Type: "nanoseconds", Unit: "nanoseconds"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{valueType},
		PeriodType: valueType,
		Period:     1,
	}
	for cpu, c := range s.Per {
		idle, busy := c.Snapshot()
		p.Sample = append(p.Sample,
			&profile.Sample{
				Value: []int64{idle},
				Label: map[string][]string{"cpu": {fmt.Sprintf("%d", cpu)}, "state": {"idle"}},
			},
			&profile.Sample{
				Value: []int64{busy},
				Label: map[string][]string{"cpu": {fmt.Sprintf("%d", cpu)}, "state": {"busy"}},
			},
		)
	}
	return p
}
