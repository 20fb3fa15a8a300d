// Package dmap implements the permanent direct map (PHYSMAP) and the PFN
// cache (§4.4): a fixed-slot virtual window that maps on demand any
// physical frame above the direct-map's reach. Grounded on the teacher's
// biscuit/src/mem/dmap.go (Vdirect/Dmaplen: the direct-map fast path) and
// biscuit/src/hashtable/hashtable.go (hash/fnv-based indexing) for the
// slow-path slot table.
package dmap

import (
	"container/list"
	"hash/fnv"
	"sync"

	"github.com/tienex/nux/mem"
)

// MapFn rewrites a PFN-cache slot's leaf PTE to point at pfn and returns
// once any required local TLB invalidation for that slot's VA has been
// issued. It is supplied by the page-table engine (pmap) to NewBootstrap,
// keeping dmap free of an import cycle on pmap.
type MapFn func(slotVA uintptr, pfn mem.PFN)

type slot struct {
	valid    bool
	pfn      mem.PFN
	refcount int
	va       uintptr
	lru      *list.Element // nil while refcount > 0 (pinned, not on free list)
}

// Cache is the PFN cache: a direct-map fast path plus a bounded slow-path
// window of slots, hashed by PFN.
type Cache struct {
	mu sync.Mutex

	dmapBase   uintptr
	maxDmapPFN mem.PFN

	slotVABase uintptr
	slots      []slot
	buckets    [][]int // hash(pfn) -> slot indices, chained (grounded on hashtable.go)
	free       *list.List

	mapFn MapFn
}

// NewBootstrap returns a single-slot cache (§4.4 bootstrap: "before KMEM is
// up, the cache has exactly one slot, a static buffer").
func NewBootstrap(dmapBase uintptr, maxDmapPFN mem.PFN, slotVA uintptr, mapFn MapFn) *Cache {
	c := &Cache{
		dmapBase:   dmapBase,
		maxDmapPFN: maxDmapPFN,
		slotVABase: slotVA,
		slots:      make([]slot, 1),
		buckets:    make([][]int, 1),
		free:       list.New(),
		mapFn:      mapFn,
	}
	c.slots[0].va = slotVA
	c.free.PushBack(0)
	return c
}

// Grow reserves space for the full slot array once KMEM is up
// (pfncacheinit in §4.4) and switches the cache over to it. Any slots
// referenced in the bootstrap cache must have already been released.
func (c *Cache) Grow(nslots int, slotVABase uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if c.slots[i].refcount != 0 {
			panic("dmap: Grow with a pinned bootstrap slot")
		}
	}
	c.slotVABase = slotVABase
	c.slots = make([]slot, nslots)
	c.buckets = make([][]int, nextPow2(nslots))
	c.free = list.New()
	for i := range c.slots {
		c.slots[i].va = slotVABase + uintptr(i)*mem.PageSize
		c.free.PushBack(i)
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 1 {
		p = 1
	}
	return p
}

func (c *Cache) bucketOf(pfn mem.PFN) int {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(pfn >> (8 * i))
	}
	h.Write(b[:])
	return int(h.Sum64()) & (len(c.buckets) - 1)
}

func (c *Cache) lookup(pfn mem.PFN) int {
	bi := c.bucketOf(pfn)
	for _, idx := range c.buckets[bi] {
		if c.slots[idx].valid && c.slots[idx].pfn == pfn {
			return idx
		}
	}
	return -1
}

// Get returns the VA mapping pfn, pinning it. Direct-mapped frames never
// touch the slot table; cache hits bump the refcount; misses evict the
// LRU-head slot.
func (c *Cache) Get(pfn mem.PFN) uintptr {
	if pfn < c.maxDmapPFN {
		return c.dmapBase + pfn.Addr()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if idx := c.lookup(pfn); idx >= 0 {
		s := &c.slots[idx]
		if s.refcount == 0 && s.lru != nil {
			c.free.Remove(s.lru)
			s.lru = nil
		}
		s.refcount++
		return s.va
	}

	// miss: evict the LRU head.
	e := c.free.Front()
	if e == nil {
		panic("dmap: PFN cache exhausted, no slot to evict")
	}
	idx := e.Value.(int)
	c.free.Remove(e)
	old := &c.slots[idx]
	if old.valid {
		c.unindex(idx, old.pfn)
	}

	c.mapFn(old.va, pfn)
	old.valid = true
	old.pfn = pfn
	old.refcount = 1
	old.lru = nil
	c.index(idx, pfn)
	return old.va
}

func (c *Cache) index(idx int, pfn mem.PFN) {
	bi := c.bucketOf(pfn)
	c.buckets[bi] = append(c.buckets[bi], idx)
}

func (c *Cache) unindex(idx int, pfn mem.PFN) {
	bi := c.bucketOf(pfn)
	chain := c.buckets[bi]
	for i, v := range chain {
		if v == idx {
			c.buckets[bi] = append(chain[:i], chain[i+1:]...)
			return
		}
	}
}

// Put decrements pfn's refcount; at zero the slot returns to the LRU tail
// (still valid, reusable without a fault).
func (c *Cache) Put(pfn mem.PFN) {
	if pfn < c.maxDmapPFN {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(pfn)
	if idx < 0 {
		panic("dmap: Put of untracked pfn")
	}
	s := &c.slots[idx]
	if s.refcount == 0 {
		panic("dmap: Put underflow")
	}
	s.refcount--
	if s.refcount == 0 {
		s.lru = c.free.PushBack(idx)
	}
}

// Refcount reports the current pin count of a cached (non-direct-mapped)
// slot, for tests.
func (c *Cache) Refcount(pfn mem.PFN) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(pfn)
	if idx < 0 {
		return 0
	}
	return c.slots[idx].refcount
}
