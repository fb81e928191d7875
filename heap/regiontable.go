// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"iter"
	"slices"
	"sync"
)

// RegionTable owns every region of a heap.
type RegionTable struct {
	h       *Heap
	regions []Region

	// mu protects region type transitions out of and into RegionFree.
	mu       sync.Mutex
	nFree    int
	freeHint int
}

func (t *RegionTable) init(h *Heap, n int) {
	t.h = h
	t.regions = make([]Region, n)
	for i := range t.regions {
		bottom := Base.Plus(h.regionBytes.Mul(i))
		t.regions[i].init(i, bottom, bottom.Plus(h.regionBytes))
	}
	t.nFree = n
}

func (t *RegionTable) Len() int {
	return len(t.regions)
}

func (t *RegionTable) At(i int) *Region {
	return &t.regions[i]
}

// IndexOf returns the index of the region containing a.
func (t *RegionTable) IndexOf(a Addr) int {
	if !t.h.Contains(a) {
		panic(fmt.Sprintf("address %s outside heap %s", a, t.h.Range()))
	}
	return int(a.Minus(Base) >> t.h.logRegionBytes)
}

// Containing returns the region containing a.
func (t *RegionTable) Containing(a Addr) *Region {
	return &t.regions[t.IndexOf(a)]
}

// All yields every region in address order.
func (t *RegionTable) All() iter.Seq[*Region] {
	return func(yield func(*Region) bool) {
		for i := range t.regions {
			if !yield(&t.regions[i]) {
				return
			}
		}
	}
}

// FreeCount returns the number of free regions.
func (t *RegionTable) FreeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nFree
}

// Used returns the bytes allocated across all regions.
func (t *RegionTable) Used() Bytes {
	var used Bytes
	for r := range t.All() {
		used += r.Used()
	}
	return used
}

// AllocRegion takes a free region and gives it type typ. The region is
// returned with its allocating flag set.
func (t *RegionTable) AllocRegion(typ RegionType) (*Region, bool) {
	if typ == RegionFree || typ == RegionHumongousStart || typ == RegionHumongousCont {
		panic(fmt.Sprintf("cannot allocate %s region", typ))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nFree == 0 {
		return nil, false
	}
	for i := range t.regions {
		idx := (t.freeHint + i) % len(t.regions)
		r := &t.regions[idx]
		if r.IsFree() {
			t.nFree--
			t.freeHint = idx + 1
			r.allocating.Store(true)
			r.setType(typ)
			return r, true
		}
	}
	panic("free region count out of sync")
}

// AllocHumongous finds a run of free regions large enough for an object
// of the given size, marks them humongous and returns the start region.
// Top of each region in the run is set to cover the object.
func (t *RegionTable) AllocHumongous(words Words) (*Region, bool) {
	n := words.Bytes().CeilDiv(t.h.regionBytes)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nFree < n {
		return nil, false
	}
	run := 0
	for i := range t.regions {
		if !t.regions[i].IsFree() {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		first := i - n + 1
		start := &t.regions[first]
		end := start.bottom.PlusWords(words)
		for j := first; j <= i; j++ {
			r := &t.regions[j]
			r.humStart = start
			r.top.Store(uint64(min(end, r.end)))
			if j == first {
				r.setType(RegionHumongousStart)
			} else {
				r.setType(RegionHumongousCont)
			}
		}
		t.nFree -= n
		return start, true
	}
	return nil, false
}

// Free returns r, and for a humongous start region every continuation
// region, to the free state and zeroes its memory. Pause only.
func (t *RegionTable) Free(r *Region) {
	if r.IsContinuesHumongous() {
		panic(fmt.Sprintf("freeing continuation %s directly", r))
	}
	if r.IsFree() {
		panic(fmt.Sprintf("freeing free %s", r))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	regions := []*Region{r}
	if r.IsStartsHumongous() {
		regions = slices.Collect(t.HumongousRun(r))
	}
	for _, fr := range regions {
		t.h.clearRange(fr.bottom, fr.Top())
		fr.reset()
		t.nFree++
	}
}

// HumongousRun yields start and every continuation region of the
// humongous object starting in it.
func (t *RegionTable) HumongousRun(start *Region) iter.Seq[*Region] {
	return func(yield func(*Region) bool) {
		if !start.IsStartsHumongous() {
			panic(fmt.Sprintf("%s is not a humongous start region", start))
		}
		for i := start.index; i < len(t.regions) && t.regions[i].humStart == start; i++ {
			if !yield(&t.regions[i]) {
				return
			}
		}
	}
}
