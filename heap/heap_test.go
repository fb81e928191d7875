// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync"
	"testing"
)

func newTestHeap(t testing.TB, capacity, region Bytes) *Heap {
	t.Helper()
	h, err := New(Config{Capacity: capacity, RegionBytes: region})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Error(err)
		}
	})
	return h
}

func TestNewRejectsBadRegionSize(t *testing.T) {
	for _, rb := range []Bytes{0, 1000, 3 * KiB, 12 * KiB} {
		if _, err := New(Config{Capacity: MiB, RegionBytes: rb}); err == nil {
			t.Errorf("region size %s: want error", rb)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, s := range []Shape{ObjectShape(0, 0), ObjectShape(3, 2), RefArrayShape(100), PrimArrayShape(7), WeakRefShape()} {
		hdr := s.header()
		if hdr.Kind() != s.Kind || hdr.NumRefs() != s.Refs || hdr.Size() != s.Size() {
			t.Errorf("%+v: got %s", s, hdr)
		}
	}
}

func TestAllocAndFields(t *testing.T) {
	h := newTestHeap(t, MiB, 64*KiB)
	ac := h.NewAllocContext(RegionOld)
	a, err := ac.Alloc(ObjectShape(2, 1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ac.Alloc(ObjectShape(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b, a.PlusWords(4); got != want {
		t.Fatalf("second object at %s, want %s", got, want)
	}
	h.SetField(a, 1, b)
	if got := h.Field(a, 1); got != b {
		t.Fatalf("field 1 = %s, want %s", got, b)
	}
	if got := h.Field(a, 0); got != Null {
		t.Fatalf("field 0 = %s, want null", got)
	}
	var refs []Addr
	for _, ref := range h.Refs(a) {
		refs = append(refs, ref)
	}
	if len(refs) != 2 || refs[0] != Null || refs[1] != b {
		t.Fatalf("Refs(a) = %v", refs)
	}
	var objs []Addr
	r := h.Regions().Containing(a)
	for obj := range h.Objects(r.Bottom(), r.Top()) {
		objs = append(objs, obj)
	}
	if len(objs) != 2 || objs[0] != a || objs[1] != b {
		t.Fatalf("Objects = %v, want [%s %s]", objs, a, b)
	}
	if !r.Allocating() || r.Type() != RegionOld {
		t.Fatalf("allocation region in state %s allocating=%v", r.Type(), r.Allocating())
	}
}

func TestAllocSpillsToNewRegion(t *testing.T) {
	h := newTestHeap(t, MiB, 4*KiB)
	ac := h.NewAllocContext(RegionOld)
	// 4 KiB regions hold 512 words; 100-word objects fit 5 per region.
	var regions = map[int]int{}
	for range 12 {
		obj, err := ac.Alloc(PrimArrayShape(99))
		if err != nil {
			t.Fatal(err)
		}
		regions[h.Regions().IndexOf(obj)]++
	}
	if len(regions) != 3 {
		t.Fatalf("objects spread over %d regions, want 3: %v", len(regions), regions)
	}
	retired := 0
	for r := range h.Regions().All() {
		if !r.IsFree() && !r.Allocating() {
			retired++
		}
	}
	if retired != 2 {
		t.Fatalf("%d retired regions, want 2", retired)
	}
}

func TestHumongous(t *testing.T) {
	h := newTestHeap(t, MiB, 4*KiB)
	ac := h.NewAllocContext(RegionOld)
	obj, err := ac.Alloc(RefArrayShape(1200))
	if err != nil {
		t.Fatal(err)
	}
	start := h.Regions().Containing(obj)
	if !start.IsStartsHumongous() || start.Bottom() != obj {
		t.Fatalf("humongous object in %s", start)
	}
	cont := h.Regions().At(start.Index() + 2)
	if !cont.IsContinuesHumongous() || cont.HumongousStart() != start {
		t.Fatalf("third region is %s", cont)
	}
	if got, want := cont.Top(), obj.PlusWords(1201); got != want {
		t.Fatalf("last region top %s, want %s", got, want)
	}
	free := h.Regions().FreeCount()
	h.Regions().Free(start)
	if got := h.Regions().FreeCount(); got != free+3 {
		t.Fatalf("free regions %d after freeing humongous, want %d", got, free+3)
	}
	if !cont.IsFree() || cont.Top() != cont.Bottom() {
		t.Fatalf("continuation not reset: %s", cont)
	}
}

func TestOutOfMemory(t *testing.T) {
	h := newTestHeap(t, 8*KiB, 4*KiB)
	ac := h.NewAllocContext(RegionOld)
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = ac.Alloc(PrimArrayShape(200))
	}
	if err != ErrOutOfMemory {
		t.Fatalf("got %v, want ErrOutOfMemory", err)
	}
}

func TestClaimVisitsEachRegionOnce(t *testing.T) {
	h := newTestHeap(t, 4*MiB, 4*KiB)
	// Populate every third region so there's a mix of empty and
	// non-empty claims.
	for i := range h.Regions().Len() {
		if i%3 != 0 {
			continue
		}
		r := h.Regions().At(i)
		r.top.Store(uint64(r.Bottom().PlusWords(8)))
		r.setType(RegionOld)
	}
	for r := range h.Regions().All() {
		r.NoteStartOfMarking()
	}

	c := h.NewRegionClaimer()
	const workers = 8
	var (
		mu      sync.Mutex
		claimed = make(map[int]int)
		wg      sync.WaitGroup
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := Base
			for {
				r, st := c.Claim(w)
				f := c.Finger()
				if f < last {
					t.Errorf("finger moved backwards from %s to %s", last, f)
				}
				last = f
				if st == Exhausted {
					if !c.OutOfRegions() {
						t.Errorf("exhausted but not out of regions")
					}
					return
				}
				if st == Claimed {
					mu.Lock()
					claimed[r.Index()]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	for i := range h.Regions().Len() {
		want := 0
		if i%3 == 0 {
			want = 1
		}
		if claimed[i] != want {
			t.Errorf("region %d claimed %d times, want %d", i, claimed[i], want)
		}
	}
}
