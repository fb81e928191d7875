// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mutator

import (
	"slices"
	"testing"
	"time"

	"regionmark/heap"
	"regionmark/remset"
	"regionmark/safepoint"
	"regionmark/satb"
)

func newTestMutator(t *testing.T) (*Mutator, *satb.QueueSet, *safepoint.Set) {
	t.Helper()
	h, err := heap.New(heap.Config{Capacity: 256 * heap.KiB, RegionBytes: 4 * heap.KiB})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	qs := satb.NewQueueSet(4, 1)
	sts := safepoint.New()
	m := New(h, qs, sts, heap.RegionOld)
	t.Cleanup(m.Close)
	return m, qs, sts
}

func mustAlloc(t *testing.T, m *Mutator, s heap.Shape) heap.Addr {
	t.Helper()
	obj, err := m.Alloc(s)
	if err != nil {
		t.Fatal(err)
	}
	return obj
}

func drainSATB(qs *satb.QueueSet) []heap.Addr {
	qs.FlushAll()
	var out []heap.Addr
	for qs.ApplyToCompletedBuffer(func(a heap.Addr) { out = append(out, a) }) {
	}
	return out
}

func TestPreWriteBarrier(t *testing.T) {
	m, qs, _ := newTestMutator(t)
	a := mustAlloc(t, m, heap.ObjectShape(1, 0))
	b := mustAlloc(t, m, heap.ObjectShape(0, 1))
	c := mustAlloc(t, m, heap.ObjectShape(0, 1))

	// Inactive: nothing recorded.
	m.StoreRef(a, 0, b)
	m.StoreRef(a, 0, c)
	if got := drainSATB(qs); len(got) != 0 {
		t.Fatalf("inactive barrier recorded %v", got)
	}

	qs.SetActive(true)
	m.StoreRef(a, 0, b) // overwrites c
	m.StoreRef(a, 0, heap.Null)
	m.StoreRef(a, 0, c) // overwrites null: not recorded
	got := drainSATB(qs)
	slices.Sort(got)
	want := []heap.Addr{b, c}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("recorded %v, want %v", got, want)
	}
	if m.LoadRef(a, 0) != c {
		t.Errorf("field = %s, want %s", m.LoadRef(a, 0), c)
	}
}

func TestPostWriteBarrier(t *testing.T) {
	m, _, _ := newTestMutator(t)
	h := m.Heap()
	a := mustAlloc(t, m, heap.ObjectShape(2, 0))

	other := h.NewAllocContext(heap.RegionOld)
	defer other.Retire()
	b, err := other.Alloc(heap.ObjectShape(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	local := mustAlloc(t, m, heap.ObjectShape(0, 1))

	rb := h.Regions().Containing(b).RemSet()
	ra := h.Regions().Containing(a).RemSet()
	if ra == rb {
		t.Fatal("a and b share a region")
	}

	m.StoreRef(a, 0, b)
	if rb.Len() != 0 {
		t.Errorf("untracked remembered set has %d cards", rb.Len())
	}

	rb.SetState(remset.Updating)
	ra.SetState(remset.Complete)
	m.StoreRef(a, 1, b)
	m.StoreRef(a, 0, local)
	if want := h.CardOf(h.Slot(a, 1)); !rb.Contains(want) {
		t.Errorf("remembered set %v missing card %d", rb.Cards(), want)
	}
	if ra.Len() != 0 {
		t.Errorf("same-region store recorded cards %v", ra.Cards())
	}
}

func TestLoadReferent(t *testing.T) {
	m, qs, _ := newTestMutator(t)
	weak := mustAlloc(t, m, heap.WeakRefShape())
	obj := mustAlloc(t, m, heap.ObjectShape(0, 1))
	m.StoreRef(weak, 0, obj)

	if got := m.LoadReferent(weak); got != obj {
		t.Fatalf("referent = %s, want %s", got, obj)
	}
	if got := drainSATB(qs); len(got) != 0 {
		t.Fatalf("inactive load recorded %v", got)
	}
	qs.SetActive(true)
	m.LoadReferent(weak)
	if got := drainSATB(qs); !slices.Equal(got, []heap.Addr{obj}) {
		t.Errorf("recorded %v, want [%s]", got, obj)
	}

	defer func() {
		if recover() == nil {
			t.Error("LoadReferent of a plain object did not panic")
		}
	}()
	m.LoadReferent(obj)
}

func TestData(t *testing.T) {
	m, _, _ := newTestMutator(t)
	obj := mustAlloc(t, m, heap.ObjectShape(1, 2))
	m.StoreData(obj, 1, 42)
	if got := m.LoadData(obj, 1); got != 42 {
		t.Errorf("data = %d, want 42", got)
	}
	if got := m.LoadData(obj, 0); got != 0 {
		t.Errorf("fresh data = %d, want 0", got)
	}
}

func TestAllocPollsForPause(t *testing.T) {
	m, _, sts := newTestMutator(t)
	paused := make(chan struct{})
	release := make(chan struct{})
	go sts.Pause(func() {
		close(paused)
		<-release
	})

	for !sts.ShouldYield() {
		time.Sleep(time.Millisecond)
	}
	allocated := make(chan struct{})
	go func() {
		// The pause cannot begin until this mutator polls.
		if _, err := m.Alloc(heap.ObjectShape(0, 1)); err != nil {
			t.Error(err)
		}
		close(allocated)
	}()
	<-paused
	select {
	case <-allocated:
		t.Fatal("allocation completed during a pause")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	<-allocated
}

func TestBlockingLetsPausesRun(t *testing.T) {
	m, _, sts := newTestMutator(t)
	m.Blocking(func() {
		// Nobody is joined, so this pause does not wait.
		sts.Pause(func() {})
	})
	if n, _ := sts.Pauses(); n != 1 {
		t.Errorf("pauses = %d, want 1", n)
	}
}
