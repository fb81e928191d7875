// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mutator provides barrier-carrying heap access for goroutines
// that run alongside concurrent marking.
//
// Every reference store goes through the SATB pre-write barrier, which
// records the overwritten value while marking is active, and the
// remembered set post-write barrier, which records cross-region
// references into regions whose remembered sets are tracked. Reference
// loads resolve through the heap's Resolver.
package mutator

import (
	"regionmark/heap"
	"regionmark/safepoint"
	"regionmark/satb"
)

// A Mutator is one goroutine's view of the heap. It is joined to the
// safepoint set from New until Close, and polls for pauses at every
// allocation. Long-running code that does not allocate must call Poll.
//
// A Mutator must not be used concurrently. References it holds in Go
// variables are not roots: anything that must survive a pause has to be
// reachable from a root.
type Mutator struct {
	h     *heap.Heap
	alloc *heap.AllocContext
	satbs *satb.QueueSet
	satb  *satb.Queue
	sts   *safepoint.Set

	closed bool
}

// New returns a mutator allocating regions of type typ.
func New(h *heap.Heap, satbs *satb.QueueSet, sts *safepoint.Set, typ heap.RegionType) *Mutator {
	sts.Join()
	return &Mutator{
		h:     h,
		alloc: h.NewAllocContext(typ),
		satbs: satbs,
		satb:  satbs.Register(),
		sts:   sts,
	}
}

// Close retires the mutator's allocation region, flushes its SATB buffer
// and leaves the safepoint set.
func (m *Mutator) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.alloc.Retire()
	m.satbs.Unregister(m.satb)
	m.sts.Leave()
}

func (m *Mutator) Heap() *heap.Heap { return m.h }

// Poll parks the mutator if a pause is pending.
func (m *Mutator) Poll() {
	m.sts.Poll()
}

// Blocking runs fn outside the safepoint set, so pauses need not wait
// for it. fn must not touch the heap.
func (m *Mutator) Blocking(fn func()) {
	m.sts.Leave()
	defer m.sts.Join()
	fn()
}

// Alloc allocates an object of shape s.
func (m *Mutator) Alloc(s heap.Shape) (heap.Addr, error) {
	m.Poll()
	return m.alloc.Alloc(s)
}

// RetireRegion gives up the current allocation region, making it
// eligible for reclamation.
func (m *Mutator) RetireRegion() {
	m.alloc.Retire()
}

// LoadRef loads obj's i'th reference field.
func (m *Mutator) LoadRef(obj heap.Addr, i int) heap.Addr {
	ref := m.h.Field(obj, i)
	if ref == heap.Null {
		return ref
	}
	return m.h.Resolve(ref)
}

// StoreRef stores ref into obj's i'th reference field.
func (m *Mutator) StoreRef(obj heap.Addr, i int, ref heap.Addr) {
	m.storeSlot(m.h.Slot(obj, i), ref)
}

func (m *Mutator) storeSlot(slot, ref heap.Addr) {
	if m.satbs.IsActive() {
		if old := m.h.LoadRef(slot); old != heap.Null {
			m.satb.Enqueue(old)
		}
	}
	m.h.StoreRef(slot, ref)
	m.postWriteBarrier(slot, ref)
}

func (m *Mutator) postWriteBarrier(slot, ref heap.Addr) {
	if ref == heap.Null {
		return
	}
	regions := m.h.Regions()
	to := regions.Containing(ref)
	if to == regions.Containing(slot) {
		return
	}
	if rs := to.RemSet(); rs.IsTracked() {
		rs.Add(m.h.CardOf(slot))
	}
}

// LoadReferent loads the referent of the weak or soft reference ref.
// While marking is active, the referent is recorded so that marking
// treats it as strongly reachable: the mutator may store it anywhere.
func (m *Mutator) LoadReferent(ref heap.Addr) heap.Addr {
	if k := m.h.Header(ref).Kind(); !k.IsReference() {
		panic("LoadReferent of a " + k.String())
	}
	referent := m.LoadRef(ref, 0)
	if referent != heap.Null && m.satbs.IsActive() {
		m.satb.Enqueue(referent)
	}
	return referent
}

// LoadData loads obj's i'th data word.
func (m *Mutator) LoadData(obj heap.Addr, i int) uint64 {
	return m.h.LoadWord(m.h.DataSlot(obj, i))
}

// StoreData stores obj's i'th data word.
func (m *Mutator) StoreData(obj heap.Addr, i int, v uint64) {
	m.h.StoreWord(m.h.DataSlot(obj, i), v)
}
