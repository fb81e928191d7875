// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"regionmark/heap"
)

// A Visitor handles one reference that marking came across. slot is the
// heap word holding ref, or Null if ref came from outside the heap, such
// as a root or an SATB buffer.
type Visitor interface {
	Visit(slot, ref heap.Addr)
}

// RootScanVisitor marks roots. At the start of marking every root is
// ahead of the global finger, so marking it is enough. At remark the
// bitmap scans are over, so Push must be set.
type RootScanVisitor struct {
	Task *Task
	Push bool
}

func (v RootScanVisitor) Visit(_, ref heap.Addr) {
	if ref == heap.Null || !v.Task.h.Contains(ref) {
		return
	}
	if v.Push {
		v.Task.markAndPush(ref)
	} else {
		v.Task.markAndCount(ref)
	}
}

// SATBVisitor greys a value recorded by the SATB write barrier.
type SATBVisitor struct {
	Task *Task
}

func (v SATBVisitor) Visit(_, ref heap.Addr) {
	if ref == heap.Null || !v.Task.h.Contains(ref) {
		return
	}
	v.Task.makeReferenceGrey(ref)
}

// keepAliveDrainInterval is how many references a KeepAliveVisitor
// greys between drains.
const keepAliveDrainInterval = 64

// KeepAliveVisitor keeps the referent of a reference object alive during
// reference processing. Every so often it drains the work it produced
// with Drain.
type KeepAliveVisitor struct {
	Task  *Task
	Drain *DrainVisitor

	count int
}

func (v *KeepAliveVisitor) Visit(_, ref heap.Addr) {
	if ref == heap.Null || !v.Task.h.Contains(ref) {
		return
	}
	v.Task.markAndPush(ref)
	v.count++
	if v.count%keepAliveDrainInterval == 0 {
		v.Drain.Drain()
	}
}

// DrainVisitor greys ref, if any, and then runs serial marking steps
// until the task has no work left or the mark stack overflows.
type DrainVisitor struct {
	Task *Task
}

func (v *DrainVisitor) Visit(_, ref heap.Addr) {
	if ref != heap.Null && v.Task.h.Contains(ref) {
		v.Task.markAndPush(ref)
	}
	v.Drain()
}

// Drain runs serial marking steps to completion. It reports false if
// the mark stack overflowed.
func (v *DrainVisitor) Drain() bool {
	t := v.Task
	for {
		t.DoMarkingStep(noTimeLimit, true, true)
		if t.cm.markStack.HasOverflown() {
			return false
		}
		if !t.HasAborted() {
			return true
		}
	}
}

// RemSetUpdateVisitor records a reference from a field in region From
// into the remembered set of the region it points to.
type RemSetUpdateVisitor struct {
	H    *heap.Heap
	From *heap.Region

	Added int
}

func (v *RemSetUpdateVisitor) Visit(slot, ref heap.Addr) {
	if ref == heap.Null || !v.H.Contains(ref) {
		return
	}
	to := v.H.Regions().Containing(ref)
	if to == v.From {
		return
	}
	rs := to.RemSet()
	if !rs.IsTracked() {
		return
	}
	rs.Add(v.H.CardOf(slot))
	v.Added++
}
