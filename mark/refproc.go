// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"regionmark/bitmap"
	"regionmark/heap"
)

// processReferences decides the fate of the weak and soft reference
// objects found during marking. Unless soft references are being
// cleared, their referents are kept alive, along with everything
// reachable from them. Then every reference whose referent is still
// unmarked is cleared.
//
// It reports false, without clearing anything, if the mark stack
// overflowed.
func (cm *ConcurrentMark) processReferences() bool {
	t := cm.tasks[0]
	drain := &DrainVisitor{Task: t}
	keep := &KeepAliveVisitor{Task: t, Drain: drain}

	var seen bitmap.DynSet[uint64]
	var refs []heap.Addr
	collect := func() int {
		n := 0
		for _, task := range cm.tasks {
			for _, ref := range task.discovered {
				// A reference object may be scanned more than once.
				key := uint64(ref.Minus(heap.Base).Words())
				if seen.Has(key) {
					continue
				}
				seen.Add(key)
				refs = append(refs, ref)
				n++
			}
			task.discovered = task.discovered[:0]
		}
		return n
	}
	collect()

	if !cm.cfg.ClearSoftRefs {
		for i := 0; ; {
			for ; i < len(refs); i++ {
				ref := refs[i]
				if cm.h.Header(ref).Kind() == heap.KindSoftRef {
					slot := cm.h.Slot(ref, 0)
					keep.Visit(slot, cm.h.LoadRef(slot))
				}
			}
			if !drain.Drain() {
				return false
			}
			// Draining may have found more references.
			if collect() == 0 {
				break
			}
		}
	}
	if cm.markStack.HasOverflown() {
		return false
	}

	cleared := 0
	for _, ref := range refs {
		slot := cm.h.Slot(ref, 0)
		referent := cm.h.LoadRef(slot)
		if referent == heap.Null || !cm.h.Contains(referent) || cm.isLiveNext(referent) {
			continue
		}
		if traceRefs {
			tracef("clearing %s reference %s to %s", cm.h.Header(ref).Kind(), ref, referent)
		}
		cm.h.StoreRef(slot, heap.Null)
		cleared++
	}
	cm.stats.RefsDiscovered += len(refs)
	cm.stats.RefsCleared += cleared
	return true
}
