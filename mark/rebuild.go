// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"regionmark/heap"
)

// rebuildPollInterval is the number of objects a rebuild worker scans
// between safepoint polls.
const rebuildPollInterval = 256

// RebuildRemSets fills in the remembered sets selected at remark. Every
// live object below its region's top-at-rebuild-start is scanned, and
// each reference into a region with a tracked remembered set adds the
// card of the referring field. References stored after remark are added
// by the mutators' post-write barrier.
func (cm *ConcurrentMark) RebuildRemSets(ctx context.Context) error {
	start := time.Now()
	cm.setPhase(PhaseRebuild)
	if cm.hasAborted.Load() {
		return cm.abortErr(ctx)
	}
	if cm.stats.RebuiltRemSets == 0 {
		return nil
	}
	stop := context.AfterFunc(ctx, cm.Abort)
	defer stop()

	regions := cm.h.Regions()
	var next atomic.Int64
	var g errgroup.Group
	for range cm.cfg.Workers {
		cm.sts.Join()
		g.Go(func() error {
			defer cm.sts.Leave()
			rb := rebuilder{cm: cm}
			for {
				i := int(next.Add(1) - 1)
				if i >= regions.Len() {
					return nil
				}
				if !rb.scanRegion(regions.At(i)) {
					return ErrAborted
				}
				cm.sts.Poll()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return cm.abortErr(ctx)
	}
	cm.stats.Rebuild = time.Since(start)
	cm.logf("rebuild: %s, %d remembered sets", cm.stats.Rebuild, cm.stats.RebuiltRemSets)
	return nil
}

// A rebuilder scans regions for one rebuild worker.
type rebuilder struct {
	cm      *ConcurrentMark
	scanned int
}

// scanObject records obj's outgoing cross-region references.
func (rb *rebuilder) scanObject(v *RemSetUpdateVisitor, obj heap.Addr) bool {
	for slot, ref := range rb.cm.h.Refs(obj) {
		v.Visit(slot, ref)
	}
	rb.scanned++
	if rb.scanned%rebuildPollInterval == 0 {
		rb.cm.sts.Poll()
		return !rb.cm.hasAborted.Load()
	}
	return true
}

// scanRegion scans the live objects of r below its TARS. It reports
// false if the cycle was aborted.
func (rb *rebuilder) scanRegion(r *heap.Region) bool {
	cm := rb.cm
	tars := r.TARS()
	if tars == r.Bottom() {
		return !cm.hasAborted.Load()
	}
	v := &RemSetUpdateVisitor{H: cm.h, From: r}
	if r.IsStartsHumongous() {
		if obj := r.Bottom(); cm.isLiveNext(obj) {
			return rb.scanObject(v, obj)
		}
		return true
	}
	ntams := r.NTAMS()
	ok := cm.nextBitmap.Iterate(heap.RangeOf(r.Bottom(), min(ntams, tars)), func(obj heap.Addr) bool {
		return rb.scanObject(v, obj)
	})
	if !ok {
		return false
	}
	// Everything allocated during marking is live.
	if tars > ntams {
		for obj := range cm.h.Objects(ntams, tars) {
			if !rb.scanObject(v, obj) {
				return false
			}
		}
	}
	return true
}
