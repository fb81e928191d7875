// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"sync/atomic"
)

// ClaimStatus is the outcome of [RegionClaimer.Claim].
type ClaimStatus int

const (
	// Claimed means the caller now owns a region with memory to scan.
	Claimed ClaimStatus = iota
	// ClaimedEmpty means the caller claimed a region that has nothing
	// below its scan top. The caller should check its clock and try
	// again.
	ClaimedEmpty
	// Exhausted means every region has been claimed.
	Exhausted
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case ClaimedEmpty:
		return "claimed-empty"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("ClaimStatus(%d)", int(s))
}

// A RegionClaimer hands out regions to parallel workers in address
// order using a single shared cursor, the global finger.
//
// Everything below the finger has been claimed by some worker. The
// finger only moves forward until Reset.
type RegionClaimer struct {
	h      *Heap
	finger atomic.Uint64
}

// NewRegionClaimer returns a claimer with its finger at the heap start.
func (h *Heap) NewRegionClaimer() *RegionClaimer {
	c := &RegionClaimer{h: h}
	c.Reset()
	return c
}

// Finger returns the global finger.
func (c *RegionClaimer) Finger() Addr {
	return Addr(c.finger.Load())
}

// OutOfRegions reports whether the finger has reached the heap end.
func (c *RegionClaimer) OutOfRegions() bool {
	return c.Finger() >= c.h.End()
}

// Reset rewinds the finger to the heap start. It must only be called
// while no worker is claiming.
func (c *RegionClaimer) Reset() {
	c.finger.Store(uint64(Base))
}

// Claim advances the finger past the region containing it. Each region
// is handed out at most once between calls to Reset.
//
// Claim does not skip runs of empty regions: it returns ClaimedEmpty for
// each of them so that the caller gets to check for aborts between
// claims.
func (c *RegionClaimer) Claim(workerID int) (*Region, ClaimStatus) {
	end := c.h.End()
	finger := c.Finger()
	for finger < end {
		r := c.h.regions.Containing(finger)
		if c.finger.CompareAndSwap(uint64(finger), uint64(r.end)) {
			if traceClaim {
				logf("worker %d claimed %s", workerID, r)
			}
			r.Verify()
			if r.ScanTop() > r.bottom {
				return r, Claimed
			}
			return nil, ClaimedEmpty
		}
		finger = c.Finger()
	}
	return nil, Exhausted
}
