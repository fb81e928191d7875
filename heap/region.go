// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"sync/atomic"

	"regionmark/remset"
)

// RegionType is the role a region currently plays in the heap.
type RegionType uint32

const (
	RegionFree RegionType = iota
	RegionEden
	RegionSurvivor
	RegionOld
	RegionHumongousStart
	RegionHumongousCont
)

func (t RegionType) String() string {
	switch t {
	case RegionFree:
		return "free"
	case RegionEden:
		return "eden"
	case RegionSurvivor:
		return "survivor"
	case RegionOld:
		return "old"
	case RegionHumongousStart:
		return "humongous-start"
	case RegionHumongousCont:
		return "humongous-cont"
	}
	return fmt.Sprintf("RegionType(%d)", uint32(t))
}

// A Region is a fixed-size slice of the heap.
//
// Bottom and End never change. Top only moves while the region is an
// allocation region or during a pause. The marking snapshots (NTAMS,
// PTAMS, TARS) are written during pauses or, for regions that become
// allocation regions while marking is running, reset to Bottom when the
// region was freed.
//
// Invariant: Bottom <= NTAMS <= Top <= End.
type Region struct {
	index  int
	bottom Addr
	end    Addr

	top atomic.Uint64
	typ atomic.Uint32

	// ntams is the top at the start of the current marking. Objects at or
	// above it are implicitly live for that marking.
	ntams atomic.Uint64
	// ptams is ntams of the last completed marking.
	ptams atomic.Uint64
	// tars is the top at the start of remembered set rebuilding.
	tars atomic.Uint64

	// liveBytes is the live data found by the last completed marking.
	liveBytes atomic.Uint64

	// allocating is set while a mutator owns this region for bump
	// allocation.
	allocating atomic.Bool

	// humStart is the first region of the humongous object this region
	// belongs to, if any.
	humStart *Region

	// inCSet is set while this region is a collection set candidate.
	// Only accessed during pauses.
	inCSet bool

	remSet *remset.Set
}

func (r *Region) init(index int, bottom, end Addr) {
	r.index = index
	r.bottom = bottom
	r.end = end
	r.remSet = remset.New()
	r.reset()
}

// reset returns r to the free state. The caller must hold the table lock
// or be in a pause.
func (r *Region) reset() {
	r.top.Store(uint64(r.bottom))
	r.ntams.Store(uint64(r.bottom))
	r.ptams.Store(uint64(r.bottom))
	r.tars.Store(uint64(r.bottom))
	r.liveBytes.Store(0)
	r.allocating.Store(false)
	r.humStart = nil
	r.inCSet = false
	r.remSet.Clear()
	r.remSet.SetState(remset.Untracked)
	r.typ.Store(uint32(RegionFree))
}

func (r *Region) Index() int   { return r.index }
func (r *Region) Bottom() Addr { return r.bottom }
func (r *Region) End() Addr    { return r.end }
func (r *Region) Top() Addr    { return Addr(r.top.Load()) }

// Range returns [Bottom, End).
func (r *Region) Range() Range {
	return RangeOf(r.bottom, r.end)
}

// Used returns the bytes between Bottom and Top.
func (r *Region) Used() Bytes {
	return r.Top().Minus(r.bottom)
}

// IsEmpty reports whether nothing was ever allocated in r since it was
// last freed.
func (r *Region) IsEmpty() bool {
	return r.Top() == r.bottom
}

func (r *Region) Type() RegionType {
	return RegionType(r.typ.Load())
}

func (r *Region) setType(t RegionType) {
	r.typ.Store(uint32(t))
}

func (r *Region) IsFree() bool {
	return r.Type() == RegionFree
}

func (r *Region) IsHumongous() bool {
	t := r.Type()
	return t == RegionHumongousStart || t == RegionHumongousCont
}

func (r *Region) IsStartsHumongous() bool {
	return r.Type() == RegionHumongousStart
}

func (r *Region) IsContinuesHumongous() bool {
	return r.Type() == RegionHumongousCont
}

// HumongousStart returns the start region of the humongous object r is
// part of, or nil.
func (r *Region) HumongousStart() *Region {
	return r.humStart
}

// NTAMS returns the next top-at-mark-start.
func (r *Region) NTAMS() Addr { return Addr(r.ntams.Load()) }

// PTAMS returns the previous top-at-mark-start.
func (r *Region) PTAMS() Addr { return Addr(r.ptams.Load()) }

// TARS returns the top-at-rebuild-start.
func (r *Region) TARS() Addr { return Addr(r.tars.Load()) }

// ScanTop returns the limit of bitmap scanning in r for the current
// marking. It is frozen at the start of marking so memory allocated
// during marking, which is implicitly live, is never scanned.
func (r *Region) ScanTop() Addr {
	return r.NTAMS()
}

// NoteStartOfMarking snapshots Top as NTAMS. Pause only.
func (r *Region) NoteStartOfMarking() {
	r.ntams.Store(r.top.Load())
}

// NoteEndOfMarking retires NTAMS into PTAMS. Pause only.
func (r *Region) NoteEndOfMarking() {
	r.ptams.Store(r.ntams.Load())
}

// UpdateTopAtRebuildStart snapshots Top as TARS. Objects below TARS may
// hold references that remembered set rebuilding must find; stores into
// objects above it are caught by the post-write barrier. Free regions
// get Bottom. Pause only.
func (r *Region) UpdateTopAtRebuildStart() {
	if r.IsFree() || r.IsContinuesHumongous() {
		r.tars.Store(uint64(r.bottom))
	} else {
		r.tars.Store(r.top.Load())
	}
}

// ClearTopAtRebuildStart resets TARS.
func (r *Region) ClearTopAtRebuildStart() {
	r.tars.Store(uint64(r.bottom))
}

// ObjAllocatedSinceMarkStart reports whether addr was allocated after
// the current marking started, making it implicitly live.
func (r *Region) ObjAllocatedSinceMarkStart(addr Addr) bool {
	return addr >= r.NTAMS()
}

// ObjAllocatedSincePrevMarking reports whether addr was allocated after
// the last completed marking started.
func (r *Region) ObjAllocatedSincePrevMarking(addr Addr) bool {
	return addr >= r.PTAMS()
}

// LiveBytes returns the live bytes found by the last completed marking.
func (r *Region) LiveBytes() Bytes {
	return Bytes(r.liveBytes.Load())
}

// SetLiveBytes records the live bytes of r. Pause only.
func (r *Region) SetLiveBytes(b Bytes) {
	r.liveBytes.Store(uint64(b))
}

// Allocating reports whether a mutator currently owns r for allocation.
func (r *Region) Allocating() bool {
	return r.allocating.Load()
}

func (r *Region) InCSet() bool     { return r.inCSet }
func (r *Region) SetInCSet(v bool) { r.inCSet = v }

// RemSet returns r's remembered set.
func (r *Region) RemSet() *remset.Set {
	return r.remSet
}

// bumpAllocate carves words out of [Top, End).
func (r *Region) bumpAllocate(words Words) (Addr, bool) {
	size := uint64(words.Bytes())
	for {
		top := r.top.Load()
		if uint64(r.end)-top < size {
			return Null, false
		}
		if r.top.CompareAndSwap(top, top+size) {
			return Addr(top), true
		}
	}
}

// Verify panics if r's marking snapshots are inconsistent.
func (r *Region) Verify() {
	ntams, top := r.NTAMS(), r.Top()
	if !(r.bottom <= ntams && ntams <= top && top <= r.end) {
		panic(fmt.Sprintf("region %d: want bottom %s <= ntams %s <= top %s <= end %s", r.index, r.bottom, ntams, top, r.end))
	}
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d %s %s top=%s ntams=%s", r.index, r.Type(), r.Range(), r.Top(), r.NTAMS())
}
