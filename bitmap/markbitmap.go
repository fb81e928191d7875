// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"regionmark/heap"
)

// A MarkBitmap has one bit per heap word over a covered address range. A
// set bit means the object starting at that word has been found
// reachable.
//
// All bit accesses are atomic, but only ParMark arbitrates between
// concurrent markers: it is the single point at which an object is
// claimed. Range operations assume no marker is active on the range.
type MarkBitmap struct {
	covered heap.Range
	bits    []uint64
}

// NewMarkBitmap returns a clear bitmap covering r.
func NewMarkBitmap(r heap.Range) *MarkBitmap {
	nBits := uint64(r.Len.Words())
	return &MarkBitmap{
		covered: r,
		bits:    make([]uint64, (nBits+63)/64),
	}
}

// Covered returns the address range the bitmap covers.
func (m *MarkBitmap) Covered() heap.Range {
	return m.covered
}

func (m *MarkBitmap) bitIndex(a heap.Addr) uint64 {
	if !m.covered.Contains(a) {
		panic(fmt.Sprintf("address %s outside mark bitmap %s", a, m.covered))
	}
	return uint64(a.Minus(m.covered.Start)) >> heap.LogWordBytes
}

// limitIndex is like bitIndex, but also accepts the end of the covered
// range.
func (m *MarkBitmap) limitIndex(a heap.Addr) uint64 {
	if a == m.covered.End() {
		return uint64(m.covered.Len.Words())
	}
	return m.bitIndex(a)
}

func (m *MarkBitmap) addrOf(bit uint64) heap.Addr {
	return m.covered.Start.PlusWords(heap.Words(bit))
}

func (m *MarkBitmap) word(i uint64) uint64 {
	return atomic.LoadUint64(&m.bits[i])
}

// IsMarked reports whether a is marked.
func (m *MarkBitmap) IsMarked(a heap.Addr) bool {
	i := m.bitIndex(a)
	return m.word(i/64)&(1<<(i%64)) != 0
}

// Mark sets a's bit.
func (m *MarkBitmap) Mark(a heap.Addr) {
	i := m.bitIndex(a)
	atomic.OrUint64(&m.bits[i/64], 1<<(i%64))
}

// Clear clears a's bit.
func (m *MarkBitmap) Clear(a heap.Addr) {
	i := m.bitIndex(a)
	atomic.AndUint64(&m.bits[i/64], ^uint64(1<<(i%64)))
}

// ParMark sets a's bit and reports whether this call changed it from
// clear to set. Among concurrent callers for the same address, exactly
// one sees true.
func (m *MarkBitmap) ParMark(a heap.Addr) bool {
	i := m.bitIndex(a)
	mask := uint64(1) << (i % 64)
	old := atomic.OrUint64(&m.bits[i/64], mask)
	return old&mask == 0
}

// ParClear clears a's bit and reports whether this call changed it.
func (m *MarkBitmap) ParClear(a heap.Addr) bool {
	i := m.bitIndex(a)
	mask := uint64(1) << (i % 64)
	old := atomic.AndUint64(&m.bits[i/64], ^mask)
	return old&mask != 0
}

// NextMarked returns the lowest marked address in [from, limit), or
// limit if there is none.
func (m *MarkBitmap) NextMarked(from, limit heap.Addr) heap.Addr {
	return m.addrOf(m.nextBit(m.limitIndex(from), m.limitIndex(limit), false))
}

// NextUnmarked returns the lowest unmarked address in [from, limit), or
// limit if there is none.
func (m *MarkBitmap) NextUnmarked(from, limit heap.Addr) heap.Addr {
	return m.addrOf(m.nextBit(m.limitIndex(from), m.limitIndex(limit), true))
}

// PrevMarked returns the highest marked address in [floor, from].
func (m *MarkBitmap) PrevMarked(from, floor heap.Addr) (heap.Addr, bool) {
	hi, lo := m.bitIndex(from), m.bitIndex(floor)
	if hi < lo {
		return heap.Null, false
	}
	wi := hi / 64
	w := m.word(wi) & (^uint64(0) >> (63 - hi%64))
	for {
		if w != 0 {
			bit := wi*64 + 63 - uint64(bits.LeadingZeros64(w))
			if bit < lo {
				return heap.Null, false
			}
			return m.addrOf(bit), true
		}
		if wi*64 <= lo {
			return heap.Null, false
		}
		wi--
		w = m.word(wi)
	}
}

func (m *MarkBitmap) nextBit(lo, hi uint64, invert bool) uint64 {
	if lo >= hi {
		return hi
	}
	wi := lo / 64
	load := func(i uint64) uint64 {
		w := m.word(i)
		if invert {
			w = ^w
		}
		return w
	}
	w := load(wi) & (^uint64(0) << (lo % 64))
	for {
		if w != 0 {
			return min(wi*64+uint64(bits.TrailingZeros64(w)), hi)
		}
		wi++
		if wi*64 >= hi {
			return hi
		}
		w = load(wi)
	}
}

// forRange calls fn for each bitmap word overlapping bits [lo, hi) with
// the mask of bits in range.
func forRange(lo, hi uint64, fn func(wi, mask uint64)) {
	for lo < hi {
		bitLo := lo % 64
		n := min(64-bitLo, hi-lo)
		mask := ^uint64(0)
		if n < 64 {
			mask = (1<<n - 1) << bitLo
		}
		fn(lo/64, mask)
		lo += n
	}
}

func (m *MarkBitmap) rangeBits(r heap.Range) (uint64, uint64) {
	return m.limitIndex(r.Start), m.limitIndex(r.End())
}

// MarkRange marks every word in r.
func (m *MarkBitmap) MarkRange(r heap.Range) {
	lo, hi := m.rangeBits(r)
	forRange(lo, hi, func(wi, mask uint64) {
		atomic.OrUint64(&m.bits[wi], mask)
	})
}

// ClearRange clears every word in r.
func (m *MarkBitmap) ClearRange(r heap.Range) {
	lo, hi := m.rangeBits(r)
	forRange(lo, hi, func(wi, mask uint64) {
		if mask == ^uint64(0) {
			atomic.StoreUint64(&m.bits[wi], 0)
		} else {
			atomic.AndUint64(&m.bits[wi], ^mask)
		}
	})
}

// CountRange returns the number of marked addresses in r.
func (m *MarkBitmap) CountRange(r heap.Range) int {
	lo, hi := m.rangeBits(r)
	n := 0
	forRange(lo, hi, func(wi, mask uint64) {
		n += bits.OnesCount64(m.word(wi) & mask)
	})
	return n
}

// IsClear reports whether no address in r is marked.
func (m *MarkBitmap) IsClear(r heap.Range) bool {
	return m.NextMarked(r.Start, r.End()) == r.End()
}

// Iterate calls fn on each marked address in r in ascending order, with
// bits set behind the iteration not revisited. It stops early if fn
// returns false and reports whether it reached the end of r.
func (m *MarkBitmap) Iterate(r heap.Range, fn func(heap.Addr) bool) bool {
	end := r.End()
	for a := m.NextMarked(r.Start, end); a < end; a = m.NextMarked(a.Plus(heap.WordBytes), end) {
		if !fn(a) {
			return false
		}
	}
	return true
}

// Equal reports whether m and o have identical contents.
func (m *MarkBitmap) Equal(o *MarkBitmap) bool {
	if m.covered != o.covered {
		return false
	}
	for i := range m.bits {
		if m.word(uint64(i)) != o.word(uint64(i)) {
			return false
		}
	}
	return true
}
