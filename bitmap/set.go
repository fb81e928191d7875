// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bitmap provides dense bit sets, including the concurrent mark
// bitmap used by marking.
package bitmap

import (
	"iter"
	"math/bits"
)

// Set is a fixed-size, single-threaded bit set.
type Set[K ~uint64] struct {
	bits []uint64
}

func NewSet[K ~uint64](nBits K) Set[K] {
	return Set[K]{make([]uint64, (nBits+63)/64)}
}

func (b Set[K]) Has(i K) bool {
	return i/64 < K(len(b.bits)) && (b.bits[i/64]&(1<<(i%64))) != 0
}

func (b Set[K]) Add(i K) {
	b.bits[i/64] |= 1 << (i % 64)
}

func (b Set[K]) Remove(i K) {
	b.bits[i/64] &^= 1 << (i % 64)
}

func (b Set[K]) Len() int {
	var sum int
	for _, w := range b.bits {
		sum += bits.OnesCount64(w)
	}
	return sum
}

// Equal reports whether b and o have the same members.
func (b Set[K]) Equal(o Set[K]) bool {
	n := max(len(b.bits), len(o.bits))
	for i := range n {
		var x, y uint64
		if i < len(b.bits) {
			x = b.bits[i]
		}
		if i < len(o.bits) {
			y = o.bits[i]
		}
		if x != y {
			return false
		}
	}
	return true
}

func (b Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for i, val := range b.bits {
			for val != 0 {
				bitI := bits.TrailingZeros64(val)
				if !yield(K(i*64 + bitI)) {
					return
				}
				val &^= 1 << bitI
			}
		}
	}
}

// DynSet is a bit set that grows to fit the largest member added.
type DynSet[K ~uint64] struct {
	bits []uint64
}

func (b *DynSet[K]) Has(i K) bool {
	return Set[K]{b.bits}.Has(i)
}

func (b *DynSet[K]) Add(i K) {
	if need := int(i/64) + 1; need > len(b.bits) {
		b.bits = append(b.bits, make([]uint64, max(need, 2*len(b.bits))-len(b.bits))...)
	}
	b.bits[i/64] |= 1 << (i % 64)
}

// Set returns the current contents of b as a Set. The result aliases b
// until b next grows.
func (b *DynSet[K]) Set() Set[K] {
	return Set[K]{b.bits}
}
