// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package taskqueue implements the per-worker work-stealing queues used
// by parallel marking, and the protocols workers use to agree that all
// work is done.
package taskqueue

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"regionmark/heap"
)

// Queue is a bounded work-stealing deque of references.
//
// The owning worker pushes and pops at the bottom, so it processes its
// most recently discovered work first. Other workers steal from the top,
// taking the oldest entries. This is the Chase-Lev deque, bounded instead
// of growable: a Push that does not fit fails and the caller spills to
// the global mark stack.
type Queue struct {
	// top is the steal end. Only CAS moves it, and only forward.
	top atomic.Int64
	// bottom is the owner end. Only the owner writes it.
	bottom atomic.Int64

	mask  int64
	elems []atomic.Uint64
}

// NewQueue returns a queue with room for capacity entries, which must be
// a power of two.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 || bits.OnesCount(uint(capacity)) != 1 {
		panic(fmt.Sprintf("queue capacity %d is not a power of two", capacity))
	}
	return &Queue{
		mask:  int64(capacity - 1),
		elems: make([]atomic.Uint64, capacity),
	}
}

func (q *Queue) Capacity() int {
	return len(q.elems)
}

// Size returns the number of entries. It is only a hint while other
// workers are stealing.
func (q *Queue) Size() int {
	n := q.bottom.Load() - q.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Push adds a at the bottom. It reports false if the queue is full. Only
// the owner may call Push.
func (q *Queue) Push(a heap.Addr) bool {
	b := q.bottom.Load()
	t := q.top.Load()
	if b-t >= int64(len(q.elems)) {
		return false
	}
	q.elems[b&q.mask].Store(uint64(a))
	q.bottom.Store(b + 1)
	return true
}

// Pop removes the bottom entry. Only the owner may call Pop.
func (q *Queue) Pop() (heap.Addr, bool) {
	b := q.bottom.Load() - 1
	q.bottom.Store(b)
	t := q.top.Load()
	if t > b {
		// Empty.
		q.bottom.Store(b + 1)
		return heap.Null, false
	}
	a := heap.Addr(q.elems[b&q.mask].Load())
	if t == b {
		// Last entry. Race thieves for it.
		won := q.top.CompareAndSwap(t, t+1)
		q.bottom.Store(b + 1)
		if !won {
			return heap.Null, false
		}
	}
	return a, true
}

// Steal removes the top entry. Any worker may call Steal. It may fail
// spuriously when it loses a race with another thief or the owner.
func (q *Queue) Steal() (heap.Addr, bool) {
	t := q.top.Load()
	b := q.bottom.Load()
	if t >= b {
		return heap.Null, false
	}
	a := heap.Addr(q.elems[t&q.mask].Load())
	if !q.top.CompareAndSwap(t, t+1) {
		return heap.Null, false
	}
	return a, true
}

// SetEmpty discards every entry. No other worker may be using the queue.
func (q *Queue) SetEmpty() {
	q.bottom.Store(q.top.Load())
}
