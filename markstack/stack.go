// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package markstack implements the global mark stack shared by all
// marking tasks.
//
// The global stack is where tasks spill work their local queues cannot
// hold and where they look for work once their own queue runs dry. It is
// bounded. A push that does not fit sets a sticky overflow flag and is
// dropped: the dropped object is already marked, so marking recovers it
// by restarting its bitmap sweep after every task has synchronized on the
// overflow.
package markstack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"regionmark/heap"
)

// Stack is a bounded, concurrent stack of references.
//
// Concurrent pushers claim slots with a CAS on the index while holding
// lock for reading, so any number of them run at once. Pops hold lock
// for writing, which guarantees every claimed slot has been filled by
// the time it can be popped.
type Stack struct {
	lock  sync.RWMutex
	base  []heap.Addr
	index atomic.Int64

	maxCapacity int

	overflow     atomic.Bool
	shouldExpand atomic.Bool
}

// New returns an empty stack with the given initial and maximum capacity.
func New(capacity, maxCapacity int) *Stack {
	if capacity <= 0 || maxCapacity < capacity {
		panic(fmt.Sprintf("bad mark stack capacity %d (max %d)", capacity, maxCapacity))
	}
	return &Stack{
		base:        make([]heap.Addr, capacity),
		maxCapacity: maxCapacity,
	}
}

// Capacity returns the number of entries the stack can hold.
func (s *Stack) Capacity() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.base)
}

// MaxCapacity returns the largest capacity Expand grows to.
func (s *Stack) MaxCapacity() int {
	return s.maxCapacity
}

// Len returns the number of entries. It is exact only when the stack is
// quiescent.
func (s *Stack) Len() int {
	return int(s.index.Load())
}

func (s *Stack) IsEmpty() bool {
	return s.index.Load() == 0
}

// HasOverflown reports whether a push has been dropped since the last
// ClearOverflow.
func (s *Stack) HasOverflown() bool {
	return s.overflow.Load()
}

func (s *Stack) ClearOverflow() {
	s.overflow.Store(false)
}

// ShouldExpand reports whether the stack overflowed since it was last
// expanded.
func (s *Stack) ShouldExpand() bool {
	return s.shouldExpand.Load()
}

func (s *Stack) setOverflow() {
	s.overflow.Store(true)
	s.shouldExpand.Store(true)
}

// ForceOverflow sets the overflow flag as if a push had been dropped,
// without asking for expansion. It is a testing hook.
func (s *Stack) ForceOverflow() {
	s.overflow.Store(true)
}

// Push pushes ref. It must not run concurrently with any other
// operation; it is meant for pauses.
func (s *Stack) Push(ref heap.Addr) bool {
	i := s.index.Load()
	if int(i) >= len(s.base) {
		s.setOverflow()
		return false
	}
	s.base[i] = ref
	s.index.Store(i + 1)
	return true
}

// ParPush pushes ref concurrently with other pushes. If the stack is
// full, ParPush sets the overflow flag and drops ref.
func (s *Stack) ParPush(ref heap.Addr) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for {
		i := s.index.Load()
		if int(i) >= len(s.base) {
			s.setOverflow()
			return false
		}
		if s.index.CompareAndSwap(i, i+1) {
			s.base[i] = ref
			return true
		}
	}
}

// ParPushBulk pushes all of refs or none of them. If they do not fit,
// it sets the overflow flag and returns false.
func (s *Stack) ParPushBulk(refs []heap.Addr) bool {
	if len(refs) == 0 {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	n := int64(len(refs))
	for {
		i := s.index.Load()
		if i+n > int64(len(s.base)) {
			s.setOverflow()
			return false
		}
		if s.index.CompareAndSwap(i, i+n) {
			copy(s.base[i:i+n], refs)
			return true
		}
	}
}

// ParPopBulk pops up to len(dst) entries into dst and returns how many
// it popped.
func (s *Stack) ParPopBulk(dst []heap.Addr) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	i := s.index.Load()
	k := min(int64(len(dst)), i)
	copy(dst, s.base[i-k:i])
	s.index.Store(i - k)
	return int(k)
}

// Pop pops a single entry. It must not run concurrently with pushes.
func (s *Stack) Pop() (heap.Addr, bool) {
	var buf [1]heap.Addr
	if s.ParPopBulk(buf[:]) == 0 {
		return heap.Null, false
	}
	return buf[0], true
}

// SetEmpty discards every entry. The caller must ensure no other
// operation is in progress.
func (s *Stack) SetEmpty() {
	s.lock.Lock()
	s.index.Store(0)
	s.lock.Unlock()
}

// Expand doubles the capacity, up to the maximum. The stack must be
// empty, and expansion only happens if the stack overflowed since it was
// last expanded. Expand reports whether the capacity changed.
func (s *Stack) Expand() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.index.Load() != 0 {
		panic("expanding a non-empty mark stack")
	}
	if !s.shouldExpand.Load() {
		return false
	}
	s.shouldExpand.Store(false)
	newCap := min(2*len(s.base), s.maxCapacity)
	if newCap == len(s.base) {
		return false
	}
	s.base = make([]heap.Addr, newCap)
	return true
}

// Drain pops and visits entries until the stack is empty or yield
// returns true. It reports whether the stack was fully drained. Drain
// must not run concurrently with pushes from other goroutines, but fn
// may push.
func (s *Stack) Drain(fn func(heap.Addr), yield func() bool) bool {
	for {
		ref, ok := s.Pop()
		if !ok {
			return true
		}
		fn(ref)
		if yield != nil && yield() {
			return s.IsEmpty()
		}
	}
}
