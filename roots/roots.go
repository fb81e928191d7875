// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package roots defines how marking enumerates the root set.
package roots

import (
	"fmt"
	"sync"

	"regionmark/heap"
)

// A Scanner enumerates roots. Marking calls ScanRoots only while the
// world is stopped, once at the start of marking and once at remark.
// Every non-null reference passed to fn must be a live heap object.
type Scanner interface {
	ScanRoots(fn func(heap.Addr))
}

// Func adapts a function to a Scanner.
type Func func(fn func(heap.Addr))

func (f Func) ScanRoots(fn func(heap.Addr)) { f(fn) }

// Group scans each of its scanners in turn.
type Group []Scanner

func (g Group) ScanRoots(fn func(heap.Addr)) {
	for _, s := range g {
		s.ScanRoots(fn)
	}
}

// Handle identifies a slot in a Set.
type Handle int

// A Set is a table of root slots, standing in for globals and stack
// slots. It is safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	slots []heap.Addr
	used  []bool
	free  []Handle
}

// Add stores ref in a new slot and returns its handle.
func (s *Set) Add(ref heap.Addr) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[h] = ref
		s.used[h] = true
		return h
	}
	s.slots = append(s.slots, ref)
	s.used = append(s.used, true)
	return Handle(len(s.slots) - 1)
}

func (s *Set) check(h Handle) {
	if h < 0 || int(h) >= len(s.slots) || !s.used[h] {
		panic(fmt.Sprintf("bad root handle %d", h))
	}
}

// Get returns the reference in slot h.
func (s *Set) Get(h Handle) heap.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(h)
	return s.slots[h]
}

// Set overwrites slot h.
func (s *Set) Set(h Handle, ref heap.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.check(h)
	s.slots[h] = ref
}

// Remove frees slot h.
func (s *Set) Remove(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.check(h)
	s.slots[h] = heap.Null
	s.used[h] = false
	s.free = append(s.free, h)
}

// Len returns the number of slots in use.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots) - len(s.free)
}

// ScanRoots calls fn on every non-null slot.
func (s *Set) ScanRoots(fn func(heap.Addr)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ref := range s.slots {
		if ref != heap.Null {
			fn(ref)
		}
	}
}
