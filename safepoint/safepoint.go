// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package safepoint implements stop-the-world pauses for goroutines that
// cooperate by polling.
//
// Goroutines that touch the heap join a Set. A joined goroutine must
// poll ShouldYield often and call Yield when it returns true. A pause
// calls Synchronize, which returns once every joined goroutine is parked
// in Yield or has left, and Desynchronize, which lets them run again.
package safepoint

import (
	"sync"
	"sync/atomic"
	"time"
)

// A Set is a suspendible set of goroutines.
type Set struct {
	// pauseMu serializes pauses. It is held from Synchronize to
	// Desynchronize.
	pauseMu sync.Mutex

	mu        sync.Mutex
	cond      sync.Cond
	joined    int
	yielded   int
	requested atomic.Bool

	pauses    atomic.Int64
	syncNanos atomic.Int64
}

func New() *Set {
	s := &Set{}
	s.cond.L = &s.mu
	return s
}

// Join adds the calling goroutine to the set. If a pause is in progress,
// Join waits for it to finish.
func (s *Set) Join() {
	s.mu.Lock()
	for s.requested.Load() {
		s.cond.Wait()
	}
	s.joined++
	s.mu.Unlock()
}

// Leave removes the calling goroutine from the set.
func (s *Set) Leave() {
	s.mu.Lock()
	s.joined--
	if s.joined < 0 {
		s.mu.Unlock()
		panic("safepoint: Leave without Join")
	}
	if s.requested.Load() {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// ShouldYield reports whether a pause is waiting for joined goroutines.
func (s *Set) ShouldYield() bool {
	return s.requested.Load()
}

// Yield parks the calling goroutine until the pending pause, if any,
// ends.
func (s *Set) Yield() {
	if !s.requested.Load() {
		return
	}
	s.mu.Lock()
	if s.requested.Load() {
		s.yielded++
		s.cond.Broadcast()
		for s.requested.Load() {
			s.cond.Wait()
		}
		s.yielded--
	}
	s.mu.Unlock()
}

// Poll is Yield guarded by ShouldYield, for use in loops.
func (s *Set) Poll() {
	if s.ShouldYield() {
		s.Yield()
	}
}

// Synchronize stops the world: it returns once every joined goroutine
// is parked. The caller must not be joined.
func (s *Set) Synchronize() {
	s.pauseMu.Lock()
	start := time.Now()
	s.mu.Lock()
	s.requested.Store(true)
	for s.yielded < s.joined {
		s.cond.Wait()
	}
	s.mu.Unlock()
	s.pauses.Add(1)
	s.syncNanos.Add(int64(time.Since(start)))
}

// Desynchronize ends the pause started by Synchronize.
func (s *Set) Desynchronize() {
	s.mu.Lock()
	s.requested.Store(false)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.pauseMu.Unlock()
}

// Pause runs fn with the world stopped and returns how long fn took.
func (s *Set) Pause(fn func()) time.Duration {
	s.Synchronize()
	defer s.Desynchronize()
	start := time.Now()
	fn()
	return time.Since(start)
}

// Joined returns the number of joined goroutines.
func (s *Set) Joined() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Pauses returns the number of completed Synchronize calls and the total
// time they spent waiting for goroutines to park.
func (s *Set) Pauses() (int64, time.Duration) {
	return s.pauses.Load(), time.Duration(s.syncNanos.Load())
}
