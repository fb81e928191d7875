// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

import "sync"

// A Barrier is a reusable rendezvous point for a group of workers.
//
// Each round is a generation. The last of n arrivals starts the next
// generation and releases everyone waiting on the current one. Abort
// releases all waiters immediately and makes later arrivals return at
// once until Reset.
type Barrier struct {
	mu      sync.Mutex
	cond    sync.Cond
	arrived int
	gen     uint64
	aborted bool
}

func NewBarrier() *Barrier {
	b := &Barrier{}
	b.cond.L = &b.mu
	return b
}

// ArriveAndWait blocks until n workers, including the caller, have
// arrived in the current generation. It reports false if the barrier
// was aborted before the generation completed.
func (b *Barrier) ArriveAndWait(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted {
		return false
	}
	b.arrived++
	if b.arrived >= n {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		return true
	}
	gen := b.gen
	for gen == b.gen && !b.aborted {
		b.cond.Wait()
	}
	return gen != b.gen
}

// Abort releases every waiter.
func (b *Barrier) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Reset clears an abort and any partial arrivals. No worker may be
// waiting.
func (b *Barrier) Reset() {
	b.mu.Lock()
	b.aborted = false
	b.arrived = 0
	b.mu.Unlock()
}

// Aborted reports whether the barrier has been aborted since the last
// Reset.
func (b *Barrier) Aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}
