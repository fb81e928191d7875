// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// A Terminator decides when a group of workers sharing a QueueSet have
// all run out of work.
//
// A worker that finds nothing to do offers termination. It then waits
// until either every worker has offered, in which case all of them
// terminate, or new work appears, in which case it withdraws its offer
// and goes back to work. Once every worker has offered, no offer can be
// withdrawn.
type Terminator struct {
	queues *QueueSet

	n       atomic.Int32
	offered atomic.Int32
}

func NewTerminator(n int, queues *QueueSet) *Terminator {
	t := &Terminator{queues: queues}
	t.SetConcurrency(n)
	return t
}

// SetConcurrency sets the number of participating workers and resets
// the terminator. It must be called while no worker is offering.
func (t *Terminator) SetConcurrency(n int) {
	if n <= 0 || n > t.queues.Len() {
		panic(fmt.Sprintf("terminator concurrency %d out of range [1, %d]", n, t.queues.Len()))
	}
	t.n.Store(int32(n))
	t.Reset()
}

func (t *Terminator) Concurrency() int {
	return int(t.n.Load())
}

// Reset clears all offers.
func (t *Terminator) Reset() {
	t.offered.Store(0)
}

// Terminated reports whether every worker has offered termination.
func (t *Terminator) Terminated() bool {
	return t.offered.Load() == t.n.Load()
}

const (
	terminatorSpins = 1 << 10
	terminatorSleep = 10 * time.Microsecond
)

// OfferTermination offers termination on behalf of one worker and
// reports whether all workers terminated. It returns false if work
// appeared in the queue set or exit returned true, after withdrawing the
// offer. exit may be nil.
func (t *Terminator) OfferTermination(exit func() bool) bool {
	n := t.n.Load()
	if got := t.offered.Add(1); got > n {
		panic(fmt.Sprintf("%d termination offers with concurrency %d", got, n))
	} else if got == n {
		return true
	}
	for spins := 0; ; spins++ {
		if t.offered.Load() == n {
			return true
		}
		if t.queues.PeekAny() || (exit != nil && exit()) {
			if t.withdraw(n) {
				return false
			}
			return true
		}
		if spins < terminatorSpins {
			runtime.Gosched()
		} else {
			time.Sleep(terminatorSleep)
		}
	}
}

// withdraw takes back one offer unless every worker has already
// offered. It reports whether it withdrew.
func (t *Terminator) withdraw(n int32) bool {
	for {
		c := t.offered.Load()
		if c == n {
			return false
		}
		if t.offered.CompareAndSwap(c, c-1) {
			return true
		}
	}
}
