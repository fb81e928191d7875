// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

import (
	"math/rand/v2"

	"regionmark/heap"
)

// A QueueSet is the set of queues of all workers, indexed by worker ID.
type QueueSet struct {
	queues []*Queue
}

// NewQueueSet returns n queues, each with the given capacity.
func NewQueueSet(n, capacity int) *QueueSet {
	qs := &QueueSet{queues: make([]*Queue, n)}
	for i := range qs.queues {
		qs.queues[i] = NewQueue(capacity)
	}
	return qs
}

func (qs *QueueSet) Len() int {
	return len(qs.queues)
}

// Queue returns worker i's queue.
func (qs *QueueSet) Queue(i int) *Queue {
	return qs.queues[i]
}

// Steal tries to take an entry from a queue other than worker's own. It
// picks two random victims and steals from the fuller one, giving up
// after 2*n attempts.
func (qs *QueueSet) Steal(worker int, rnd *rand.Rand) (heap.Addr, bool) {
	n := len(qs.queues)
	if n < 2 {
		return heap.Null, false
	}
	victim := func() int {
		v := rnd.IntN(n - 1)
		if v >= worker {
			v++
		}
		return v
	}
	for range 2 * n {
		v := victim()
		if n > 2 {
			if v2 := victim(); qs.queues[v2].Size() > qs.queues[v].Size() {
				v = v2
			}
		}
		if a, ok := qs.queues[v].Steal(); ok {
			return a, true
		}
	}
	return heap.Null, false
}

// PeekAny reports whether any queue appears non-empty.
func (qs *QueueSet) PeekAny() bool {
	for _, q := range qs.queues {
		if !q.IsEmpty() {
			return true
		}
	}
	return false
}

// SetEmpty empties every queue. No worker may be using them.
func (qs *QueueSet) SetEmpty() {
	for _, q := range qs.queues {
		q.SetEmpty()
	}
}
