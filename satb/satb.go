// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package satb implements snapshot-at-the-beginning write barrier
// buffers.
//
// While marking is active, every reference store first records the value
// it overwrites. Those values are all reachable from the heap as it was
// when marking started, so marking treats them as extra roots. Each
// mutator records into its own Queue; full buffers move to the shared
// QueueSet, where marking workers pick them up.
package satb

import (
	"sync"
	"sync/atomic"

	"regionmark/heap"
)

// DefaultBufferSize is the number of entries in a thread-local buffer.
const DefaultBufferSize = 1024

// A QueueSet collects completed buffers from every registered Queue.
type QueueSet struct {
	active atomic.Bool

	bufSize   int
	threshold int
	pool      sync.Pool

	mu         sync.Mutex
	completed  [][]heap.Addr
	nCompleted atomic.Int32
	queues     map[*Queue]struct{}
}

// NewQueueSet returns an inactive queue set whose thread-local buffers
// hold bufSize entries. Marking considers completed buffers worth
// processing once there are more than threshold of them.
func NewQueueSet(bufSize, threshold int) *QueueSet {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	qs := &QueueSet{
		bufSize:   bufSize,
		threshold: threshold,
		queues:    make(map[*Queue]struct{}),
	}
	qs.pool.New = func() any {
		return make([]heap.Addr, 0, qs.bufSize)
	}
	return qs
}

// SetActive arms or disarms the barrier. Pause only.
func (qs *QueueSet) SetActive(active bool) {
	qs.active.Store(active)
}

// IsActive reports whether stores must record overwritten values.
func (qs *QueueSet) IsActive() bool {
	return qs.active.Load()
}

// Register returns a new thread-local queue.
func (qs *QueueSet) Register() *Queue {
	q := &Queue{set: qs}
	qs.mu.Lock()
	qs.queues[q] = struct{}{}
	qs.mu.Unlock()
	return q
}

// Unregister flushes q and removes it from the set.
func (qs *QueueSet) Unregister(q *Queue) {
	q.Flush()
	qs.mu.Lock()
	delete(qs.queues, q)
	qs.mu.Unlock()
}

// CompletedCount returns the number of buffers waiting to be processed.
func (qs *QueueSet) CompletedCount() int {
	return int(qs.nCompleted.Load())
}

// ProcessCompletedThreshold reports whether enough completed buffers
// have accumulated that marking should stop and process them.
func (qs *QueueSet) ProcessCompletedThreshold() bool {
	return qs.CompletedCount() > qs.threshold
}

func (qs *QueueSet) enqueueCompleted(buf []heap.Addr) {
	if len(buf) == 0 {
		qs.pool.Put(buf[:0])
		return
	}
	qs.mu.Lock()
	qs.completed = append(qs.completed, buf)
	qs.nCompleted.Add(1)
	qs.mu.Unlock()
}

// ApplyToCompletedBuffer removes one completed buffer and calls fn on
// each of its entries. It reports false if there was none.
func (qs *QueueSet) ApplyToCompletedBuffer(fn func(heap.Addr)) bool {
	qs.mu.Lock()
	n := len(qs.completed)
	if n == 0 {
		qs.mu.Unlock()
		return false
	}
	buf := qs.completed[n-1]
	qs.completed[n-1] = nil
	qs.completed = qs.completed[:n-1]
	qs.nCompleted.Add(-1)
	qs.mu.Unlock()

	for _, ref := range buf {
		fn(ref)
	}
	qs.pool.Put(buf[:0])
	return true
}

// FlushAll moves every registered queue's partial buffer to the
// completed list. Pause only: the queues' owners must be stopped.
func (qs *QueueSet) FlushAll() {
	qs.mu.Lock()
	queues := make([]*Queue, 0, len(qs.queues))
	for q := range qs.queues {
		queues = append(queues, q)
	}
	qs.mu.Unlock()
	for _, q := range queues {
		q.Flush()
	}
}

// Abandon drops every buffered entry, completed or partial. Pause only.
func (qs *QueueSet) Abandon() {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	for _, buf := range qs.completed {
		qs.pool.Put(buf[:0])
	}
	qs.completed = nil
	qs.nCompleted.Store(0)
	for q := range qs.queues {
		q.buf = q.buf[:0]
	}
}

// A Queue is one mutator's SATB buffer. It must not be used
// concurrently, except that FlushAll and Abandon may touch it while its
// owner is stopped.
type Queue struct {
	set *QueueSet
	buf []heap.Addr
}

// Enqueue records ref. When the buffer fills up it is handed to the
// queue set.
func (q *Queue) Enqueue(ref heap.Addr) {
	if q.buf == nil {
		q.buf = q.set.pool.Get().([]heap.Addr)
	}
	q.buf = append(q.buf, ref)
	if len(q.buf) >= q.set.bufSize {
		q.set.enqueueCompleted(q.buf)
		q.buf = nil
	}
}

// Len returns the number of entries in q's partial buffer.
func (q *Queue) Len() int {
	return len(q.buf)
}

// Flush hands the partial buffer to the queue set.
func (q *Queue) Flush() {
	if len(q.buf) == 0 {
		return
	}
	q.set.enqueueCompleted(q.buf)
	q.buf = nil
}
