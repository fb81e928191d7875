// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"regionmark/heap"
)

func ref(i int) heap.Addr {
	return heap.Base.PlusWords(heap.Words(i))
}

func TestQueueOwner(t *testing.T) {
	q := NewQueue(4)
	for i := range 4 {
		if !q.Push(ref(i)) {
			t.Fatalf("Push %d failed", i)
		}
	}
	if q.Push(ref(4)) {
		t.Fatalf("Push on a full queue succeeded")
	}
	if a, ok := q.Steal(); !ok || a != ref(0) {
		t.Fatalf("Steal = %s, %v, want oldest %s", a, ok, ref(0))
	}
	// Stealing made room, including across the wrap-around.
	if !q.Push(ref(4)) {
		t.Fatalf("Push after Steal failed")
	}
	for _, want := range []int{4, 3, 2, 1} {
		if a, ok := q.Pop(); !ok || a != ref(want) {
			t.Fatalf("Pop = %s, %v, want %s", a, ok, ref(want))
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("Pop on empty queue succeeded")
	}
	if _, ok := q.Steal(); ok {
		t.Fatalf("Steal on empty queue succeeded")
	}
	if q.Size() != 0 {
		t.Fatalf("Size of empty queue = %d", q.Size())
	}
}

func TestQueueBadCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("NewQueue(3) did not panic")
		}
	}()
	NewQueue(3)
}

// TestQueueStealRace has the owner push and pop while thieves steal,
// and checks every pushed entry is taken exactly once.
func TestQueueStealRace(t *testing.T) {
	const (
		n       = 50000
		thieves = 4
	)
	q := NewQueue(256)
	taken := make([]atomic.Int32, n)
	var wg sync.WaitGroup
	var done atomic.Bool
	for range thieves {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() || !q.IsEmpty() {
				if a, ok := q.Steal(); ok {
					taken[a.Minus(heap.Base).Words()].Add(1)
				}
			}
		}()
	}
	rnd := rand.New(rand.NewPCG(1, 2))
	for i := range n {
		for !q.Push(ref(i)) {
			if a, ok := q.Pop(); ok {
				taken[a.Minus(heap.Base).Words()].Add(1)
			}
		}
		if rnd.IntN(3) == 0 {
			if a, ok := q.Pop(); ok {
				taken[a.Minus(heap.Base).Words()].Add(1)
			}
		}
	}
	for {
		a, ok := q.Pop()
		if !ok {
			break
		}
		taken[a.Minus(heap.Base).Words()].Add(1)
	}
	done.Store(true)
	wg.Wait()
	for i := range taken {
		if got := taken[i].Load(); got != 1 {
			t.Fatalf("entry %d taken %d times", i, got)
		}
	}
}

func TestQueueSetSteal(t *testing.T) {
	qs := NewQueueSet(3, 8)
	rnd := rand.New(rand.NewPCG(3, 4))
	if _, ok := qs.Steal(0, rnd); ok {
		t.Fatalf("stole from empty queues")
	}
	qs.Queue(0).Push(ref(1))
	if _, ok := qs.Steal(0, rnd); ok {
		t.Fatalf("worker 0 stole from itself")
	}
	qs.Queue(2).Push(ref(2))
	if !qs.PeekAny() {
		t.Fatalf("PeekAny = false with work queued")
	}
	if a, ok := qs.Steal(0, rnd); !ok || a != ref(2) {
		t.Fatalf("Steal = %s, %v, want %s", a, ok, ref(2))
	}
	qs.SetEmpty()
	if qs.PeekAny() {
		t.Fatalf("PeekAny = true after SetEmpty")
	}
	single := NewQueueSet(1, 8)
	single.Queue(0).Push(ref(1))
	if _, ok := single.Steal(0, rnd); ok {
		t.Fatalf("stole with a single worker")
	}
}

func TestTerminatorAllOffer(t *testing.T) {
	const n = 4
	qs := NewQueueSet(n, 8)
	term := NewTerminator(n, qs)
	var wg sync.WaitGroup
	var terminated atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if term.OfferTermination(nil) {
				terminated.Add(1)
			}
		}()
	}
	wg.Wait()
	if terminated.Load() != n || !term.Terminated() {
		t.Fatalf("%d of %d workers terminated", terminated.Load(), n)
	}
}

func TestTerminatorWithdraw(t *testing.T) {
	qs := NewQueueSet(2, 8)
	term := NewTerminator(2, qs)
	result := make(chan bool)
	go func() {
		result <- term.OfferTermination(nil)
	}()
	// Give the offer time to register, then inject work.
	for term.offered.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	qs.Queue(1).Push(ref(1))
	if <-result {
		t.Fatalf("terminated despite queued work")
	}
	if term.offered.Load() != 0 {
		t.Fatalf("offer not withdrawn")
	}
	qs.SetEmpty()

	go func() {
		result <- term.OfferTermination(func() bool { return false })
	}()
	if !term.OfferTermination(nil) {
		t.Fatalf("second worker did not terminate")
	}
	if !<-result {
		t.Fatalf("first worker did not terminate")
	}
}

func TestTerminatorTooManyOffers(t *testing.T) {
	qs := NewQueueSet(2, 8)
	term := NewTerminator(1, qs)
	if !term.OfferTermination(nil) {
		t.Fatalf("single worker did not terminate")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("extra offer did not panic")
		}
	}()
	term.OfferTermination(nil)
}

func TestBarrier(t *testing.T) {
	const n = 5
	b := NewBarrier()
	var phase atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := range 3 {
				phase.Add(1)
				if !b.ArriveAndWait(n) {
					t.Errorf("barrier aborted")
					return
				}
				if got := int(phase.Load()); got < (round+1)*n {
					t.Errorf("left round %d with only %d arrivals", round, got)
				}
			}
		}()
	}
	wg.Wait()
}

func TestBarrierAbort(t *testing.T) {
	b := NewBarrier()
	result := make(chan bool)
	go func() {
		result <- b.ArriveAndWait(2)
	}()
	for {
		b.mu.Lock()
		arrived := b.arrived
		b.mu.Unlock()
		if arrived == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	b.Abort()
	if <-result {
		t.Fatalf("aborted wait reported success")
	}
	if b.ArriveAndWait(1) {
		t.Fatalf("arrival after abort reported success")
	}
	b.Reset()
	if !b.ArriveAndWait(1) {
		t.Fatalf("barrier unusable after Reset")
	}
}
