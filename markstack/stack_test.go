// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package markstack

import (
	"slices"
	"sync"
	"testing"

	"regionmark/heap"
)

func ref(i int) heap.Addr {
	return heap.Base.PlusWords(heap.Words(i))
}

func TestPushPop(t *testing.T) {
	s := New(4, 16)
	for i := range 4 {
		if !s.Push(ref(i)) {
			t.Fatalf("Push %d failed on a non-full stack", i)
		}
	}
	if s.HasOverflown() {
		t.Fatalf("overflow set before the stack was full")
	}
	if s.Push(ref(4)) {
		t.Fatalf("Push on a full stack succeeded")
	}
	if !s.HasOverflown() || !s.ShouldExpand() {
		t.Fatalf("overflow not recorded")
	}
	for i := 3; i >= 0; i-- {
		got, ok := s.Pop()
		if !ok || got != ref(i) {
			t.Fatalf("Pop = %s, %v, want %s", got, ok, ref(i))
		}
	}
	if _, ok := s.Pop(); ok {
		t.Fatalf("Pop on an empty stack succeeded")
	}
	// Overflow is sticky until cleared.
	if !s.HasOverflown() {
		t.Fatalf("overflow flag cleared by popping")
	}
	s.ClearOverflow()
	if s.HasOverflown() {
		t.Fatalf("ClearOverflow did not clear")
	}
}

func TestBulk(t *testing.T) {
	s := New(8, 8)
	if !s.ParPushBulk([]heap.Addr{ref(1), ref(2), ref(3)}) {
		t.Fatalf("ParPushBulk failed on an empty stack")
	}
	if s.ParPushBulk(make([]heap.Addr, 6)) {
		t.Fatalf("ParPushBulk of 6 into 5 free slots succeeded")
	}
	if s.Len() != 3 {
		t.Fatalf("partial bulk push changed Len to %d", s.Len())
	}
	dst := make([]heap.Addr, 2)
	if n := s.ParPopBulk(dst); n != 2 || dst[0] != ref(2) || dst[1] != ref(3) {
		t.Fatalf("ParPopBulk = %d %v", n, dst)
	}
	if n := s.ParPopBulk(dst); n != 1 || dst[0] != ref(1) {
		t.Fatalf("second ParPopBulk = %d %v", n, dst)
	}
	if n := s.ParPopBulk(dst); n != 0 {
		t.Fatalf("ParPopBulk on empty stack = %d", n)
	}
}

func TestExpand(t *testing.T) {
	s := New(2, 6)
	if s.Expand() {
		t.Fatalf("expanded without overflow")
	}
	s.Push(ref(0))
	s.Push(ref(1))
	s.Push(ref(2))
	s.SetEmpty()
	if !s.Expand() || s.Capacity() != 4 {
		t.Fatalf("first expansion: capacity %d, want 4", s.Capacity())
	}
	if s.ShouldExpand() {
		t.Fatalf("ShouldExpand still set after expanding")
	}
	for i := range 5 {
		s.Push(ref(i))
	}
	s.SetEmpty()
	if !s.Expand() || s.Capacity() != 6 {
		t.Fatalf("second expansion: capacity %d, want max 6", s.Capacity())
	}
	for i := range 7 {
		s.Push(ref(i))
	}
	s.SetEmpty()
	if s.Expand() || s.Capacity() != 6 {
		t.Fatalf("expanded past max: capacity %d", s.Capacity())
	}

	s.Push(ref(0))
	defer func() {
		if recover() == nil {
			t.Fatalf("expanding a non-empty stack did not panic")
		}
	}()
	s.Expand()
}

func TestDrain(t *testing.T) {
	s := New(16, 16)
	for i := range 10 {
		s.Push(ref(i))
	}
	var seen []heap.Addr
	done := s.Drain(func(a heap.Addr) { seen = append(seen, a) }, func() bool { return len(seen) == 4 })
	if done || len(seen) != 4 || s.Len() != 6 {
		t.Fatalf("yielded Drain: done %v, saw %d, %d left", done, len(seen), s.Len())
	}
	// fn may push more work.
	pushed := false
	done = s.Drain(func(a heap.Addr) {
		seen = append(seen, a)
		if !pushed {
			pushed = true
			s.Push(ref(100))
		}
	}, nil)
	if !done || len(seen) != 11 || !s.IsEmpty() {
		t.Fatalf("full Drain: done %v, saw %d, empty %v", done, len(seen), s.IsEmpty())
	}
}

// TestConcurrentPush checks that concurrent pushers never lose or
// duplicate an entry that was reported as pushed, and that dropped
// entries are exactly the ones reported as dropped.
func TestConcurrentPush(t *testing.T) {
	const (
		pushers  = 8
		each     = 1000
		capacity = pushers * each / 2
	)
	s := New(capacity, capacity)
	var wg sync.WaitGroup
	accepted := make([][]heap.Addr, pushers)
	for p := range pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				a := ref(p*each + i)
				if i%3 == 0 {
					if s.ParPushBulk([]heap.Addr{a}) {
						accepted[p] = append(accepted[p], a)
					}
				} else if s.ParPush(a) {
					accepted[p] = append(accepted[p], a)
				}
			}
		}()
	}
	wg.Wait()

	var want []heap.Addr
	for _, acc := range accepted {
		want = append(want, acc...)
	}
	if len(want) != capacity {
		t.Fatalf("%d pushes accepted, want exactly capacity %d", len(want), capacity)
	}
	if !s.HasOverflown() {
		t.Fatalf("overflow not set after exceeding capacity")
	}
	got := make([]heap.Addr, s.Len())
	if n := s.ParPopBulk(got); n != capacity {
		t.Fatalf("popped %d, want %d", n, capacity)
	}
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("stack contents differ from accepted pushes")
	}
}

// TestConcurrentPushPop interleaves pushers with a bulk popper.
func TestConcurrentPushPop(t *testing.T) {
	const (
		pushers = 4
		each    = 5000
	)
	s := New(1<<16, 1<<16)
	var wg sync.WaitGroup
	for p := range pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				if !s.ParPush(ref(p*each + i)) {
					t.Errorf("ParPush dropped with ample capacity")
					return
				}
			}
		}()
	}
	seen := make(map[heap.Addr]bool)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	buf := make([]heap.Addr, 64)
	collect := func() {
		n := s.ParPopBulk(buf)
		for _, a := range buf[:n] {
			if seen[a] {
				t.Errorf("popped %s twice", a)
			}
			seen[a] = true
		}
	}
loop:
	for {
		select {
		case <-done:
			break loop
		default:
			collect()
		}
	}
	for !s.IsEmpty() {
		collect()
	}
	if len(seen) != pushers*each {
		t.Fatalf("popped %d distinct entries, want %d", len(seen), pushers*each)
	}
}
