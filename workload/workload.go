// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package workload builds synthetic object graphs and mutates them
// concurrently with marking.
//
// Every builder keeps the objects it creates reachable from the root set
// while it works, so a marking cycle may run at any time.
package workload

import (
	"context"
	"fmt"
	"math/rand/v2"

	"regionmark/heap"
	"regionmark/mutator"
	"regionmark/roots"
)

// A Builder allocates graphs through M and roots them in Roots.
type Builder struct {
	M     *mutator.Mutator
	Roots *roots.Set
}

func (b *Builder) alloc(s heap.Shape) (heap.Addr, error) {
	obj, err := b.M.Alloc(s)
	if err != nil {
		return heap.Null, fmt.Errorf("workload: allocating %d words: %w", s.Size(), err)
	}
	return obj, nil
}

// Chain builds n objects, each pointing to the next, and roots the
// first. It returns the objects in chain order.
func (b *Builder) Chain(n int) ([]heap.Addr, error) {
	objs := make([]heap.Addr, 0, n)
	for i := range n {
		obj, err := b.alloc(heap.ObjectShape(1, 1))
		if err != nil {
			return objs, err
		}
		b.M.StoreData(obj, 0, uint64(i))
		if i == 0 {
			b.Roots.Add(obj)
		} else {
			b.M.StoreRef(objs[i-1], 0, obj)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// Cycle is Chain with the last object pointing back to the first.
func (b *Builder) Cycle(n int) ([]heap.Addr, error) {
	objs, err := b.Chain(n)
	if err != nil || n == 0 {
		return objs, err
	}
	b.M.StoreRef(objs[n-1], 0, objs[0])
	return objs, nil
}

// Tree builds a complete tree of the given depth in which every inner
// node has fanout children, and roots its root. A tree of depth 1 is a
// single node. It returns the nodes in breadth-first order.
func (b *Builder) Tree(depth, fanout int) ([]heap.Addr, error) {
	if depth <= 0 {
		return nil, nil
	}
	root, err := b.alloc(heap.RefArrayShape(fanout))
	if err != nil {
		return nil, err
	}
	b.Roots.Add(root)
	objs := []heap.Addr{root}
	level := objs
	for d := 1; d < depth; d++ {
		var next []heap.Addr
		for _, parent := range level {
			for i := range fanout {
				child, err := b.alloc(heap.RefArrayShape(fanout))
				if err != nil {
					return objs, err
				}
				b.M.StoreRef(parent, i, child)
				next = append(next, child)
			}
		}
		objs = append(objs, next...)
		level = next
	}
	return objs, nil
}

// Humongous allocates a primitive array of n words and roots it. With
// n large enough, the array spans several regions.
func (b *Builder) Humongous(n int) (heap.Addr, error) {
	obj, err := b.alloc(heap.PrimArrayShape(n))
	if err != nil {
		return heap.Null, err
	}
	b.Roots.Add(obj)
	return obj, nil
}

// Garbage allocates n objects that nothing refers to.
func (b *Builder) Garbage(n int) error {
	for range n {
		if _, err := b.alloc(heap.ObjectShape(1, 2)); err != nil {
			return err
		}
	}
	return nil
}

// randomShape picks a mostly small object shape.
func randomShape(rnd *rand.Rand) heap.Shape {
	switch rnd.IntN(32) {
	case 0:
		return heap.WeakRefShape()
	case 1:
		return heap.SoftRefShape()
	case 2, 3:
		return heap.PrimArrayShape(rnd.IntN(64))
	case 4:
		return heap.RefArrayShape(rnd.IntN(16))
	}
	return heap.ObjectShape(rnd.IntN(5), rnd.IntN(4))
}

// Random builds n objects of random shapes and fills their reference
// fields with random edges, leaving each field null with probability
// 1-density. It roots nRoots of them and returns all n; objects not
// reachable from those roots are garbage.
func (b *Builder) Random(rnd *rand.Rand, n, nRoots int, density float64) ([]heap.Addr, error) {
	// Hold everything in temporary roots until the edges are in.
	objs := make([]heap.Addr, 0, n)
	handles := make([]roots.Handle, 0, n)
	defer func() {
		for _, h := range handles {
			b.Roots.Remove(h)
		}
	}()
	for range n {
		obj, err := b.alloc(randomShape(rnd))
		if err != nil {
			return objs, err
		}
		objs = append(objs, obj)
		handles = append(handles, b.Roots.Add(obj))
	}
	h := b.M.Heap()
	for _, obj := range objs {
		for i := range h.Header(obj).NumRefs() {
			if n > 0 && rnd.Float64() < density {
				b.M.StoreRef(obj, i, objs[rnd.IntN(n)])
			}
		}
	}
	for _, i := range rnd.Perm(n)[:min(nRoots, n)] {
		b.Roots.Add(objs[i])
	}
	return objs, nil
}

// Anchors allocates n rooted objects with fields reference fields each,
// for Churn to mutate.
func (b *Builder) Anchors(n, fields int) ([]heap.Addr, error) {
	objs := make([]heap.Addr, 0, n)
	for range n {
		obj, err := b.alloc(heap.RefArrayShape(fields))
		if err != nil {
			return objs, err
		}
		b.Roots.Add(obj)
		objs = append(objs, obj)
	}
	return objs, nil
}

// ChurnStats counts what Churn did.
type ChurnStats struct {
	Ops        int
	Allocs     int
	Stores     int
	Drops      int
	WeakLoads  int
	DeepStores int
}

// Churn mutates the graph hanging off anchors until ctx is done or maxOps
// operations have run (maxOps <= 0 means no limit). Each operation
// allocates an object and stores it into an anchor, or into an object an
// anchor points to, overwriting whatever was there. Anchors must be
// rooted.
func (b *Builder) Churn(ctx context.Context, rnd *rand.Rand, anchors []heap.Addr, maxOps int) (ChurnStats, error) {
	var st ChurnStats
	if len(anchors) == 0 {
		return st, nil
	}
	h := b.M.Heap()
	for maxOps <= 0 || st.Ops < maxOps {
		if st.Ops%64 == 0 {
			if err := ctx.Err(); err != nil {
				return st, nil
			}
		}
		st.Ops++

		// Allocate first: it may park for a pause, and nothing loaded
		// below may be held across one.
		obj, err := b.alloc(randomShape(rnd))
		if err != nil {
			return st, err
		}
		st.Allocs++

		a := anchors[rnd.IntN(len(anchors))]
		nrefs := h.Header(a).NumRefs()
		if nrefs == 0 {
			continue
		}
		f := rnd.IntN(nrefs)
		switch rnd.IntN(8) {
		case 0:
			b.M.StoreRef(a, f, heap.Null)
			st.Drops++
		case 1, 2:
			child := b.M.LoadRef(a, f)
			if child == heap.Null {
				b.M.StoreRef(a, f, obj)
				st.Stores++
				break
			}
			hdr := h.Header(child)
			if hdr.Kind().IsReference() {
				if b.M.LoadReferent(child) != heap.Null {
					st.WeakLoads++
				}
				b.M.StoreRef(child, 0, obj)
			} else if n := hdr.NumRefs(); n > 0 {
				b.M.StoreRef(child, rnd.IntN(n), obj)
			} else {
				b.M.StoreRef(a, f, obj)
			}
			st.DeepStores++
		default:
			b.M.StoreRef(a, f, obj)
			st.Stores++
		}
	}
	return st, nil
}
