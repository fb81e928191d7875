// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package oracle computes heap reachability independently of marking,
// for checking marking results.
//
// A Graph is a snapshot of the heap's object graph in the form of a
// go-moremath graph.Graph, with one node per object.
package oracle

import (
	"fmt"
	"io"
	"strings"

	"github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/aclements/go-moremath/graph/graphout"

	"regionmark/bitmap"
	"regionmark/heap"
	"regionmark/roots"
)

// A Graph is the object graph of a heap at one instant.
type Graph struct {
	h *heap.Heap

	// Objs maps node IDs to object addresses, in address order.
	Objs  []heap.Addr
	index map[heap.Addr]int

	out [][]int
	// referent is the node a weak or soft reference object refers to,
	// or -1. That edge also appears in out.
	referent []int
	roots    []int

	// Dangling holds the slots whose references do not point to the
	// start of any object, such as into a freed region.
	Dangling []DanglingRef
}

// A DanglingRef is a slot of node Owner that refers to no object.
// Garbage may legitimately hold these after its target region is
// reclaimed; reachable objects never should.
type DanglingRef struct {
	Slot  heap.Addr
	Owner int
}

var _ graph.Graph = (*Graph)(nil)

// Snapshot records every object in h's non-free regions and the edges
// between them. The heap must not change while Snapshot runs.
func Snapshot(h *heap.Heap, rs roots.Scanner) *Graph {
	g := &Graph{h: h, index: make(map[heap.Addr]int)}
	add := func(obj heap.Addr) {
		g.index[obj] = len(g.Objs)
		g.Objs = append(g.Objs, obj)
	}
	for r := range h.Regions().All() {
		switch {
		case r.IsFree(), r.IsContinuesHumongous():
		case r.IsStartsHumongous():
			if r.Top() > r.Bottom() {
				add(r.Bottom())
			}
		default:
			for obj := range h.Objects(r.Bottom(), r.Top()) {
				add(obj)
			}
		}
	}

	g.out = make([][]int, len(g.Objs))
	g.referent = make([]int, len(g.Objs))
	for i, obj := range g.Objs {
		g.referent[i] = -1
		isRef := h.Header(obj).Kind().IsReference()
		first := true
		for slot, ref := range h.Refs(obj) {
			if j, ok := g.index[ref]; ok {
				g.out[i] = append(g.out[i], j)
				if isRef && first {
					g.referent[i] = j
				}
			} else if ref != heap.Null {
				g.Dangling = append(g.Dangling, DanglingRef{slot, i})
			}
			first = false
		}
	}
	if rs != nil {
		rs.ScanRoots(func(ref heap.Addr) {
			if i, ok := g.index[ref]; ok {
				g.roots = append(g.roots, i)
			}
		})
	}
	return g
}

func (g *Graph) NumNodes() int      { return len(g.Objs) }
func (g *Graph) Out(i int) []int    { return g.out[i] }
func (g *Graph) Roots() []int       { return g.roots }
func (g *Graph) Heap() *heap.Heap   { return g.h }
func (g *Graph) Referent(i int) int { return g.referent[i] }

// Node returns the node ID of the object at obj.
func (g *Graph) Node(obj heap.Addr) (int, bool) {
	i, ok := g.index[obj]
	return i, ok
}

// Label describes node i.
func (g *Graph) Label(i int) string {
	obj := g.Objs[i]
	return fmt.Sprintf("%s %s", g.h.Header(obj).Kind(), obj)
}

// Reachable returns the nodes reachable from the roots. The referents
// of weak references are only reachable through other paths. So are
// those of soft references if clearSoft is set.
func (g *Graph) Reachable(clearSoft bool) bitmap.Set[uint64] {
	marks := bitmap.NewSet(uint64(len(g.Objs)))
	stack := make([]int, 0, len(g.roots))
	for _, r := range g.roots {
		if !marks.Has(uint64(r)) {
			marks.Add(uint64(r))
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		skip := -1
		if ref := g.referent[n]; ref >= 0 {
			kind := g.h.Header(g.Objs[n]).Kind()
			if kind == heap.KindWeakRef || clearSoft {
				skip = ref
			}
		}
		for _, succ := range g.out[n] {
			if succ == skip {
				continue
			}
			if !marks.Has(uint64(succ)) {
				marks.Add(uint64(succ))
				stack = append(stack, succ)
			}
		}
	}
	return marks
}

// ReachableDangling returns the dangling slots of the nodes in marks.
func (g *Graph) ReachableDangling(marks bitmap.Set[uint64]) []heap.Addr {
	var slots []heap.Addr
	for _, d := range g.Dangling {
		if marks.Has(uint64(d.Owner)) {
			slots = append(slots, d.Slot)
		}
	}
	return slots
}

// Cycles returns the number of strongly connected components with more
// than one object.
func (g *Graph) Cycles() int {
	scc := graphalg.SCC(g, 0)
	n := 0
	for cid := 0; cid < scc.NumNodes(); cid++ {
		if len(scc.Subnodes(cid)) > 1 {
			n++
		}
	}
	return n
}

// A Diff lists the disagreements between a marking result and the
// oracle.
type Diff struct {
	// Missing objects are reachable but not marked. Any missing object
	// means marking is unsound.
	Missing []heap.Addr
	// Extra objects are marked but not reachable. Marking from a
	// snapshot can legitimately retain some.
	Extra []heap.Addr
}

func (d Diff) Empty() bool {
	return len(d.Missing) == 0 && len(d.Extra) == 0
}

func (d Diff) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d missing, %d extra", len(d.Missing), len(d.Extra))
	const maxShown = 8
	for _, list := range []struct {
		name  string
		addrs []heap.Addr
	}{{"missing", d.Missing}, {"extra", d.Extra}} {
		if len(list.addrs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "; %s:", list.name)
		for _, a := range list.addrs[:min(maxShown, len(list.addrs))] {
			fmt.Fprintf(&b, " %s", a)
		}
		if len(list.addrs) > maxShown {
			b.WriteString(" ...")
		}
	}
	return b.String()
}

// Compare checks isLive against the expected set of live nodes.
func (g *Graph) Compare(expected bitmap.Set[uint64], isLive func(heap.Addr) bool) Diff {
	var d Diff
	for i, obj := range g.Objs {
		want, got := expected.Has(uint64(i)), isLive(obj)
		switch {
		case want && !got:
			d.Missing = append(d.Missing, obj)
		case got && !want:
			d.Extra = append(d.Extra, obj)
		}
	}
	return d
}

// WriteDot writes g in Graphviz format. Live objects, as reported by
// isLive, are filled; weak and soft referent edges are dashed.
func (g *Graph) WriteDot(w io.Writer, isLive func(heap.Addr) bool) error {
	rootSet := make(map[int]bool, len(g.roots))
	for _, r := range g.roots {
		rootSet[r] = true
	}
	nodeAttrs := func(node int) []graphout.DotAttr {
		attrs := []graphout.DotAttr{{Name: "label", Val: g.Label(node)}}
		if isLive != nil && isLive(g.Objs[node]) {
			attrs = append(attrs, graphout.DotAttr{Name: "style", Val: "filled"})
		}
		if rootSet[node] {
			attrs = append(attrs, graphout.DotAttr{Name: "shape", Val: "box"})
		}
		return attrs
	}
	edgeAttrs := func(node, edge int) []graphout.DotAttr {
		if g.referent[node] >= 0 && edge == 0 {
			return []graphout.DotAttr{{Name: "style", Val: "dashed"}}
		}
		return nil
	}
	return graphout.Dot{Name: "heap", NodeAttrs: nodeAttrs, EdgeAttrs: edgeAttrs}.Fprint(w, g)
}
