// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"regionmark/heap"
	"regionmark/oracle"
	"regionmark/remset"
	"regionmark/roots"
	"regionmark/workload"
)

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.StepTarget = time.Millisecond
	cfg.MarkStackSize = 1 << 10
	cfg.MarkStackMaxSize = 1 << 16
	cfg.QueueSize = 1 << 10
	cfg.StatsCacheSize = 64
	return cfg
}

type testEnv struct {
	t     testing.TB
	h     *heap.Heap
	cm    *ConcurrentMark
	roots *roots.Set
	alloc *heap.AllocContext
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	h, err := heap.New(heap.Config{Capacity: 8 * heap.MiB, RegionBytes: 16 * heap.KiB})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	rs := new(roots.Set)
	return &testEnv{
		t:     t,
		h:     h,
		cm:    New(h, rs, cfg),
		roots: rs,
		alloc: h.NewAllocContext(heap.RegionOld),
	}
}

func (e *testEnv) new(s heap.Shape) heap.Addr {
	e.t.Helper()
	obj, err := e.alloc.Alloc(s)
	if err != nil {
		e.t.Fatal(err)
	}
	return obj
}

// chain builds n linked objects and roots the first.
func (e *testEnv) chain(n int) []heap.Addr {
	objs := make([]heap.Addr, n)
	for i := range objs {
		objs[i] = e.new(heap.ObjectShape(1, 1))
		if i > 0 {
			e.h.SetField(objs[i-1], 0, objs[i])
		}
	}
	if n > 0 {
		e.roots.Add(objs[0])
	}
	return objs
}

// random builds a random graph with the given seed.
func (e *testEnv) random(seed uint64, n int) []heap.Addr {
	rnd := rand.New(rand.NewPCG(seed, seed))
	objs := make([]heap.Addr, n)
	for i := range objs {
		objs[i] = e.new(heap.ObjectShape(rnd.IntN(4), rnd.IntN(3)))
	}
	for _, obj := range objs {
		for i := range e.h.Header(obj).NumRefs() {
			if rnd.IntN(3) != 0 {
				e.h.SetField(obj, i, objs[rnd.IntN(n)])
			}
		}
	}
	for range max(1, n/50) {
		e.roots.Add(objs[rnd.IntN(n)])
	}
	return objs
}

func (e *testEnv) cycle() CycleStats {
	e.t.Helper()
	st, err := e.cm.RunCycle(context.Background())
	if err != nil {
		e.t.Fatalf("RunCycle: %v", err)
	}
	return st
}

// checkOracle checks the completed bitmap against reachability in g,
// which must have been taken before the cycle.
func (e *testEnv) checkOracle(g *oracle.Graph, clearSoft bool) {
	e.t.Helper()
	if d := g.Compare(g.Reachable(clearSoft), e.cm.Completed().IsMarked); !d.Empty() {
		e.t.Errorf("marking disagrees with reachability: %s", d)
	}
}

func (e *testEnv) mustBeLive(objs ...heap.Addr) {
	e.t.Helper()
	for _, obj := range objs {
		if !e.cm.IsLive(obj) {
			e.t.Errorf("%s is not live", obj)
		}
	}
}

func TestBasic(t *testing.T) {
	e := newTestEnv(t, testConfig(2))
	a := e.new(heap.ObjectShape(1, 0))
	b := e.new(heap.ObjectShape(0, 2))
	garbage := e.new(heap.ObjectShape(1, 4))
	e.h.SetField(a, 0, b)
	e.h.SetField(garbage, 0, a)
	e.roots.Add(a)

	st := e.cycle()
	e.mustBeLive(a, b)
	if e.cm.Completed().IsMarked(garbage) {
		t.Errorf("unreachable %s marked", garbage)
	}
	if st.MarkedObjects != 2 {
		t.Errorf("marked %d objects, want 2", st.MarkedObjects)
	}
	want := (e.h.Size(a) + e.h.Size(b)).Bytes()
	r := e.h.Regions().Containing(a)
	if got := r.LiveBytes(); got != want {
		t.Errorf("region live bytes = %s, want %s", got, want)
	}
	if st.LiveBytes != want {
		t.Errorf("cycle live bytes = %s, want %s", st.LiveBytes, want)
	}
	if e.cm.Phase() != PhaseIdle {
		t.Errorf("phase after cycle = %s", e.cm.Phase())
	}
}

func TestCycleIsMarked(t *testing.T) {
	e := newTestEnv(t, testConfig(2))
	a := e.new(heap.ObjectShape(1, 0))
	b := e.new(heap.ObjectShape(1, 0))
	c := e.new(heap.ObjectShape(1, 0))
	d := e.new(heap.ObjectShape(1, 0))
	e.h.SetField(a, 0, b)
	e.h.SetField(b, 0, a)
	// An unreachable cycle.
	e.h.SetField(c, 0, d)
	e.h.SetField(d, 0, c)
	e.roots.Add(a)

	g := oracle.Snapshot(e.h, e.roots)
	st := e.cycle()
	e.checkOracle(g, false)
	if st.MarkedObjects != 2 {
		t.Errorf("marked %d objects, want 2", st.MarkedObjects)
	}
	if st.Tasks.ObjectsScanned < 2 {
		t.Errorf("scanned %d objects", st.Tasks.ObjectsScanned)
	}
}

func TestTermination(t *testing.T) {
	for _, n := range []int{0, 1, 10000} {
		t.Run(fmt.Sprintf("chain=%d", n), func(t *testing.T) {
			e := newTestEnv(t, testConfig(4))
			objs := e.chain(n)
			type result struct {
				st  CycleStats
				err error
			}
			done := make(chan result, 1)
			go func() {
				st, err := e.cm.RunCycle(context.Background())
				done <- result{st, err}
			}()
			select {
			case res := <-done:
				if res.err != nil {
					t.Fatal(res.err)
				}
				st := res.st
				if st.MarkedObjects != n {
					t.Errorf("marked %d objects, want %d", st.MarkedObjects, n)
				}
				e.mustBeLive(objs...)
			case <-time.After(time.Minute):
				t.Fatal("marking did not terminate")
			}
		})
	}
}

func TestWorkersAgree(t *testing.T) {
	build := map[string]func(e *testEnv){
		"chain":  func(e *testEnv) { e.chain(5000) },
		"random": func(e *testEnv) { e.random(1, 5000) },
		"tree": func(e *testEnv) {
			root := e.new(heap.RefArrayShape(64))
			e.roots.Add(root)
			for i := range 64 {
				mid := e.new(heap.RefArrayShape(32))
				e.h.SetField(root, i, mid)
				for j := range 32 {
					e.h.SetField(mid, j, e.new(heap.ObjectShape(0, 1)))
				}
			}
		},
	}
	for name, fn := range build {
		t.Run(name, func(t *testing.T) {
			e1 := newTestEnv(t, testConfig(1))
			e4 := newTestEnv(t, testConfig(4))
			fn(e1)
			fn(e4)
			s1, s4 := e1.cycle(), e4.cycle()

			// Heaps share a base address and allocation is
			// deterministic, so the bitmaps are comparable.
			if !e1.cm.Completed().Equal(e4.cm.Completed()) {
				t.Error("1 and 4 workers produced different bitmaps")
			}
			if s1.MarkedObjects != s4.MarkedObjects || s1.LiveBytes != s4.LiveBytes {
				t.Errorf("1 worker: %d objects, %s; 4 workers: %d objects, %s",
					s1.MarkedObjects, s1.LiveBytes, s4.MarkedObjects, s4.LiveBytes)
			}
			for i := range e1.h.Regions().Len() {
				l1 := e1.h.Regions().At(i).LiveBytes()
				l4 := e4.h.Regions().At(i).LiveBytes()
				if l1 != l4 {
					t.Errorf("region %d: live bytes %s with 1 worker, %s with 4", i, l1, l4)
				}
			}
		})
	}
}

func TestRandomMatchesOracle(t *testing.T) {
	for seed := range uint64(4) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			e := newTestEnv(t, testConfig(3))
			e.random(seed, 3000)
			g := oracle.Snapshot(e.h, e.roots)
			e.cycle()
			e.checkOracle(g, false)
		})
	}
}

func TestScannedEqualsMarked(t *testing.T) {
	// With one task and no overflow, every marked object is scanned
	// exactly once.
	cfg := testConfig(1)
	cfg.MarkStackSize = 1 << 14
	e := newTestEnv(t, cfg)
	e.random(7, 4000)
	e.new(heap.PrimArrayShape(100))
	arr := e.new(heap.PrimArrayShape(10))
	e.roots.Add(arr)

	st := e.cycle()
	if st.Overflows != 0 {
		t.Fatalf("%d overflows", st.Overflows)
	}
	if got := int(st.Tasks.ObjectsScanned); got != st.MarkedObjects {
		t.Errorf("scanned %d objects, marked %d", got, st.MarkedObjects)
	}
}

func TestForcedOverflow(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cfg := testConfig(workers)
			cfg.MarkStackSize = 1 << 14
			normal := newTestEnv(t, cfg)
			normal.random(3, 5000)
			normal.cycle()

			cfg.ForceOverflow = 3
			forced := newTestEnv(t, cfg)
			forced.random(3, 5000)
			g := oracle.Snapshot(forced.h, forced.roots)
			st := forced.cycle()

			// Several tasks can consume injected overflows in the same
			// round, which then restarts marking only once.
			if workers == 1 && st.Overflows != 3 {
				t.Errorf("%d overflows, want 3", st.Overflows)
			}
			if st.Overflows < 1 || st.Overflows > 3 {
				t.Errorf("%d overflows, want 1 to 3", st.Overflows)
			}
			if !normal.cm.Completed().Equal(forced.cm.Completed()) {
				t.Error("forced overflow changed the marking result")
			}
			forced.checkOracle(g, false)
		})
	}
}

func TestNaturalOverflow(t *testing.T) {
	// A wide array floods the local queue and the tiny global stack.
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cfg := testConfig(workers)
			cfg.QueueSize = 64
			cfg.MarkStackSize = 16
			cfg.MarkStackMaxSize = 1 << 14
			e := newTestEnv(t, cfg)
			// The leaves sit below the array, so scanning it pushes
			// every one of them.
			leaves := make([]heap.Addr, 1000)
			for i := range leaves {
				leaves[i] = e.new(heap.ObjectShape(1, 0))
			}
			arr := e.new(heap.RefArrayShape(len(leaves)))
			for i, leaf := range leaves {
				e.h.SetField(arr, i, leaf)
			}
			e.roots.Add(arr)

			g := oracle.Snapshot(e.h, e.roots)
			st := e.cycle()
			if st.Overflows == 0 {
				t.Error("global stack never overflowed")
			}
			if e.cm.MarkStack().Capacity() <= 16 {
				t.Errorf("mark stack did not expand: capacity %d", e.cm.MarkStack().Capacity())
			}
			e.checkOracle(g, false)
		})
	}
}

func TestRemarkOverflowRestarts(t *testing.T) {
	for _, serial := range []bool{false, true} {
		t.Run(fmt.Sprintf("serial=%v", serial), func(t *testing.T) {
			cfg := testConfig(2)
			cfg.SerialRemark = serial
			cfg.QueueSize = 64
			cfg.MarkStackSize = 16
			cfg.MarkStackMaxSize = 1 << 14
			// Keep SATB entries out of concurrent marking.
			cfg.SATBBufferSize = 1 << 14
			e := newTestEnv(t, cfg)

			m := e.cm.NewMutator(heap.RegionOld)
			defer m.Close()
			arr, err := m.Alloc(heap.RefArrayShape(1000))
			if err != nil {
				t.Fatal(err)
			}
			e.roots.Add(arr)
			leaves := make([]heap.Addr, 1000)
			for i := range leaves {
				if leaves[i], err = m.Alloc(heap.ObjectShape(0, 1)); err != nil {
					t.Fatal(err)
				}
				m.StoreRef(arr, i, leaves[i])
			}
			m.Blocking(func() { e.cm.Safepoints().Pause(e.cm.InitialMark) })

			// Unlink every leaf, but keep each reachable through an
			// object allocated during marking, which is never scanned.
			holder, err := m.Alloc(heap.RefArrayShape(1000))
			if err != nil {
				t.Fatal(err)
			}
			e.roots.Add(holder)
			for i, leaf := range leaves {
				m.StoreRef(holder, i, leaf)
				m.StoreRef(arr, i, heap.Null)
			}

			var st CycleStats
			m.Blocking(func() { st, err = e.cm.completeCycle(context.Background()) })
			if err != nil {
				t.Fatal(err)
			}
			if st.Restarts == 0 {
				t.Error("remark never overflowed")
			}
			e.mustBeLive(arr, holder)
			for _, leaf := range leaves {
				if !e.cm.Completed().IsMarked(leaf) {
					t.Fatalf("leaf %s lost", leaf)
				}
			}
		})
	}
}

func TestSATBPreservesSnapshot(t *testing.T) {
	e := newTestEnv(t, testConfig(2))
	m := e.cm.NewMutator(heap.RegionOld)
	defer m.Close()
	alloc := func(s heap.Shape) heap.Addr {
		obj, err := m.Alloc(s)
		if err != nil {
			t.Fatal(err)
		}
		return obj
	}
	a := alloc(heap.ObjectShape(1, 0))
	b := alloc(heap.ObjectShape(0, 1))
	m.StoreRef(a, 0, b)
	e.roots.Add(a)

	m.Blocking(func() { e.cm.Safepoints().Pause(e.cm.InitialMark) })
	if !e.cm.SATB().IsActive() {
		t.Fatal("SATB barrier not armed after initial mark")
	}

	// Move B behind C, which is allocated during marking and so never
	// scanned. Only the pre-write barrier keeps B alive.
	c := alloc(heap.ObjectShape(1, 0))
	m.StoreRef(c, 0, b)
	e.roots.Add(c)
	m.StoreRef(a, 0, heap.Null)

	// A new object stored into an already marked object is live.
	d := alloc(heap.ObjectShape(0, 1))
	m.StoreRef(a, 0, d)

	var err error
	m.Blocking(func() { _, err = e.cm.completeCycle(context.Background()) })
	if err != nil {
		t.Fatal(err)
	}
	if !e.cm.Completed().IsMarked(b) {
		t.Error("object moved during marking was lost")
	}
	e.mustBeLive(a, b, c, d)
	if e.cm.SATB().IsActive() {
		t.Error("SATB barrier still armed after the cycle")
	}
}

func TestConcurrentChurn(t *testing.T) {
	e := newTestEnv(t, testConfig(4))
	m := e.cm.NewMutator(heap.RegionOld)
	b := &workload.Builder{M: m, Roots: e.roots}
	rnd := rand.New(rand.NewPCG(5, 6))
	if _, err := b.Random(rnd, 2000, 20, 0.6); err != nil {
		t.Fatal(err)
	}
	anchors, err := b.Anchors(16, 4)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		defer m.Close()
		_, err := b.Churn(ctx, rnd, anchors, 40000)
		return err
	})

	for i := range 3 {
		st := e.cycle()
		e.cm.Safepoints().Pause(func() {
			// Garbage may still refer into regions cleanup freed, but
			// nothing reachable may.
			graph := oracle.Snapshot(e.h, e.roots)
			live := graph.Reachable(false)
			if slots := graph.ReachableDangling(live); len(slots) != 0 {
				t.Errorf("cycle %d: %d reachable references into freed memory, first at %s", i, len(slots), slots[0])
			}
			d := graph.Compare(live, e.cm.IsLive)
			if len(d.Missing) != 0 {
				t.Errorf("cycle %d: reachable objects not live: %s", i, d)
			}
		})
		t.Logf("cycle %d: %d marked, %d SATB buffers, %d refs cleared, %d regions reclaimed",
			i, st.MarkedObjects, st.Tasks.SATBBuffers, st.RefsCleared, st.ReclaimedRegions)
	}
	cancel()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestReferences(t *testing.T) {
	for _, clearSoft := range []bool{false, true} {
		t.Run(fmt.Sprintf("clearSoft=%v", clearSoft), func(t *testing.T) {
			cfg := testConfig(2)
			cfg.ClearSoftRefs = clearSoft
			e := newTestEnv(t, cfg)

			weak := e.new(heap.WeakRefShape())
			weakOnly := e.new(heap.ObjectShape(0, 1))
			e.h.SetField(weak, 0, weakOnly)
			e.roots.Add(weak)

			weak2 := e.new(heap.WeakRefShape())
			strong := e.new(heap.ObjectShape(0, 1))
			e.h.SetField(weak2, 0, strong)
			e.roots.Add(weak2)
			e.roots.Add(strong)

			soft := e.new(heap.SoftRefShape())
			softly := e.new(heap.ObjectShape(1, 0))
			behind := e.new(heap.ObjectShape(0, 1))
			e.h.SetField(soft, 0, softly)
			e.h.SetField(softly, 0, behind)
			e.roots.Add(soft)

			g := oracle.Snapshot(e.h, e.roots)
			st := e.cycle()
			e.checkOracle(g, clearSoft)

			if got := e.h.Field(weak, 0); got != heap.Null {
				t.Errorf("weak referent not cleared: %s", got)
			}
			if got := e.h.Field(weak2, 0); got != strong {
				t.Errorf("strongly reachable weak referent = %s, want %s", got, strong)
			}
			wantCleared := 1
			if clearSoft {
				wantCleared = 2
				if got := e.h.Field(soft, 0); got != heap.Null {
					t.Errorf("soft referent not cleared: %s", got)
				}
			} else {
				if got := e.h.Field(soft, 0); got != softly {
					t.Errorf("soft referent = %s, want %s", got, softly)
				}
				e.mustBeLive(softly, behind)
			}
			if st.RefsDiscovered != 3 || st.RefsCleared != wantCleared {
				t.Errorf("discovered %d, cleared %d; want 3, %d", st.RefsDiscovered, st.RefsCleared, wantCleared)
			}
		})
	}
}

func TestHumongousReclaim(t *testing.T) {
	e := newTestEnv(t, testConfig(2))
	n := int(3 * e.h.RegionWords())
	dead := e.new(heap.PrimArrayShape(n))
	live := e.new(heap.RefArrayShape(n))
	small := e.new(heap.ObjectShape(0, 1))
	e.h.SetField(live, n-1, small)
	e.roots.Add(live)

	regions := e.h.Regions()
	liveStart := regions.Containing(live)
	free := regions.FreeCount()
	st := e.cycle()

	if !regions.Containing(dead).IsFree() {
		t.Error("unreachable humongous object not reclaimed")
	}
	if st.ReclaimedRegions != 4 {
		t.Errorf("reclaimed %d regions, want 4", st.ReclaimedRegions)
	}
	if got := regions.FreeCount(); got != free+4 {
		t.Errorf("free regions = %d, want %d", got, free+4)
	}
	e.mustBeLive(live, small)
	for r := range regions.HumongousRun(liveStart) {
		if r.LiveBytes() != r.Used() {
			t.Errorf("%s: live bytes %s, used %s", r, r.LiveBytes(), r.Used())
		}
	}
	// The element at the far end of the array was found.
	if !e.cm.Completed().IsMarked(small) {
		t.Error("object referenced from humongous array not marked")
	}
}

func TestRemSetRebuild(t *testing.T) {
	e := newTestEnv(t, testConfig(2))
	src := e.new(heap.ObjectShape(1, 0))
	e.roots.Add(src)

	// A sparse old region: one live object amid garbage.
	other := e.h.NewAllocContext(heap.RegionOld)
	target, err := other.Alloc(heap.ObjectShape(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	for range 100 {
		if _, err := other.Alloc(heap.ObjectShape(0, 8)); err != nil {
			t.Fatal(err)
		}
	}
	other.Retire()
	e.h.SetField(src, 0, target)

	st := e.cycle()
	sparse := e.h.Regions().Containing(target)
	rs := sparse.RemSet()
	if rs.State() != remset.Complete {
		t.Fatalf("sparse region remembered set is %s", rs.State())
	}
	if card := e.h.CardOf(e.h.Slot(src, 0)); !rs.Contains(card) {
		t.Errorf("remembered set %v missing card %d", rs.Cards(), card)
	}
	if st.RebuiltRemSets == 0 {
		t.Error("no remembered sets rebuilt")
	}
	cands := e.cm.CollectionSetCandidates()
	if len(cands) != 1 || cands[0] != sparse || !sparse.InCSet() {
		t.Errorf("candidates = %v, want [%s]", cands, sparse)
	}
	if want := e.h.Size(target).Bytes(); sparse.LiveBytes() != want {
		t.Errorf("sparse region live bytes = %s, want %s", sparse.LiveBytes(), want)
	}
	if sparse.TARS() != sparse.Bottom() {
		t.Error("TARS not cleared after cleanup")
	}
}

func TestCandidateDropped(t *testing.T) {
	e := newTestEnv(t, testConfig(2))
	src := e.new(heap.ObjectShape(1, 0))
	e.roots.Add(src)

	// Fill most of an old region, keeping only the first object live.
	other := e.h.NewAllocContext(heap.RegionOld)
	target, err := other.Alloc(heap.ObjectShape(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	region := e.h.Regions().Containing(target)
	limit := heap.Bytes(0.95 * float64(e.h.RegionBytes()))
	var filler []heap.Addr
	for {
		obj, err := other.Alloc(heap.ObjectShape(0, 8))
		if err != nil {
			t.Fatal(err)
		}
		if e.h.Regions().Containing(obj) != region {
			break
		}
		filler = append(filler, obj)
		if region.Used() >= limit {
			break
		}
	}
	other.Retire()
	e.h.SetField(src, 0, target)

	e.cycle()
	if !region.InCSet() {
		t.Fatalf("sparse region %s is not a candidate", region)
	}

	// Now most of the region is live, so it must stop being a
	// candidate.
	for _, obj := range filler {
		e.roots.Add(obj)
	}
	e.cycle()
	if region.LiveBytes() < heap.Bytes(e.cm.Config().RebuildLiveThreshold*float64(e.h.RegionBytes())) {
		t.Fatalf("region live bytes %s below the rebuild threshold", region.LiveBytes())
	}
	if region.InCSet() {
		t.Errorf("dense region %s still flagged as a candidate", region)
	}
	if cands := e.cm.CollectionSetCandidates(); slices.Contains(cands, region) {
		t.Errorf("candidates = %v, want no %s", cands, region)
	}
}

func TestAbort(t *testing.T) {
	e := newTestEnv(t, testConfig(4))
	e.random(11, 3000)
	g := oracle.Snapshot(e.h, e.roots)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.cm.RunCycle(ctx)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle with cancelled context: %v", err)
	}

	// Abort a cycle that is under way.
	e.cm.Safepoints().Pause(e.cm.InitialMark)
	e.cm.Abort()
	if err := e.cm.MarkFromRoots(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("MarkFromRoots after Abort: %v", err)
	}
	e.cm.Safepoints().Pause(e.cm.AbandonCycle)
	if e.cm.SATB().IsActive() {
		t.Error("SATB barrier armed after abandoning the cycle")
	}
	if !e.cm.NextBitmap().IsClear(e.h.Range()) {
		t.Error("next bitmap dirty after abandoning the cycle")
	}

	// The next cycle starts from scratch.
	e.cycle()
	e.checkOracle(g, false)
}

func TestPostMarkPhases(t *testing.T) {
	e := newTestEnv(t, testConfig(1))
	e.chain(10)
	var phase Phase
	calls := 0
	e.cm.PostMarkPhases = append(e.cm.PostMarkPhases, func(cm *ConcurrentMark) {
		calls++
		phase = cm.Phase()
	})
	e.cycle()
	e.cycle()
	if calls != 2 || phase != PhaseCleanup {
		t.Errorf("post-mark phase ran %d times in phase %s", calls, phase)
	}
}

func TestRepeatedCycles(t *testing.T) {
	e := newTestEnv(t, testConfig(3))
	objs := e.chain(500)
	for i := range 4 {
		// Cut the chain shorter every cycle.
		cut := len(objs) - 100*(i+1)
		e.h.SetField(objs[cut-1], 0, heap.Null)
		g := oracle.Snapshot(e.h, e.roots)
		st := e.cycle()
		e.checkOracle(g, false)
		if st.MarkedObjects != cut {
			t.Errorf("cycle %d: marked %d, want %d", i, st.MarkedObjects, cut)
		}
	}
}

func TestStatsFprint(t *testing.T) {
	e := newTestEnv(t, testConfig(2))
	e.chain(100)
	st := e.cycle()
	var buf bytes.Buffer
	st.Fprint(&buf)
	for _, want := range []string{"marked 100 objects", "pauses:", "overflows 0"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, buf.String())
		}
	}
}

func TestBadConfigPanics(t *testing.T) {
	h, err := heap.New(heap.Config{Capacity: heap.MiB, RegionBytes: 16 * heap.KiB})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	defer func() {
		if recover() == nil {
			t.Error("New with zero workers did not panic")
		}
	}()
	New(h, nil, testConfig(0))
}
