// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mark implements concurrent marking for a region-based heap.
//
// A marking cycle finds every object that was reachable when the cycle
// started (snapshot-at-the-beginning). It runs in phases:
//
//   - InitialMark (pause): snapshot each region's top, arm the SATB write
//     barrier and mark the roots.
//   - MarkFromRoots (concurrent): marking tasks sweep the bitmap region
//     by region, tracing from every marked object, while mutators run.
//   - Remark (pause): finish marking from the SATB buffers, process weak
//     and soft references and select remembered sets to rebuild.
//   - RebuildRemSets (concurrent): rebuild the selected remembered sets
//     from the live objects.
//   - Cleanup (pause): compute region liveness, reclaim empty regions
//     and publish the new bitmap.
//   - ClearNextBitmap (concurrent): clear the old bitmap for the next
//     cycle.
//
// Objects allocated during marking lie above their region's NTAMS and
// are live without being marked.
package mark

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"regionmark/bitmap"
	"regionmark/heap"
	"regionmark/markstack"
	"regionmark/mutator"
	"regionmark/remset"
	"regionmark/roots"
	"regionmark/safepoint"
	"regionmark/satb"
	"regionmark/taskqueue"
)

// ErrAborted is returned by the concurrent phases and RunCycle when the
// cycle was aborted.
var ErrAborted = errors.New("mark: cycle aborted")

const noTimeLimit = time.Duration(math.MaxInt64)

// A Phase is the stage a marking cycle is in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseInitialMark
	PhaseConcurrentMark
	PhaseRemark
	PhaseRebuild
	PhaseCleanup
	PhaseClearBitmap
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitialMark:
		return "initial-mark"
	case PhaseConcurrentMark:
		return "concurrent-mark"
	case PhaseRemark:
		return "remark"
	case PhaseRebuild:
		return "rebuild-remsets"
	case PhaseCleanup:
		return "cleanup"
	case PhaseClearBitmap:
		return "clear-bitmap"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// ConcurrentMark coordinates marking cycles over a heap.
type ConcurrentMark struct {
	cfg   Config
	h     *heap.Heap
	roots roots.Scanner
	sts   *safepoint.Set
	satb  *satb.QueueSet

	// prevBitmap is the result of the last completed cycle. nextBitmap
	// is built by the current one.
	prevBitmap *bitmap.MarkBitmap
	nextBitmap *bitmap.MarkBitmap

	markStack  *markstack.Stack
	queues     *taskqueue.QueueSet
	tasks      []*Task
	terminator *taskqueue.Terminator

	firstOverflowBarrier  *taskqueue.Barrier
	secondOverflowBarrier *taskqueue.Barrier

	claimer *heap.RegionClaimer

	// liveWords counts the words marked in each region this cycle.
	liveWords []atomic.Uint64

	activeTasks   int
	phase         atomic.Int32
	concurrent    atomic.Bool
	hasAborted    atomic.Bool
	forceOverflow atomic.Int64
	overflows     atomic.Int64
	markComplete  bool

	candidates []*heap.Region

	// PostMarkPhases run at the end of Cleanup, with the world stopped
	// and the new bitmap published. Class unloading and similar cleanups
	// hook in here.
	PostMarkPhases []func(*ConcurrentMark)

	stats CycleStats
}

// New returns a coordinator for h. Mutators must be registered with the
// returned coordinator's SATB queue set and join its safepoint set.
func New(h *heap.Heap, rootScanner roots.Scanner, cfg Config) *ConcurrentMark {
	if cfg.Workers <= 0 {
		panic(fmt.Sprintf("mark: %d workers", cfg.Workers))
	}
	if rootScanner == nil {
		rootScanner = roots.Group(nil)
	}
	cm := &ConcurrentMark{
		cfg:                   cfg,
		h:                     h,
		roots:                 rootScanner,
		sts:                   safepoint.New(),
		satb:                  satb.NewQueueSet(cfg.SATBBufferSize, cfg.SATBProcessThreshold),
		prevBitmap:            bitmap.NewMarkBitmap(h.Range()),
		nextBitmap:            bitmap.NewMarkBitmap(h.Range()),
		markStack:             markstack.New(cfg.MarkStackSize, cfg.MarkStackMaxSize),
		queues:                taskqueue.NewQueueSet(cfg.Workers, cfg.QueueSize),
		firstOverflowBarrier:  taskqueue.NewBarrier(),
		secondOverflowBarrier: taskqueue.NewBarrier(),
		claimer:               h.NewRegionClaimer(),
		liveWords:             make([]atomic.Uint64, h.Regions().Len()),
	}
	cm.terminator = taskqueue.NewTerminator(cfg.Workers, cm.queues)
	cm.tasks = make([]*Task, cfg.Workers)
	for i := range cm.tasks {
		cm.tasks[i] = newTask(i, cm)
	}
	cm.activeTasks = cfg.Workers
	return cm
}

func (cm *ConcurrentMark) Heap() *heap.Heap               { return cm.h }
func (cm *ConcurrentMark) Config() Config                 { return cm.cfg }
func (cm *ConcurrentMark) SATB() *satb.QueueSet           { return cm.satb }
func (cm *ConcurrentMark) Safepoints() *safepoint.Set     { return cm.sts }
func (cm *ConcurrentMark) Tasks() []*Task                 { return cm.tasks }
func (cm *ConcurrentMark) MarkStack() *markstack.Stack    { return cm.markStack }
func (cm *ConcurrentMark) Claimer() *heap.RegionClaimer   { return cm.claimer }
func (cm *ConcurrentMark) Phase() Phase                   { return Phase(cm.phase.Load()) }
func (cm *ConcurrentMark) setPhase(p Phase)               { cm.phase.Store(int32(p)) }
func (cm *ConcurrentMark) HasAborted() bool               { return cm.hasAborted.Load() }
func (cm *ConcurrentMark) NextBitmap() *bitmap.MarkBitmap { return cm.nextBitmap }

// NewMutator returns a mutator whose barriers feed this coordinator. It
// joins the safepoint set, so the caller must Close it when done.
func (cm *ConcurrentMark) NewMutator(typ heap.RegionType) *mutator.Mutator {
	return mutator.New(cm.h, cm.satb, cm.sts, typ)
}

// Completed returns the bitmap of the last completed cycle.
func (cm *ConcurrentMark) Completed() *bitmap.MarkBitmap {
	return cm.prevBitmap
}

// IsLive reports whether the object at addr was live according to the
// last completed cycle. Objects allocated since that cycle started are
// live.
func (cm *ConcurrentMark) IsLive(addr heap.Addr) bool {
	r := cm.h.Regions().Containing(addr)
	return r.ObjAllocatedSincePrevMarking(addr) || cm.prevBitmap.IsMarked(addr)
}

// isLiveNext is IsLive for the cycle in progress.
func (cm *ConcurrentMark) isLiveNext(addr heap.Addr) bool {
	r := cm.h.Regions().Containing(addr)
	return r.ObjAllocatedSinceMarkStart(addr) || cm.nextBitmap.IsMarked(addr)
}

// LiveBytes returns the live bytes of r found by the last completed
// cycle.
func (cm *ConcurrentMark) LiveBytes(r *heap.Region) heap.Bytes {
	return r.LiveBytes()
}

// CollectionSetCandidates returns the regions chosen by the last
// Cleanup, most reclaimable first.
func (cm *ConcurrentMark) CollectionSetCandidates() []*heap.Region {
	return slices.Clone(cm.candidates)
}

// Stats returns the statistics of the current or last cycle.
func (cm *ConcurrentMark) Stats() CycleStats {
	s := cm.stats
	s.Overflows = int(cm.overflows.Load())
	s.Tasks = TaskStats{}
	for _, t := range cm.tasks {
		ts := t.Stats()
		s.Tasks.add(&ts)
	}
	return s
}

// SetConcurrency sets the number of tasks taking part in the next
// phase. It must be called while no task is running.
func (cm *ConcurrentMark) SetConcurrency(n int) {
	if n <= 0 || n > len(cm.tasks) {
		panic(fmt.Sprintf("mark: concurrency %d out of range [1, %d]", n, len(cm.tasks)))
	}
	cm.activeTasks = n
	cm.terminator.SetConcurrency(n)
	cm.firstOverflowBarrier.Reset()
	cm.secondOverflowBarrier.Reset()
}

// Abort cancels the cycle in progress. Running tasks stop at their next
// check and the concurrent phases return ErrAborted. The caller must
// then call AbandonCycle in a pause.
func (cm *ConcurrentMark) Abort() {
	if !cm.hasAborted.CompareAndSwap(false, true) {
		return
	}
	cm.firstOverflowBarrier.Abort()
	cm.secondOverflowBarrier.Abort()
	cm.logf("marking aborted in %s", cm.Phase())
}

// AbandonCycle discards the state of an aborted cycle so that a new one
// can start. The world must be stopped.
func (cm *ConcurrentMark) AbandonCycle() {
	cm.satb.SetActive(false)
	cm.satb.Abandon()
	cm.concurrent.Store(false)
	cm.resetMarkingState()
	cm.nextBitmap.ClearRange(cm.h.Range())
	for r := range cm.h.Regions().All() {
		if r.RemSet().State() == remset.Updating {
			r.RemSet().Clear()
			r.RemSet().SetState(remset.Untracked)
		}
		r.ClearTopAtRebuildStart()
	}
	cm.markComplete = false
	cm.setPhase(PhaseIdle)
}

func (cm *ConcurrentMark) shouldForceOverflow() bool {
	for {
		n := cm.forceOverflow.Load()
		if n <= 0 {
			return false
		}
		if cm.forceOverflow.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// resetMarkingState empties every marking structure and rewinds the
// global finger.
func (cm *ConcurrentMark) resetMarkingState() {
	cm.markStack.SetEmpty()
	cm.markStack.ClearOverflow()
	cm.queues.SetEmpty()
	cm.claimer.Reset()
	cm.terminator.Reset()
	for _, t := range cm.tasks {
		t.clearRegionFields()
	}
}

// resetMarkingForRestart prepares for another pass after the global
// stack overflowed. Everything dropped is still marked, and rewinding
// the finger makes the bitmap scans find it again.
func (cm *ConcurrentMark) resetMarkingForRestart() {
	cm.markStack.SetEmpty()
	if cm.markStack.Expand() {
		cm.logf("mark stack expanded to %d entries", cm.markStack.Capacity())
	}
	cm.markStack.ClearOverflow()
	cm.queues.SetEmpty()
	cm.claimer.Reset()
	cm.terminator.Reset()
	cm.overflows.Add(1)
	if traceOverflow {
		tracef("restarting after overflow %d", cm.overflows.Load())
	}
}

func (cm *ConcurrentMark) enterFirstSyncBarrier(workerID int) bool {
	conc := cm.concurrent.Load()
	if conc {
		// A pause may be waiting for us. Let it proceed while we wait.
		cm.sts.Leave()
	}
	ok := cm.firstOverflowBarrier.ArriveAndWait(cm.activeTasks)
	if conc {
		cm.sts.Join()
	}
	if traceOverflow {
		tracef("task %d passed first overflow barrier (ok %v)", workerID, ok)
	}
	return ok && !(conc && cm.hasAborted.Load())
}

func (cm *ConcurrentMark) enterSecondSyncBarrier(workerID int) {
	conc := cm.concurrent.Load()
	if conc {
		cm.sts.Leave()
	}
	cm.secondOverflowBarrier.ArriveAndWait(cm.activeTasks)
	if conc {
		cm.sts.Join()
	}
	if traceOverflow {
		tracef("task %d passed second overflow barrier", workerID)
	}
}

// InitialMark starts a cycle. The world must be stopped and the next
// bitmap must be clear.
func (cm *ConcurrentMark) InitialMark() {
	start := time.Now()
	cm.setPhase(PhaseInitialMark)
	if !cm.nextBitmap.IsClear(cm.h.Range()) {
		panic("mark: initial mark with a dirty next bitmap")
	}
	cm.hasAborted.Store(false)
	cm.markComplete = false
	cm.resetMarkingState()
	for i := range cm.liveWords {
		cm.liveWords[i].Store(0)
	}
	for _, t := range cm.tasks {
		t.reset()
	}
	cm.forceOverflow.Store(int64(cm.cfg.ForceOverflow))
	cm.overflows.Store(0)
	cm.stats = CycleStats{}
	cm.clearCandidates()

	for r := range cm.h.Regions().All() {
		r.NoteStartOfMarking()
	}
	cm.satb.SetActive(true)

	// The finger is at the heap start, so every root is ahead of it.
	t := cm.tasks[0]
	v := RootScanVisitor{Task: t}
	cm.roots.ScanRoots(func(ref heap.Addr) { v.Visit(heap.Null, ref) })
	t.stats.evictAll()

	cm.concurrent.Store(true)
	cm.stats.InitialMarkPause = time.Since(start)
	cm.logf("initial mark: %s", cm.stats.InitialMarkPause)
}

// MarkFromRoots runs concurrent marking until every task has finished
// or the cycle is aborted. Cancelling ctx aborts the cycle.
func (cm *ConcurrentMark) MarkFromRoots(ctx context.Context) error {
	start := time.Now()
	cm.setPhase(PhaseConcurrentMark)
	cm.concurrent.Store(true)
	stop := context.AfterFunc(ctx, cm.Abort)
	defer stop()

	n := cm.cfg.Workers
	cm.SetConcurrency(n)
	var g errgroup.Group
	for _, t := range cm.tasks[:n] {
		cm.sts.Join()
		g.Go(func() error {
			defer cm.sts.Leave()
			for {
				t.DoMarkingStep(cm.cfg.StepTarget, true, false)
				cm.sts.Poll()
				if !t.HasAborted() || cm.hasAborted.Load() {
					return nil
				}
			}
		})
	}
	g.Wait()
	cm.stats.ConcurrentMark += time.Since(start)
	if cm.hasAborted.Load() {
		return cm.abortErr(ctx)
	}
	cm.logf("concurrent mark: %s, %d overflows", time.Since(start), cm.overflows.Load())
	return nil
}

func (cm *ConcurrentMark) abortErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return ErrAborted
}

// Remark finishes marking. The world must be stopped. If the global mark
// stack overflows, Remark resets marking and returns true; the caller
// must run MarkFromRoots and Remark again.
func (cm *ConcurrentMark) Remark() (restart bool) {
	start := time.Now()
	defer func() {
		cm.stats.RemarkPause += time.Since(start)
	}()
	cm.setPhase(PhaseRemark)
	cm.concurrent.Store(false)
	cm.satb.FlushAll()

	// Roots may have changed since initial mark. Every bitmap scan is
	// done, so newly marked roots must be pushed.
	t0 := cm.tasks[0]
	rv := RootScanVisitor{Task: t0, Push: true}
	cm.roots.ScanRoots(func(ref heap.Addr) { rv.Visit(heap.Null, ref) })

	n := cm.activeTasks
	if cm.cfg.SerialRemark {
		n = 1
	}
	cm.SetConcurrency(n)
	if n == 1 {
		(&DrainVisitor{Task: t0}).Drain()
	} else {
		var g errgroup.Group
		for _, t := range cm.tasks[:n] {
			g.Go(func() error {
				for {
					t.DoMarkingStep(noTimeLimit, true, false)
					if !t.HasAborted() || cm.markStack.HasOverflown() {
						return nil
					}
				}
			})
		}
		g.Wait()
	}

	if cm.markStack.HasOverflown() || !cm.processReferences() {
		cm.restartAfterRemarkOverflow()
		return true
	}

	cm.markComplete = true
	cm.updateRemSetTracking()
	cm.satb.SetActive(false)
	cm.logf("remark: %s, %d references cleared", time.Since(start), cm.stats.RefsCleared)
	return false
}

func (cm *ConcurrentMark) restartAfterRemarkOverflow() {
	cm.stats.Restarts++
	cm.markStack.SetEmpty()
	if cm.markStack.Expand() {
		cm.logf("mark stack expanded to %d entries", cm.markStack.Capacity())
	}
	cm.resetMarkingState()
	cm.logf("remark overflowed the mark stack, restarting concurrent mark")
}

// updateRemSetTracking computes tentative liveness, picks the regions
// whose remembered sets get rebuilt and snapshots TARS.
func (cm *ConcurrentMark) updateRemSetTracking() {
	threshold := heap.Bytes(cm.cfg.RebuildLiveThreshold * float64(cm.h.RegionBytes()))
	for r := range cm.h.Regions().All() {
		rs := r.RemSet()
		switch {
		case r.IsFree():
		case r.Type() == heap.RegionOld:
			if rs.State() == remset.Untracked && cm.markedBytes(r) < threshold {
				rs.SetState(remset.Updating)
				cm.stats.RebuiltRemSets++
			}
		case r.IsStartsHumongous():
			if rs.State() == remset.Untracked {
				rs.SetState(remset.Updating)
				cm.stats.RebuiltRemSets++
			}
		}
		r.UpdateTopAtRebuildStart()
	}
}

// markedBytes is the live data of r as the cycle in progress sees it.
func (cm *ConcurrentMark) markedBytes(r *heap.Region) heap.Bytes {
	return heap.Words(cm.liveWords[r.Index()].Load()).Bytes() + r.Top().Minus(r.NTAMS())
}

// Cleanup ends the cycle. The world must be stopped.
func (cm *ConcurrentMark) Cleanup() {
	start := time.Now()
	cm.setPhase(PhaseCleanup)
	if !cm.markComplete {
		panic("mark: cleanup before marking completed")
	}
	regions := cm.h.Regions()

	var live heap.Bytes
	for r := range regions.All() {
		switch {
		case r.IsFree(), r.IsContinuesHumongous():
		case r.IsStartsHumongous():
			var b heap.Bytes
			if cm.liveWords[r.Index()].Load() != 0 || r.ObjAllocatedSinceMarkStart(r.Bottom()) {
				// Spread the object over the regions it covers.
				for hr := range regions.HumongousRun(r) {
					hr.SetLiveBytes(hr.Used())
					b += hr.Used()
				}
			} else {
				for hr := range regions.HumongousRun(r) {
					hr.SetLiveBytes(0)
				}
			}
			live += b
		default:
			b := cm.markedBytes(r)
			r.SetLiveBytes(b)
			live += b
		}
	}

	for r := range regions.All() {
		if r.IsFree() || r.IsContinuesHumongous() || r.Allocating() || r.LiveBytes() != 0 {
			continue
		}
		used := r.Used()
		if r.IsStartsHumongous() {
			used = 0
			for hr := range regions.HumongousRun(r) {
				used += hr.Used()
				cm.stats.ReclaimedRegions++
			}
		} else {
			cm.stats.ReclaimedRegions++
		}
		cm.stats.ReclaimedBytes += used
		cm.liveWords[r.Index()].Store(0)
		regions.Free(r)
	}

	for r := range regions.All() {
		if r.RemSet().State() == remset.Updating {
			r.RemSet().SetState(remset.Complete)
		}
		r.ClearTopAtRebuildStart()
	}
	cm.selectCandidates()

	cm.prevBitmap, cm.nextBitmap = cm.nextBitmap, cm.prevBitmap
	for r := range regions.All() {
		r.NoteEndOfMarking()
	}
	cm.stats.MarkedObjects = cm.prevBitmap.CountRange(cm.h.Range())
	cm.stats.LiveBytes = live
	cm.markComplete = false

	for _, f := range cm.PostMarkPhases {
		f(cm)
	}
	cm.stats.CleanupPause = time.Since(start)
	cm.logf("cleanup: %s, %s live, reclaimed %d regions (%s)", cm.stats.CleanupPause, live, cm.stats.ReclaimedRegions, cm.stats.ReclaimedBytes)
}

// selectCandidates picks the old regions with complete remembered sets
// whose live data is below the rebuild threshold, ordered by how much
// they would free.
func (cm *ConcurrentMark) selectCandidates() {
	cm.clearCandidates()
	threshold := heap.Bytes(cm.cfg.RebuildLiveThreshold * float64(cm.h.RegionBytes()))
	for r := range cm.h.Regions().All() {
		if r.Type() != heap.RegionOld || r.RemSet().State() != remset.Complete || r.Allocating() {
			continue
		}
		if r.LiveBytes() >= threshold {
			continue
		}
		r.SetInCSet(true)
		cm.candidates = append(cm.candidates, r)
	}
	reclaimable := func(r *heap.Region) heap.Bytes { return r.Used() - r.LiveBytes() }
	slices.SortStableFunc(cm.candidates, func(a, b *heap.Region) int {
		ra, rb := reclaimable(a), reclaimable(b)
		switch {
		case ra > rb:
			return -1
		case ra < rb:
			return 1
		}
		return 0
	})
	cm.stats.CSetCandidates = len(cm.candidates)
}

// clearCandidates drops the candidate list. Liveness from the previous
// cycle no longer applies once a new one starts.
func (cm *ConcurrentMark) clearCandidates() {
	for _, r := range cm.candidates {
		r.SetInCSet(false)
	}
	cm.candidates = cm.candidates[:0]
}

// ClearNextBitmap clears the bitmap the next cycle will mark into. It
// runs concurrently with mutators, a region at a time.
func (cm *ConcurrentMark) ClearNextBitmap(ctx context.Context) error {
	start := time.Now()
	cm.setPhase(PhaseClearBitmap)
	cm.sts.Join()
	defer cm.sts.Leave()
	for r := range cm.h.Regions().All() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("clearing next bitmap: %w", err)
		}
		cm.nextBitmap.ClearRange(r.Range())
		cm.sts.Poll()
	}
	cm.stats.ClearBitmap = time.Since(start)
	cm.setPhase(PhaseIdle)
	return nil
}

// RunCycle runs a complete marking cycle, stopping the world for the
// pauses. If the cycle is aborted, through ctx or Abort, RunCycle
// abandons it and returns an error wrapping ErrAborted.
func (cm *ConcurrentMark) RunCycle(ctx context.Context) (CycleStats, error) {
	if ctx.Err() != nil {
		return cm.Stats(), cm.abortErr(ctx)
	}
	cm.sts.Pause(cm.InitialMark)
	return cm.completeCycle(ctx)
}

// completeCycle runs the rest of a cycle whose initial mark is done.
func (cm *ConcurrentMark) completeCycle(ctx context.Context) (CycleStats, error) {
	for {
		if err := cm.MarkFromRoots(ctx); err != nil {
			cm.sts.Pause(cm.AbandonCycle)
			return cm.Stats(), err
		}
		var restart bool
		cm.sts.Pause(func() { restart = cm.Remark() })
		if !restart {
			break
		}
	}
	if err := cm.RebuildRemSets(ctx); err != nil {
		cm.sts.Pause(cm.AbandonCycle)
		return cm.Stats(), err
	}
	cm.sts.Pause(cm.Cleanup)
	if err := cm.ClearNextBitmap(ctx); err != nil {
		cm.sts.Pause(func() { cm.nextBitmap.ClearRange(cm.h.Range()) })
		cm.setPhase(PhaseIdle)
		return cm.Stats(), err
	}
	return cm.Stats(), nil
}
