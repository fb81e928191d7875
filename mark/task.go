// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"regionmark/heap"
	"regionmark/taskqueue"
)

// TaskState is the activity of a marking task.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskScanningRegion
	TaskDrainingLocal
	TaskDrainingGlobal
	TaskStealing
	TaskTerminating
	TaskTerminated
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskScanningRegion:
		return "scanning-region"
	case TaskDrainingLocal:
		return "draining-local"
	case TaskDrainingGlobal:
		return "draining-global"
	case TaskStealing:
		return "stealing"
	case TaskTerminating:
		return "terminating"
	case TaskTerminated:
		return "terminated"
	case TaskAborted:
		return "aborted"
	}
	return fmt.Sprintf("TaskState(%d)", int32(s))
}

const (
	// A task checks the clock after scanning this many words or
	// reaching this many references, whichever comes first.
	wordsScannedPeriod heap.Words = 12 << 10
	refsReachedPeriod  uint64     = 384

	// globalTransferSize is the number of entries moved at once
	// between a local queue and the global mark stack.
	globalTransferSize = 16

	// localDrainTarget bounds the entries a partial drain leaves in the
	// local queue for thieves.
	localDrainTarget = 64
)

// A Task is one marking worker. Its methods must only be called from
// the goroutine currently driving it, except State and Stats once it is
// idle.
type Task struct {
	id    int
	cm    *ConcurrentMark
	h     *heap.Heap
	queue *taskqueue.Queue
	rnd   *rand.Rand

	state atomic.Int32

	// curRegion is the region being scanned, if any. finger is the
	// address being scanned in it: everything in [curRegion.Bottom(),
	// finger) has been visited. regionLimit is the region's scan top.
	curRegion   *heap.Region
	finger      heap.Addr
	regionLimit heap.Addr

	hasAborted   bool
	hasTimedOut  bool
	drainingSATB bool

	// Clock state for the current step.
	startTime  time.Time
	timeTarget time.Duration

	wordsScanned          heap.Words
	wordsScannedLimit     heap.Words
	realWordsScannedLimit heap.Words
	refsReached           uint64
	refsReachedLimit      uint64
	realRefsReachedLimit  uint64

	overruns overrunPredictor
	stats    statsCache

	// discovered holds the reference objects this task found.
	discovered []heap.Addr

	transfer [globalTransferSize]heap.Addr

	counters TaskStats
}

func newTask(id int, cm *ConcurrentMark) *Task {
	t := &Task{
		id:    id,
		cm:    cm,
		h:     cm.h,
		queue: cm.queues.Queue(id),
		rnd:   rand.New(rand.NewPCG(uint64(id), 0x6d61726b)),
		stats: newStatsCache(cm.liveWords, cm.cfg.StatsCacheSize),
	}
	return t
}

// ID returns the task's worker ID.
func (t *Task) ID() int { return t.id }

// State returns what the task is doing.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *Task) setState(s TaskState) {
	t.state.Store(int32(s))
}

// HasAborted reports whether the last step stopped before finishing.
func (t *Task) HasAborted() bool {
	return t.hasAborted
}

// Stats returns the task's counters since the start of the cycle.
func (t *Task) Stats() TaskStats {
	s := t.counters
	s.CacheHits, s.CacheMisses = t.stats.hits, t.stats.misses
	s.StepTimes = append([]time.Duration(nil), s.StepTimes...)
	return s
}

// reset prepares the task for a new cycle.
func (t *Task) reset() {
	t.clearRegionFields()
	t.hasAborted = false
	t.hasTimedOut = false
	t.stats.reset()
	t.stats.hits, t.stats.misses = 0, 0
	t.discovered = t.discovered[:0]
	t.counters = TaskStats{}
	t.setState(TaskIdle)
}

func (t *Task) setHasAborted() {
	t.hasAborted = true
}

func (t *Task) clearRegionFields() {
	t.curRegion = nil
	t.finger = heap.Null
	t.regionLimit = heap.Null
}

func (t *Task) setupForRegion(r *heap.Region) {
	t.curRegion = r
	t.finger = r.Bottom()
	t.regionLimit = r.ScanTop()
}

func (t *Task) giveUpCurrentRegion() {
	t.clearRegionFields()
}

func (t *Task) moveFingerTo(a heap.Addr) {
	if a < t.finger {
		panic(fmt.Sprintf("task %d: local finger moving back from %s to %s", t.id, t.finger, a))
	}
	t.finger = a
}

func (t *Task) recalculateLimits() {
	t.realWordsScannedLimit = t.wordsScanned + wordsScannedPeriod
	t.wordsScannedLimit = t.realWordsScannedLimit
	t.realRefsReachedLimit = t.refsReached + refsReachedPeriod
	t.refsReachedLimit = t.realRefsReachedLimit
}

// decreaseLimits brings the next clock call closer, after the task did
// something expensive that the counters do not see.
func (t *Task) decreaseLimits() {
	t.wordsScannedLimit = t.realWordsScannedLimit - 3*wordsScannedPeriod/4
	t.refsReachedLimit = t.realRefsReachedLimit - 3*refsReachedPeriod/4
}

func (t *Task) checkLimits() {
	if t.wordsScanned >= t.wordsScannedLimit || t.refsReached >= t.refsReachedLimit {
		t.regularClockCall()
	}
}

// regularClockCall decides whether the current step should stop. It is
// called whenever the task crosses a work threshold and at a few other
// points where stopping is cheap.
func (t *Task) regularClockCall() {
	if t.hasAborted {
		return
	}
	cm := t.cm
	t.recalculateLimits()

	// Overflow forces every task through the restart protocol.
	if cm.markStack.HasOverflown() {
		t.setHasAborted()
		return
	}
	// Remark is stopped-the-world and must run to completion.
	if !cm.concurrent.Load() {
		return
	}
	if cm.hasAborted.Load() {
		t.setHasAborted()
		return
	}
	if cm.sts.ShouldYield() {
		t.setHasAborted()
		return
	}
	if time.Since(t.startTime) > t.timeTarget {
		t.hasTimedOut = true
		t.setHasAborted()
		return
	}
	if !t.drainingSATB && cm.satb.ProcessCompletedThreshold() {
		t.setHasAborted()
		return
	}
}

// markAndCount marks obj and, if this call marked it, adds it to its
// region's live data. Objects allocated since marking started are
// implicitly live and never marked.
func (t *Task) markAndCount(obj heap.Addr) bool {
	r := t.h.Regions().Containing(obj)
	if r.ObjAllocatedSinceMarkStart(obj) {
		return false
	}
	if !t.cm.nextBitmap.ParMark(obj) {
		return false
	}
	t.stats.add(r.Index(), t.h.Size(obj))
	return true
}

// isBelowFinger reports whether the bitmap scans in progress have
// already passed obj, so that it must be pushed to be visited.
func (t *Task) isBelowFinger(obj, globalFinger heap.Addr) bool {
	if t.finger != heap.Null {
		if obj < t.finger {
			return true
		}
		if obj < t.regionLimit {
			// In the current region, ahead of us.
			return false
		}
	}
	return obj < globalFinger
}

// makeReferenceGrey marks obj and makes sure it will be scanned.
func (t *Task) makeReferenceGrey(obj heap.Addr) {
	if !t.markAndCount(obj) {
		return
	}
	// Read the global finger after marking: if a bitmap scan claims
	// obj's region after this, it will see the mark.
	if !t.isBelowFinger(obj, t.cm.claimer.Finger()) {
		return
	}
	t.pushOrScan(obj)
}

// markAndPush marks obj and queues it for scanning regardless of the
// fingers. It is used when no bitmap scan is left to find obj.
func (t *Task) markAndPush(obj heap.Addr) {
	if t.markAndCount(obj) {
		t.pushOrScan(obj)
	}
}

func (t *Task) pushOrScan(obj heap.Addr) {
	if t.h.Header(obj).Kind() == heap.KindPrimArray {
		// Nothing to find in it, so scanning is cheaper than queueing.
		t.scanObject(obj)
		return
	}
	t.push(obj)
}

// dealWithReference handles a reference found in a scanned object.
func (t *Task) dealWithReference(ref heap.Addr) {
	t.refsReached++
	t.counters.RefsReached++
	if ref == heap.Null || !t.h.Contains(ref) {
		return
	}
	t.makeReferenceGrey(ref)
}

// scanObject visits the reference fields of the grey object obj.
func (t *Task) scanObject(obj heap.Addr) {
	hdr := t.h.Header(obj)
	if hdr.Kind().IsReference() {
		// The referent is weakly held. Reference processing at remark
		// decides its fate.
		t.discovered = append(t.discovered, obj)
	} else {
		for _, ref := range t.h.Refs(obj) {
			t.dealWithReference(ref)
		}
	}
	size := hdr.Size()
	t.wordsScanned += size
	t.counters.WordsScanned += size
	t.counters.ObjectsScanned++
	t.checkLimits()
}

func (t *Task) push(obj heap.Addr) {
	if !t.queue.Push(obj) {
		t.moveEntriesToGlobalStack()
		if !t.queue.Push(obj) {
			panic(fmt.Sprintf("task %d: local queue full after spilling", t.id))
		}
	}
	t.counters.Pushes++
}

// moveEntriesToGlobalStack moves a batch of local entries to the global
// stack. If they do not fit, they are dropped: they are already marked,
// and the overflow restart finds them again.
func (t *Task) moveEntriesToGlobalStack() {
	n := 0
	for n < len(t.transfer) {
		a, ok := t.queue.Pop()
		if !ok {
			break
		}
		t.transfer[n] = a
		n++
	}
	if n == 0 {
		return
	}
	if t.cm.markStack.ParPushBulk(t.transfer[:n]) {
		t.counters.ToGlobal++
	} else {
		if traceOverflow {
			tracef("task %d: global stack overflow, dropped %d entries", t.id, n)
		}
		t.setHasAborted()
	}
	t.decreaseLimits()
}

// getEntriesFromGlobalStack moves a batch of global entries to the local
// queue and reports whether there were any.
func (t *Task) getEntriesFromGlobalStack() bool {
	n := t.cm.markStack.ParPopBulk(t.transfer[:])
	if n == 0 {
		return false
	}
	t.counters.FromGlobal++
	for _, a := range t.transfer[:n] {
		if !t.queue.Push(a) {
			t.scanObject(a)
		}
	}
	t.decreaseLimits()
	return true
}

func (t *Task) drainLocalQueue(partially bool) {
	target := 0
	if partially {
		target = min(t.queue.Capacity()/3, localDrainTarget)
	}
	if t.queue.Size() <= target {
		return
	}
	prev := t.State()
	t.setState(TaskDrainingLocal)
	for !t.hasAborted && t.queue.Size() > target {
		a, ok := t.queue.Pop()
		if !ok {
			break
		}
		t.scanObject(a)
	}
	t.setState(prev)
}

func (t *Task) drainGlobalStack(partially bool) {
	if t.hasAborted {
		return
	}
	target := 0
	if partially {
		target = t.cm.markStack.Capacity() / 3
	}
	prev := t.State()
	for !t.hasAborted && t.cm.markStack.Len() > target {
		t.setState(TaskDrainingGlobal)
		if !t.getEntriesFromGlobalStack() {
			break
		}
		t.drainLocalQueue(partially)
	}
	t.setState(prev)
}

// drainSATBBuffers processes completed SATB buffers until there are none
// or the step has to stop.
func (t *Task) drainSATBBuffers() {
	cm := t.cm
	t.drainingSATB = true
	v := SATBVisitor{t}
	for !t.hasAborted && cm.satb.ApplyToCompletedBuffer(func(ref heap.Addr) { v.Visit(heap.Null, ref) }) {
		t.counters.SATBBuffers++
		t.regularClockCall()
	}
	t.drainingSATB = false
	t.decreaseLimits()
}

// scanCurrentRegion visits the marked objects of the current region from
// the local finger on.
func (t *Task) scanCurrentRegion() {
	r := t.curRegion
	t.setState(TaskScanningRegion)
	limit := t.regionLimit
	humongous := r.IsStartsHumongous()
	if humongous {
		// Only the object at Bottom starts here.
		limit = min(limit, r.Bottom().Plus(heap.WordBytes))
	}
	completed := t.cm.nextBitmap.Iterate(heap.RangeOf(t.finger, limit), func(a heap.Addr) bool {
		t.moveFingerTo(a)
		t.scanObject(a)
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
		return !t.hasAborted
	})
	if completed || humongous {
		t.giveUpCurrentRegion()
		t.regularClockCall()
		return
	}
	// We stopped right after scanning the object at the finger. Resume
	// after it.
	next := t.finger.PlusWords(t.h.Size(t.finger))
	if next >= t.regionLimit {
		t.giveUpCurrentRegion()
	} else {
		t.moveFingerTo(next)
	}
}

// claimRegion claims regions until it gets one to scan, runs out or has
// to stop.
func (t *Task) claimRegion() {
	cm := t.cm
	for !t.hasAborted && t.curRegion == nil && !cm.claimer.OutOfRegions() {
		r, status := cm.claimer.Claim(t.id)
		if status == heap.Claimed {
			t.setupForRegion(r)
		}
		t.regularClockCall()
	}
}

// shouldExitTermination is polled while the task waits for the others
// to terminate.
func (t *Task) shouldExitTermination() bool {
	t.regularClockCall()
	return !t.cm.markStack.IsEmpty() || t.hasAborted
}

// DoMarkingStep performs one bounded unit of marking work.
//
// The step drains SATB buffers, then alternates between scanning claimed
// regions of the bitmap and draining the local queue and global stack.
// Once every region has been claimed and its work is drained, it steals
// from other tasks and, if doTermination is set, waits for every task to
// run out of work.
//
// The step stops early, setting HasAborted, when it runs past
// timeTarget, when the world needs to stop, when SATB buffers pile up,
// when marking is aborted and when the global mark stack overflows. The
// caller then invokes it again; the task keeps its region, finger and
// queue across steps. isSerial is set when this is the only task
// running and the overflow barriers must not be used.
func (t *Task) DoMarkingStep(timeTarget time.Duration, doTermination, isSerial bool) {
	cm := t.cm
	t.startTime = time.Now()
	t.timeTarget = t.overruns.adjust(timeTarget)
	t.hasAborted = false
	t.hasTimedOut = false
	t.wordsScanned = 0
	t.refsReached = 0
	t.recalculateLimits()
	t.counters.Steps++
	if traceStep {
		tracef("task %d: step start, target %s", t.id, t.timeTarget)
	}

	t.drainSATBBuffers()
	t.drainLocalQueue(true)
	t.drainGlobalStack(true)

	for {
		if !t.hasAborted && t.curRegion != nil {
			t.scanCurrentRegion()
		}
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
		t.claimRegion()
		if t.curRegion == nil || t.hasAborted {
			break
		}
	}

	if !t.hasAborted {
		// Every region has been claimed. Cut down the SATB backlog so
		// that remark has less to do.
		t.drainSATBBuffers()
	}
	t.drainLocalQueue(false)
	t.drainGlobalStack(false)

	if doTermination && !isSerial && !t.hasAborted {
		t.setState(TaskStealing)
		for !t.hasAborted {
			a, ok := cm.queues.Steal(t.id, t.rnd)
			if !ok {
				break
			}
			t.counters.Steals++
			t.scanObject(a)
			t.drainLocalQueue(false)
			t.drainGlobalStack(false)
		}
	}

	if doTermination && !t.hasAborted && cm.concurrent.Load() && cm.shouldForceOverflow() {
		cm.markStack.ForceOverflow()
		t.regularClockCall()
	}

	if doTermination && !t.hasAborted {
		t.setState(TaskTerminating)
		termStart := time.Now()
		finished := isSerial || cm.terminator.OfferTermination(t.shouldExitTermination)
		t.counters.TerminationTime += time.Since(termStart)
		if finished {
			if !t.queue.IsEmpty() || !cm.markStack.IsEmpty() {
				panic(fmt.Sprintf("task %d terminated with work left: local %d, global %d", t.id, t.queue.Size(), cm.markStack.Len()))
			}
			t.setState(TaskTerminated)
		} else {
			// Someone found more work. Come back for it.
			t.setHasAborted()
		}
	}

	t.stats.evictAll()
	elapsed := time.Since(t.startTime)
	if len(t.counters.StepTimes) < maxStepTimes {
		t.counters.StepTimes = append(t.counters.StepTimes, elapsed)
	}

	if !t.hasAborted {
		if !doTermination {
			t.setState(TaskIdle)
		}
		return
	}
	t.counters.Aborts++
	t.setState(TaskAborted)
	if t.hasTimedOut {
		t.counters.Timeouts++
		t.overruns.record(elapsed - t.timeTarget)
	}
	if traceStep {
		tracef("task %d: step aborted after %s (timed out %v)", t.id, elapsed, t.hasTimedOut)
	}

	if cm.markStack.HasOverflown() {
		// Every task must stop touching shared state before anything
		// is reset, and nobody may resume before the reset is done.
		if !isSerial && !cm.enterFirstSyncBarrier(t.id) {
			return
		}
		t.clearRegionFields()
		if !isSerial {
			if t.id == 0 && cm.concurrent.Load() {
				cm.resetMarkingForRestart()
			}
			cm.enterSecondSyncBarrier(t.id)
		}
	}
}
