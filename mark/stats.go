// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"fmt"
	"io"
	"time"

	"regionmark/heap"
)

// TaskStats are the counters of one marking task over one cycle.
type TaskStats struct {
	ObjectsScanned uint64
	WordsScanned   heap.Words
	RefsReached    uint64

	// Pushes counts pushes onto the task's local queue.
	Pushes uint64
	// Steals counts entries stolen from other tasks.
	Steals uint64
	// ToGlobal and FromGlobal count bulk transfers between the local
	// queue and the global mark stack.
	ToGlobal, FromGlobal uint64
	// SATBBuffers counts completed SATB buffers this task processed.
	SATBBuffers uint64

	Steps    uint64
	Aborts   uint64
	Timeouts uint64

	CacheHits, CacheMisses uint64

	// TerminationTime is the time spent offering termination.
	TerminationTime time.Duration

	// StepTimes holds the duration of up to maxStepTimes steps.
	StepTimes []time.Duration
}

const maxStepTimes = 1 << 12

func (s *TaskStats) add(o *TaskStats) {
	s.ObjectsScanned += o.ObjectsScanned
	s.WordsScanned += o.WordsScanned
	s.RefsReached += o.RefsReached
	s.Pushes += o.Pushes
	s.Steals += o.Steals
	s.ToGlobal += o.ToGlobal
	s.FromGlobal += o.FromGlobal
	s.SATBBuffers += o.SATBBuffers
	s.Steps += o.Steps
	s.Aborts += o.Aborts
	s.Timeouts += o.Timeouts
	s.CacheHits += o.CacheHits
	s.CacheMisses += o.CacheMisses
	s.TerminationTime += o.TerminationTime
	s.StepTimes = append(s.StepTimes, o.StepTimes...)
}

// CycleStats summarizes a marking cycle.
type CycleStats struct {
	// Tasks is the sum over all tasks.
	Tasks TaskStats

	// MarkedObjects and LiveBytes are totals from the completed
	// bitmap and region liveness.
	MarkedObjects int
	LiveBytes     heap.Bytes

	// Overflows counts global mark stack overflows recovered during
	// concurrent marking. Restarts counts remarks that overflowed and
	// sent marking back to the concurrent phase.
	Overflows int
	Restarts  int

	RefsDiscovered int
	RefsCleared    int

	RebuiltRemSets   int
	ReclaimedRegions int
	ReclaimedBytes   heap.Bytes
	CSetCandidates   int

	InitialMarkPause time.Duration
	RemarkPause      time.Duration
	CleanupPause     time.Duration

	ConcurrentMark time.Duration
	Rebuild        time.Duration
	ClearBitmap    time.Duration
}

// Fprint writes a human-readable summary of s.
func (s *CycleStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "marked %d objects, %s live\n", s.MarkedObjects, s.LiveBytes)
	fmt.Fprintf(w, "pauses: initial-mark %s, remark %s, cleanup %s\n", s.InitialMarkPause, s.RemarkPause, s.CleanupPause)
	fmt.Fprintf(w, "concurrent: mark %s, rebuild %s, clear %s\n", s.ConcurrentMark, s.Rebuild, s.ClearBitmap)
	fmt.Fprintf(w, "overflows %d, restarts %d\n", s.Overflows, s.Restarts)
	fmt.Fprintf(w, "references: %d discovered, %d cleared\n", s.RefsDiscovered, s.RefsCleared)
	fmt.Fprintf(w, "regions: %d reclaimed (%s), %d remsets rebuilt, %d candidates\n", s.ReclaimedRegions, s.ReclaimedBytes, s.RebuiltRemSets, s.CSetCandidates)
	t := &s.Tasks
	fmt.Fprintf(w, "tasks: %d steps, %d aborts, %d timeouts, %d objects scanned, %s scanned\n", t.Steps, t.Aborts, t.Timeouts, t.ObjectsScanned, t.WordsScanned.Bytes())
	fmt.Fprintf(w, "work: %d pushes, %d steals, %d to global, %d from global, %d SATB buffers\n", t.Pushes, t.Steals, t.ToGlobal, t.FromGlobal, t.SATBBuffers)
}
