// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"log"
	"time"
)

// Config controls a ConcurrentMark.
type Config struct {
	// Workers is the number of marking tasks, and so the number of
	// goroutines used by the concurrent phases.
	Workers int

	// StepTarget is the time a concurrent marking step aims to run for
	// before giving the goroutine a chance to yield. The actual target
	// is reduced by how much recent steps overran theirs.
	StepTarget time.Duration

	// MarkStackSize and MarkStackMaxSize bound the global mark stack, in
	// entries. The stack starts at MarkStackSize and doubles on overflow
	// up to MarkStackMaxSize.
	MarkStackSize    int
	MarkStackMaxSize int

	// QueueSize is the capacity of each task's local queue. It must be
	// a power of two.
	QueueSize int

	// SATBBufferSize is the number of entries in each mutator's SATB
	// buffer. Concurrent marking stops to process completed buffers once
	// there are more than SATBProcessThreshold of them.
	SATBBufferSize       int
	SATBProcessThreshold int

	// StatsCacheSize is the number of entries in each task's live data
	// cache. It must be a power of two.
	StatsCacheSize int

	// SerialRemark makes remark use a single task.
	SerialRemark bool

	// ClearSoftRefs makes marking treat soft references like weak
	// references.
	ClearSoftRefs bool

	// RebuildLiveThreshold is the fraction of a region's size below
	// which an old region's live data must be for its remembered set to
	// be rebuilt, making it a collection set candidate.
	RebuildLiveThreshold float64

	// ForceOverflow is the number of global mark stack overflows to
	// inject during concurrent marking. It exists for testing overflow
	// recovery.
	ForceOverflow int

	// Logger receives phase transitions and pause times. If nil,
	// nothing is logged.
	Logger *log.Logger
}

func DefaultConfig() Config {
	return Config{
		Workers:    4,
		StepTarget: 10 * time.Millisecond,

		// 16 Ki entries is 128 KiB of stack, which is plenty for most
		// heaps. The maximum bounds the worst case at 32 MiB.
		MarkStackSize:    16 << 10,
		MarkStackMaxSize: 4 << 20,

		QueueSize: 16 << 10,

		SATBBufferSize:       1024,
		SATBProcessThreshold: 20,

		StatsCacheSize: 1024,

		RebuildLiveThreshold: 0.85,
	}
}
