// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"regionmark/heap"
)

// A statsCache accumulates a task's live word counts per region before
// adding them to the shared counters. It is direct-mapped by region
// index: an add for a region that conflicts with the cached one evicts
// the cached entry.
//
// Every task evicts its whole cache at the end of each marking step, so
// outside of steps the shared counters are exact. Regions are only
// reclaimed in pauses, when no step is running.
type statsCache struct {
	target  []atomic.Uint64
	entries []statsEntry
	mask    int

	hits, misses uint64
}

type statsEntry struct {
	region int // -1 if empty
	words  heap.Words
}

func newStatsCache(target []atomic.Uint64, size int) statsCache {
	if size <= 0 || bits.OnesCount(uint(size)) != 1 {
		panic(fmt.Sprintf("stats cache size %d is not a power of two", size))
	}
	c := statsCache{
		target:  target,
		entries: make([]statsEntry, size),
		mask:    size - 1,
	}
	c.reset()
	return c
}

func (c *statsCache) add(region int, words heap.Words) {
	e := &c.entries[region&c.mask]
	if e.region == region {
		c.hits++
	} else {
		c.misses++
		c.evict(e)
		e.region = region
	}
	e.words += words
}

func (c *statsCache) evict(e *statsEntry) {
	if e.region >= 0 && e.words != 0 {
		c.target[e.region].Add(uint64(e.words))
	}
	e.region = -1
	e.words = 0
}

// evictAll flushes every entry into the shared counters.
func (c *statsCache) evictAll() {
	for i := range c.entries {
		c.evict(&c.entries[i])
	}
}

// reset drops every entry without flushing it.
func (c *statsCache) reset() {
	for i := range c.entries {
		c.entries[i] = statsEntry{region: -1}
	}
}
