// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package remset implements per-region remembered sets.
//
// A remembered set summarizes the incoming references of one region as
// the set of cards, anywhere else in the heap, that may contain a
// reference into it. A partial collection of the region then only needs
// to scan those cards instead of the whole heap.
package remset

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// State is the tracking state of a remembered set.
type State uint32

const (
	// Untracked sets are not maintained; their contents are meaningless.
	Untracked State = iota
	// Updating sets are being rebuilt. Post-write barriers add to them
	// while a rebuild pass fills in references that existed earlier.
	Updating
	// Complete sets are fully maintained.
	Complete
)

func (s State) String() string {
	switch s {
	case Untracked:
		return "untracked"
	case Updating:
		return "updating"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// A Set is a concurrent set of card indices.
type Set struct {
	state atomic.Uint32

	mu    sync.Mutex
	cards map[uint64]struct{}
}

func New() *Set {
	return &Set{cards: make(map[uint64]struct{})}
}

func (s *Set) State() State {
	return State(s.state.Load())
}

func (s *Set) SetState(st State) {
	s.state.Store(uint32(st))
}

// IsTracked reports whether additions to s are meaningful.
func (s *Set) IsTracked() bool {
	return s.State() != Untracked
}

// Add records card. It is a no-op on untracked sets.
func (s *Set) Add(card uint64) {
	if !s.IsTracked() {
		return
	}
	s.mu.Lock()
	s.cards[card] = struct{}{}
	s.mu.Unlock()
}

func (s *Set) Contains(card uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cards[card]
	return ok
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards)
}

// Cards returns the recorded cards in ascending order.
func (s *Set) Cards() []uint64 {
	s.mu.Lock()
	out := make([]uint64, 0, len(s.cards))
	for c := range s.cards {
		out = append(out, c)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

// Clear drops every card but leaves the tracking state alone.
func (s *Set) Clear() {
	s.mu.Lock()
	clear(s.cards)
	s.mu.Unlock()
}
