// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap models a region-based managed heap.
//
// The heap is a single contiguous reservation divided into fixed-size
// regions. Objects are a header word followed by payload words; see
// [Header]. Every word is accessed atomically, since marking threads read
// reference fields while mutators write them.
package heap

import (
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"sync/atomic"
)

// Base is the address of the first heap word. It is deliberately far from
// zero so that small integers are never mistaken for references.
const Base Addr = 1 << 32

// Config sizes a heap.
type Config struct {
	// Capacity is the size of the heap reservation. It is rounded up to a
	// multiple of RegionBytes.
	Capacity Bytes

	// RegionBytes is the size of a region. It must be a power of two and
	// at least 4 KiB.
	RegionBytes Bytes
}

func DefaultConfig() Config {
	return Config{
		Capacity:    64 * MiB,
		RegionBytes: 256 * KiB,
	}
}

// ErrOutOfMemory is returned when no region can satisfy an allocation.
var ErrOutOfMemory = errors.New("heap: out of memory")

// A Resolver maps a reference to the current location of its object. It
// must be idempotent. Heaps that never move objects use the identity.
type Resolver func(Addr) Addr

// Heap is a region-based heap.
type Heap struct {
	mem   []byte
	words []uint64

	capacity       Bytes
	regionBytes    Bytes
	logRegionBytes uint

	regions RegionTable

	// Resolve is applied by load barriers. It defaults to the identity.
	Resolve Resolver
}

// New reserves a heap.
func New(cfg Config) (*Heap, error) {
	if cfg.RegionBytes < 4*KiB || bits.OnesCount64(uint64(cfg.RegionBytes)) != 1 {
		return nil, fmt.Errorf("heap: region size %s is not a power of two >= 4 KiB", cfg.RegionBytes)
	}
	nRegions := cfg.Capacity.CeilDiv(cfg.RegionBytes)
	if nRegions == 0 {
		return nil, fmt.Errorf("heap: capacity %s too small", cfg.Capacity)
	}
	capacity := cfg.RegionBytes.Mul(nRegions)
	mem, err := reserve(capacity)
	if err != nil {
		return nil, fmt.Errorf("heap: reserving %s: %w", capacity, err)
	}
	h := &Heap{
		mem:            mem,
		words:          CastSlice[uint64](mem),
		capacity:       capacity,
		regionBytes:    cfg.RegionBytes,
		logRegionBytes: uint(bits.TrailingZeros64(uint64(cfg.RegionBytes))),
		Resolve:        func(a Addr) Addr { return a },
	}
	h.regions.init(h, nRegions)
	return h, nil
}

// Close releases the heap's memory. The heap must not be used afterwards.
func (h *Heap) Close() error {
	mem := h.mem
	h.mem, h.words = nil, nil
	return release(mem)
}

func (h *Heap) Base() Addr              { return Base }
func (h *Heap) End() Addr               { return Base.Plus(h.capacity) }
func (h *Heap) Capacity() Bytes         { return h.capacity }
func (h *Heap) RegionBytes() Bytes      { return h.regionBytes }
func (h *Heap) RegionWords() Words      { return h.regionBytes.Words() }
func (h *Heap) Regions() *RegionTable   { return &h.regions }
func (h *Heap) Range() Range            { return Range{Base, h.capacity} }
func (h *Heap) Contains(a Addr) bool    { return a >= Base && a < h.End() }
func (h *Heap) NumCards() uint64        { return uint64(h.capacity) >> LogCardBytes }
func (h *Heap) CardOf(a Addr) uint64    { return a.Card(Base) }
func (h *Heap) CardStart(c uint64) Addr { return Base.Plus(Bytes(c << LogCardBytes)) }

// HumongousThreshold is the smallest object size, in words, that gets
// regions of its own.
func (h *Heap) HumongousThreshold() Words {
	return h.RegionWords() / 2
}

func (h *Heap) wordIndex(a Addr) int {
	if !h.Contains(a) || uint64(a)%uint64(WordBytes) != 0 {
		panic(fmt.Sprintf("address %s outside heap %s or misaligned", a, h.Range()))
	}
	return int(a.Minus(Base) >> LogWordBytes)
}

// LoadWord atomically loads the word at a.
func (h *Heap) LoadWord(a Addr) uint64 {
	return atomic.LoadUint64(&h.words[h.wordIndex(a)])
}

// StoreWord atomically stores the word at a.
func (h *Heap) StoreWord(a Addr, v uint64) {
	atomic.StoreUint64(&h.words[h.wordIndex(a)], v)
}

// Header returns the header of the object at obj.
func (h *Heap) Header(obj Addr) Header {
	hdr := Header(h.LoadWord(obj))
	if hdr.Kind() == KindInvalid {
		panic(fmt.Sprintf("no object at %s", obj))
	}
	return hdr
}

// Size returns the size of the object at obj.
func (h *Heap) Size(obj Addr) Words {
	return h.Header(obj).Size()
}

// Slot returns the address of obj's i'th reference field.
func (h *Heap) Slot(obj Addr, i int) Addr {
	hdr := h.Header(obj)
	if i < 0 || i >= hdr.NumRefs() {
		panic(fmt.Sprintf("reference field %d out of range for %s at %s", i, hdr, obj))
	}
	return obj.PlusWords(HeaderWords + Words(i))
}

// DataSlot returns the address of obj's i'th data word.
func (h *Heap) DataSlot(obj Addr, i int) Addr {
	hdr := h.Header(obj)
	nData := int(hdr.Size()-HeaderWords) - hdr.NumRefs()
	if i < 0 || i >= nData {
		panic(fmt.Sprintf("data word %d out of range for %s at %s", i, hdr, obj))
	}
	return obj.PlusWords(HeaderWords + Words(hdr.NumRefs()+i))
}

// LoadRef loads the reference stored in slot, without barriers.
func (h *Heap) LoadRef(slot Addr) Addr {
	return Addr(h.LoadWord(slot))
}

// StoreRef stores ref into slot, without barriers.
func (h *Heap) StoreRef(slot, ref Addr) {
	if ref != Null && !h.Contains(ref) {
		panic(fmt.Sprintf("storing non-heap reference %s", ref))
	}
	h.StoreWord(slot, uint64(ref))
}

// Field loads obj's i'th reference field, without barriers.
func (h *Heap) Field(obj Addr, i int) Addr {
	return h.LoadRef(h.Slot(obj, i))
}

// SetField stores obj's i'th reference field, without barriers.
func (h *Heap) SetField(obj Addr, i int, ref Addr) {
	h.StoreRef(h.Slot(obj, i), ref)
}

// Refs yields the (slot, value) pairs of obj's reference fields. For
// reference objects this includes the referent.
func (h *Heap) Refs(obj Addr) iter.Seq2[Addr, Addr] {
	return func(yield func(Addr, Addr) bool) {
		n := h.Header(obj).NumRefs()
		slot := obj.PlusWords(HeaderWords)
		for range n {
			if !yield(slot, h.LoadRef(slot)) {
				return
			}
			slot = slot.Plus(WordBytes)
		}
	}
}

// Objects yields the addresses of the objects in [from, to), which must
// start at an object boundary and be fully parsable.
func (h *Heap) Objects(from, to Addr) iter.Seq[Addr] {
	return func(yield func(Addr) bool) {
		for a := from; a < to; {
			size := h.Size(a)
			if !yield(a) {
				return
			}
			a = a.PlusWords(size)
		}
	}
}

// initObject writes the header of a freshly allocated object. The memory
// must already be zero.
func (h *Heap) initObject(obj Addr, hdr Header) {
	h.StoreWord(obj, uint64(hdr))
}

// clearRange zeroes [from, to). Pause only.
func (h *Heap) clearRange(from, to Addr) {
	if from == to {
		return
	}
	clear(h.words[h.wordIndex(from) : h.wordIndex(from)+int(to.Minus(from).Words())])
}
